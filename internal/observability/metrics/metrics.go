package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type stepLabel struct {
	step    string
	outcome string
}

// Recorder aggregates in-memory counters for HTTP requests, streaming
// sessions, encoder output, provisioning steps, and OAuth exchanges. The
// active session gauge is atomic so the drain goroutine can update it without
// taking the map lock.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	provisionSteps  map[stepLabel]uint64
	oauthExchanges  map[string]uint64
	encoderLines    atomic.Uint64
	activeSessions  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		provisionSteps:  make(map[stepLabel]uint64),
		oauthExchanges:  make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and duration by method, normalized
// path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a start event and raises the active session gauge.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionEnded records how a session finished ("stopped" or "failed") and
// lowers the active session gauge without going negative.
func (r *Recorder) SessionEnded(outcome string) {
	r.incrementSessionEvent(outcome)
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveEncoderLine counts a line of encoder output.
func (r *Recorder) ObserveEncoderLine() {
	r.encoderLines.Add(1)
}

// ObserveProvisionStep records the outcome ("ok" or "failed") of one step of
// the remote provisioning sequence.
func (r *Recorder) ObserveProvisionStep(step, outcome string) {
	label := stepLabel{step: normalizeName(step), outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.provisionSteps[label]++
	r.mu.Unlock()
}

// ObserveOAuthExchange records an authorization code exchange outcome.
func (r *Recorder) ObserveOAuthExchange(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.oauthExchanges[normalized]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge value.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ProvisionCount returns the counter for a step and outcome pair.
func (r *Recorder) ProvisionCount(step, outcome string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.provisionSteps[stepLabel{step: normalizeName(step), outcome: normalizeName(outcome)}]
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.provisionSteps = make(map[stepLabel]uint64)
	r.oauthExchanges = make(map[string]uint64)
	r.encoderLines.Store(0)
	r.activeSessions.Store(0)
}

// Handler serves the Recorder in Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders every family in Prometheus text format. Label sets are
// sorted so scrapes diff cleanly.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requests := r.sortedRequestLabels()
	requestSample := func(label requestLabel) string {
		return fmt.Sprintf(`method=%q,path=%q,status=%q`, label.method, label.path, label.status)
	}

	header(w, "http_requests_total", "counter", "Total number of HTTP requests processed")
	for _, label := range requests {
		sample(w, "http_requests_total", requestSample(label), r.requestCount[label])
	}
	header(w, "http_request_duration_seconds_sum", "counter", "Cumulative duration of HTTP requests in seconds")
	for _, label := range requests {
		sample(w, "http_request_duration_seconds_sum", requestSample(label), fmt.Sprintf("%f", r.requestDuration[label].Seconds()))
	}

	header(w, "session_events_total", "counter", "Streaming session lifecycle events by type")
	for _, event := range sortedKeys(r.sessionEvents) {
		sample(w, "session_events_total", fmt.Sprintf("event=%q", event), r.sessionEvents[event])
	}
	header(w, "active_sessions", "gauge", "Streaming sessions with a running encoder")
	sample(w, "active_sessions", "", r.activeSessions.Load())
	header(w, "encoder_lines_total", "counter", "Lines of encoder output forwarded")
	sample(w, "encoder_lines_total", "", r.encoderLines.Load())

	header(w, "provision_steps_total", "counter", "Remote provisioning steps by outcome")
	for _, label := range r.sortedStepLabels() {
		sample(w, "provision_steps_total", fmt.Sprintf("step=%q,outcome=%q", label.step, label.outcome), r.provisionSteps[label])
	}
	header(w, "oauth_exchanges_total", "counter", "Authorization code exchanges by outcome")
	for _, outcome := range sortedKeys(r.oauthExchanges) {
		sample(w, "oauth_exchanges_total", fmt.Sprintf("outcome=%q", outcome), r.oauthExchanges[outcome])
	}
}

const namespace = "tubecast_"

func header(w io.Writer, name, kind, help string) {
	fmt.Fprintf(w, "# HELP %s%s %s\n# TYPE %s%s %s\n", namespace, name, help, namespace, name, kind)
}

func sample(w io.Writer, name, labels string, value any) {
	if labels == "" {
		fmt.Fprintf(w, "%s%s %v\n", namespace, name, value)
		return
	}
	fmt.Fprintf(w, "%s%s{%s} %v\n", namespace, name, labels, value)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedStepLabels() []stepLabel {
	labels := make([]stepLabel, 0, len(r.provisionSteps))
	for label := range r.provisionSteps {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].step != labels[j].step {
			return labels[i].step < labels[j].step
		}
		return labels[i].outcome < labels[j].outcome
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier keeps broadcast ids and channel names out of the label
// space. Fixed route segments are short words without digits.
func looksLikeIdentifier(segment string) bool {
	switch segment {
	case "api", "oauth", "callback", "start", "stop", "state", "healthz", "metrics",
		"identities", "broadcasts", "recover", "provision", "stream", "stream-key",
		"video", "logs", "ws", "sessions", "categories", "use":
		return false
	}
	if len(segment) >= 8 {
		return true
	}
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
