package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"tubecast/internal/models"
	"tubecast/internal/observability/logging"
	"tubecast/internal/observability/metrics"
)

// State is the lifecycle position of the supervised encoder.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

const (
	// MessageCompleted is emitted when the encoder exits cleanly or on request.
	MessageCompleted = "Streaming completed"
	// MessageSessionEnded is always the last event of a run.
	MessageSessionEnded = "Session ended"
)

var (
	// ErrBusy is returned by Start unless the supervisor is idle.
	ErrBusy = errors.New("encoder is already running")
	// ErrInvalidRequest is returned when a start request is incomplete.
	ErrInvalidRequest = errors.New("invalid encoder request")
)

// Request describes one run of the encoder.
type Request struct {
	SessionID    string
	VideoPath    string
	IngestionKey string
	IngestionURL string
	Profile      Profile
}

// Event is one line of encoder output or a lifecycle message. Terminal is set
// only on the final event of a run.
type Event struct {
	Time      time.Time
	SessionID string
	Type      models.LogType
	Message   string
	Terminal  bool
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State     State     `json:"state"`
	SessionID string    `json:"sessionId,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Handle is returned by Start. Events yields every event of the run in order
// and is closed after the terminal event.
type Handle struct {
	sessionID string
	events    <-chan Event
}

// SessionID returns the session the run belongs to.
func (h *Handle) SessionID() string {
	return h.sessionID
}

// Events returns the run's event stream.
func (h *Handle) Events() <-chan Event {
	return h.events
}

type process struct {
	cmd           *exec.Cmd
	cancel        context.CancelFunc
	exited        chan struct{}
	stopRequested atomic.Bool
}

type commandFunc func(ctx context.Context, args []string) *exec.Cmd

// Supervisor owns at most one encoder child at a time.
type Supervisor struct {
	binary      string
	gracePeriod time.Duration
	bufferSize  int
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
	onChange    func(from, to State)
	command     commandFunc

	mu     sync.Mutex
	state  State
	status Status
	proc   *process
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithBinary sets the encoder executable. It is resolved from PATH.
func WithBinary(binary string) Option {
	return func(s *Supervisor) {
		if strings.TrimSpace(binary) != "" {
			s.binary = strings.TrimSpace(binary)
		}
	}
}

// WithGracePeriod sets how long Stop waits after SIGTERM before killing.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithEventBuffer sets the capacity of each run's event channel.
func WithEventBuffer(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the recorder that counts encoder output lines.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Supervisor) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTransitionHook registers fn to observe state changes. fn runs with the
// supervisor lock held and must not call back into the Supervisor.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(s *Supervisor) {
		s.onChange = fn
	}
}

// NewSupervisor constructs an idle Supervisor.
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		binary:      "ffmpeg",
		gracePeriod: 10 * time.Second,
		bufferSize:  64,
		metrics:     metrics.Default(),
		now:         time.Now,
		state:       StateIdle,
		status:      Status{State: StateIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = logging.WithComponent(s.logger, "encoder")
	if s.command == nil {
		s.command = func(ctx context.Context, args []string) *exec.Cmd {
			return exec.CommandContext(ctx, s.binary, args...)
		}
	}
	return s
}

func (s *Supervisor) setStateLocked(next State) {
	prev := s.state
	s.state = next
	s.status.State = next
	if s.onChange != nil && prev != next {
		s.onChange(prev, next)
	}
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Acknowledge returns a terminal supervisor to Idle so it can start again.
func (s *Supervisor) Acknowledge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		return
	}
	s.setStateLocked(StateIdle)
	s.status = Status{State: StateIdle}
}

// Start launches the encoder and returns without waiting for it. A launch
// failure is reported through the handle's events, not as an error.
func (s *Supervisor) Start(ctx context.Context, req Request) (*Handle, error) {
	req.VideoPath = strings.TrimSpace(req.VideoPath)
	req.IngestionKey = strings.TrimSpace(req.IngestionKey)
	if req.VideoPath == "" {
		return nil, fmt.Errorf("%w: video path is required", ErrInvalidRequest)
	}
	if req.IngestionKey == "" && strings.TrimSpace(req.IngestionURL) == "" {
		return nil, fmt.Errorf("%w: ingestion key is required", ErrInvalidRequest)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.status = Status{SessionID: req.SessionID, StartedAt: s.now()}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	events := make(chan Event, s.bufferSize)
	handle := &Handle{sessionID: req.SessionID, events: events}
	// ffmpeg echoes its output URL, so every line is scrubbed of the key.
	scrub := keyScrubber(req.IngestionKey)
	emit := func(kind models.LogType, message string, terminal bool) {
		events <- Event{Time: s.now(), SessionID: req.SessionID, Type: kind, Message: scrub(message), Terminal: terminal}
	}

	args := BuildArgs(req)
	logger := s.logger.With("session_id", req.SessionID, "stream_key", models.MaskKey(req.IngestionKey))

	// The child outlives the request that started it.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := s.command(procCtx, args)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.gracePeriod

	reader, writer, err := os.Pipe()
	if err == nil {
		cmd.Stdout = writer
		cmd.Stderr = writer
		err = cmd.Start()
		writer.Close()
		if err != nil {
			reader.Close()
		}
	}
	if err != nil {
		cancel()
		logger.Error("encoder launch failed", "error", err)
		s.mu.Lock()
		s.status.EndedAt = s.now()
		s.status.LastError = err.Error()
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		go func() {
			defer close(events)
			emit(models.LogError, fmt.Sprintf("Failed to start %s for session %s: %v", s.binary, req.SessionID, err), false)
			emit(models.LogInfo, MessageSessionEnded, true)
		}()
		return handle, nil
	}

	proc := &process{cmd: cmd, cancel: cancel, exited: make(chan struct{})}
	s.mu.Lock()
	s.proc = proc
	s.status.PID = cmd.Process.Pid
	s.setStateLocked(StateRunning)
	s.mu.Unlock()
	logger.Info("encoder started", "pid", cmd.Process.Pid)

	go func() {
		defer close(events)
		emit(models.LogInfo, "Starting "+describe(s.binary, args), false)

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(scanOutputLines)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			s.metrics.ObserveEncoderLine()
			emit(models.LogEncoder, line, false)
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("encoder output read failed", "error", err)
		}
		reader.Close()

		waitErr := cmd.Wait()
		cancel()
		close(proc.exited)
		s.finish(proc, waitErr, logger, emit)
	}()

	return handle, nil
}

func (s *Supervisor) finish(proc *process, waitErr error, logger *slog.Logger, emit func(models.LogType, string, bool)) {
	requested := proc.stopRequested.Load()
	failed := waitErr != nil && !requested

	s.mu.Lock()
	s.proc = nil
	s.status.EndedAt = s.now()
	if proc.cmd.ProcessState != nil {
		s.status.ExitCode = proc.cmd.ProcessState.ExitCode()
	}
	if failed {
		s.status.LastError = waitErr.Error()
		s.setStateLocked(StateFailed)
	} else {
		s.setStateLocked(StateStopped)
	}
	s.mu.Unlock()

	if failed {
		logger.Error("encoder exited with error", "error", waitErr)
		emit(models.LogError, fmt.Sprintf("ffmpeg exited with error: %v", waitErr), false)
	} else {
		logger.Info("encoder completed", "stop_requested", requested)
		emit(models.LogInfo, MessageCompleted, false)
	}
	emit(models.LogInfo, MessageSessionEnded, true)
}

// Stop terminates the running child and waits for it to exit or for ctx to
// end. It does nothing when no child is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	if proc == nil || s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	proc.stopRequested.Store(true)
	s.mu.Unlock()

	s.logger.Info("encoder stop requested", "pid", proc.cmd.Process.Pid)
	proc.cancel()
	select {
	case <-proc.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keyScrubber returns a func that replaces every occurrence of key with its
// masked form.
func keyScrubber(key string) func(string) string {
	if key == "" {
		return func(line string) string { return line }
	}
	replacer := strings.NewReplacer(key, models.MaskKey(key))
	return replacer.Replace
}

// scanOutputLines splits on either line terminator; ffmpeg rewrites its
// progress line with carriage returns.
func scanOutputLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
