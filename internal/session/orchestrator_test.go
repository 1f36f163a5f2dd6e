package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"tubecast/internal/auth/oauth"
	"tubecast/internal/encoder"
	"tubecast/internal/models"
	"tubecast/internal/observability/logging"
	"tubecast/internal/observability/metrics"
	"tubecast/internal/storage"
	"tubecast/internal/youtube"
)

const testKey = "abcd-efgh-ijkl-mnop"

// fakeGoogle serves both the token endpoint and the subset of the Data API
// the orchestrator drives.
type fakeGoogle struct {
	*httptest.Server

	mu        sync.Mutex
	failures  map[string]int
	exchanges atomic.Int32
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{failures: make(map[string]int)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeGoogle) fail(call string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status == 0 {
		delete(f.failures, call)
		return
	}
	f.failures[call] = status
}

func (f *fakeGoogle) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/token" {
		_ = r.ParseForm()
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			f.exchanges.Add(1)
			if r.Form.Get("code") != "good-code" || r.Form.Get("code_verifier") == "" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "access-2", "token_type": "Bearer", "expires_in": 3600})
		}
		return
	}

	call := r.Method + " " + r.URL.Path
	f.mu.Lock()
	status, failing := f.failures[call]
	f.mu.Unlock()
	if failing {
		writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": "injected failure"}})
		return
	}

	switch call {
	case "GET /youtube/v3/channels":
		if r.Header.Get("Authorization") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": 401, "message": "login required"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{map[string]any{"id": "UC-channel-a", "snippet": map[string]any{"title": "Channel A"}}}})
	case "POST /youtube/v3/liveStreams":
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "stream-1",
			"cdn": map[string]any{"ingestionInfo": map[string]any{
				"streamName":       testKey,
				"ingestionAddress": "rtmp://a.rtmp.youtube.com/live2",
			}},
		})
	case "POST /youtube/v3/liveBroadcasts":
		writeJSON(w, http.StatusOK, map[string]any{"id": "bcast-1"})
	case "POST /youtube/v3/liveBroadcasts/bind":
		writeJSON(w, http.StatusOK, map[string]any{"id": "bcast-1"})
	case "PUT /youtube/v3/videos":
		writeJSON(w, http.StatusOK, map[string]any{"id": "bcast-1"})
	case "GET /youtube/v3/liveBroadcasts":
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{
			map[string]any{"id": "b1", "snippet": map[string]any{"title": "Earlier"}, "status": map[string]any{"lifeCycleStatus": "complete"}},
		}})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

type transitionLog struct {
	mu    sync.Mutex
	steps []encoder.State
}

func (l *transitionLog) record(_, to encoder.State) {
	l.mu.Lock()
	l.steps = append(l.steps, to)
	l.mu.Unlock()
}

func (l *transitionLog) list() []encoder.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]encoder.State(nil), l.steps...)
}

type harness struct {
	orch        *Orchestrator
	google      *fakeGoogle
	store       storage.Repository
	supervisor  *encoder.Supervisor
	transitions *transitionLog
	metrics     *metrics.Recorder
	clock       *testClock
	dir         string
}

// encoderScript writes a shell script that stands in for ffmpeg.
func encoderScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	dir := t.TempDir()
	google := newFakeGoogle(t)
	recorder := metrics.New()
	clock := &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}

	store, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"), storage.WithLogger(logging.Discard()))
	require.NoError(t, err)

	manager, err := oauth.NewManager(oauth.ClientConfig{
		ClientID:     "client-123",
		ClientSecret: "secret-xyz",
		AuthURI:      "https://accounts.example.com/o/oauth2/auth",
		TokenURI:     google.URL + "/token",
		RedirectURIs: []string{"http://localhost:8080/oauth/callback"},
	}, oauth.WithHTTPClient(google.Client()))
	require.NoError(t, err)

	transitions := &transitionLog{}
	supervisor := encoder.NewSupervisor(
		encoder.WithBinary(encoderScript(t, dir, script)),
		encoder.WithGracePeriod(2*time.Second),
		encoder.WithLogger(logging.Discard()),
		encoder.WithMetrics(recorder),
		encoder.WithTransitionHook(transitions.record),
	)
	provisioner := youtube.NewProvisioner(
		youtube.WithLogger(logging.Discard()),
		youtube.WithMetrics(recorder),
		youtube.WithClientOptions(option.WithEndpoint(google.URL+"/")),
	)

	orch, err := New(Config{
		Store:   store,
		Auth:    manager,
		YouTube: provisioner,
		Encoder: supervisor,
		Logger:  logging.Discard(),
		Metrics: recorder,
		Clock:   clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	return &harness{
		orch:        orch,
		google:      google,
		store:       store,
		supervisor:  supervisor,
		transitions: transitions,
		metrics:     recorder,
		clock:       clock,
		dir:         dir,
	}
}

func (h *harness) videoFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(h.dir, "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0o644))
	return path
}

func (h *harness) authorize(t *testing.T) IdentitySummary {
	t.Helper()
	start, err := h.orch.BeginAuthorization(context.Background())
	require.NoError(t, err)
	identity, err := h.orch.CompleteAuthorization(context.Background(), start.State, "good-code", "")
	require.NoError(t, err)
	return identity
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.orch.Snapshot().Streaming
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopStreamWhenIdleRecordsNothing(t *testing.T) {
	h := newHarness(t, "exit 0")

	require.NoError(t, h.orch.StopStream(context.Background()))

	require.Empty(t, h.orch.Snapshot().Logs)
	logs, err := h.store.RecentLogs(context.Background(), storage.LogQuery{})
	require.NoError(t, err)
	require.Empty(t, logs)
	require.Empty(t, h.transitions.list())
}

// gatedSupervisor holds Start until release is closed so a stop can land
// while the encoder is still launching.
type gatedSupervisor struct {
	Supervisor
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSupervisor) Start(ctx context.Context, req encoder.Request) (*encoder.Handle, error) {
	close(g.entered)
	<-g.release
	return g.Supervisor.Start(ctx, req)
}

func TestStopStreamDuringLaunchIsApplied(t *testing.T) {
	h := newHarness(t, "exec sleep 30")
	gate := &gatedSupervisor{Supervisor: h.supervisor, entered: make(chan struct{}), release: make(chan struct{})}
	orch, err := New(Config{
		Store:   h.store,
		YouTube: h.orch.youtube,
		Encoder: gate,
		Logger:  logging.Discard(),
		Metrics: h.metrics,
		Clock:   h.clock.Now,
	})
	require.NoError(t, err)
	defer orch.Close(context.Background())

	_, err = orch.SetVideoSource(h.videoFile(t), encoder.ProfileLandscape, StreamMetadata{})
	require.NoError(t, err)
	_, err = orch.SetManualKey(testKey, "")
	require.NoError(t, err)

	started := make(chan error, 1)
	go func() {
		_, err := orch.StartStream(context.Background())
		started <- err
	}()
	<-gate.entered

	require.NoError(t, orch.StopStream(context.Background()))
	close(gate.release)
	require.NoError(t, <-started)

	require.Eventually(t, func() bool {
		return !orch.Snapshot().Streaming
	}, 5*time.Second, 10*time.Millisecond)

	var messages []string
	for _, event := range orch.Snapshot().Logs {
		messages = append(messages, event.Message)
	}
	require.Contains(t, messages, "Stream stop requested")
	require.Contains(t, messages, encoder.MessageCompleted)
}

func TestStartStreamRequiresVideoSource(t *testing.T) {
	h := newHarness(t, "exit 0")
	_, err := h.orch.SetManualKey(testKey, "")
	require.NoError(t, err)

	_, err = h.orch.StartStream(context.Background())
	require.ErrorIs(t, err, ErrMissingVideoSource)
	require.Equal(t, KindPrecondition, Classify(err))
	require.Empty(t, h.transitions.list())
	require.Equal(t, encoder.StateIdle, h.supervisor.Status().State)
}

func TestStartStreamRequiresStreamKey(t *testing.T) {
	h := newHarness(t, "exit 0")
	_, err := h.orch.SetVideoSource(h.videoFile(t), encoder.ProfileLandscape, StreamMetadata{})
	require.NoError(t, err)

	_, err = h.orch.StartStream(context.Background())
	require.ErrorIs(t, err, ErrMissingStreamKey)
	require.Equal(t, KindPrecondition, Classify(err))
	require.Empty(t, h.transitions.list())
}

func TestStreamRunsToCompletion(t *testing.T) {
	h := newHarness(t, "echo 'frame=  10 fps=30'\necho 'frame=  20 fps=30'\nexit 0")
	video := h.videoFile(t)
	_, err := h.orch.SetVideoSource(video, encoder.ProfileLandscape, StreamMetadata{Title: "Morning Show", Tags: []string{"live"}})
	require.NoError(t, err)
	_, err = h.orch.SetManualKey(testKey, "")
	require.NoError(t, err)

	id, err := h.orch.StartStream(context.Background())
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^session_20240501_090000_[0-9a-f]{8}$`), id)

	h.waitIdle(t)
	require.Equal(t, []encoder.State{
		encoder.StateStarting,
		encoder.StateRunning,
		encoder.StateStopped,
		encoder.StateIdle,
	}, h.transitions.list())
	require.Equal(t, int64(0), h.metrics.ActiveSessions())

	record, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SessionEnded, record.Status)
	require.NotNil(t, record.EndTime)
	require.Equal(t, video, record.VideoFile)
	require.Equal(t, "Morning Show", record.Title)

	logs, err := h.store.RecentLogs(context.Background(), storage.LogQuery{SessionID: id})
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	require.Equal(t, encoder.MessageSessionEnded, logs[0].Message)
	var lines []string
	for _, event := range logs {
		require.Equal(t, models.MaskKey(testKey), event.StreamKey)
		if event.Type == models.LogEncoder {
			lines = append(lines, event.Message)
		}
	}
	require.ElementsMatch(t, []string{"frame=  10 fps=30", "frame=  20 fps=30"}, lines)

	view := h.orch.Snapshot()
	require.Equal(t, id, view.SessionID)
	require.Equal(t, encoder.MessageSessionEnded, view.Logs[len(view.Logs)-1].Message)
}

func TestStopStreamEndsRunningEncoder(t *testing.T) {
	h := newHarness(t, "exec sleep 30")
	_, err := h.orch.SetVideoSource(h.videoFile(t), encoder.ProfileVertical, StreamMetadata{})
	require.NoError(t, err)
	_, err = h.orch.SetManualKey(testKey, "rtmp://b.rtmp.youtube.com/live2")
	require.NoError(t, err)

	id, err := h.orch.StartStream(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.supervisor.Status().State == encoder.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.orch.StartStream(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.StopStream(ctx))
	h.waitIdle(t)

	var messages []string
	for _, event := range h.orch.Snapshot().Logs {
		messages = append(messages, event.Message)
	}
	require.Contains(t, messages, "Stream stop requested")
	require.Contains(t, messages, encoder.MessageCompleted)

	record, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.SessionEnded, record.Status)
}

func TestFailedEncoderEndsSessionWithError(t *testing.T) {
	h := newHarness(t, "echo 'Connection refused' >&2\nexit 3")
	_, err := h.orch.SetVideoSource(h.videoFile(t), "", StreamMetadata{})
	require.NoError(t, err)
	_, err = h.orch.SetManualKey(testKey, "")
	require.NoError(t, err)

	id, err := h.orch.StartStream(context.Background())
	require.NoError(t, err)
	h.waitIdle(t)

	require.Contains(t, h.transitions.list(), encoder.StateFailed)
	logs, err := h.store.RecentLogs(context.Background(), storage.LogQuery{SessionID: id})
	require.NoError(t, err)
	var sawError bool
	for _, event := range logs {
		if event.Type == models.LogError {
			sawError = true
		}
	}
	require.True(t, sawError)
	require.Equal(t, encoder.StateIdle, h.supervisor.Status().State)
}

func TestCompleteAuthorizationRejectsDuplicateCode(t *testing.T) {
	h := newHarness(t, "exit 0")

	identity := h.authorize(t)
	require.Equal(t, "Channel A", identity.Name)
	require.Equal(t, "UC-channel-a", identity.ChannelID)

	start, err := h.orch.BeginAuthorization(context.Background())
	require.NoError(t, err)
	_, err = h.orch.CompleteAuthorization(context.Background(), start.State, "good-code", "other")
	require.ErrorIs(t, err, oauth.ErrCodeAlreadyUsed)
	require.Equal(t, KindAuth, Classify(err))
	require.Equal(t, int32(1), h.google.exchanges.Load())

	saved, err := h.store.ListIdentities(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	bundle, err := oauth.DecodeBundle(saved[0].OAuthMaterial)
	require.NoError(t, err)
	require.Equal(t, "refresh-1", bundle.RefreshToken)
}

func TestCompleteAuthorizationRejectsUnknownState(t *testing.T) {
	h := newHarness(t, "exit 0")

	_, err := h.orch.CompleteAuthorization(context.Background(), "forged", "good-code", "")
	require.ErrorIs(t, err, oauth.ErrStateInvalid)
	require.Equal(t, KindAuth, Classify(err))
	require.Equal(t, int32(0), h.google.exchanges.Load())
	require.Nil(t, h.orch.Snapshot().Identity)
}

func TestUseSavedIdentityBumpsLastUsed(t *testing.T) {
	h := newHarness(t, "exit 0")
	t1 := h.clock.Now()
	h.authorize(t)

	t2 := t1.Add(2 * time.Hour)
	h.clock.Set(t2)
	identity, err := h.orch.UseSavedIdentity(context.Background(), "Channel A")
	require.NoError(t, err)
	require.Equal(t, t2, identity.LastUsedAt)

	listed, err := h.orch.SavedIdentities(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "Channel A", listed[0].Name)
	require.True(t, listed[0].LastUsedAt.Equal(t2), "last used %s", listed[0].LastUsedAt)
	require.True(t, listed[0].CreatedAt.Equal(t1))
}

// slowSaveStore delays identity writes so a write left in the background
// would lose the race with the listing that follows.
type slowSaveStore struct {
	storage.Repository
	delay time.Duration
}

func (s slowSaveStore) SaveIdentity(ctx context.Context, identity models.Identity) (models.Identity, error) {
	time.Sleep(s.delay)
	return s.Repository.SaveIdentity(ctx, identity)
}

func TestUseSavedIdentityIsVisibleToTheNextListing(t *testing.T) {
	h := newHarness(t, "exit 0")
	t1 := h.clock.Now()
	h.authorize(t)

	orch, err := New(Config{
		Store:   slowSaveStore{Repository: h.store, delay: 100 * time.Millisecond},
		Auth:    h.orch.auth,
		YouTube: h.orch.youtube,
		Encoder: h.supervisor,
		Logger:  logging.Discard(),
		Metrics: h.metrics,
		Clock:   h.clock.Now,
	})
	require.NoError(t, err)
	defer orch.Close(context.Background())

	t2 := t1.Add(2 * time.Hour)
	h.clock.Set(t2)
	_, err = orch.UseSavedIdentity(context.Background(), "Channel A")
	require.NoError(t, err)

	listed, err := orch.SavedIdentities(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.True(t, listed[0].LastUsedAt.Equal(t2), "last used %s", listed[0].LastUsedAt)
	require.True(t, listed[0].Current)
}

func TestUseSavedIdentityWithUnusableMaterial(t *testing.T) {
	h := newHarness(t, "exit 0")
	material, err := oauth.Bundle{Kind: oauth.KindExchanged, AccessToken: "stale", TokenURI: h.google.URL + "/token"}.Encode()
	require.NoError(t, err)
	_, err = h.store.SaveIdentity(context.Background(), models.Identity{Name: "Broken", OAuthMaterial: material})
	require.NoError(t, err)

	_, err = h.orch.UseSavedIdentity(context.Background(), "Broken")
	require.ErrorIs(t, err, oauth.ErrInvalidCredentials)
	require.Equal(t, KindAuth, Classify(err))
	require.Nil(t, h.orch.Snapshot().Identity)
}

func TestUseSavedIdentityUnknownName(t *testing.T) {
	h := newHarness(t, "exit 0")

	_, err := h.orch.UseSavedIdentity(context.Background(), "nobody")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Equal(t, KindPrecondition, Classify(err))
}

func TestProvisionRequiresIdentity(t *testing.T) {
	h := newHarness(t, "exit 0")

	_, err := h.orch.Provision(context.Background(), ProvisionRequest{StreamMetadata: StreamMetadata{Title: "Show"}})
	require.ErrorIs(t, err, ErrNoIdentity)
	require.Equal(t, KindPrecondition, Classify(err))
}

func TestProvisionFailureKeepsPreviousResource(t *testing.T) {
	h := newHarness(t, "exit 0")
	h.authorize(t)
	_, err := h.orch.SetManualKey("manual-key-1234", "")
	require.NoError(t, err)

	h.google.fail("POST /youtube/v3/liveBroadcasts", http.StatusBadRequest)
	_, err = h.orch.Provision(context.Background(), ProvisionRequest{StreamMetadata: StreamMetadata{Title: "Show"}})
	require.ErrorIs(t, err, youtube.ErrProvisionFailed)
	require.Equal(t, KindProvision, Classify(err))

	view := h.orch.Snapshot()
	require.NotNil(t, view.Resource)
	require.Equal(t, models.MaskKey("manual-key-1234"), view.Resource.IngestionKey)
	require.Empty(t, view.Resource.WatchURL)

	h.google.fail("POST /youtube/v3/liveBroadcasts", 0)
	result, err := h.orch.Provision(context.Background(), ProvisionRequest{StreamMetadata: StreamMetadata{Title: "Show", Privacy: "Public"}})
	require.NoError(t, err)
	require.Equal(t, models.MaskKey(testKey), result.Resource.IngestionKey)
	require.Equal(t, "https://www.youtube.com/watch?v=bcast-1", result.Resource.WatchURL)
	require.Equal(t, "public", h.orch.Snapshot().Metadata.Privacy)
}

func TestProvisionRejectsEmptyTitle(t *testing.T) {
	h := newHarness(t, "exit 0")
	h.authorize(t)

	_, err := h.orch.Provision(context.Background(), ProvisionRequest{StreamMetadata: StreamMetadata{Title: "  "}})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Equal(t, KindPrecondition, Classify(err))
}

func TestSetManualKeyDefaultsIngestionURL(t *testing.T) {
	h := newHarness(t, "exit 0")

	_, err := h.orch.SetManualKey("  ", "")
	require.ErrorIs(t, err, ErrMissingStreamKey)

	resource, err := h.orch.SetManualKey(testKey, "")
	require.NoError(t, err)
	require.Equal(t, encoder.DefaultIngestionBase, resource.IngestionURL)
	require.Equal(t, models.MaskKey(testKey), resource.IngestionKey)
	require.False(t, resource.Complete())
}

func TestSetVideoSourceRejectsMissingFileAndDirectory(t *testing.T) {
	h := newHarness(t, "exit 0")

	_, err := h.orch.SetVideoSource(filepath.Join(h.dir, "absent.mp4"), encoder.ProfileLandscape, StreamMetadata{})
	require.ErrorIs(t, err, ErrVideoNotFound)
	_, err = h.orch.SetVideoSource(h.dir, encoder.ProfileLandscape, StreamMetadata{})
	require.ErrorIs(t, err, ErrVideoNotFound)
	require.Nil(t, h.orch.Snapshot().Video)
}

func TestListRecentBroadcasts(t *testing.T) {
	h := newHarness(t, "exit 0")
	require.Empty(t, h.orch.ListRecentBroadcasts(context.Background()))

	h.authorize(t)
	broadcasts := h.orch.ListRecentBroadcasts(context.Background())
	require.Len(t, broadcasts, 1)
	require.Equal(t, "b1", broadcasts[0].ID)
}

func TestDeleteIdentityClearsCurrent(t *testing.T) {
	h := newHarness(t, "exit 0")
	h.authorize(t)

	saved, err := h.orch.SavedIdentities(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.True(t, saved[0].Current)

	require.NoError(t, h.orch.DeleteIdentity(context.Background(), "Channel A"))
	require.Nil(t, h.orch.Snapshot().Identity)
	err = h.orch.DeleteIdentity(context.Background(), "Channel A")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubscribeReceivesCommandEvents(t *testing.T) {
	h := newHarness(t, "exit 0")
	events, cancel := h.orch.Subscribe()
	defer cancel()

	_, err := h.orch.SetManualKey(testKey, "")
	require.NoError(t, err)

	select {
	case event := <-events:
		require.Equal(t, models.LogInfo, event.Type)
		require.Equal(t, models.MaskKey(testKey), event.StreamKey)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBeginAuthorizationWithoutClient(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewJSONRepository(filepath.Join(dir, "store.json"), storage.WithLogger(logging.Discard()))
	require.NoError(t, err)
	orch, err := New(Config{
		Store:   store,
		YouTube: youtube.NewProvisioner(youtube.WithLogger(logging.Discard())),
		Encoder: encoder.NewSupervisor(encoder.WithLogger(logging.Discard())),
		Logger:  logging.Discard(),
		Metrics: metrics.New(),
	})
	require.NoError(t, err)
	defer orch.Close(context.Background())

	_, err = orch.BeginAuthorization(context.Background())
	require.ErrorIs(t, err, ErrOAuthNotConfigured)
	require.Equal(t, KindPrecondition, Classify(err))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
