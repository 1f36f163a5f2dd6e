package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"tubecast/internal/auth/oauth"
	"tubecast/internal/encoder"
	"tubecast/internal/models"
	"tubecast/internal/observability/logging"
	"tubecast/internal/observability/metrics"
	"tubecast/internal/storage"
	"tubecast/internal/youtube"
)

const (
	defaultPoolSize    = 4
	pendingStopTimeout = 15 * time.Second
)

// Authorizer runs the OAuth code flow. *oauth.Manager satisfies it.
type Authorizer interface {
	Begin(returnTo string) (oauth.BeginResult, error)
	RedeemState(state string) (oauth.StateData, error)
	Exchange(ctx context.Context, code, verifier string) (oauth.Bundle, error)
	Client(bundle oauth.Bundle) (*oauth.ClientHandle, error)
}

// Provisioner talks to the video host. *youtube.Provisioner satisfies it.
type Provisioner interface {
	ProvisionNew(ctx context.Context, client *http.Client, b youtube.Broadcast) (youtube.Provisioned, error)
	RecoverExisting(ctx context.Context, client *http.Client, broadcastID string) (models.LiveResource, error)
	MintStandaloneKey(ctx context.Context, client *http.Client) (models.LiveResource, error)
	ListRecentBroadcasts(ctx context.Context, client *http.Client, limit int) []models.BroadcastSummary
	FetchIdentity(ctx context.Context, client *http.Client) (models.ChannelInfo, error)
}

// Supervisor runs the encoder. *encoder.Supervisor satisfies it.
type Supervisor interface {
	Start(ctx context.Context, req encoder.Request) (*encoder.Handle, error)
	Stop(ctx context.Context) error
	Status() encoder.Status
	Acknowledge()
}

// Config wires an Orchestrator. Store, YouTube and Encoder are required.
// Auth may be nil when no client registration is configured; saved
// identities still work in that case.
type Config struct {
	Store    storage.Repository
	Auth     Authorizer
	Ledger   oauth.CodeLedger
	Sealer   *oauth.Sealer
	YouTube  Provisioner
	Encoder  Supervisor
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Clock    func() time.Time
	TailSize int
	// PoolSize bounds concurrent command log writes.
	PoolSize int
}

// StreamMetadata describes the broadcast a session is recorded under.
type StreamMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	CategoryID  string   `json:"categoryId"`
	Privacy     string   `json:"privacy"`
	MadeForKids bool     `json:"madeForKids"`
}

// ProvisionRequest is the input to Provision.
type ProvisionRequest struct {
	StreamMetadata
	ScheduledStart time.Time
}

// ProvisionResult is the masked outcome of a provisioning command.
type ProvisionResult struct {
	Resource        models.LiveResource `json:"resource"`
	MetadataWarning string              `json:"metadataWarning,omitempty"`
}

// AuthorizationStart carries the consent URL for the operator to open.
type AuthorizationStart struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// IdentitySummary is a saved identity without its credential material.
type IdentitySummary struct {
	Name       string    `json:"name"`
	ChannelID  string    `json:"channelId"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Current    bool      `json:"current"`
}

// VideoSource is the file and geometry the next stream will use.
type VideoSource struct {
	Path    string          `json:"path"`
	Profile encoder.Profile `json:"profile"`
}

// View is the orchestrator's read model. Stream keys are masked.
type View struct {
	Identity        *IdentitySummary     `json:"identity,omitempty"`
	Resource        *models.LiveResource `json:"resource,omitempty"`
	MetadataWarning string               `json:"metadataWarning,omitempty"`
	Video           *VideoSource         `json:"video,omitempty"`
	Metadata        StreamMetadata       `json:"metadata"`
	Encoder         encoder.Status       `json:"encoder"`
	Streaming       bool                 `json:"streaming"`
	SessionID       string               `json:"sessionId,omitempty"`
	Logs            []models.LogEvent    `json:"logs"`
}

type activeIdentity struct {
	name      string
	channelID string
	createdAt time.Time
	lastUsed  time.Time
	handle    *oauth.ClientHandle
}

type activeStream struct {
	session models.StreamingSession
	key     string
	handle  *encoder.Handle
	done    chan struct{}
	// stopPending is set when a stop arrives before the encoder handle.
	stopPending bool
}

// state is everything the orchestrator knows about the current operator
// session. It is only touched with Orchestrator.mu held.
type state struct {
	identity        *activeIdentity
	resource        models.LiveResource
	metadataWarning string
	video           *VideoSource
	metadata        StreamMetadata
	stream          *activeStream
	lastSessionID   string
}

// Orchestrator sequences authorisation, provisioning and encoding for a
// single broadcast at a time.
type Orchestrator struct {
	store   storage.Repository
	auth    Authorizer
	ledger  oauth.CodeLedger
	sealer  *oauth.Sealer
	youtube Provisioner
	encoder Supervisor
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	tail    *logTail
	pool    *ants.Pool

	mu    sync.Mutex
	state state
}

type poolLogger struct {
	logger *slog.Logger
}

func (l poolLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// New validates cfg and constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.YouTube == nil {
		return nil, fmt.Errorf("youtube provisioner is required")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("encoder supervisor is required")
	}
	logger := logging.WithComponent(cfg.Logger, "session")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = oauth.NewMemoryCodeLedger(oauth.DefaultCodeTTL)
	}
	sealer := cfg.Sealer
	if sealer == nil {
		sealer, _ = oauth.NewSealer("")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}
	pool, err := ants.NewPool(size,
		ants.WithLogger(poolLogger{logger: logger}),
		ants.WithPanicHandler(func(p any) {
			logger.Error("background task panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create task pool: %w", err)
	}
	return &Orchestrator{
		store:   cfg.Store,
		auth:    cfg.Auth,
		ledger:  ledger,
		sealer:  sealer,
		youtube: cfg.YouTube,
		encoder: cfg.Encoder,
		logger:  logger,
		metrics: recorder,
		now:     clock,
		tail:    newLogTail(cfg.TailSize),
		pool:    pool,
	}, nil
}

// Close stops any running stream, waits for its events to drain, and then
// waits for background tasks until ctx ends.
func (o *Orchestrator) Close(ctx context.Context) error {
	stopErr := o.StopStream(ctx)

	o.mu.Lock()
	stream := o.state.stream
	o.mu.Unlock()
	if stream != nil {
		select {
		case <-stream.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timeout := time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := o.pool.ReleaseTimeout(timeout); err != nil {
		o.logger.Warn("background tasks still running at shutdown", "error", err)
	}
	return stopErr
}

// submit runs fn on the background pool. Tasks are best-effort; if the pool
// is closed the task is dropped with a warning.
func (o *Orchestrator) submit(name string, fn func()) {
	if err := o.pool.Submit(fn); err != nil {
		o.logger.Warn("background task dropped", "task", name, "error", err)
	}
}

// record publishes a command-level event to the tail and persists it in the
// background.
func (o *Orchestrator) record(kind models.LogType, message string) {
	o.mu.Lock()
	event := models.LogEvent{
		Timestamp: o.now().UTC(),
		SessionID: o.currentSessionIDLocked(),
		Type:      kind,
		Message:   message,
	}
	if o.state.identity != nil {
		event.ChannelName = o.state.identity.name
	}
	if o.state.video != nil {
		event.VideoFile = o.state.video.Path
	}
	if o.state.resource.IngestionKey != "" {
		event.StreamKey = models.MaskKey(o.state.resource.IngestionKey)
	}
	o.mu.Unlock()

	o.tail.publish(event)
	o.submit("append log", func() {
		o.persistLog(context.Background(), event)
	})
}

func (o *Orchestrator) persistLog(ctx context.Context, event models.LogEvent) {
	if _, err := o.store.AppendLog(ctx, event); err != nil {
		o.logger.Warn("log event not persisted", "session_id", event.SessionID, "error", &Error{Kind: KindPersistence, Op: "append log", Err: err})
	}
}

func (o *Orchestrator) currentSessionIDLocked() string {
	if o.state.stream != nil {
		return o.state.stream.session.ID
	}
	return o.state.lastSessionID
}

func (o *Orchestrator) currentClient() (*http.Client, *activeIdentity) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.identity == nil {
		return nil, nil
	}
	return o.state.identity.handle.HTTP, o.state.identity
}

func (o *Orchestrator) clientFor(bundle oauth.Bundle) (*oauth.ClientHandle, error) {
	if o.auth != nil {
		return o.auth.Client(bundle)
	}
	return oauth.NewClientHandle(bundle, nil)
}

func (o *Orchestrator) sealBundle(bundle oauth.Bundle) ([]byte, error) {
	encoded, err := bundle.Encode()
	if err != nil {
		return nil, err
	}
	return o.sealer.Seal(encoded)
}

// BeginAuthorization issues a state token and the consent URL that carries it.
func (o *Orchestrator) BeginAuthorization(_ context.Context) (AuthorizationStart, error) {
	const op = "begin authorization"
	if o.auth == nil {
		return AuthorizationStart{}, precondition(op, ErrOAuthNotConfigured)
	}
	result, err := o.auth.Begin("")
	if err != nil {
		return AuthorizationStart{}, wrap(op, err)
	}
	return AuthorizationStart{URL: result.URL, State: result.State}, nil
}

// CompleteAuthorization redeems an authorization code and makes the
// resulting channel current. The code is claimed before it is exchanged, so
// a second delivery of the same code fails with oauth.ErrCodeAlreadyUsed and
// changes nothing. name may be empty, in which case the channel title is
// used.
func (o *Orchestrator) CompleteAuthorization(ctx context.Context, stateToken, code, name string) (IdentitySummary, error) {
	const op = "complete authorization"
	if o.auth == nil {
		return IdentitySummary{}, precondition(op, ErrOAuthNotConfigured)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return IdentitySummary{}, precondition(op, fmt.Errorf("%w: authorization code is required", ErrInvalidInput))
	}

	claimed, err := o.ledger.Claim(ctx, code)
	if err != nil {
		return IdentitySummary{}, &Error{Kind: KindRemoteUnavailable, Op: op, Err: err}
	}
	if !claimed {
		o.metrics.ObserveOAuthExchange("duplicate")
		o.logger.Warn("authorization code delivered twice")
		return IdentitySummary{}, wrap(op, oauth.ErrCodeAlreadyUsed)
	}
	pending, err := o.auth.RedeemState(stateToken)
	if err != nil {
		return IdentitySummary{}, wrap(op, err)
	}

	bundle, err := o.auth.Exchange(ctx, code, pending.Verifier)
	if err != nil {
		o.metrics.ObserveOAuthExchange("failed")
		return IdentitySummary{}, wrap(op, err)
	}
	o.metrics.ObserveOAuthExchange("ok")

	return o.authenticate(ctx, op, bundle, name)
}

func (o *Orchestrator) authenticate(ctx context.Context, op string, bundle oauth.Bundle, name string) (IdentitySummary, error) {
	handle, err := o.clientFor(bundle)
	if err != nil {
		return IdentitySummary{}, wrap(op, err)
	}
	info, err := o.youtube.FetchIdentity(ctx, handle.HTTP)
	if err != nil {
		return IdentitySummary{}, wrap(op, err)
	}

	name = storage.NormalizeName(name)
	if name == "" {
		name = storage.NormalizeName(info.Title)
	}
	if name == "" {
		name = info.ID
	}
	if latest, err := handle.Bundle(); err == nil {
		bundle = latest
	}

	now := o.now().UTC()
	identity := models.Identity{Name: name, ChannelID: info.ID, CreatedAt: now, LastUsedAt: now}
	material, err := o.sealBundle(bundle)
	if err != nil {
		return IdentitySummary{}, wrap(op, err)
	}
	identity.OAuthMaterial = material
	if saved, err := o.store.SaveIdentity(ctx, identity); err != nil {
		o.logger.Error("identity not persisted", "channel_name", name, "error", &Error{Kind: KindPersistence, Op: op, Err: err})
	} else {
		identity = saved
	}

	o.mu.Lock()
	o.state.identity = &activeIdentity{
		name:      identity.Name,
		channelID: identity.ChannelID,
		createdAt: identity.CreatedAt,
		lastUsed:  identity.LastUsedAt,
		handle:    handle,
	}
	o.mu.Unlock()

	o.logger.Info("channel authorised", "channel_name", identity.Name, "channel_id", identity.ChannelID)
	o.record(models.LogInfo, fmt.Sprintf("Authenticated as %s", identity.Name))
	return IdentitySummary{
		Name:       identity.Name,
		ChannelID:  identity.ChannelID,
		CreatedAt:  identity.CreatedAt,
		LastUsedAt: identity.LastUsedAt,
		Current:    true,
	}, nil
}

// UseSavedIdentity makes a stored channel current. Stored material that can
// no longer authenticate fails with an auth error asking for
// re-authorisation. On success the possibly refreshed token is written back
// and last-used is bumped before returning. A failed write is logged only.
func (o *Orchestrator) UseSavedIdentity(ctx context.Context, name string) (IdentitySummary, error) {
	const op = "use saved identity"
	identity, err := o.store.GetIdentity(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return IdentitySummary{}, precondition(op, err)
		}
		return IdentitySummary{}, &Error{Kind: KindPersistence, Op: op, Err: err}
	}
	plain, err := o.sealer.Open(identity.OAuthMaterial)
	if err != nil {
		return IdentitySummary{}, wrap(op, err)
	}
	bundle, err := oauth.DecodeBundle(plain)
	if err != nil {
		return IdentitySummary{}, wrap(op, err)
	}
	handle, err := o.clientFor(bundle)
	if err != nil {
		return IdentitySummary{}, wrap(op, err)
	}
	info, err := o.youtube.FetchIdentity(ctx, handle.HTTP)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidCredentials) {
			return IdentitySummary{}, &Error{Kind: KindAuth, Op: op, Err: fmt.Errorf("re-authorise %s: %w", identity.Name, err)}
		}
		return IdentitySummary{}, wrap(op, err)
	}

	now := o.now().UTC()
	if info.ID != "" {
		identity.ChannelID = info.ID
	}
	identity.LastUsedAt = now
	if latest, err := handle.Bundle(); err == nil {
		if material, err := o.sealBundle(latest); err == nil {
			identity.OAuthMaterial = material
		}
	}

	o.mu.Lock()
	o.state.identity = &activeIdentity{
		name:      identity.Name,
		channelID: identity.ChannelID,
		createdAt: identity.CreatedAt,
		lastUsed:  now,
		handle:    handle,
	}
	o.mu.Unlock()

	if _, err := o.store.SaveIdentity(ctx, identity); err != nil {
		o.logger.Warn("identity refresh not persisted", "channel_name", identity.Name, "error", &Error{Kind: KindPersistence, Op: op, Err: err})
	}

	o.logger.Info("saved channel selected", "channel_name", identity.Name)
	o.record(models.LogInfo, fmt.Sprintf("Using saved channel %s", identity.Name))
	return IdentitySummary{
		Name:       identity.Name,
		ChannelID:  identity.ChannelID,
		CreatedAt:  identity.CreatedAt,
		LastUsedAt: now,
		Current:    true,
	}, nil
}

// SavedIdentities lists stored channels, most recently used first.
func (o *Orchestrator) SavedIdentities(ctx context.Context) ([]IdentitySummary, error) {
	identities, err := o.store.ListIdentities(ctx)
	if err != nil {
		return nil, &Error{Kind: KindPersistence, Op: "list identities", Err: err}
	}
	o.mu.Lock()
	current := ""
	if o.state.identity != nil {
		current = o.state.identity.name
	}
	o.mu.Unlock()

	out := make([]IdentitySummary, 0, len(identities))
	for _, identity := range identities {
		out = append(out, IdentitySummary{
			Name:       identity.Name,
			ChannelID:  identity.ChannelID,
			CreatedAt:  identity.CreatedAt,
			LastUsedAt: identity.LastUsedAt,
			Current:    identity.Name == current,
		})
	}
	return out, nil
}

// DeleteIdentity removes a stored channel. If it is current it stops being
// current; a running stream is not affected.
func (o *Orchestrator) DeleteIdentity(ctx context.Context, name string) error {
	const op = "delete identity"
	name = storage.NormalizeName(name)
	if err := o.store.DeleteIdentity(ctx, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return precondition(op, err)
		}
		return &Error{Kind: KindPersistence, Op: op, Err: err}
	}
	o.mu.Lock()
	if o.state.identity != nil && o.state.identity.name == name {
		o.state.identity = nil
	}
	o.mu.Unlock()
	o.logger.Info("saved channel deleted", "channel_name", name)
	return nil
}

// Provision creates and binds a new broadcast for the current identity. On
// failure the previous resource is kept.
func (o *Orchestrator) Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error) {
	const op = "provision"
	client, _ := o.currentClient()
	if client == nil {
		return ProvisionResult{}, precondition(op, ErrNoIdentity)
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return ProvisionResult{}, precondition(op, fmt.Errorf("%w: title is required", ErrInvalidInput))
	}
	category, err := youtube.NormalizeCategory(req.CategoryID)
	if err != nil {
		return ProvisionResult{}, precondition(op, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	privacy, err := youtube.NormalizePrivacy(req.Privacy)
	if err != nil {
		return ProvisionResult{}, precondition(op, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	req.CategoryID = category
	req.Privacy = privacy

	result, err := o.youtube.ProvisionNew(ctx, client, youtube.Broadcast{
		Title:          req.Title,
		Description:    req.Description,
		ScheduledStart: req.ScheduledStart,
		Tags:           req.Tags,
		CategoryID:     req.CategoryID,
		Privacy:        req.Privacy,
		MadeForKids:    req.MadeForKids,
	})
	if err != nil {
		o.record(models.LogError, fmt.Sprintf("Broadcast creation failed: %v", err))
		return ProvisionResult{}, wrap(op, err)
	}

	o.mu.Lock()
	o.state.resource = result.LiveResource
	o.state.metadataWarning = result.MetadataWarning
	o.state.metadata = req.StreamMetadata
	o.mu.Unlock()

	o.record(models.LogInfo, fmt.Sprintf("Broadcast created: %s", result.WatchURL))
	if result.MetadataWarning != "" {
		o.record(models.LogWarn, result.MetadataWarning)
	}
	return ProvisionResult{Resource: result.Masked(), MetadataWarning: result.MetadataWarning}, nil
}

// RecoverBroadcast reuses an existing broadcast's bound stream.
func (o *Orchestrator) RecoverBroadcast(ctx context.Context, broadcastID string) (models.LiveResource, error) {
	const op = "recover broadcast"
	client, _ := o.currentClient()
	if client == nil {
		return models.LiveResource{}, precondition(op, ErrNoIdentity)
	}
	broadcastID = strings.TrimSpace(broadcastID)
	if broadcastID == "" {
		return models.LiveResource{}, precondition(op, fmt.Errorf("%w: broadcast id is required", ErrInvalidInput))
	}
	resource, err := o.youtube.RecoverExisting(ctx, client, broadcastID)
	if err != nil {
		return models.LiveResource{}, wrap(op, err)
	}
	o.replaceResource(resource)
	o.record(models.LogInfo, fmt.Sprintf("Recovered broadcast %s", broadcastID))
	return resource.Masked(), nil
}

// MintStandaloneKey creates a lone stream key without a broadcast.
func (o *Orchestrator) MintStandaloneKey(ctx context.Context) (models.LiveResource, error) {
	const op = "mint stream key"
	client, _ := o.currentClient()
	if client == nil {
		return models.LiveResource{}, precondition(op, ErrNoIdentity)
	}
	resource, err := o.youtube.MintStandaloneKey(ctx, client)
	if err != nil {
		return models.LiveResource{}, wrap(op, err)
	}
	o.replaceResource(resource)
	o.record(models.LogInfo, "Stream key generated")
	return resource.Masked(), nil
}

// SetManualKey uses an operator-supplied stream key. No identity is needed.
func (o *Orchestrator) SetManualKey(key, ingestionURL string) (models.LiveResource, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return models.LiveResource{}, precondition("set stream key", ErrMissingStreamKey)
	}
	ingestionURL = strings.TrimSpace(ingestionURL)
	if ingestionURL == "" {
		ingestionURL = encoder.DefaultIngestionBase
	}
	resource := models.LiveResource{IngestionKey: key, IngestionURL: ingestionURL}
	o.replaceResource(resource)
	o.record(models.LogInfo, "Manual stream key set")
	return resource.Masked(), nil
}

func (o *Orchestrator) replaceResource(resource models.LiveResource) {
	o.mu.Lock()
	o.state.resource = resource
	o.state.metadataWarning = ""
	o.mu.Unlock()
}

// SetVideoSource selects the file to stream and the metadata the session is
// recorded under. The path must name an existing regular file.
func (o *Orchestrator) SetVideoSource(path string, profile encoder.Profile, meta StreamMetadata) (VideoSource, error) {
	const op = "set video source"
	path = strings.TrimSpace(path)
	if path == "" {
		return VideoSource{}, precondition(op, ErrMissingVideoSource)
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return VideoSource{}, precondition(op, fmt.Errorf("%w: %s", ErrVideoNotFound, path))
	}
	if profile == "" {
		profile = encoder.ProfileLandscape
	}
	if meta.CategoryID != "" {
		category, err := youtube.NormalizeCategory(meta.CategoryID)
		if err != nil {
			return VideoSource{}, precondition(op, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
		meta.CategoryID = category
	}
	if meta.Privacy != "" {
		privacy, err := youtube.NormalizePrivacy(meta.Privacy)
		if err != nil {
			return VideoSource{}, precondition(op, fmt.Errorf("%w: %v", ErrInvalidInput, err))
		}
		meta.Privacy = privacy
	}

	source := VideoSource{Path: path, Profile: profile}
	o.mu.Lock()
	o.state.video = &source
	if meta.Title != "" || meta.Description != "" || len(meta.Tags) > 0 || meta.CategoryID != "" || meta.Privacy != "" || meta.MadeForKids {
		o.state.metadata = meta
	}
	o.mu.Unlock()
	return source, nil
}

// StartStream launches the encoder against the current resource. Missing
// video or key fail before the supervisor is touched.
func (o *Orchestrator) StartStream(ctx context.Context) (string, error) {
	const op = "start stream"
	o.mu.Lock()
	switch {
	case o.state.video == nil:
		o.mu.Unlock()
		return "", precondition(op, ErrMissingVideoSource)
	case o.state.resource.IngestionKey == "":
		o.mu.Unlock()
		return "", precondition(op, ErrMissingStreamKey)
	case o.state.stream != nil:
		o.mu.Unlock()
		return "", precondition(op, ErrBusy)
	}
	now := o.now().UTC()
	record := models.StreamingSession{
		ID:            NewSessionID(now),
		StartTime:     now,
		VideoFile:     o.state.video.Path,
		Title:         o.state.metadata.Title,
		Description:   o.state.metadata.Description,
		Tags:          append([]string(nil), o.state.metadata.Tags...),
		Category:      o.state.metadata.CategoryID,
		PrivacyStatus: o.state.metadata.Privacy,
		MadeForKids:   o.state.metadata.MadeForKids,
		Status:        models.SessionActive,
	}
	if o.state.identity != nil {
		record.ChannelName = o.state.identity.name
	}
	resource := o.state.resource
	profile := o.state.video.Profile
	stream := &activeStream{session: record, key: resource.IngestionKey, done: make(chan struct{})}
	o.state.stream = stream
	o.mu.Unlock()

	logger := o.logger.With("session_id", record.ID)
	if err := o.store.UpsertSession(ctx, record); err != nil {
		logger.Warn("session record not persisted", "error", &Error{Kind: KindPersistence, Op: op, Err: err})
	}

	handle, err := o.encoder.Start(logging.ContextWithSessionID(ctx, record.ID), encoder.Request{
		SessionID:    record.ID,
		VideoPath:    record.VideoFile,
		IngestionKey: resource.IngestionKey,
		IngestionURL: resource.IngestionURL,
		Profile:      profile,
	})
	if err != nil {
		o.mu.Lock()
		o.state.stream = nil
		o.mu.Unlock()
		end := o.now().UTC()
		record.EndTime = &end
		record.Status = models.SessionEnded
		if perr := o.store.UpsertSession(context.Background(), record); perr != nil {
			logger.Warn("session record not closed", "error", perr)
		}
		close(stream.done)
		return "", wrap(op, err)
	}

	o.mu.Lock()
	stream.handle = handle
	o.state.lastSessionID = record.ID
	stopPending := stream.stopPending
	o.mu.Unlock()
	o.metrics.SessionStarted()
	logger.Info("stream started", "video_file", record.VideoFile, "stream_key", models.MaskKey(resource.IngestionKey))

	go o.drain(stream)
	if stopPending {
		go o.applyPendingStop(logger)
	}
	return record.ID, nil
}

// applyPendingStop stops an encoder whose stop was requested while it was
// still launching.
func (o *Orchestrator) applyPendingStop(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), pendingStopTimeout)
	defer cancel()
	if err := o.encoder.Stop(ctx); err != nil {
		logger.Warn("pending stop failed", "error", &Error{Kind: KindProcess, Op: "stop stream", Err: err})
	}
}

// drain is the single consumer of a run's events. It keeps their order from
// the encoder through the tail, subscribers and the store.
func (o *Orchestrator) drain(stream *activeStream) {
	defer close(stream.done)
	record := stream.session
	masked := models.MaskKey(stream.key)
	failed := false

	for ev := range stream.handle.Events() {
		event := models.LogEvent{
			Timestamp:   ev.Time.UTC(),
			SessionID:   ev.SessionID,
			Type:        ev.Type,
			Message:     ev.Message,
			VideoFile:   record.VideoFile,
			StreamKey:   masked,
			ChannelName: record.ChannelName,
		}
		if ev.Type == models.LogError {
			failed = true
		}
		o.tail.publish(event)
		o.persistLog(context.Background(), event)
	}

	end := o.now().UTC()
	record.EndTime = &end
	record.Status = models.SessionEnded
	if err := o.store.UpsertSession(context.Background(), record); err != nil {
		o.logger.Warn("session record not closed", "session_id", record.ID, "error", &Error{Kind: KindPersistence, Op: "end session", Err: err})
	}

	outcome := "stopped"
	if failed {
		outcome = "failed"
	}
	o.metrics.SessionEnded(outcome)
	o.encoder.Acknowledge()

	o.mu.Lock()
	if o.state.stream == stream {
		o.state.stream = nil
	}
	o.mu.Unlock()
	o.logger.Info("stream ended", "session_id", record.ID, "outcome", outcome)
}

// StopStream asks the running encoder to exit and waits for it or for ctx.
// It does nothing, and records nothing, when no stream is running. A stop
// that lands while the encoder is still launching is applied once it is up.
func (o *Orchestrator) StopStream(ctx context.Context) error {
	o.mu.Lock()
	stream := o.state.stream
	if stream != nil && stream.handle == nil {
		stream.stopPending = true
		o.mu.Unlock()
		o.record(models.LogInfo, "Stream stop requested")
		return nil
	}
	o.mu.Unlock()
	if stream == nil {
		return nil
	}
	o.record(models.LogInfo, "Stream stop requested")
	if err := o.encoder.Stop(ctx); err != nil {
		return &Error{Kind: KindProcess, Op: "stop stream", Err: err}
	}
	return nil
}

// ListRecentBroadcasts returns the current channel's latest broadcasts. It
// returns an empty list without an identity or when the host is unreachable.
func (o *Orchestrator) ListRecentBroadcasts(ctx context.Context) []models.BroadcastSummary {
	client, _ := o.currentClient()
	if client == nil {
		return []models.BroadcastSummary{}
	}
	return o.youtube.ListRecentBroadcasts(ctx, client, 0)
}

// Snapshot returns the read model.
func (o *Orchestrator) Snapshot() View {
	view := View{
		Encoder: o.encoder.Status(),
		Logs:    o.tail.snapshot(),
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if id := o.state.identity; id != nil {
		view.Identity = &IdentitySummary{
			Name:       id.name,
			ChannelID:  id.channelID,
			CreatedAt:  id.createdAt,
			LastUsedAt: id.lastUsed,
			Current:    true,
		}
	}
	if o.state.resource.IngestionKey != "" {
		masked := o.state.resource.Masked()
		view.Resource = &masked
	}
	view.MetadataWarning = o.state.metadataWarning
	if o.state.video != nil {
		video := *o.state.video
		view.Video = &video
	}
	view.Metadata = o.state.metadata
	view.Metadata.Tags = append([]string(nil), o.state.metadata.Tags...)
	view.Streaming = o.state.stream != nil
	view.SessionID = o.currentSessionIDLocked()
	return view
}

// Subscribe returns a live feed of log events and a function that ends it.
// The channel is closed when cancel runs or when the subscriber falls too far
// behind.
func (o *Orchestrator) Subscribe() (<-chan models.LogEvent, func()) {
	return o.tail.subscribe()
}
