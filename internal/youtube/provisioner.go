package youtube

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"

	"tubecast/internal/models"
	"tubecast/internal/observability/logging"
	"tubecast/internal/observability/metrics"
)

// Provisioning steps, used in ProvisionError and metrics.
const (
	StepStream    = "stream"
	StepBroadcast = "broadcast"
	StepBind      = "bind"
	StepMetadata  = "metadata"
)

const (
	defaultRecentBroadcasts = 5
	defaultStartDelay       = 30 * time.Second
)

// Broadcast describes the live event to create.
type Broadcast struct {
	Title          string
	Description    string
	ScheduledStart time.Time
	Tags           []string
	CategoryID     string
	Privacy        string
	MadeForKids    bool
}

// Provisioned is the outcome of ProvisionNew. MetadataWarning is set when
// the broadcast was bound but tags or category could not be applied.
type Provisioned struct {
	models.LiveResource
	MetadataWarning string
}

// Provisioner talks to the YouTube Data API on behalf of an authorised
// identity. It holds no per-identity state; every call takes the client.
type Provisioner struct {
	logger        *slog.Logger
	metrics       *metrics.Recorder
	now           func() time.Time
	clientOptions []option.ClientOption
}

// Option customises a Provisioner.
type Option func(*Provisioner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the recorder for provisioning step outcomes.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(p *Provisioner) {
		if recorder != nil {
			p.metrics = recorder
		}
	}
}

// WithClock overrides the time source used for default start times and
// generated titles.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithClientOptions appends API client options, such as an endpoint override.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provisioner) {
		p.clientOptions = append(p.clientOptions, opts...)
	}
}

// NewProvisioner constructs a Provisioner.
func NewProvisioner(opts ...Option) *Provisioner {
	p := &Provisioner{
		metrics: metrics.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = logging.WithComponent(p.logger, "youtube")
	return p
}

func (p *Provisioner) service(ctx context.Context, client *http.Client) (*ytapi.Service, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: no authenticated client", ErrInvalidCredentials)
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(client)}, p.clientOptions...)
	svc, err := ytapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("build youtube service: %w", err)
	}
	return svc, nil
}

func (p *Provisioner) observe(step string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	p.metrics.ObserveProvisionStep(step, outcome)
}

func streamSettings(title string) *ytapi.LiveStream {
	return &ytapi.LiveStream{
		Snippet: &ytapi.LiveStreamSnippet{Title: title},
		Cdn: &ytapi.CdnSettings{
			Resolution:    "1080p",
			FrameRate:     "30fps",
			IngestionType: "rtmp",
		},
	}
}

func ingestion(stream *ytapi.LiveStream) (key, address string) {
	if stream == nil || stream.Cdn == nil || stream.Cdn.IngestionInfo == nil {
		return "", ""
	}
	info := stream.Cdn.IngestionInfo
	return strings.TrimSpace(info.StreamName), strings.TrimSpace(info.IngestionAddress)
}

// ProvisionNew creates a live stream, creates a broadcast, and binds them.
// The steps run in order and stop at the first failure.
func (p *Provisioner) ProvisionNew(ctx context.Context, client *http.Client, b Broadcast) (Provisioned, error) {
	title := strings.TrimSpace(b.Title)
	if title == "" {
		return Provisioned{}, &ProvisionError{Step: StepBroadcast, Err: fmt.Errorf("title is required")}
	}
	privacy, err := NormalizePrivacy(b.Privacy)
	if err != nil {
		return Provisioned{}, &ProvisionError{Step: StepBroadcast, Err: err}
	}
	start := b.ScheduledStart
	if start.IsZero() {
		start = p.now().Add(defaultStartDelay)
	}

	svc, err := p.service(ctx, client)
	if err != nil {
		return Provisioned{}, &ProvisionError{Step: StepStream, Err: err}
	}

	stream, err := svc.LiveStreams.Insert([]string{"snippet", "cdn"}, streamSettings(title+" - Stream")).Context(ctx).Do()
	p.observe(StepStream, err)
	if err != nil {
		return Provisioned{}, &ProvisionError{Step: StepStream, Err: classify(err)}
	}
	key, address := ingestion(stream)
	if key == "" || address == "" {
		p.metrics.ObserveProvisionStep(StepStream, "incomplete")
		return Provisioned{}, &ProvisionError{Step: StepStream, Err: fmt.Errorf("stream %s has no ingestion info", stream.Id)}
	}

	status := &ytapi.LiveBroadcastStatus{
		PrivacyStatus:           privacy,
		SelfDeclaredMadeForKids: b.MadeForKids,
		ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
	}
	details := &ytapi.LiveBroadcastContentDetails{
		EnableAutoStart: true,
		EnableAutoStop:  true,
		EnableDvr:       true,
	}
	broadcast, err := svc.LiveBroadcasts.Insert([]string{"snippet", "status", "contentDetails"}, &ytapi.LiveBroadcast{
		Snippet: &ytapi.LiveBroadcastSnippet{
			Title:              title,
			Description:        b.Description,
			ScheduledStartTime: start.UTC().Format(time.RFC3339),
		},
		Status:         status,
		ContentDetails: details,
	}).Context(ctx).Do()
	p.observe(StepBroadcast, err)
	if err != nil {
		return Provisioned{}, &ProvisionError{Step: StepBroadcast, Err: classify(err)}
	}
	if broadcast.Id == "" {
		return Provisioned{}, &ProvisionError{Step: StepBroadcast, Err: fmt.Errorf("broadcast insert returned no id")}
	}

	_, err = svc.LiveBroadcasts.Bind(broadcast.Id, []string{"id", "contentDetails"}).StreamId(stream.Id).Context(ctx).Do()
	p.observe(StepBind, err)
	if err != nil {
		return Provisioned{}, &ProvisionError{Step: StepBind, Err: classify(err)}
	}

	result := Provisioned{LiveResource: models.LiveResource{
		IngestionKey: key,
		IngestionURL: address,
		WatchURL:     WatchURL(broadcast.Id),
		StudioURL:    StudioURL(broadcast.Id),
		BroadcastID:  broadcast.Id,
		StreamID:     stream.Id,
	}}
	p.logger.Info("live resource provisioned",
		"broadcast_id", broadcast.Id,
		"stream_id", stream.Id,
		"stream_key", models.MaskKey(key),
	)

	if warning := p.applyMetadata(ctx, svc, broadcast.Id, title, b); warning != "" {
		result.MetadataWarning = warning
	}
	return result, nil
}

// applyMetadata sets tags and category on the broadcast's video. A failure is
// returned as a warning string and never fails provisioning.
func (p *Provisioner) applyMetadata(ctx context.Context, svc *ytapi.Service, videoID, title string, b Broadcast) string {
	tags := cleanTags(b.Tags)
	category := strings.TrimSpace(b.CategoryID)
	if len(tags) == 0 && category == "" {
		return ""
	}
	if category == "" {
		category = DefaultCategoryID
	}
	_, err := svc.Videos.Update([]string{"snippet"}, &ytapi.Video{
		Id: videoID,
		Snippet: &ytapi.VideoSnippet{
			Title:       title,
			Description: b.Description,
			Tags:        tags,
			CategoryId:  category,
		},
	}).Context(ctx).Do()
	p.observe(StepMetadata, err)
	if err != nil {
		p.logger.Warn("video metadata not applied", "broadcast_id", videoID, "error", err)
		return fmt.Sprintf("tags and category were not applied: %v", classify(err))
	}
	return ""
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// RecoverExisting reads the ingestion info of the stream bound to an existing
// broadcast.
func (p *Provisioner) RecoverExisting(ctx context.Context, client *http.Client, broadcastID string) (models.LiveResource, error) {
	broadcastID = strings.TrimSpace(broadcastID)
	if broadcastID == "" {
		return models.LiveResource{}, fmt.Errorf("%w: broadcast id is required", ErrNotBound)
	}
	svc, err := p.service(ctx, client)
	if err != nil {
		return models.LiveResource{}, err
	}

	broadcasts, err := svc.LiveBroadcasts.List([]string{"contentDetails"}).Id(broadcastID).Context(ctx).Do()
	if err != nil {
		return models.LiveResource{}, classify(err)
	}
	if len(broadcasts.Items) == 0 {
		return models.LiveResource{}, fmt.Errorf("%w: broadcast %s not found", ErrNotBound, broadcastID)
	}
	details := broadcasts.Items[0].ContentDetails
	if details == nil || strings.TrimSpace(details.BoundStreamId) == "" {
		return models.LiveResource{}, fmt.Errorf("%w: broadcast %s", ErrNotBound, broadcastID)
	}
	streamID := details.BoundStreamId

	streams, err := svc.LiveStreams.List([]string{"cdn"}).Id(streamID).Context(ctx).Do()
	if err != nil {
		return models.LiveResource{}, classify(err)
	}
	if len(streams.Items) == 0 {
		return models.LiveResource{}, fmt.Errorf("%w: stream %s not found", ErrNotBound, streamID)
	}
	key, address := ingestion(streams.Items[0])
	if key == "" {
		return models.LiveResource{}, fmt.Errorf("%w: stream %s has no key", ErrNotBound, streamID)
	}
	p.logger.Info("live resource recovered", "broadcast_id", broadcastID, "stream_id", streamID, "stream_key", models.MaskKey(key))
	return models.LiveResource{
		IngestionKey: key,
		IngestionURL: address,
		WatchURL:     WatchURL(broadcastID),
		StudioURL:    StudioURL(broadcastID),
		BroadcastID:  broadcastID,
		StreamID:     streamID,
	}, nil
}

// ListRecentBroadcasts returns up to limit of the channel's broadcasts in any
// status. Remote failures are logged and yield an empty list.
func (p *Provisioner) ListRecentBroadcasts(ctx context.Context, client *http.Client, limit int) []models.BroadcastSummary {
	if limit <= 0 {
		limit = defaultRecentBroadcasts
	}
	svc, err := p.service(ctx, client)
	if err != nil {
		p.logger.Warn("list broadcasts skipped", "error", err)
		return []models.BroadcastSummary{}
	}
	resp, err := svc.LiveBroadcasts.List([]string{"snippet", "status"}).
		Mine(true).
		BroadcastStatus("all").
		MaxResults(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		p.logger.Warn("list broadcasts failed", "error", classify(err))
		return []models.BroadcastSummary{}
	}
	out := make([]models.BroadcastSummary, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil {
			continue
		}
		summary := models.BroadcastSummary{ID: item.Id}
		if item.Snippet != nil {
			summary.Title = item.Snippet.Title
			if parsed, err := time.Parse(time.RFC3339, item.Snippet.ScheduledStartTime); err == nil {
				summary.ScheduledStart = &parsed
			}
		}
		if item.Status != nil {
			summary.Status = item.Status.LifeCycleStatus
		}
		out = append(out, summary)
	}
	return out
}

// MintStandaloneKey creates a lone live stream and returns its key. No
// broadcast is created, so the watch and studio URLs stay empty.
func (p *Provisioner) MintStandaloneKey(ctx context.Context, client *http.Client) (models.LiveResource, error) {
	svc, err := p.service(ctx, client)
	if err != nil {
		return models.LiveResource{}, &ProvisionError{Step: StepStream, Err: err}
	}
	title := "KeyGen-" + p.now().Format("150405")
	stream, err := svc.LiveStreams.Insert([]string{"snippet", "cdn"}, streamSettings(title)).Context(ctx).Do()
	p.observe(StepStream, err)
	if err != nil {
		return models.LiveResource{}, &ProvisionError{Step: StepStream, Err: classify(err)}
	}
	key, address := ingestion(stream)
	if key == "" || address == "" {
		return models.LiveResource{}, &ProvisionError{Step: StepStream, Err: fmt.Errorf("stream %s has no ingestion info", stream.Id)}
	}
	p.logger.Info("standalone stream key minted", "stream_id", stream.Id, "stream_key", models.MaskKey(key))
	return models.LiveResource{IngestionKey: key, IngestionURL: address, StreamID: stream.Id}, nil
}

// FetchIdentity returns the channel owned by the authorised account.
func (p *Provisioner) FetchIdentity(ctx context.Context, client *http.Client) (models.ChannelInfo, error) {
	svc, err := p.service(ctx, client)
	if err != nil {
		return models.ChannelInfo{}, err
	}
	resp, err := svc.Channels.List([]string{"snippet"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return models.ChannelInfo{}, classify(err)
	}
	for _, item := range resp.Items {
		if item == nil || item.Id == "" {
			continue
		}
		info := models.ChannelInfo{ID: item.Id}
		if item.Snippet != nil {
			info.Title = item.Snippet.Title
		}
		return info, nil
	}
	return models.ChannelInfo{}, ErrNoChannel
}
