package models

import (
	"strings"
	"time"
)

// Identity is a saved channel credential. OAuthMaterial holds the encoded
// (and optionally sealed) credential bundle.
type Identity struct {
	Name          string    `json:"name"`
	ChannelID     string    `json:"channelId"`
	OAuthMaterial []byte    `json:"oauthMaterial"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
}

// ChannelInfo is the remote view of an authenticated channel.
type ChannelInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// StreamingSession records one run of the encoder against a destination.
type StreamingSession struct {
	ID            string        `json:"id"`
	StartTime     time.Time     `json:"startTime"`
	EndTime       *time.Time    `json:"endTime,omitempty"`
	VideoFile     string        `json:"videoFile"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Tags          []string      `json:"tags"`
	Category      string        `json:"category"`
	PrivacyStatus string        `json:"privacyStatus"`
	MadeForKids   bool          `json:"madeForKids"`
	ChannelName   string        `json:"channelName"`
	Status        SessionStatus `json:"status"`
}

type LogType string

const (
	LogInfo    LogType = "INFO"
	LogWarn    LogType = "WARN"
	LogError   LogType = "ERROR"
	LogEncoder LogType = "ENCODER"
)

// LogEvent is an append-only audit row. StreamKey is always stored masked.
type LogEvent struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	SessionID   string    `json:"sessionId"`
	Type        LogType   `json:"logType"`
	Message     string    `json:"message"`
	VideoFile   string    `json:"videoFile,omitempty"`
	StreamKey   string    `json:"streamKey,omitempty"`
	ChannelName string    `json:"channelName,omitempty"`
}

// LiveResource is the provisioned ingestion destination.
type LiveResource struct {
	IngestionKey string `json:"ingestionKey"`
	IngestionURL string `json:"ingestionUrl"`
	WatchURL     string `json:"watchUrl,omitempty"`
	StudioURL    string `json:"studioUrl,omitempty"`
	BroadcastID  string `json:"broadcastId,omitempty"`
	StreamID     string `json:"streamId,omitempty"`
}

// Complete reports whether every user-facing field is populated.
func (r LiveResource) Complete() bool {
	return r.IngestionKey != "" && r.IngestionURL != "" && r.WatchURL != "" && r.StudioURL != ""
}

// Masked returns a copy safe to expose on read models.
func (r LiveResource) Masked() LiveResource {
	r.IngestionKey = MaskKey(r.IngestionKey)
	return r
}

// BroadcastSummary is a row in the recent broadcast listing.
type BroadcastSummary struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Status         string     `json:"status"`
	ScheduledStart *time.Time `json:"scheduledStart,omitempty"`
}

// MaskKey hides all but the last four characters of a stream key.
func MaskKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}
