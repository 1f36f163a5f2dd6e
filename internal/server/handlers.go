package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tubecast/internal/encoder"
	"tubecast/internal/models"
	"tubecast/internal/session"
	"tubecast/internal/storage"
	"tubecast/internal/youtube"
)

const callbackPath = "/oauth/callback"

// Orchestrator is the command surface the HTTP boundary drives.
// *session.Orchestrator satisfies it.
type Orchestrator interface {
	Snapshot() session.View
	Subscribe() (<-chan models.LogEvent, func())

	BeginAuthorization(ctx context.Context) (session.AuthorizationStart, error)
	CompleteAuthorization(ctx context.Context, state, code, name string) (session.IdentitySummary, error)
	SavedIdentities(ctx context.Context) ([]session.IdentitySummary, error)
	UseSavedIdentity(ctx context.Context, name string) (session.IdentitySummary, error)
	DeleteIdentity(ctx context.Context, name string) error

	ListRecentBroadcasts(ctx context.Context) []models.BroadcastSummary
	RecoverBroadcast(ctx context.Context, broadcastID string) (models.LiveResource, error)
	Provision(ctx context.Context, req session.ProvisionRequest) (session.ProvisionResult, error)
	MintStandaloneKey(ctx context.Context) (models.LiveResource, error)
	SetManualKey(key, ingestionURL string) (models.LiveResource, error)
	SetVideoSource(path string, profile encoder.Profile, meta session.StreamMetadata) (session.VideoSource, error)

	StartStream(ctx context.Context) (string, error)
	StopStream(ctx context.Context) error
}

type provisionRequest struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Tags           []string   `json:"tags"`
	CategoryID     string     `json:"categoryId"`
	Privacy        string     `json:"privacy"`
	MadeForKids    bool       `json:"madeForKids"`
	ScheduledStart *time.Time `json:"scheduledStart"`
}

type streamKeyRequest struct {
	Key          string `json:"key"`
	IngestionURL string `json:"ingestionUrl"`
}

type videoRequest struct {
	Path        string   `json:"path"`
	Profile     string   `json:"profile"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	CategoryID  string   `json:"categoryId"`
	Privacy     string   `json:"privacy"`
	MadeForKids bool     `json:"madeForKids"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	logger := requestLogger(r, s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("command failed", "error", err, "kind", session.Classify(err))
	} else {
		logger.Info("command rejected", "error", err, "kind", session.Classify(err), "status", status)
	}
	writeError(w, status, err)
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) categories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":    youtube.DefaultCategoryID,
		"categories": youtube.Categories(),
	})
}

func (s *Server) oauthStart(w http.ResponseWriter, r *http.Request) {
	start, err := s.orch.BeginAuthorization(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

// oauthCallback receives the provider redirect. The consent screen reports
// refusals through the error parameter rather than a status code.
func (s *Server) oauthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if reason := strings.TrimSpace(query.Get("error")); reason != "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("authorization declined: %s", reason))
		return
	}
	identity, err := s.orch.CompleteAuthorization(r.Context(), query.Get("state"), query.Get("code"), query.Get("name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := s.orch.SavedIdentities(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identities)
}

func (s *Server) useIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := s.orch.UseSavedIdentity(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) deleteIdentity(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteIdentity(r.Context(), mux.Vars(r)["name"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.ListRecentBroadcasts(r.Context()))
}

func (s *Server) recoverBroadcast(w http.ResponseWriter, r *http.Request) {
	resource, err := s.orch.RecoverBroadcast(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resource)
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	var body provisionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req := session.ProvisionRequest{StreamMetadata: session.StreamMetadata{
		Title:       body.Title,
		Description: body.Description,
		Tags:        body.Tags,
		CategoryID:  body.CategoryID,
		Privacy:     body.Privacy,
		MadeForKids: body.MadeForKids,
	}}
	if body.ScheduledStart != nil {
		req.ScheduledStart = *body.ScheduledStart
	}
	result, err := s.orch.Provision(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) mintStreamKey(w http.ResponseWriter, r *http.Request) {
	resource, err := s.orch.MintStandaloneKey(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resource)
}

func (s *Server) setStreamKey(w http.ResponseWriter, r *http.Request) {
	var body streamKeyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resource, err := s.orch.SetManualKey(body.Key, body.IngestionURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resource)
}

func (s *Server) setVideo(w http.ResponseWriter, r *http.Request) {
	var body videoRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source, err := s.orch.SetVideoSource(body.Path, encoder.ParseProfile(body.Profile), session.StreamMetadata{
		Title:       body.Title,
		Description: body.Description,
		Tags:        body.Tags,
		CategoryID:  body.CategoryID,
		Privacy:     body.Privacy,
		MadeForKids: body.MadeForKids,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	id, err := s.orch.StartStream(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id})
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.stopTimeout)
	defer cancel()
	if err := s.orch.StopStream(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Snapshot().Encoder)
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.store.RecentLogs(r.Context(), storage.LogQuery{
		SessionID: strings.TrimSpace(r.URL.Query().Get("session")),
		Limit:     limit,
	})
	if err != nil {
		s.fail(w, r, &session.Error{Kind: session.KindPersistence, Op: "query logs", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		s.fail(w, r, &session.Error{Kind: session.KindPersistence, Op: "list sessions", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return limit, nil
}
