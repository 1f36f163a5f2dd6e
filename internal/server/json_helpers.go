package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"tubecast/internal/auth/oauth"
	"tubecast/internal/session"
	"tubecast/internal/storage"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// statusForError maps orchestrator failures onto HTTP statuses. Conflicts
// and missing records are singled out before falling back to the error kind.
func statusForError(err error) int {
	switch {
	case errors.Is(err, oauth.ErrCodeAlreadyUsed), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	}
	switch session.Classify(err) {
	case session.KindPrecondition:
		return http.StatusBadRequest
	case session.KindAuth:
		return http.StatusUnauthorized
	case session.KindProvision:
		return http.StatusBadGateway
	case session.KindRemoteUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
