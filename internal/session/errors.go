package session

import (
	"errors"
	"fmt"

	"tubecast/internal/auth/oauth"
	"tubecast/internal/encoder"
	"tubecast/internal/storage"
	"tubecast/internal/youtube"
)

// Kind groups failures by how callers should react to them.
type Kind string

const (
	KindPrecondition      Kind = "precondition"
	KindAuth              Kind = "auth"
	KindProvision         Kind = "provision"
	KindRemoteUnavailable Kind = "remote_unavailable"
	KindProcess           Kind = "process"
	KindPersistence       Kind = "persistence"
)

var (
	// ErrNoIdentity is returned by commands that need an authorised channel.
	ErrNoIdentity = errors.New("no channel is authorised")
	// ErrMissingVideoSource is returned by StartStream before a video is set.
	ErrMissingVideoSource = errors.New("no video source selected")
	// ErrMissingStreamKey is returned by StartStream before a destination is
	// provisioned or entered.
	ErrMissingStreamKey = errors.New("no stream key available")
	// ErrVideoNotFound is returned when the selected path is not a readable file.
	ErrVideoNotFound = errors.New("video file not found")
	// ErrOAuthNotConfigured is returned when no client registration is loaded.
	ErrOAuthNotConfigured = errors.New("oauth client is not configured")
	// ErrInvalidInput is returned for malformed command arguments.
	ErrInvalidInput = errors.New("invalid input")
	// ErrBusy is returned when a stream is already running.
	ErrBusy = encoder.ErrBusy
)

// Error is a classified orchestrator failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an error from any component onto a Kind. Credential problems
// win over remote outages, which win over provisioning failures, so a
// provisioning step rejected with 401 still reads as an auth failure.
func Classify(err error) Kind {
	var sessionErr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sessionErr):
		return sessionErr.Kind
	case errors.Is(err, ErrNoIdentity),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrMissingVideoSource),
		errors.Is(err, ErrMissingStreamKey),
		errors.Is(err, ErrVideoNotFound),
		errors.Is(err, ErrOAuthNotConfigured),
		errors.Is(err, encoder.ErrBusy),
		errors.Is(err, encoder.ErrInvalidRequest),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidName):
		return KindPrecondition
	case errors.Is(err, oauth.ErrInvalidCredentials),
		errors.Is(err, oauth.ErrCodeAlreadyUsed),
		errors.Is(err, oauth.ErrStateInvalid),
		errors.Is(err, oauth.ErrTokenExchangeFailed),
		errors.Is(err, oauth.ErrSealedMaterial):
		return KindAuth
	case errors.Is(err, youtube.ErrRemoteUnavailable):
		return KindRemoteUnavailable
	case errors.Is(err, youtube.ErrProvisionFailed),
		errors.Is(err, youtube.ErrNotBound),
		errors.Is(err, youtube.ErrNoChannel):
		return KindProvision
	default:
		return KindProcess
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var sessionErr *Error
	if errors.As(err, &sessionErr) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

func precondition(op string, err error) error {
	return &Error{Kind: KindPrecondition, Op: op, Err: err}
}
