package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"tubecast/internal/auth/oauth"
)

var (
	// ErrProvisionFailed matches every *ProvisionError.
	ErrProvisionFailed = errors.New("live resource provisioning failed")
	// ErrNotBound is returned when a broadcast has no usable bound stream.
	ErrNotBound = errors.New("broadcast has no bound stream")
	// ErrRemoteUnavailable covers transport failures and 5xx responses.
	ErrRemoteUnavailable = errors.New("youtube api unavailable")
	// ErrNoChannel is returned when the authorised account owns no channel.
	ErrNoChannel = errors.New("no youtube channel for these credentials")
	// ErrInvalidCredentials means the identity has to be authorised again.
	ErrInvalidCredentials = oauth.ErrInvalidCredentials
)

// ProvisionError names the step of the provisioning sequence that failed.
// Resources created by earlier steps are left in place.
type ProvisionError struct {
	Step string
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func (e *ProvisionError) Is(target error) bool {
	return target == ErrProvisionFailed
}

// classify maps API and transport failures onto the package sentinels.
// Other 4xx responses are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrInvalidCredentials, apiMessage(apiErr))
		case apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s", ErrRemoteUnavailable, apiMessage(apiErr))
		}
		return err
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: token refresh rejected", ErrInvalidCredentials)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}

func apiMessage(err *googleapi.Error) string {
	if err.Message != "" {
		return fmt.Sprintf("%d %s", err.Code, err.Message)
	}
	return fmt.Sprintf("%d", err.Code)
}
