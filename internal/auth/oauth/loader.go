package oauth

import (
	"fmt"
	"os"
	"strings"
)

// LoadInput describes how to resolve the OAuth client from flag values and
// environment variables.
type LoadInput struct {
	// Source is the flag-provided client secrets (inline JSON or path).
	Source string
	// ClientID, ClientSecret and RedirectURL override the loaded file.
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Options are passed through to NewManager.
	Options []Option
	// LookupEnv overrides environment lookup for testing.
	LookupEnv func(string) string
}

// LoadFromFlagsAndEnv resolves the client configuration and builds a Manager.
// Environment sources take precedence over the flag source, and individual
// overrides (flag first, then TUBECAST_OAUTH_* variables) are applied last.
// A nil Manager with a nil error means OAuth is not configured.
func LoadFromFlagsAndEnv(input LoadInput) (ClientConfig, *Manager, error) {
	lookupEnv := input.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.Getenv
	}

	source := strings.TrimSpace(input.Source)
	if env := strings.TrimSpace(lookupEnv("TUBECAST_OAUTH_CLIENT_SECRETS")); env != "" {
		source = env
	}

	cfg, err := LoadClientConfig(source)
	if err != nil {
		return ClientConfig{}, nil, fmt.Errorf("load oauth client: %w", err)
	}

	if v := firstSet(input.ClientID, lookupEnv("TUBECAST_OAUTH_CLIENT_ID")); v != "" {
		cfg.ClientID = v
	}
	if v := firstSet(input.ClientSecret, lookupEnv("TUBECAST_OAUTH_CLIENT_SECRET")); v != "" {
		cfg.ClientSecret = v
	}
	if v := firstSet(input.RedirectURL, lookupEnv("TUBECAST_OAUTH_REDIRECT_URL")); v != "" {
		cfg.RedirectURIs = append([]string{v}, cfg.RedirectURIs...)
	}
	if cfg.IsZero() {
		return ClientConfig{}, nil, nil
	}
	cfg = cfg.sanitize()

	manager, err := NewManager(cfg, input.Options...)
	if err != nil {
		return cfg, nil, fmt.Errorf("configure oauth: %w", err)
	}
	return cfg, manager, nil
}

func firstSet(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
