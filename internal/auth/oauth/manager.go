package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrStateInvalid is returned when the state parameter is missing or expired.
	ErrStateInvalid = errors.New("oauth state invalid or expired")
	// ErrTokenExchangeFailed matches every failed authorization code exchange.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrInvalidCredentials means stored material cannot build a client and
	// the identity must be authorized again.
	ErrInvalidCredentials = errors.New("invalid oauth credentials")
	// ErrCodeAlreadyUsed is returned when an authorization code is presented
	// a second time.
	ErrCodeAlreadyUsed = errors.New("authorization code already used")
)

// TokenExchangeError carries the token endpoint's response when an exchange
// is rejected.
type TokenExchangeError struct {
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("token exchange failed: %s", e.Body)
	}
	return fmt.Sprintf("token exchange failed (%d): %s", e.Status, e.Body)
}

func (e *TokenExchangeError) Is(target error) bool {
	return target == ErrTokenExchangeFailed
}

// BeginResult is returned when an authorization request is constructed.
type BeginResult struct {
	URL   string
	State string
}

// Manager drives the authorization code flow for one client registration and
// turns credential bundles into refreshing HTTP clients.
type Manager struct {
	config   ClientConfig
	state    StateStore
	client   *http.Client
	stateTTL time.Duration
}

// Option customises the Manager.
type Option func(*Manager)

// WithStateStore injects a custom state store.
func WithStateStore(store StateStore) Option {
	return func(m *Manager) {
		if store != nil {
			m.state = store
		}
	}
}

// WithHTTPClient overrides the HTTP client used for token exchanges and
// refreshes. API calls made through ClientHandle reuse its transport.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

// WithStateTTL adjusts how long state parameters remain valid.
func WithStateTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.stateTTL = ttl
		}
	}
}

// NewManager validates cfg and constructs a Manager.
func NewManager(cfg ClientConfig, opts ...Option) (*Manager, error) {
	cfg = cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := &Manager{
		config:   cfg,
		state:    NewMemoryStateStore(),
		client:   &http.Client{Timeout: 15 * time.Second},
		stateTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Config returns the client registration in use.
func (m *Manager) Config() ClientConfig {
	return m.config
}

// AuthorizationURL builds the consent URL. It is deterministic and performs
// no I/O.
func (m *Manager) AuthorizationURL() string {
	return buildAuthorizeURL(m.config, "", "")
}

// Begin records a fresh state token and PKCE verifier and returns the consent
// URL carrying the state and the S256 challenge.
func (m *Manager) Begin(returnTo string) (BeginResult, error) {
	state, err := GenerateState()
	if err != nil {
		return BeginResult{}, err
	}
	verifier := oauth2.GenerateVerifier()
	if err := m.state.Put(state, StateData{ReturnTo: returnTo, Verifier: verifier}, m.stateTTL); err != nil {
		return BeginResult{}, err
	}
	return BeginResult{URL: buildAuthorizeURL(m.config, state, verifier), State: state}, nil
}

// RedeemState consumes a state token issued by Begin.
func (m *Manager) RedeemState(state string) (StateData, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return StateData{}, ErrStateInvalid
	}
	data, ok := m.state.Take(state)
	if !ok {
		return StateData{}, ErrStateInvalid
	}
	return data, nil
}

func buildAuthorizeURL(cfg ClientConfig, state, verifier string) string {
	parsed, err := url.Parse(cfg.AuthURI)
	if err != nil {
		parsed = &url.URL{Path: cfg.AuthURI}
	}
	query := parsed.Query()
	query.Set("client_id", cfg.ClientID)
	query.Set("redirect_uri", cfg.RedirectURL())
	query.Set("scope", strings.Join(cfg.Scopes, " "))
	query.Set("response_type", "code")
	query.Set("access_type", "offline")
	query.Set("prompt", "consent")
	if state != "" {
		query.Set("state", state)
	}
	if verifier != "" {
		query.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
		query.Set("code_challenge_method", "S256")
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// Exchange trades an authorization code for a credential bundle with one
// request to the token endpoint. verifier is the StateData.Verifier of the
// redeemed state; it is empty only for codes obtained via AuthorizationURL.
// Callers must make sure each code reaches Exchange at most once.
func (m *Manager) Exchange(ctx context.Context, code, verifier string) (Bundle, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Bundle{}, &TokenExchangeError{Body: "authorization code is required"}
	}
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	token, err := m.config.oauth2Config().Exchange(ctx, code, opts...)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return Bundle{}, &TokenExchangeError{Status: status, Body: snippet(retrieveErr.Body)}
		}
		return Bundle{}, &TokenExchangeError{Body: err.Error()}
	}

	bundle := Bundle{
		Kind:         KindExchanged,
		TokenURI:     m.config.TokenURI,
		ClientID:     m.config.ClientID,
		ClientSecret: m.config.ClientSecret,
		Scopes:       append([]string(nil), m.config.Scopes...),
	}.WithToken(token)
	if scope, ok := token.Extra("scope").(string); ok && strings.TrimSpace(scope) != "" {
		bundle.Scopes = strings.Fields(scope)
	}
	return bundle, nil
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}

// ClientHandle is an authenticated HTTP client whose token refreshes itself.
type ClientHandle struct {
	HTTP   *http.Client
	source oauth2.TokenSource
	bundle Bundle
}

// Client builds a refreshing client from a bundle. The token endpoint named
// in the bundle is used for refreshes, so bundles minted by a different
// client registration keep working.
func (m *Manager) Client(bundle Bundle) (*ClientHandle, error) {
	return NewClientHandle(bundle, m.client)
}

// NewClientHandle is Client without a Manager. base supplies the transport
// for both refreshes and API calls; nil uses http.DefaultClient.
func NewClientHandle(bundle Bundle, base *http.Client) (*ClientHandle, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	if base == nil {
		base = http.DefaultClient
	}
	cfg := &oauth2.Config{
		ClientID:     bundle.ClientID,
		ClientSecret: bundle.ClientSecret,
		Scopes:       bundle.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  bundle.TokenURI,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	// Refreshes outlive the request that built the handle.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	source := cfg.TokenSource(ctx, bundle.Token())
	return &ClientHandle{
		HTTP:   oauth2.NewClient(ctx, source),
		source: source,
		bundle: bundle,
	}, nil
}

// Bundle returns the material with the most recent token, which may have
// been refreshed since the handle was built.
func (h *ClientHandle) Bundle() (Bundle, error) {
	token, err := h.source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return h.bundle, fmt.Errorf("%w: %s", ErrInvalidCredentials, snippet(retrieveErr.Body))
		}
		return h.bundle, err
	}
	if token == nil {
		return h.bundle, errNoToken
	}
	return h.bundle.WithToken(token), nil
}
