package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Kind discriminates the shape a credential bundle was first read in.
type Kind string

const (
	// KindExchanged is a token endpoint response merged with the client
	// registration that obtained it.
	KindExchanged Kind = "exchanged"
	// KindAuthorizedUser is the "authorized user" file shape, which names the
	// access token "token" and lists scopes as an array.
	KindAuthorizedUser Kind = "authorized_user"
)

// Bundle is the normalized OAuth material for one identity. It carries enough
// to rebuild a refreshing API client without repeating authorization.
type Bundle struct {
	Kind         Kind
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	TokenURI     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type bundleWire struct {
	Kind         Kind     `json:"kind,omitempty"`
	AccessToken  string   `json:"access_token,omitempty"`
	Token        string   `json:"token,omitempty"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	TokenType    string   `json:"token_type,omitempty"`
	TokenURI     string   `json:"token_uri,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scope        string   `json:"scope,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Expiry       string   `json:"expiry,omitempty"`
}

// DecodeBundle normalizes either stored shape into a Bundle. Rows written
// before the kind field existed are classified by which token field is set.
func DecodeBundle(data []byte) (Bundle, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Bundle{}, fmt.Errorf("%w: empty credential material", ErrInvalidCredentials)
	}
	var wire bundleWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Bundle{}, fmt.Errorf("%w: decode credential material: %v", ErrInvalidCredentials, err)
	}

	bundle := Bundle{
		Kind:         wire.Kind,
		RefreshToken: strings.TrimSpace(wire.RefreshToken),
		TokenType:    strings.TrimSpace(wire.TokenType),
		TokenURI:     strings.TrimSpace(wire.TokenURI),
		ClientID:     strings.TrimSpace(wire.ClientID),
		ClientSecret: strings.TrimSpace(wire.ClientSecret),
		Expiry:       parseExpiry(wire.Expiry),
	}
	if bundle.Kind == "" {
		if wire.Token != "" && wire.AccessToken == "" {
			bundle.Kind = KindAuthorizedUser
		} else {
			bundle.Kind = KindExchanged
		}
	}
	bundle.AccessToken = strings.TrimSpace(firstSet(wire.AccessToken, wire.Token))
	if len(wire.Scopes) > 0 {
		bundle.Scopes = append([]string(nil), wire.Scopes...)
	} else if wire.Scope != "" {
		bundle.Scopes = strings.Fields(wire.Scope)
	}
	return bundle, nil
}

// Encode serializes the bundle in the shape matching its Kind.
func (b Bundle) Encode() ([]byte, error) {
	wire := bundleWire{
		Kind:         b.Kind,
		RefreshToken: b.RefreshToken,
		TokenType:    b.TokenType,
		TokenURI:     b.TokenURI,
		ClientID:     b.ClientID,
		ClientSecret: b.ClientSecret,
		Scopes:       b.Scopes,
	}
	if wire.Kind == "" {
		wire.Kind = KindExchanged
	}
	if wire.Kind == KindAuthorizedUser {
		wire.Token = b.AccessToken
	} else {
		wire.AccessToken = b.AccessToken
	}
	if !b.Expiry.IsZero() {
		wire.Expiry = b.Expiry.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(wire)
}

// Validate reports ErrInvalidCredentials when the bundle cannot produce a
// refreshing client.
func (b Bundle) Validate() error {
	var missing []string
	if b.RefreshToken == "" {
		missing = append(missing, "refresh_token")
	}
	if b.TokenURI == "" {
		missing = append(missing, "token_uri")
	}
	if b.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if b.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// Token converts the bundle into an oauth2 token. An empty access token yields
// an invalid token so the first request triggers a refresh. A refreshable
// bundle without an expiry is treated as expired, since oauth2 would otherwise
// reuse its access token forever.
func (b Bundle) Token() *oauth2.Token {
	expiry := b.Expiry
	if expiry.IsZero() && b.RefreshToken != "" {
		expiry = unknownExpiry
	}
	return &oauth2.Token{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		TokenType:    b.TokenType,
		Expiry:       expiry,
	}
}

// unknownExpiry stands in for an expiry the stored material never recorded.
var unknownExpiry = time.Unix(1, 0).UTC()

// WithToken returns a copy carrying the fields of a refreshed token.
func (b Bundle) WithToken(token *oauth2.Token) Bundle {
	if token == nil {
		return b
	}
	b.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		b.RefreshToken = token.RefreshToken
	}
	if token.TokenType != "" {
		b.TokenType = token.TokenType
	}
	b.Expiry = token.Expiry
	return b
}

func parseExpiry(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

var errNoToken = errors.New("token source returned no token")
