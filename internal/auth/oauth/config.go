package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// YouTubeScope grants management of live broadcasts on the authorising channel.
const YouTubeScope = "https://www.googleapis.com/auth/youtube.force-ssl"

// ClientConfig is the OAuth client registration used for the authorization
// code flow. It mirrors the fields of a Google client secrets file.
type ClientConfig struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes,omitempty"`
}

// ParseClientSecrets decodes a client secrets payload. Google issues these
// wrapped in a "web" or "installed" object; a bare object is accepted too.
func ParseClientSecrets(data []byte) (ClientConfig, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return ClientConfig{}, errors.New("client secrets payload is empty")
	}
	var wrapper struct {
		Web       *ClientConfig `json:"web"`
		Installed *ClientConfig `json:"installed"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		return ClientConfig{}, fmt.Errorf("decode client secrets: %w", err)
	}
	switch {
	case wrapper.Web != nil:
		return wrapper.Web.sanitize(), nil
	case wrapper.Installed != nil:
		return wrapper.Installed.sanitize(), nil
	}
	var flat ClientConfig
	if err := json.Unmarshal([]byte(trimmed), &flat); err != nil {
		return ClientConfig{}, fmt.Errorf("decode client secrets: %w", err)
	}
	return flat.sanitize(), nil
}

// LoadClientConfig reads client secrets from inline JSON or a file path.
func LoadClientConfig(source string) (ClientConfig, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return ClientConfig{}, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		return ParseClientSecrets([]byte(trimmed))
	}
	content, err := os.ReadFile(trimmed)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("read client secrets file %s: %w", trimmed, err)
	}
	return ParseClientSecrets(content)
}

func (c ClientConfig) sanitize() ClientConfig {
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.ClientSecret = strings.TrimSpace(c.ClientSecret)
	c.AuthURI = strings.TrimSpace(c.AuthURI)
	c.TokenURI = strings.TrimSpace(c.TokenURI)
	if c.AuthURI == "" {
		c.AuthURI = google.Endpoint.AuthURL
	}
	if c.TokenURI == "" {
		c.TokenURI = google.Endpoint.TokenURL
	}
	redirects := make([]string, 0, len(c.RedirectURIs))
	for _, uri := range c.RedirectURIs {
		if trimmed := strings.TrimSpace(uri); trimmed != "" {
			redirects = append(redirects, trimmed)
		}
	}
	c.RedirectURIs = redirects
	scopes := make([]string, 0, len(c.Scopes))
	for _, scope := range c.Scopes {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			scopes = append(scopes, trimmed)
		}
	}
	if len(scopes) == 0 {
		scopes = []string{YouTubeScope}
	}
	c.Scopes = scopes
	return c
}

// IsZero reports whether nothing was configured.
func (c ClientConfig) IsZero() bool {
	return c.ClientID == "" && c.ClientSecret == "" && len(c.RedirectURIs) == 0
}

// RedirectURL is the redirect target used for authorization; Google lists the
// preferred one first.
func (c ClientConfig) RedirectURL() string {
	if len(c.RedirectURIs) == 0 {
		return ""
	}
	return c.RedirectURIs[0]
}

// Validate ensures the configuration can drive the authorization code flow.
func (c ClientConfig) Validate() error {
	if c.ClientID == "" {
		return errors.New("oauth client_id is required")
	}
	if c.ClientSecret == "" {
		return errors.New("oauth client_secret is required")
	}
	if c.RedirectURL() == "" {
		return errors.New("oauth redirect_uris must contain at least one entry")
	}
	if c.AuthURI == "" || c.TokenURI == "" {
		return errors.New("oauth auth_uri and token_uri are required")
	}
	return nil
}

func (c ClientConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL(),
		Scopes:       append([]string(nil), c.Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthURI,
			TokenURL:  c.TokenURI,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
