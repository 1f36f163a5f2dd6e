package oauth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDecodeBundleExchangedShape(t *testing.T) {
	raw := `{"access_token":"a","refresh_token":"r","token_type":"Bearer","token_uri":"https://oauth2.googleapis.com/token","client_id":"id","client_secret":"s","scope":"one two","expiry":"2024-05-01T10:00:00Z"}`
	bundle, err := DecodeBundle([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bundle.Kind != KindExchanged {
		t.Fatalf("expected exchanged kind, got %s", bundle.Kind)
	}
	if bundle.AccessToken != "a" || len(bundle.Scopes) != 2 {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
	if !bundle.Expiry.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry %v", bundle.Expiry)
	}
	if err := bundle.Validate(); err != nil {
		t.Fatalf("expected valid bundle: %v", err)
	}
}

func TestDecodeBundleAuthorizedUserShape(t *testing.T) {
	raw := `{"token":"a","refresh_token":"r","token_uri":"https://oauth2.googleapis.com/token","client_id":"id","client_secret":"s","scopes":["x"],"expiry":"2024-05-01T10:00:00.123456"}`
	bundle, err := DecodeBundle([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bundle.Kind != KindAuthorizedUser {
		t.Fatalf("expected authorized user kind, got %s", bundle.Kind)
	}
	if bundle.AccessToken != "a" || bundle.Scopes[0] != "x" {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
	if bundle.Expiry.IsZero() {
		t.Fatal("expected python style expiry to parse")
	}

	encoded, err := bundle.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(encoded), `"token":"a"`) || strings.Contains(string(encoded), `"access_token"`) {
		t.Fatalf("expected authorized user field names, got %s", encoded)
	}
	again, err := DecodeBundle(encoded)
	if err != nil {
		t.Fatalf("decode round trip: %v", err)
	}
	if again.Kind != KindAuthorizedUser || again.RefreshToken != "r" {
		t.Fatalf("round trip lost data: %+v", again)
	}
}

func TestDecodeBundleRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "   ", "not json"} {
		if _, err := DecodeBundle([]byte(raw)); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials for %q, got %v", raw, err)
		}
	}
}

func TestBundleValidateNamesMissingFields(t *testing.T) {
	err := Bundle{AccessToken: "a", ClientID: "id"}.Validate()
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	for _, field := range []string{"refresh_token", "token_uri", "client_secret"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("expected %s in %q", field, err)
		}
	}
	if strings.Contains(err.Error(), "client_id") {
		t.Fatalf("client_id was present, got %q", err)
	}
}

func TestParseExpiryIgnoresUnknownLayouts(t *testing.T) {
	if !parseExpiry("yesterday").IsZero() {
		t.Fatal("expected unknown layout to yield zero time")
	}
	if !parseExpiry("").IsZero() {
		t.Fatal("expected empty expiry to yield zero time")
	}
}

func TestBundleWithoutExpiryIsRefreshed(t *testing.T) {
	raw := `{"token":"stale","refresh_token":"r1","token_uri":"https://oauth2.googleapis.com/token","client_id":"id","client_secret":"s","scopes":["https://www.googleapis.com/auth/youtube"]}`
	bundle, err := DecodeBundle([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bundle.Expiry.IsZero() {
		t.Fatalf("expected no recorded expiry, got %v", bundle.Expiry)
	}
	token := bundle.Token()
	if token.Valid() {
		t.Fatalf("token without expiry must not be reused: %+v", token)
	}
	if token.AccessToken != "stale" || token.RefreshToken != "r1" {
		t.Fatalf("unexpected token %+v", token)
	}

	encoded, err := bundle.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(encoded), "expiry") {
		t.Fatalf("placeholder expiry must not be stored: %s", encoded)
	}
}

func TestBundleKeepsRecordedExpiry(t *testing.T) {
	expiry := time.Now().Add(time.Hour).UTC()
	token := Bundle{AccessToken: "a", RefreshToken: "r", Expiry: expiry}.Token()
	if !token.Valid() || !token.Expiry.Equal(expiry) {
		t.Fatalf("expected unexpired token to be reused, got %+v", token)
	}
}
