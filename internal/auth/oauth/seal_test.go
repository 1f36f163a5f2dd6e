package oauth

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer("operator secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	plain := []byte(`{"refresh_token":"r"}`)
	sealed, err := sealer.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("refresh_token")) {
		t.Fatal("sealed output contains plaintext")
	}
	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("expected %s, got %s", plain, opened)
	}
}

func TestSealerWithoutSecretPassesThrough(t *testing.T) {
	sealer, err := NewSealer("  ")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	if sealer.Enabled() {
		t.Fatal("expected disabled sealer")
	}
	sealed, _ := sealer.Seal([]byte("plain"))
	if string(sealed) != "plain" {
		t.Fatalf("expected passthrough, got %s", sealed)
	}
}

func TestSealerOpenRejectsWrongKey(t *testing.T) {
	a, _ := NewSealer("key-a")
	b, _ := NewSealer("key-b")
	none, _ := NewSealer("")
	sealed, err := a.Seal([]byte("material"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); !errors.Is(err, ErrSealedMaterial) {
		t.Fatalf("expected ErrSealedMaterial, got %v", err)
	}
	if _, err := none.Open(sealed); !errors.Is(err, ErrSealedMaterial) {
		t.Fatalf("expected ErrSealedMaterial without key, got %v", err)
	}
	legacy, err := b.Open([]byte(`{"token":"t"}`))
	if err != nil || string(legacy) != `{"token":"t"}` {
		t.Fatalf("expected unsealed rows to pass through, got %s %v", legacy, err)
	}
}
