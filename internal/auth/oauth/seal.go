package oauth

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var sealPrefix = []byte("sb1:")

// ErrSealedMaterial is returned when sealed material is opened without the
// key that sealed it.
var ErrSealedMaterial = errors.New("credential material is sealed and no matching secret key is configured")

// Sealer encrypts identity material at rest with NaCl secretbox. A Sealer
// built from an empty secret passes data through unchanged.
type Sealer struct {
	key *[32]byte
}

// NewSealer derives the secretbox key from secret with scrypt.
func NewSealer(secret string) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Sealer{}, nil
	}
	derived, err := scrypt.Key([]byte(secret), []byte("tubecast/identity-material/v1"), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &Sealer{key: &key}, nil
}

// Enabled reports whether Seal encrypts.
func (s *Sealer) Enabled() bool {
	return s != nil && s.key != nil
}

// Seal encrypts plain under a fresh random nonce.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if !s.Enabled() {
		return append([]byte(nil), plain...), nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := append([]byte(nil), sealPrefix...)
	out = append(out, nonce[:]...)
	return secretbox.Seal(out, plain, &nonce, s.key), nil
}

// Open reverses Seal. Unsealed input is returned as is, which keeps rows
// written before a key was configured readable.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, sealPrefix) {
		return append([]byte(nil), data...), nil
	}
	if !s.Enabled() {
		return nil, ErrSealedMaterial
	}
	payload := data[len(sealPrefix):]
	if len(payload) < 24+secretbox.Overhead {
		return nil, fmt.Errorf("sealed material is truncated")
	}
	var nonce [24]byte
	copy(nonce[:], payload[:24])
	plain, ok := secretbox.Open(nil, payload[24:], &nonce, s.key)
	if !ok {
		return nil, ErrSealedMaterial
	}
	return plain, nil
}
