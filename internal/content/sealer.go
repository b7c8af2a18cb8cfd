package content

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sealerInfo = "nuvora-ehr content at rest v1"

// ErrSealed is returned when a stored payload cannot be opened with the
// configured key
var ErrSealed = errors.New("content cannot be unsealed")

// Sealer encrypts payloads at rest with AES-256-GCM. Hashes are always
// computed over the plaintext; the hash is bound to the ciphertext as
// additional data so a payload cannot be moved to another key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 256-bit key from secret with HKDF-SHA256
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealerInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts data stored under hash. The nonce is prepended.
func (s *Sealer) Seal(hash string, data []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(data)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, data, []byte(hash)), nil
}

// Open decrypts a payload produced by Seal for the same hash
func (s *Sealer) Open(hash string, sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: %s: payload too short", ErrSealed, hash)
	}
	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(hash))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSealed, hash)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}
