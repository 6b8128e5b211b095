package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"brevpulse/internal/domain"
)

const (
	// KeySize is the length of a per-user AES-256 key.
	KeySize = 32
	ivSize  = 12
	tagSize = 16
)

var (
	// ErrInvalidKey is returned for keys that are not KeySize bytes long.
	ErrInvalidKey = errors.New("crypto: key must be 32 bytes")
	// ErrDecrypt is returned when a ciphertext fails authentication.
	ErrDecrypt = errors.New("crypto: decryption failed")
)

// Box seals JSON values with AES-256-GCM. Content, IV and tag are returned separately.
type Box struct{}

var _ domain.Encryptor = Box{}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Seal marshals v to JSON and encrypts it under key with a random IV.
func (Box) Seal(key []byte, v any) (content, iv, tag []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal plaintext: %w", err)
	}
	iv = make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, plain, nil)
	split := len(sealed) - tagSize
	return sealed[:split], iv, sealed[split:], nil
}

// Open decrypts content and unmarshals the JSON plaintext into v.
func (Box) Open(key, content, iv, tag []byte, v any) error {
	aead, err := newGCM(key)
	if err != nil {
		return err
	}
	if len(iv) != ivSize || len(tag) != tagSize {
		return ErrDecrypt
	}
	sealed := make([]byte, 0, len(content)+len(tag))
	sealed = append(sealed, content...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return ErrDecrypt
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("unmarshal plaintext: %w", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
