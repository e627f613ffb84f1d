// Package crypto provides the symmetric codec used to encrypt message
// content at rest, plus derivation of the sibling key that keys the blind
// search index.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the required AES-256 key length in bytes.
	KeySize = 32

	tokenKeySalt       = "search-tokens"
	tokenKeyIterations = 100_000
)

var (
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")
	ErrCiphertext     = errors.New("ciphertext is malformed or was produced with a different key")
)

// Codec encrypts and decrypts message payloads with a single process-wide
// AES-256-GCM key. It is safe for concurrent use and performs no I/O.
type Codec struct {
	aead     cipher.AEAD
	tokenKey []byte
}

// NewCodec builds a Codec from a raw 32-byte key. The same key must be used
// by every worker instance in a deployment; a key change makes prior data
// unreadable, which is accepted behavior.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Codec{
		aead:     aead,
		tokenKey: pbkdf2.Key(key, []byte(tokenKeySalt), tokenKeyIterations, KeySize, sha256.New),
	}, nil
}

// ParseKey decodes a base64-encoded key as supplied through configuration.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return key, nil
}

// Encrypt seals plaintext with a fresh random nonce. The nonce is prepended
// to the returned ciphertext. Encrypting nil or empty input yields an empty
// result so absent optional fields stay absent.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, ErrCiphertext
	}

	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plaintext, nil
}

// TokenKey returns the key for the blind search index. It is derived from
// the encryption key, so the index stays query-able across restarts as long
// as the deployment key is unchanged.
func (c *Codec) TokenKey() []byte {
	out := make([]byte, len(c.tokenKey))
	copy(out, c.tokenKey)
	return out
}
