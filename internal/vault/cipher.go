// Package vault encrypts connection credentials at rest and manages the
// master key material that protects them. Payloads are sealed with
// AES-256-GCM under a key derived per payload via PBKDF2, so two
// encryptions of the same plaintext never produce the same output.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength = 32
	ivLength   = 12
	tagLength  = 16
	keyLength  = 32

	// MinIterations is the PBKDF2 floor; configured values below it are
	// rejected rather than silently raised.
	MinIterations = 100_000
	// DefaultIterations is used when no iteration count is configured.
	DefaultIterations = 210_000

	// aad binds ciphertexts to their purpose so a sealed payload cannot
	// be replayed into a different decryption context.
	aad = "integration-credentials"
)

// ErrInvalidFormat reports a payload that does not parse as
// iv:salt:authTag:ciphertext hex segments of the expected lengths.
var ErrInvalidFormat = errors.New("credential payload has invalid format")

// ErrAuthenticationFailed reports a payload that parsed but failed GCM
// authentication: wrong key, or tampered ciphertext.
var ErrAuthenticationFailed = errors.New("credential payload failed authentication")

// Cipher seals and opens credential payloads under one master key.
type Cipher struct {
	masterKey  []byte
	iterations int
}

// NewCipher builds a Cipher from the master key string. The key must be
// non-empty and iterations at least MinIterations; zero iterations
// selects the default.
func NewCipher(masterKey string, iterations int) (*Cipher, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, errors.New("master key must not be empty")
	}
	if iterations == 0 {
		iterations = DefaultIterations
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("pbkdf2 iterations %d below minimum %d", iterations, MinIterations)
	}
	return &Cipher{masterKey: []byte(masterKey), iterations: iterations}, nil
}

// Encrypt seals plaintext and returns the transportable form
// iv:salt:authTag:ciphertext, each segment lowercase hex. A fresh salt
// and IV are drawn per call.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, plaintext, []byte(aad))
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(salt),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt opens a payload produced by Encrypt. Malformed payloads return
// ErrInvalidFormat; authentic-looking payloads that fail GCM verification
// return ErrAuthenticationFailed.
func (c *Cipher) Decrypt(payload string) ([]byte, error) {
	iv, salt, tag, ciphertext, err := splitPayload(payload)
	if err != nil {
		return nil, err
	}
	gcm, err := c.gcm(salt)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, []byte(aad))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func (c *Cipher) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterKey, salt, c.iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

func splitPayload(payload string) (iv, salt, tag, ciphertext []byte, err error) {
	parts := strings.Split(strings.TrimSpace(payload), ":")
	if len(parts) != 4 {
		return nil, nil, nil, nil, ErrInvalidFormat
	}
	segments := make([][]byte, 4)
	for i, part := range parts {
		decoded, decErr := hex.DecodeString(part)
		if decErr != nil {
			return nil, nil, nil, nil, ErrInvalidFormat
		}
		segments[i] = decoded
	}
	if len(segments[0]) != ivLength || len(segments[1]) != saltLength || len(segments[2]) != tagLength {
		return nil, nil, nil, nil, ErrInvalidFormat
	}
	return segments[0], segments[1], segments[2], segments[3], nil
}
