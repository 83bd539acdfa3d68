package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/junctionhq/junction/internal/providers/registry"
)

// DefaultRotationInterval is how old a payload may grow before rotation
// sweeps re-encrypt it.
const DefaultRotationInterval = 90 * 24 * time.Hour

// Service encrypts and decrypts credential payloads under a keyring: one
// primary key for new encryptions plus previous keys accepted during
// rotation windows.
type Service struct {
	version          string
	primary          *Cipher
	previous         []*Cipher
	rotationInterval time.Duration
	now              func() time.Time
}

// NewService builds the keyring from resolved key material. Iterations
// applies to every key; zero selects the default.
func NewService(material KeyMaterial, iterations int, rotationInterval time.Duration) (*Service, error) {
	primary, err := NewCipher(material.Primary, iterations)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}
	var previous []*Cipher
	for i, key := range material.Previous {
		c, err := NewCipher(key, iterations)
		if err != nil {
			return nil, fmt.Errorf("previous key %d: %w", i, err)
		}
		previous = append(previous, c)
	}
	if rotationInterval <= 0 {
		rotationInterval = DefaultRotationInterval
	}
	version := material.Version
	if version == "" {
		version = "v1"
	}
	return &Service{
		version:          version,
		primary:          primary,
		previous:         previous,
		rotationInterval: rotationInterval,
		now:              time.Now,
	}, nil
}

// KeyVersion returns the version new encryptions are stamped with.
func (s *Service) KeyVersion() string {
	return s.version
}

// RotationInterval returns the configured maximum payload age.
func (s *Service) RotationInterval() time.Duration {
	return s.rotationInterval
}

// Encrypt seals plaintext under the primary key and returns the payload
// with its metadata envelope.
func (s *Service) Encrypt(plaintext []byte) (string, Metadata, error) {
	payload, err := s.primary.Encrypt(plaintext)
	if err != nil {
		return "", Metadata{}, err
	}
	return payload, Metadata{KeyVersion: s.version, EncryptedAt: s.now().UTC()}, nil
}

// Decrypt opens a payload, trying the primary key first and then each
// previous key. Format errors fail immediately; authentication failures
// fall through to the next key.
func (s *Service) Decrypt(payload string) ([]byte, error) {
	plaintext, err := s.primary.Decrypt(payload)
	if err == nil {
		return plaintext, nil
	}
	if errors.Is(err, ErrInvalidFormat) {
		return nil, err
	}
	for _, c := range s.previous {
		plaintext, prevErr := c.Decrypt(payload)
		if prevErr == nil {
			return plaintext, nil
		}
	}
	return nil, err
}

// EncryptCredentials seals a credential struct.
func (s *Service) EncryptCredentials(creds registry.Credentials) (string, Metadata, error) {
	raw, err := registry.EncodeCredentials(creds)
	if err != nil {
		return "", Metadata{}, err
	}
	return s.Encrypt(raw)
}

// DecryptCredentials opens a payload into a credential struct.
func (s *Service) DecryptCredentials(payload string) (registry.Credentials, error) {
	raw, err := s.Decrypt(payload)
	if err != nil {
		return registry.Credentials{}, err
	}
	return registry.DecodeCredentials(raw)
}

// NeedsRotation reports whether a payload with this metadata should be
// re-encrypted: it was sealed under a non-current key, or it has outlived
// the rotation interval.
func (s *Service) NeedsRotation(meta Metadata, now time.Time) bool {
	if meta.KeyVersion != s.version {
		return true
	}
	return meta.age(now) >= s.rotationInterval
}
