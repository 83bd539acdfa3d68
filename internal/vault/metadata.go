package vault

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Metadata is the plaintext envelope stored beside each encrypted
// payload. It lets rotation sweeps decide what to re-encrypt without
// decrypting anything.
type Metadata struct {
	KeyVersion  string     `json:"key_version"`
	EncryptedAt time.Time  `json:"encrypted_at"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
}

// DecodeMetadata parses a stored envelope. Empty input decodes to the
// zero value, which NeedsRotation treats as stale.
func DecodeMetadata(raw []byte) (Metadata, error) {
	var meta Metadata
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &meta); err != nil {
		return Metadata{}, fmt.Errorf("decode credential metadata: %w", err)
	}
	return meta, nil
}

// Encode renders the envelope for storage.
func (m Metadata) Encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode credential metadata: %w", err)
	}
	return raw, nil
}

// age returns how long ago the payload was last (re-)encrypted.
func (m Metadata) age(now time.Time) time.Duration {
	last := m.EncryptedAt
	if m.RotatedAt != nil && m.RotatedAt.After(last) {
		last = *m.RotatedAt
	}
	if last.IsZero() {
		// Unknown age reads as maximally stale.
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(last)
}
