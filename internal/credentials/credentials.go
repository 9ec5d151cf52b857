// Package credentials mints identifiers and secrets for manual integrations.
// All randomness comes from crypto/rand unless a test injects a reader.
package credentials

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// APIKeyPrefix tags every generated API key.
	APIKeyPrefix = "glk_"

	IDLength        = 28
	APIKeyLength    = len(APIKeyPrefix) + 48
	WebhookIDLength = 32

	apiKeyBytes = 24
	idRandBytes = 8
)

// Generator produces identifiers and secrets.
type Generator struct {
	// Reader defaults to crypto/rand.Reader.
	Reader io.Reader
	// Now stamps NewID; defaults to time.Now.
	Now func() time.Time
}

// New returns a Generator backed by crypto/rand.
func New() Generator {
	return Generator{Reader: rand.Reader, Now: time.Now}
}

func (g Generator) reader() io.Reader {
	if g.Reader != nil {
		return g.Reader
	}
	return rand.Reader
}

func (g Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// NewID returns 12 hex digits of the creation time in Unix milliseconds
// followed by 16 random hex digits.
func (g Generator) NewID() (string, error) {
	buf := make([]byte, idRandBytes)
	if _, err := io.ReadFull(g.reader(), buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	ms := uint64(g.now().UnixMilli()) & 0xffffffffffff
	return fmt.Sprintf("%012x%s", ms, hex.EncodeToString(buf)), nil
}

// NewAPIKey returns a prefixed 48-hex-digit secret.
func (g Generator) NewAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := io.ReadFull(g.reader(), buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// NewWebhookID returns a random UUID as 32 lowercase hex digits.
func (g Generator) NewWebhookID() (string, error) {
	u, err := uuid.NewRandomFromReader(g.reader())
	if err != nil {
		return "", fmt.Errorf("webhook id: %w", err)
	}
	return strings.ReplaceAll(u.String(), "-", ""), nil
}

// WebhookURL derives the public ingest URL for a webhook id.
func WebhookURL(host, webhookID string) string {
	host = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://"), "/")
	return "https://" + host + "/webhooks/" + webhookID
}

// ValidWebhookID reports whether id has the generated shape.
func ValidWebhookID(id string) bool {
	return len(id) == WebhookIDLength && isLowerHex(id)
}

// ValidAPIKey reports whether key has the generated shape.
func ValidAPIKey(key string) bool {
	return len(key) == APIKeyLength && strings.HasPrefix(key, APIKeyPrefix) && isLowerHex(key[len(APIKeyPrefix):])
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
