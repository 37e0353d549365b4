// Package idgen provides random ID generation for trades, escrows and events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a random UUIDv4 string.
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "trd_", "esc_", "dsp_").
// Result is prefix + 32 hex chars.
func WithPrefix(prefix string) string {
	return prefix + Hex()
}

// Hex returns a random UUID as 32 hex chars without dashes.
func Hex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
