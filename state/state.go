package state

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("key not found")
	ErrExists           = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
	ErrClosed           = errors.New("store closed")
	ErrInvalidKey       = errors.New("invalid key")
)

// KeyValue represents a key-value entry with metadata.
type KeyValue struct {
	Key   string
	Value []byte

	// Revision changes on every write to the key.
	Revision uint64

	Created  time.Time
	Modified time.Time
}

// StateStore is a key-value store with optimistic concurrency control.
type StateStore interface {
	// Get retrieves the entry for key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (*KeyValue, error)

	// Create stores value only if key does not exist yet.
	// Returns ErrExists otherwise.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update replaces value only if the stored revision equals rev.
	// Returns ErrRevisionMismatch otherwise.
	Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys matching pattern, sorted.
	// Pattern supports a trailing * wildcard (e.g., "task.*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close shuts down the store and releases resources.
	Close() error
}

// ValidateKey checks that key is usable with every backend: dot-separated
// tokens of letters, digits, '-', '_', '=' and '/'.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	for _, r := range key {
		if !validKeyRune(r) && r != '.' {
			return ErrInvalidKey
		}
	}
	return nil
}

// ValidToken reports whether s can be used as a single key token.
func ValidToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !validKeyRune(r) {
			return false
		}
	}
	return true
}

func validKeyRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-', r == '_', r == '=', r == '/':
		return true
	}
	return false
}

// MatchPattern checks if a key matches a pattern.
// Supports * wildcard at the end (e.g., "task.*" matches "task.t1").
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(key, prefix)
	}
	return pattern == key
}
