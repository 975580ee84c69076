package state

import (
	"strings"
	"testing"
)

// ============================================================================
// ValidateKey tests
// ============================================================================

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid simple key", "mykey", nil},
		{"valid dotted key", "task.t1", nil},
		{"valid punctuation", "task.a-b_c=d/e", nil},
		{"valid long key", strings.Repeat("a", 1024), nil},
		{"empty key", "", ErrInvalidKey},
		{"key with space", "key with space", ErrInvalidKey},
		{"leading dot", ".key", ErrInvalidKey},
		{"trailing dot", "key.", ErrInvalidKey},
		{"empty token", "task..t1", ErrInvalidKey},
		{"wildcard", "task.*", ErrInvalidKey},
		{"too long key", strings.Repeat("a", 1025), ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if err != tt.wantErr {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestValidToken(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"t1", true},
		{"2026-01-01", true},
		{"", false},
		{"a.b", false},
		{"résumé", false},
		{"a b", false},
	}
	for _, tt := range tests {
		if got := ValidToken(tt.in); got != tt.want {
			t.Errorf("ValidToken(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ============================================================================
// MatchPattern tests
// ============================================================================

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"task.*", "task.t1", true},
		{"task.*", "task.", true},
		{"task.*", "thread.t1", false},
		{"task.t1", "task.t1", true},
		{"task.t1", "task.t2", false},
	}

	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

// ============================================================================
// NATS config tests (no server required)
// ============================================================================

func TestDefaultNATSStoreConfig(t *testing.T) {
	cfg := DefaultNATSStoreConfig()
	if cfg.Bucket != "agentbus-state" {
		t.Errorf("Bucket = %s", cfg.Bucket)
	}
	if cfg.History != 1 || cfg.MaxValueSize != 1024*1024 || cfg.Timeout <= 0 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestNewNATSStore_NilConn(t *testing.T) {
	if _, err := NewNATSStore(NATSStoreConfig{}); err == nil {
		t.Error("expected error for nil connection")
	}
}
