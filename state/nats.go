package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements StateStore using NATS JetStream KV.
// Revisions are the JetStream stream sequences of each write.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// Timeout bounds each KV call when ctx has no deadline.
	// Default: 5s
	Timeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "agentbus-state",
		History:      1,
		MaxValueSize: 1024 * 1024, // 1MB
		Timeout:      5 * time.Second,
	}
}

// NewNATSStore creates a new NATS JetStream KV store.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = defaults.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = defaults.MaxValueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{kv: kv, config: cfg}, nil
}

func (s *NATSStore) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.Timeout)
}

func (s *NATSStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves the entry for key.
func (s *NATSStore) Get(ctx context.Context, key string) (*KeyValue, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	// NATS KV keeps only the last write time per revision.
	return &KeyValue{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Created:  entry.Created(),
		Modified: entry.Created(),
	}, nil
}

// Create stores value if key is absent.
func (s *NATSStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	rev, err := s.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) || wrongLastSequence(err) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("kv create: %w", err)
	}
	return rev, nil
}

// Update replaces value if the stored revision equals rev.
func (s *NATSStore) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	next, err := s.kv.Update(ctx, key, value, rev)
	if err != nil {
		if wrongLastSequence(err) || errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update: %w", err)
	}
	return next, nil
}

func wrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Delete removes a key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *NATSStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed. The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}
