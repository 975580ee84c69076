package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSRegistry implements Registry using NATS JetStream KV store.
// Suitable for distributed deployments across multiple nodes.
type NATSRegistry struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSRegistryConfig

	mu       sync.RWMutex
	watchers []chan Event
	closed   bool
	cancel   context.CancelFunc
}

// NATSRegistryConfig configures the NATS registry.
type NATSRegistryConfig struct {
	// BucketName is the KV bucket name. Default: "agentbus-registry"
	BucketName string

	// Replicas for the KV store (1-5). Default: 1
	Replicas int

	// Timeout bounds each KV call. Default: 5s
	Timeout time.Duration

	// MaxRetries bounds compare-and-swap retries on concurrent updates.
	// Default: 8
	MaxRetries int
}

// DefaultNATSRegistryConfig returns configuration with sensible defaults.
func DefaultNATSRegistryConfig() NATSRegistryConfig {
	return NATSRegistryConfig{
		BucketName: "agentbus-registry",
		Replicas:   1,
		Timeout:    5 * time.Second,
		MaxRetries: 8,
	}
}

// NewNATSRegistry creates a new NATS registry from an existing connection.
func NewNATSRegistry(conn *nats.Conn, cfg NATSRegistryConfig) (*NATSRegistry, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}

	defaults := DefaultNATSRegistryConfig()
	if cfg.BucketName == "" {
		cfg.BucketName = defaults.BucketName
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = defaults.Replicas
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancelCreate := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCreate()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())

	r := &NATSRegistry{
		conn:   conn,
		kv:     kv,
		config: cfg,
		cancel: cancel,
	}

	// Start KV watcher
	go r.watchKV(watchCtx)

	return r, nil
}

func (r *NATSRegistry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *NATSRegistry) get(ctx context.Context, id string) (*Registration, uint64, error) {
	entry, err := r.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get from kv: %w", err)
	}

	var reg Registration
	if err := json.Unmarshal(entry.Value(), &reg); err != nil {
		return nil, 0, fmt.Errorf("unmarshal registration: %w", err)
	}
	return &reg, entry.Revision(), nil
}

// mutate applies fn to the current registration with compare-and-swap,
// retrying when another node wrote in between. A nil current value means
// the key does not exist; fn returning ErrNotFound aborts.
func (r *NATSRegistry) mutate(id string, fn func(current *Registration) (Registration, error)) (*Registration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	for attempt := 0; attempt < r.config.MaxRetries; attempt++ {
		current, rev, err := r.get(ctx, id)
		if err != nil && err != ErrNotFound {
			return nil, err
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("marshal registration: %w", err)
		}

		if current == nil {
			_, err = r.kv.Create(ctx, id, data)
		} else {
			_, err = r.kv.Update(ctx, id, data, rev)
		}
		if err == nil {
			return &next, nil
		}
		if !isConflict(err) {
			return nil, fmt.Errorf("write to kv: %w", err)
		}
	}

	return nil, fmt.Errorf("registry update for %q: too many concurrent writers", id)
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Register adds or updates an agent in the registry.
func (r *NATSRegistry) Register(id, endpoint string, opts ...Option) (*Registration, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if r.isClosed() {
		return nil, ErrClosed
	}

	return r.mutate(id, func(current *Registration) (Registration, error) {
		return applyRegister(current, id, endpoint, time.Now(), opts)
	})
}

// Unregister removes an agent from the registry.
func (r *NATSRegistry) Unregister(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if r.isClosed() {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	if _, _, err := r.get(ctx, id); err != nil {
		return err
	}

	if err := r.kv.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete from kv: %w", err)
	}
	return nil
}

// UpdateStatus sets an agent's status and merges metadata.
func (r *NATSRegistry) UpdateStatus(id string, status Status, metadata map[string]string) (*Registration, error) {
	if !validStatus(status) {
		return nil, ErrInvalidStatus
	}
	if err := ValidateID(id); err != nil {
		return nil, ErrNotFound
	}
	if r.isClosed() {
		return nil, ErrClosed
	}

	return r.mutate(id, func(current *Registration) (Registration, error) {
		if current == nil {
			return Registration{}, ErrNotFound
		}
		applyStatus(current, status, metadata, time.Now())
		return *current, nil
	})
}

// Touch bumps LastSeen.
func (r *NATSRegistry) Touch(id string) error {
	if err := ValidateID(id); err != nil {
		return ErrNotFound
	}
	if r.isClosed() {
		return ErrClosed
	}

	_, err := r.mutate(id, func(current *Registration) (Registration, error) {
		if current == nil {
			return Registration{}, ErrNotFound
		}
		applyTouch(current, time.Now())
		return *current, nil
	})
	return err
}

// Resolve retrieves a specific agent by ID.
func (r *NATSRegistry) Resolve(id string) (*Registration, error) {
	if err := ValidateID(id); err != nil {
		return nil, ErrNotFound
	}
	if r.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	reg, _, err := r.get(ctx, id)
	return reg, err
}

// List returns all agents matching the filter.
func (r *NATSRegistry) List(filter *Filter) ([]Registration, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Registration{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var result []Registration
	for _, key := range keys {
		reg, _, err := r.get(ctx, key)
		if err != nil {
			continue // Key might have been deleted
		}
		if MatchesFilter(*reg, filter) {
			result = append(result, *reg)
		}
	}

	// Sort by ID for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// Watch returns a channel of registry events.
func (r *NATSRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *NATSRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	r.cancel()

	// Close all watcher channels
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// watchKV monitors the KV store for changes and notifies watchers.
// Values present before the watch started only seed the known set.
func (r *NATSRegistry) watchKV(ctx context.Context) {
	watcher, err := r.kv.WatchAll(ctx)
	if err != nil {
		return
	}
	defer watcher.Stop()

	known := make(map[string]Registration)
	synced := false

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				synced = true
				continue
			}

			var event Event
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				var reg Registration
				if err := json.Unmarshal(entry.Value(), &reg); err != nil {
					continue
				}
				_, seen := known[reg.ID]
				known[reg.ID] = reg
				event = Event{Type: EventUpdated, Agent: reg}
				if !seen {
					event.Type = EventAdded
				}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				last, ok := known[entry.Key()]
				if !ok {
					last = Registration{ID: entry.Key()}
				}
				delete(known, entry.Key())
				event = Event{Type: EventRemoved, Agent: last}
			default:
				continue
			}

			if !synced {
				continue
			}

			r.mu.RLock()
			if r.closed {
				r.mu.RUnlock()
				return
			}
			for _, ch := range r.watchers {
				select {
				case ch <- event:
				default:
				}
			}
			r.mu.RUnlock()
		}
	}
}

// Conn returns the underlying NATS connection.
func (r *NATSRegistry) Conn() *nats.Conn {
	return r.conn
}
