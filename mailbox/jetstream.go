package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/agentbus/message"
)

// JetStreamConfig configures a JetStreamStore.
type JetStreamConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name. Default: "agentbus-mailbox"
	Bucket string

	// Replicas for the KV bucket (1-5). Default: 1
	Replicas int

	// Timeout bounds each call when ctx has no deadline. Default: 5s
	Timeout time.Duration
}

// DefaultJetStreamConfig returns configuration with sensible defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Bucket:   "agentbus-mailbox",
		Replicas: 1,
		Timeout:  5 * time.Second,
	}
}

// JetStreamStore keeps mailboxes in a NATS JetStream KV bucket, one key per
// message ("<agent>.<message id>", agent base64url-encoded). Values are
// CBOR records carrying an append sequence so order survives updates.
//
// The mailbox cap is enforced under a per-agent lock held by this process;
// several processes appending to the same mailbox may briefly exceed it.
type JetStreamStore struct {
	kv     jetstream.KeyValue
	cfg    Config
	jsCfg  JetStreamConfig
	closed atomic.Bool

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	lastSeq map[string]int64
}

type record struct {
	Seq     int64            `cbor:"seq"`
	Message *message.Message `cbor:"message"`
}

type storedRecord struct {
	key      string
	revision uint64
	record
}

// NewJetStreamStore creates the KV bucket if needed and returns a store.
func NewJetStreamStore(jsCfg JetStreamConfig, cfg Config) (*JetStreamStore, error) {
	if jsCfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultJetStreamConfig()
	if jsCfg.Bucket == "" {
		jsCfg.Bucket = defaults.Bucket
	}
	if jsCfg.Replicas < 1 {
		jsCfg.Replicas = defaults.Replicas
	}
	if jsCfg.Timeout <= 0 {
		jsCfg.Timeout = defaults.Timeout
	}

	js, err := jetstream.New(jsCfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   jsCfg.Bucket,
		Replicas: jsCfg.Replicas,
		History:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &JetStreamStore{
		kv:      kv,
		cfg:     cfg.withDefaults(),
		jsCfg:   jsCfg,
		locks:   make(map[string]*sync.Mutex),
		lastSeq: make(map[string]int64),
	}, nil
}

func agentToken(agentID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(agentID))
}

func agentFromKey(key string) (string, bool) {
	tok, _, ok := strings.Cut(key, ".")
	if !ok {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func messageKey(agentID, messageID string) string {
	return agentToken(agentID) + "." + messageID
}

// validMessageID rejects IDs that cannot be a single KV key token.
func validMessageID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (s *JetStreamStore) agentLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

func (s *JetStreamStore) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.jsCfg.Timeout)
}

func (s *JetStreamStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func decodeEntry(entry jetstream.KeyValueEntry) (storedRecord, error) {
	var rec record
	if err := message.UnmarshalCBOR(entry.Value(), &rec); err != nil {
		return storedRecord{}, fmt.Errorf("decode %s: %w", entry.Key(), err)
	}
	if rec.Message == nil {
		return storedRecord{}, fmt.Errorf("decode %s: empty record", entry.Key())
	}
	return storedRecord{key: entry.Key(), revision: entry.Revision(), record: rec}, nil
}

// scan returns the records matching a key filter in append order.
func (s *JetStreamStore) scan(ctx context.Context, filter string) ([]storedRecord, error) {
	w, err := s.kv.Watch(ctx, filter, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}
	defer w.Stop()

	var recs []storedRecord
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				sort.Slice(recs, func(i, j int) bool {
					if recs[i].Seq != recs[j].Seq {
						return recs[i].Seq < recs[j].Seq
					}
					return recs[i].Message.ID < recs[j].Message.ID
				})
				return recs, nil
			}
			rec, err := decodeEntry(entry)
			if err != nil {
				continue // skip foreign or corrupt values
			}
			recs = append(recs, rec)
		}
	}
}

// Append adds msg to agentID's mailbox.
func (s *JetStreamStore) Append(ctx context.Context, agentID string, msg *message.Message) ([]string, error) {
	if err := validate(agentID, msg); err != nil {
		return nil, err
	}
	if !validMessageID(msg.ID) {
		return nil, ErrInvalid
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	l := s.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	recs, err := s.scan(ctx, agentToken(agentID)+".*")
	if err != nil {
		return nil, err
	}

	seq := time.Now().UnixNano()
	if n := len(recs); n > 0 && recs[n-1].Seq >= seq {
		seq = recs[n-1].Seq + 1
	}
	if last := s.lastSeq[agentID]; last >= seq {
		seq = last + 1
	}

	data, err := message.MarshalCBOR(record{Seq: seq, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if _, err := s.kv.Create(ctx, messageKey(agentID, msg.ID), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv create: %w", err)
	}
	s.lastSeq[agentID] = seq

	var evicted []string
	if over := len(recs) + 1 - s.cfg.MaxMessagesPerAgent; over > 0 {
		for _, rec := range recs[:over] {
			if err := s.kv.Delete(ctx, rec.key); err != nil {
				return evicted, fmt.Errorf("evict %s: %w", rec.Message.ID, err)
			}
			evicted = append(evicted, rec.Message.ID)
		}
	}
	return evicted, nil
}

// Drain returns messages matching filter.
func (s *JetStreamStore) Drain(ctx context.Context, agentID string, filter message.Filter) ([]*message.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	l := s.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	recs, err := s.scan(ctx, agentToken(agentID)+".*")
	if err != nil {
		return nil, err
	}

	msgs := make([]*message.Message, len(recs))
	byID := make(map[string]storedRecord, len(recs))
	for i, rec := range recs {
		msgs[i] = rec.Message
		byID[rec.Message.ID] = rec
	}

	now := s.cfg.Clock()
	selected := selectMessages(msgs, filter, now)
	if filter.MarkRead {
		readAt := now.UTC()
		for _, m := range selected {
			if m.ReadAt != nil {
				continue
			}
			m.ReadAt = &readAt
			rec := byID[m.ID]
			data, err := message.MarshalCBOR(rec.record)
			if err != nil {
				return nil, fmt.Errorf("encode message: %w", err)
			}
			if _, err := s.kv.Update(ctx, rec.key, data, rec.revision); err != nil {
				return nil, fmt.Errorf("mark read %s: %w", m.ID, err)
			}
		}
	}
	return selected, nil
}

// Get returns one message.
func (s *JetStreamStore) Get(ctx context.Context, agentID, messageID string) (*message.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	rec, err := s.get(ctx, agentID, messageID)
	if err != nil {
		return nil, err
	}
	return rec.Message, nil
}

func (s *JetStreamStore) get(ctx context.Context, agentID, messageID string) (storedRecord, error) {
	if !validMessageID(messageID) {
		return storedRecord{}, ErrNotFound
	}
	entry, err := s.kv.Get(ctx, messageKey(agentID, messageID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return storedRecord{}, ErrNotFound
		}
		return storedRecord{}, fmt.Errorf("kv get: %w", err)
	}
	rec, err := decodeEntry(entry)
	if err != nil {
		return storedRecord{}, err
	}
	if rec.Message.Expired(s.cfg.Clock()) {
		return storedRecord{}, ErrNotFound
	}
	return rec, nil
}

// MarkAcknowledged records the acknowledgment time.
func (s *JetStreamStore) MarkAcknowledged(ctx context.Context, agentID, messageID string, at time.Time) (*message.Message, error) {
	at = at.UTC()
	return s.modify(ctx, agentID, messageID, func(m *message.Message) {
		if m.AcknowledgedAt == nil {
			m.AcknowledgedAt = &at
		}
		if m.ReadAt == nil {
			m.ReadAt = &at
		}
	})
}

// IncrementRetry bumps RetryCount.
func (s *JetStreamStore) IncrementRetry(ctx context.Context, agentID, messageID string) (*message.Message, error) {
	return s.modify(ctx, agentID, messageID, func(m *message.Message) {
		m.RetryCount++
	})
}

// modify applies fn with compare-and-swap on the message key.
func (s *JetStreamStore) modify(ctx context.Context, agentID, messageID string, fn func(*message.Message)) (*message.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec, err := s.get(ctx, agentID, messageID)
		if err != nil {
			return nil, err
		}
		fn(rec.Message)

		data, err := message.MarshalCBOR(rec.record)
		if err != nil {
			return nil, fmt.Errorf("encode message: %w", err)
		}
		if _, err := s.kv.Update(ctx, rec.key, data, rec.revision); err == nil {
			return rec.Message, nil
		} else if !revisionConflict(err) {
			return nil, fmt.Errorf("kv update: %w", err)
		}
	}
	return nil, fmt.Errorf("update %s: too many concurrent writers", messageID)
}

func revisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Remove deletes a message.
func (s *JetStreamStore) Remove(ctx context.Context, agentID, messageID string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if !validMessageID(messageID) {
		return false, nil
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	key := messageKey(agentID, messageID)
	if _, err := s.kv.Get(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("kv get: %w", err)
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("kv delete: %w", err)
	}
	return true, nil
}

// EvictExpired deletes expired messages, locking one mailbox per delete.
func (s *JetStreamStore) EvictExpired(ctx context.Context, now time.Time) ([]Eviction, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	recs, err := s.scan(ctx, ">")
	if err != nil {
		return nil, err
	}

	var evicted []Eviction
	for _, rec := range recs {
		if !rec.Message.Expired(now) {
			continue
		}
		agentID, ok := agentFromKey(rec.key)
		if !ok {
			continue
		}

		l := s.agentLock(agentID)
		l.Lock()
		err := s.kv.Delete(ctx, rec.key, jetstream.LastRevision(rec.revision))
		l.Unlock()
		if err != nil {
			if revisionConflict(err) {
				continue // modified since the scan; next sweep decides
			}
			return evicted, fmt.Errorf("evict %s: %w", rec.Message.ID, err)
		}
		evicted = append(evicted, Eviction{AgentID: agentID, MessageID: rec.Message.ID, Reason: EvictExpired})
	}

	sortEvictions(evicted)
	return evicted, nil
}

// Len returns the number of stored messages for agentID.
func (s *JetStreamStore) Len(ctx context.Context, agentID string) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	recs, err := s.scan(ctx, agentToken(agentID)+".*")
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Close marks the store closed. The NATS connection is owned by the caller.
func (s *JetStreamStore) Close() error {
	s.closed.Store(true)
	return nil
}
