package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed          = errors.New("limiter closed")
	ErrInvalidCapacity = errors.New("invalid capacity")
	ErrInvalidWindow   = errors.New("invalid window")
)

// Capacity describes one key's bucket.
type Capacity struct {
	Key       string
	Available int
	Total     int
	Window    time.Duration
}

// bucket is a token bucket refilled continuously at total/window.
type bucket struct {
	total      int
	available  int
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time, window time.Duration) {
	if b.available >= b.total {
		b.lastRefill = now
		return
	}
	per := window / time.Duration(b.total)
	if per <= 0 {
		b.available = b.total
		b.lastRefill = now
		return
	}
	n := int(now.Sub(b.lastRefill) / per)
	if n <= 0 {
		return
	}
	b.available += n
	b.lastRefill = b.lastRefill.Add(time.Duration(n) * per)
	if b.available >= b.total {
		b.available = b.total
		b.lastRefill = now
	}
}

// next returns how long until one token is available.
func (b *bucket) next(now time.Time, window time.Duration) time.Duration {
	if b.available > 0 {
		return 0
	}
	per := window / time.Duration(b.total)
	if d := b.lastRefill.Add(per).Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

// Limiter rate limits operations per key, typically a sending agent ID.
// Every key gets its own bucket of the default capacity unless
// SetCapacity overrides it. Safe for concurrent use.
type Limiter struct {
	window   time.Duration
	capacity int
	now      func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	overrides map[string]int
	closed    bool
	done      chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter allowing capacity operations per window per key.
func New(capacity int, window time.Duration, opts ...Option) (*Limiter, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	l := &Limiter{
		window:    window,
		capacity:  capacity,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
		overrides: make(map[string]int),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// bucketLocked returns the key's bucket, creating a full one on first use.
func (l *Limiter) bucketLocked(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		total := l.capacity
		if n, ok := l.overrides[key]; ok {
			total = n
		}
		b = &bucket{total: total, available: total, lastRefill: l.now()}
		l.buckets[key] = b
	}
	return b
}

// Allow takes a token for key if one is available.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	b := l.bucketLocked(key)
	b.refill(l.now(), l.window)
	if b.available == 0 {
		return false
	}
	b.available--
	return true
}

// Wait blocks until a token for key is available, ctx ends or the limiter
// closes.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return ErrClosed
		}
		b := l.bucketLocked(key)
		now := l.now()
		b.refill(now, l.window)
		if b.available > 0 {
			b.available--
			l.mu.Unlock()
			return nil
		}
		delay := b.next(now, l.window)
		l.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// SetCapacity overrides the per-window capacity for one key. A capacity
// of zero or less restores the default.
func (l *Limiter) SetCapacity(key string, capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if capacity <= 0 {
		delete(l.overrides, key)
		capacity = l.capacity
	} else {
		l.overrides[key] = capacity
	}
	if b, ok := l.buckets[key]; ok {
		b.total = capacity
		if b.available > capacity {
			b.available = capacity
		}
	}
}

// Capacity reports the current state of key's bucket.
func (l *Limiter) Capacity(key string) Capacity {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketLocked(key)
	b.refill(l.now(), l.window)
	return Capacity{Key: key, Available: b.available, Total: b.total, Window: l.window}
}

// Forget drops key's bucket, typically when the agent unregisters.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Close wakes all waiters and rejects further use.
func (l *Limiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	close(l.done)
	return nil
}
