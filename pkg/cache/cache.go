package cache

import (
	"context"
	"sync"
	"time"

	"jobstore/pkg/clock"
)

// Value caches the result of a single loader for a fixed TTL.
// Concurrent callers that miss share one in-flight load.
type Value[T any] struct {
	ttl   time.Duration
	clock clock.Clock

	mu        sync.Mutex
	value     T
	expiresAt time.Time
	loaded    bool
	inflight  *call[T]
}

type call[T any] struct {
	done  chan struct{}
	value T
	err   error
}

type Loader[T any] func(ctx context.Context) (T, error)

func NewValue[T any](ttl time.Duration, c clock.Clock) *Value[T] {
	if c == nil {
		c = clock.Real()
	}
	return &Value[T]{ttl: ttl, clock: c}
}

// Get returns the cached value while it is fresh, otherwise runs load and
// caches its result. Failed loads are not cached.
func (v *Value[T]) Get(ctx context.Context, load Loader[T]) (T, error) {
	v.mu.Lock()
	if v.loaded && v.clock.Now().Before(v.expiresAt) {
		value := v.value
		v.mu.Unlock()
		return value, nil
	}
	if c := v.inflight; c != nil {
		v.mu.Unlock()
		select {
		case <-c.done:
			return c.value, c.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	c := &call[T]{done: make(chan struct{})}
	v.inflight = c
	v.mu.Unlock()

	c.value, c.err = load(ctx)

	v.mu.Lock()
	if c.err == nil {
		v.value = c.value
		v.expiresAt = v.clock.Now().Add(v.ttl)
		v.loaded = true
	}
	v.inflight = nil
	v.mu.Unlock()
	close(c.done)

	return c.value, c.err
}

// Invalidate drops the cached value so the next Get reloads.
func (v *Value[T]) Invalidate() {
	v.mu.Lock()
	v.loaded = false
	v.mu.Unlock()
}
