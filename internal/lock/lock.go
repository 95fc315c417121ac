// Package lock builds named mutual exclusion out of create-if-absent lock
// documents that the store expires by TTL. A holder that overruns its TTL can
// lose the lock silently, so the critical section is advisory past that point.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobstore/internal/retry"
	"jobstore/internal/store"
	"jobstore/pkg/clock"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
	"jobstore/pkg/validation"
)

var ErrLockTimeout = errors.New("lock acquisition timed out")

type TimeoutError struct {
	Name string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock %q", e.Name)
}

func (e *TimeoutError) Unwrap() error {
	return ErrLockTimeout
}

type Options struct {
	// TTLMargin is added to the acquire timeout to get the lock document's TTL.
	TTLMargin    time.Duration `validate:"gte=0"`
	PollInterval time.Duration `validate:"gt=0"`
}

func DefaultOptions() Options {
	return Options{
		TTLMargin:    15 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// Lock is a held lock. It is released with DistributedLock.Release.
type Lock struct {
	name     string
	etag     string
	expireAt time.Time
}

func (l *Lock) Name() string {
	return l.name
}

// ExpireAt is when the store may delete the lock regardless of release.
func (l *Lock) ExpireAt() time.Time {
	return l.expireAt
}

type DistributedLock struct {
	store store.DocumentStore
	retry *retry.Executor
	clock clock.Clock
	log   *logger.Logger
	opts  Options
}

func New(s store.DocumentStore, r *retry.Executor, c clock.Clock, log *logger.Logger, opts Options) (*DistributedLock, error) {
	if err := validation.New().Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid lock options: %w", err)
	}
	return &DistributedLock{
		store: s,
		retry: r,
		clock: c,
		log:   log.WithComponent("lock"),
		opts:  opts,
	}, nil
}

// Acquire blocks until the named lock is created or timeout elapses. The lock
// lives for timeout plus the TTL margin unless released first.
//
// The wait is bounded by a context deadline because polling sleeps are real;
// the injected clock only stamps and judges the record's expiry.
func (d *DistributedLock) Acquire(ctx context.Context, name string, timeout time.Duration) (*Lock, error) {
	wait, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ttl := timeout + d.opts.TTLMargin

	for {
		record := model.NewLock(name, d.clock.Now(), ttl)
		err := d.retry.Do(ctx, func(ctx context.Context) error {
			return d.store.Create(ctx, record, store.RequestOptions{PartitionKey: model.PartitionLock})
		})
		if err == nil {
			d.log.Debug("Lock acquired", "lock", name, "ttl", ttl)
			return &Lock{name: name, etag: record.ETag, expireAt: record.ExpireAt}, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("failed to acquire lock %q: %w", name, err)
		}

		reaped, err := d.reap(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect lock %q: %w", name, err)
		}
		if reaped {
			continue
		}

		if err := retry.Sleep(wait, d.opts.PollInterval); err != nil {
			if ctx.Err() == nil {
				return nil, &TimeoutError{Name: name}
			}
			return nil, ctx.Err()
		}
	}
}

// reap removes the current holder if its TTL has already passed but the
// store has not purged it yet. It reports whether the lock looks free.
func (d *DistributedLock) reap(ctx context.Context, name string) (bool, error) {
	var holder model.Lock
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		return d.store.Read(ctx, model.LockID(name), store.RequestOptions{PartitionKey: model.PartitionLock}, &holder)
	})
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !holder.Expired(d.clock.Now()) {
		return false, nil
	}

	err = d.retry.Do(ctx, func(ctx context.Context) error {
		return d.store.Delete(ctx, holder.ID, store.RequestOptions{PartitionKey: model.PartitionLock, IfMatch: holder.ETag})
	})
	if err != nil && !store.IsGone(err) {
		return false, err
	}
	d.log.Info("Reaped expired lock", "lock", name, "expired_at", holder.ExpireAt)
	return true, nil
}

// Release deletes the lock if it is still the one acquired. A lock that has
// already expired, or was taken over after expiring, is left alone.
func (d *DistributedLock) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}
	err := d.retry.Do(ctx, func(ctx context.Context) error {
		return d.store.Delete(ctx, model.LockID(l.name), store.RequestOptions{PartitionKey: model.PartitionLock, IfMatch: l.etag})
	})
	if store.IsGone(err) {
		d.log.Warn("Lock was gone at release", "lock", l.name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", l.name, err)
	}
	d.log.Debug("Lock released", "lock", l.name)
	return nil
}
