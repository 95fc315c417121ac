package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobstore/internal/lock"
	"jobstore/internal/retry"
	"jobstore/internal/store"
	"jobstore/internal/store/storetest"
	"jobstore/pkg/clock"
	apperrors "jobstore/pkg/errors"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
)

type fixture struct {
	store *storetest.Store
	clock *clock.Fake
	lock  *lock.DistributedLock
	opts  Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	s := storetest.New(fake)
	r := retry.NewExecutor(logger.Discard(), 3)
	l, err := lock.New(s, r, fake, logger.Discard(), lock.Options{
		TTLMargin:    time.Second,
		PollInterval: time.Millisecond,
	})
	require.NoError(t, err)

	return &fixture{
		store: s,
		clock: fake,
		lock:  l,
		opts: Options{
			InvisibilityTimeout: 15 * time.Minute,
			QueuePollInterval:   10 * time.Millisecond,
			KeepAliveInterval:   14 * time.Minute,
			LockTimeoutMargin:   200 * time.Millisecond,
		},
	}
}

// consumer builds an independent JobQueue over the shared store, the way a
// separate process would.
func (f *fixture) consumer(t *testing.T) *JobQueue {
	t.Helper()
	q, err := New(f.store, retry.NewExecutor(logger.Discard(), 3), f.lock, f.clock, logger.Discard(), f.opts)
	require.NoError(t, err)
	return q
}

func dequeueWithin(t *testing.T, q *JobQueue, d time.Duration, queues ...string) (*FetchedJob, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return q.Dequeue(ctx, queues)
}

func TestNew_ValidatesOptions(t *testing.T) {
	f := newFixture(t)
	f.opts.KeepAliveInterval = 20 * time.Minute

	_, err := New(f.store, retry.NewExecutor(logger.Discard(), 3), f.lock, f.clock, logger.Discard(), f.opts)
	assert.Error(t, err)
}

func TestEnqueue_RejectsEmptyArguments(t *testing.T) {
	q := newFixture(t).consumer(t)

	for _, args := range [][2]string{{"", "job"}, {"default", ""}} {
		err := q.Enqueue(context.Background(), args[0], args[1])
		appErr := apperrors.AsAppError(err)
		require.NotNil(t, appErr, "args %v", args)
		assert.Equal(t, apperrors.CodeInvalidInput, appErr.Code)
	}
}

func TestEnqueue_CreatesAvailableItem(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)

	require.NoError(t, q.Enqueue(context.Background(), "default", "job-1"))

	page, err := f.store.Query(context.Background(), store.Query{Partition: model.PartitionQueue})
	require.NoError(t, err)
	items, err := store.DecodeAll[model.QueueItem](page)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "default", items[0].Name)
	assert.Equal(t, "job-1", items[0].JobID)
	assert.Equal(t, f.clock.Now().Unix(), items[0].CreatedOn)
	assert.Nil(t, items[0].FetchedAt)
}

func TestDequeue_RequiresQueues(t *testing.T) {
	q := newFixture(t).consumer(t)

	_, err := q.Dequeue(context.Background(), nil)
	assert.True(t, apperrors.IsAppError(err))
}

func TestDequeue_FIFOWithinQueue(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)
	ctx := context.Background()

	// Two items share a creation second; id order breaks the tie.
	require.NoError(t, q.Enqueue(ctx, "default", "job-1"))
	require.NoError(t, q.Enqueue(ctx, "default", "job-2"))
	f.clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, "default", "job-3"))
	require.NoError(t, q.Enqueue(ctx, "other", "job-x"))

	var got []string
	for i := 0; i < 3; i++ {
		job, err := dequeueWithin(t, q, time.Second, "default")
		require.NoError(t, err)
		got = append(got, job.JobID())
		assert.Equal(t, "default", job.QueueName())
		assert.Equal(t, Leased, job.State())
		job.RemoveFromQueue(ctx)
	}
	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, got)
	assert.Equal(t, 1, f.store.Len(model.PartitionQueue))
}

func TestDequeue_OrdersAcrossQueuesByName(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "b", "job-b"))
	f.clock.Advance(time.Second)
	require.NoError(t, q.Enqueue(ctx, "a", "job-a"))

	job, err := dequeueWithin(t, q, time.Second, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "job-a", job.JobID())
	require.NoError(t, job.Close())
}

func TestDequeue_RedeliversAfterInvisibilityTimeout(t *testing.T) {
	f := newFixture(t)
	first, second := f.consumer(t), f.consumer(t)
	ctx := context.Background()

	require.NoError(t, first.Enqueue(ctx, "default", "job-1"))
	lease, err := dequeueWithin(t, first, time.Second, "default")
	require.NoError(t, err)

	_, err = dequeueWithin(t, second, 50*time.Millisecond, "default")
	require.ErrorIs(t, err, context.DeadlineExceeded, "item is invisible while leased")

	f.clock.Advance(16 * time.Minute)

	redelivered, err := dequeueWithin(t, second, time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, "job-1", redelivered.JobID())
	assert.Equal(t, lease.ID(), redelivered.ID())

	// The original consumer's acknowledge must neither fail nor delete the
	// item now leased by the second consumer.
	lease.RemoveFromQueue(ctx)
	assert.Equal(t, Acknowledged, lease.State())
	assert.Equal(t, 1, f.store.Len(model.PartitionQueue))

	redelivered.RemoveFromQueue(ctx)
	assert.Equal(t, 0, f.store.Len(model.PartitionQueue))
}

func TestRemoveFromQueue_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", "job-1"))
	job, err := dequeueWithin(t, q, time.Second, "default")
	require.NoError(t, err)

	job.RemoveFromQueue(ctx)
	job.RemoveFromQueue(ctx)
	require.NoError(t, job.Close())

	assert.Equal(t, Acknowledged, job.State())
	assert.Equal(t, 0, f.store.Len(model.PartitionQueue))
}

func TestRemoveFromQueue_SwallowsStoreFailures(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", "job-1"))
	job, err := dequeueWithin(t, q, time.Second, "default")
	require.NoError(t, err)

	f.store.SetFault(func(op string) error {
		if op == storetest.OpDelete {
			return errors.New("service unavailable")
		}
		return nil
	})
	job.RemoveFromQueue(ctx)
	assert.Equal(t, Acknowledged, job.State())
}

func TestKeepAlive_PreventsRedelivery(t *testing.T) {
	f := newFixture(t)
	f.opts.KeepAliveInterval = 5 * time.Millisecond
	first, second := f.consumer(t), f.consumer(t)
	ctx := context.Background()

	require.NoError(t, first.Enqueue(ctx, "default", "job-1"))
	lease, err := dequeueWithin(t, first, time.Second, "default")
	require.NoError(t, err)
	defer lease.Close()

	for i := 0; i < 3; i++ {
		f.clock.Advance(10 * time.Minute)
		want := f.clock.Now().Unix()
		require.Eventually(t, func() bool {
			return lease.FetchedAt().Unix() == want
		}, time.Second, time.Millisecond, "keep-alive did not refresh the lease")
	}

	_, err = dequeueWithin(t, second, 50*time.Millisecond, "default")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Leased, lease.State())
}

func TestKeepAlive_ToleratesVanishedItem(t *testing.T) {
	f := newFixture(t)
	f.opts.KeepAliveInterval = 5 * time.Millisecond
	q := f.consumer(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", "job-1"))
	lease, err := dequeueWithin(t, q, time.Second, "default")
	require.NoError(t, err)

	require.NoError(t, f.store.Delete(ctx, lease.ID(), store.RequestOptions{PartitionKey: model.PartitionQueue}))
	patches := f.store.Calls(storetest.OpPatch)
	require.Eventually(t, func() bool {
		return f.store.Calls(storetest.OpPatch) >= patches+2
	}, time.Second, time.Millisecond, "keep-alive keeps ticking after a miss")

	assert.Equal(t, Leased, lease.State())
	require.NoError(t, lease.Close())
	assert.Equal(t, Abandoned, lease.State())
}

func TestRequeue_MakesItemAvailableImmediately(t *testing.T) {
	f := newFixture(t)
	first, second := f.consumer(t), f.consumer(t)
	ctx := context.Background()

	require.NoError(t, first.Enqueue(ctx, "default", "job-1"))
	lease, err := dequeueWithin(t, first, time.Second, "default")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.NoError(t, lease.Requeue(ctx))
	assert.Equal(t, Abandoned, lease.State())
	require.NoError(t, lease.Requeue(ctx))

	again, err := dequeueWithin(t, second, time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, "job-1", again.JobID())

	var item model.QueueItem
	require.NoError(t, f.store.Read(ctx, again.ID(), store.RequestOptions{PartitionKey: model.PartitionQueue}, &item))
	assert.Equal(t, f.clock.Now().Unix(), item.CreatedOn)
	again.RemoveFromQueue(ctx)
}

func TestRequeue_ReturnsUnexpectedErrors(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", "job-1"))
	lease, err := dequeueWithin(t, q, time.Second, "default")
	require.NoError(t, err)

	boom := errors.New("forbidden")
	f.store.SetFault(func(op string) error {
		if op == storetest.OpPatch {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, lease.Requeue(ctx), boom)
	assert.Equal(t, Leased, lease.State())

	f.store.SetFault(nil)
	require.NoError(t, lease.Close())
	assert.Equal(t, Abandoned, lease.State())
}

func TestClose_AbandonsHeldLease(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", "job-1"))
	lease, err := dequeueWithin(t, q, time.Second, "default")
	require.NoError(t, err)

	require.NoError(t, lease.Close())
	require.NoError(t, lease.Close())
	assert.Equal(t, Abandoned, lease.State())
	assert.True(t, lease.FetchedAt().IsZero())

	again, err := dequeueWithin(t, q, time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, lease.ID(), again.ID())
	again.RemoveFromQueue(ctx)
}

// stallingStore applies one armed Patch and then holds the call until either
// release is closed or the caller's context is cancelled.
type stallingStore struct {
	*storetest.Store
	armed   atomic.Bool
	applied chan struct{}
	release chan struct{}
}

func (s *stallingStore) Patch(ctx context.Context, id string, ops []store.PatchOperation, opts store.RequestOptions) (string, error) {
	etag, err := s.Store.Patch(ctx, id, ops, opts)
	if err != nil || !s.armed.CompareAndSwap(true, false) {
		return etag, err
	}
	close(s.applied)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.release:
		return etag, nil
	}
}

func TestClose_DuringKeepAliveReturnsItem(t *testing.T) {
	f := newFixture(t)
	f.opts.KeepAliveInterval = time.Millisecond
	stalling := &stallingStore{
		Store:   f.store,
		applied: make(chan struct{}),
		release: make(chan struct{}),
	}
	q, err := New(stalling, retry.NewExecutor(logger.Discard(), 3), f.lock, f.clock, logger.Discard(), f.opts)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", "job-1"))
	lease, err := dequeueWithin(t, q, time.Second, "default")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	stalling.armed.Store(true)
	select {
	case <-stalling.applied:
	case <-time.After(time.Second):
		t.Fatal("keep-alive never patched the item")
	}

	closed := make(chan error, 1)
	go func() { closed <- lease.Close() }()
	// Close cancels the keep-alive while the applied patch is still pending.
	time.Sleep(20 * time.Millisecond)
	close(stalling.release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, Abandoned, lease.State())

	var item model.QueueItem
	require.NoError(t, f.store.Read(ctx, lease.ID(), store.RequestOptions{PartitionKey: model.PartitionQueue}, &item))
	assert.Nil(t, item.FetchedAt)
}

func TestKeepAlive_StopsAtTerminalTransition(t *testing.T) {
	tests := []struct {
		name   string
		finish func(t *testing.T, lease *FetchedJob)
		check  func(t *testing.T, f *fixture, lease *FetchedJob)
	}{
		{
			name: "remove from queue",
			finish: func(t *testing.T, lease *FetchedJob) {
				lease.RemoveFromQueue(context.Background())
			},
			check: func(t *testing.T, f *fixture, lease *FetchedJob) {
				assert.Equal(t, Acknowledged, lease.State())
				assert.Equal(t, 0, f.store.Len(model.PartitionQueue))
			},
		},
		{
			name: "requeue",
			finish: func(t *testing.T, lease *FetchedJob) {
				require.NoError(t, lease.Requeue(context.Background()))
			},
			check: func(t *testing.T, f *fixture, lease *FetchedJob) {
				assert.Equal(t, Abandoned, lease.State())
				var item model.QueueItem
				require.NoError(t, f.store.Read(context.Background(), lease.ID(), store.RequestOptions{PartitionKey: model.PartitionQueue}, &item))
				assert.Nil(t, item.FetchedAt)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.opts.KeepAliveInterval = time.Millisecond
			q := f.consumer(t)

			require.NoError(t, q.Enqueue(context.Background(), "default", "job-1"))
			lease, err := dequeueWithin(t, q, time.Second, "default")
			require.NoError(t, err)

			patches := f.store.Calls(storetest.OpPatch)
			require.Eventually(t, func() bool {
				return f.store.Calls(storetest.OpPatch) >= patches+3
			}, time.Second, time.Millisecond, "keep-alive is not ticking")

			tt.finish(t, lease)

			after := f.store.Calls(storetest.OpPatch)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, after, f.store.Calls(storetest.OpPatch), "store mutated after the lease ended")

			tt.check(t, f, lease)
			require.NoError(t, lease.Close())
			assert.Equal(t, after, f.store.Calls(storetest.OpPatch))
		})
	}
}

func TestDequeue_CancellationReleasesLock(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)

	_, err := dequeueWithin(t, q, 30*time.Millisecond, "default")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.store.Len(model.PartitionLock))
}

func TestDequeue_WaitsOutBusyLock(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", "job-1"))
	held, err := f.lock.Acquire(ctx, DequeueLockName, time.Second)
	require.NoError(t, err)

	got := make(chan *FetchedJob, 1)
	go func() {
		job, err := dequeueWithin(t, q, 5*time.Second, "default")
		if err == nil {
			got <- job
		}
		close(got)
	}()

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, f.lock.Release(ctx, held))

	select {
	case job, ok := <-got:
		require.True(t, ok, "dequeue failed")
		assert.Equal(t, "job-1", job.JobID())
		job.RemoveFromQueue(ctx)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue did not resume after the lock was released")
	}
}

func TestDequeue_RetriesThrottledSearch(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "default", "job-1"))
	f.store.ThrottleNext(storetest.OpQuery, 2, time.Millisecond)

	job, err := dequeueWithin(t, q, time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.JobID())
	job.RemoveFromQueue(ctx)
}

func TestDequeue_PropagatesStoreFailures(t *testing.T) {
	f := newFixture(t)
	q := f.consumer(t)
	boom := errors.New("malformed query")
	f.store.SetFault(func(op string) error {
		if op == storetest.OpQuery {
			return boom
		}
		return nil
	})

	_, err := dequeueWithin(t, q, time.Second, "default")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, f.store.Len(model.PartitionLock))
}

func TestDequeue_ConcurrentClaimsAreExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	producer := f.consumer(t)

	const items = 20
	for i := 0; i < items; i++ {
		require.NoError(t, producer.Enqueue(ctx, "default", "job-"+string(rune('a'+i))))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		q := f.consumer(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := dequeueWithin(t, q, 300*time.Millisecond, "default")
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.JobID()]++
				mu.Unlock()
				job.RemoveFromQueue(ctx)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, items)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered %d times", id, n)
	}
}

func TestDequeue_DisjointQueuesNeverOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	producer := f.consumer(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, producer.Enqueue(ctx, "a", "a-job"))
		require.NoError(t, producer.Enqueue(ctx, "b", "b-job"))
	}

	results := make([][]string, 2)
	var wg sync.WaitGroup
	for i, queue := range []string{"a", "b"} {
		i, queue := i, queue
		q := f.consumer(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := dequeueWithin(t, q, 300*time.Millisecond, queue)
				if err != nil {
					return
				}
				results[i] = append(results[i], job.QueueName())
				job.RemoveFromQueue(ctx)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"a", "a", "a", "a", "a"}, results[0])
	assert.Equal(t, []string{"b", "b", "b", "b", "b"}, results[1])
}

func TestLeaseStateString(t *testing.T) {
	assert.Equal(t, "leased", Leased.String())
	assert.Equal(t, "acknowledged", Acknowledged.String())
	assert.Equal(t, "abandoned", Abandoned.String())
	assert.Equal(t, "unknown", LeaseState(9).String())
}
