package queue

import (
	"context"
	"sync"
	"time"

	"jobstore/internal/retry"
	"jobstore/internal/store"
	"jobstore/pkg/clock"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
)

type LeaseState int

const (
	Leased LeaseState = iota
	Acknowledged
	Abandoned
)

func (s LeaseState) String() string {
	switch s {
	case Leased:
		return "leased"
	case Acknowledged:
		return "acknowledged"
	case Abandoned:
		return "abandoned"
	}
	return "unknown"
}

// FetchedJob is a lease on a dequeued item. Until it is acknowledged or
// abandoned a background keep-alive refreshes the item's fetch time so no
// other dequeuer sees it. Close abandons a lease that is still held.
//
// Every state change, including keep-alive ticks, happens under mu.
type FetchedJob struct {
	store store.DocumentStore
	retry *retry.Executor
	clock clock.Clock
	log   *logger.Logger

	mu    sync.Mutex
	item  *model.QueueItem
	state LeaseState

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newFetchedJob(q *JobQueue, item *model.QueueItem) *FetchedJob {
	ctx, cancel := context.WithCancel(context.Background())
	j := &FetchedJob{
		store:  q.store,
		retry:  q.retry,
		clock:  q.clock,
		log:    &logger.Logger{Logger: q.log.With("queue", item.Name, "job_id", item.JobID)},
		item:   item,
		state:  Leased,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go j.keepAlive(ctx, q.opts.KeepAliveInterval)
	return j
}

func (j *FetchedJob) ID() string {
	return j.item.ID
}

func (j *FetchedJob) JobID() string {
	return j.item.JobID
}

func (j *FetchedJob) QueueName() string {
	return j.item.Name
}

// FetchedAt is the last time the lease was claimed or kept alive.
func (j *FetchedJob) FetchedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.item.FetchedAt == nil {
		return time.Time{}
	}
	return time.Unix(*j.item.FetchedAt, 0)
}

func (j *FetchedJob) State() LeaseState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// RemoveFromQueue acknowledges the job by deleting its item. Failures are
// logged, never returned: the item may already have been reclaimed by
// another dequeuer after its lease expired.
func (j *FetchedJob) RemoveFromQueue(ctx context.Context) {
	j.mu.Lock()
	if j.state != Leased {
		j.mu.Unlock()
		return
	}

	err := j.retry.Do(ctx, func(ctx context.Context) error {
		return j.store.Delete(ctx, j.item.ID, j.options())
	})
	switch {
	case store.IsGone(err):
		j.log.Warn("Queue item already gone at acknowledge", "id", j.item.ID)
	case err != nil:
		j.log.Error("Failed to remove job from queue", "id", j.item.ID, "error", err)
	default:
		j.log.Debug("Job removed from queue", "id", j.item.ID)
	}
	j.state = Acknowledged
	j.mu.Unlock()

	j.stopKeepAlive()
}

// Requeue abandons the lease, making the item available again immediately.
func (j *FetchedJob) Requeue(ctx context.Context) error {
	j.mu.Lock()
	if j.state != Leased {
		j.mu.Unlock()
		return nil
	}

	now := clock.Unix(j.clock)
	err := j.retry.Do(ctx, func(ctx context.Context) error {
		_, err := j.store.Patch(ctx, j.item.ID, []store.PatchOperation{
			store.Set(model.FieldFetchedAt, nil),
			store.Set(model.FieldCreatedOn, now),
		}, j.options())
		return err
	})
	switch {
	case store.IsGone(err):
		j.log.Warn("Queue item already gone at requeue", "id", j.item.ID)
	case err != nil:
		j.mu.Unlock()
		return err
	default:
		j.log.Debug("Job requeued", "id", j.item.ID)
	}
	j.item.FetchedAt = nil
	j.state = Abandoned
	j.mu.Unlock()

	j.stopKeepAlive()
	return nil
}

// Close stops the keep-alive and requeues the job unless it was already
// acknowledged or requeued. It is safe to call more than once.
func (j *FetchedJob) Close() error {
	j.stopKeepAlive()
	return j.Requeue(context.Background())
}

func (j *FetchedJob) keepAlive(ctx context.Context, interval time.Duration) {
	defer close(j.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			j.heartbeat(ctx)
		}
	}
}

func (j *FetchedJob) heartbeat(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Leased {
		return
	}

	// The patch is not cancelled by stopKeepAlive: a write the store applied
	// must be reflected in the etag, or the following requeue is rejected.
	now := clock.Unix(j.clock)
	var etag string
	err := j.retry.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		var err error
		etag, err = j.store.Patch(ctx, j.item.ID,
			[]store.PatchOperation{store.Set(model.FieldFetchedAt, now)}, j.options())
		return err
	})
	switch {
	case store.IsGone(err):
		j.log.Warn("Queue item gone during keep-alive", "id", j.item.ID)
	case err != nil:
		j.log.Error("Failed to keep job alive", "id", j.item.ID, "error", err)
	default:
		j.item.ETag = etag
		j.item.FetchedAt = &now
	}
}

func (j *FetchedJob) stopKeepAlive() {
	j.stopOnce.Do(func() {
		j.cancel()
		<-j.done
	})
}

func (j *FetchedJob) options() store.RequestOptions {
	return store.RequestOptions{PartitionKey: model.PartitionQueue, IfMatch: j.item.ETag}
}
