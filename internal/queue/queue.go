// Package queue implements a polling work queue on the document store.
// Dequeuers serialize their find-and-claim step on a distributed lock, and a
// claimed item stays invisible to other dequeuers for the invisibility timeout
// unless the lease keeps it alive.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"jobstore/internal/lock"
	"jobstore/internal/retry"
	"jobstore/internal/store"
	"jobstore/pkg/clock"
	apperrors "jobstore/pkg/errors"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
	"jobstore/pkg/validation"
)

// DequeueLockName serializes every dequeuer sharing the store.
const DequeueLockName = "job:dequeue"

type Options struct {
	InvisibilityTimeout time.Duration `validate:"gt=0"`
	QueuePollInterval   time.Duration `validate:"gt=0"`
	KeepAliveInterval   time.Duration `validate:"gt=0,ltfield=InvisibilityTimeout"`
	LockTimeoutMargin   time.Duration `validate:"gte=0"`
}

func DefaultOptions() Options {
	return Options{
		InvisibilityTimeout: 15 * time.Minute,
		QueuePollInterval:   2 * time.Second,
		KeepAliveInterval:   15 * time.Second,
		LockTimeoutMargin:   time.Second,
	}
}

type JobQueue struct {
	store store.DocumentStore
	retry *retry.Executor
	lock  *lock.DistributedLock
	clock clock.Clock
	log   *logger.Logger
	opts  Options
}

func New(s store.DocumentStore, r *retry.Executor, l *lock.DistributedLock, c clock.Clock, log *logger.Logger, opts Options) (*JobQueue, error) {
	if err := validation.New().Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid queue options: %w", err)
	}
	return &JobQueue{
		store: s,
		retry: r,
		lock:  l,
		clock: c,
		log:   log.WithComponent("queue"),
		opts:  opts,
	}, nil
}

func (q *JobQueue) Enqueue(ctx context.Context, queue, jobID string) error {
	if queue == "" {
		return apperrors.InvalidInput("queue name is required")
	}
	if jobID == "" {
		return apperrors.InvalidInput("job id is required")
	}

	item := model.NewQueueItem(queue, jobID, clock.Unix(q.clock))
	err := q.retry.Do(ctx, func(ctx context.Context) error {
		return q.store.Create(ctx, item, store.RequestOptions{PartitionKey: model.PartitionQueue})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s on %s: %w", jobID, queue, err)
	}

	q.log.Debug("Job enqueued", "queue", queue, "job_id", jobID, "id", item.ID)
	return nil
}

// Dequeue blocks until an item from one of queues is claimed or ctx is done.
// Queues are searched in name order, oldest item first within a queue.
func (q *JobQueue) Dequeue(ctx context.Context, queues []string) (*FetchedJob, error) {
	if len(queues) == 0 {
		return nil, apperrors.InvalidInput("at least one queue is required")
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		job, err := q.tryDequeue(ctx, queues)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		if err := retry.Sleep(ctx, q.opts.QueuePollInterval); err != nil {
			return nil, err
		}
	}
}

// tryDequeue runs one lock-guarded find-and-claim pass. A nil job with a nil
// error means nothing was claimable.
func (q *JobQueue) tryDequeue(ctx context.Context, queues []string) (*FetchedJob, error) {
	held, err := q.lock.Acquire(ctx, DequeueLockName, q.opts.QueuePollInterval+q.opts.LockTimeoutMargin)
	if errors.Is(err, lock.ErrLockTimeout) {
		q.log.Debug("Dequeue lock busy, polling again", "queues", queues)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		// Released even when ctx is already cancelled.
		if err := q.lock.Release(context.WithoutCancel(ctx), held); err != nil {
			q.log.Error("Failed to release dequeue lock", "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item, err := q.oldestAvailable(ctx, queues)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, nil
		}

		job, err := q.claim(ctx, item)
		if store.IsGone(err) {
			q.log.Debug("Queue item claimed elsewhere, searching again", "id", item.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
}

func (q *JobQueue) oldestAvailable(ctx context.Context, queues []string) (*model.QueueItem, error) {
	invisibleBefore := clock.Unix(q.clock) - int64(q.opts.InvisibilityTimeout/time.Second)

	var page *store.Page
	err := q.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		page, err = q.store.Query(ctx, store.Query{
			Partition: model.PartitionQueue,
			Filter:    AvailableFilter(queues, invisibleBefore),
			Sort: store.Sort{
				{Key: model.FieldQueueName, Value: 1},
				{Key: model.FieldCreatedOn, Value: 1},
				{Key: model.FieldID, Value: 1},
			},
			PageSize: 1,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search queues %v: %w", queues, err)
	}

	items, err := store.DecodeAll[model.QueueItem](page)
	if err != nil {
		return nil, fmt.Errorf("failed to decode queue item: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (q *JobQueue) claim(ctx context.Context, item *model.QueueItem) (*FetchedJob, error) {
	now := clock.Unix(q.clock)

	var etag string
	err := q.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		etag, err = q.store.Patch(ctx, item.ID,
			[]store.PatchOperation{store.Set(model.FieldFetchedAt, now)},
			store.RequestOptions{PartitionKey: model.PartitionQueue, IfMatch: item.ETag})
		return err
	})
	if err != nil {
		return nil, err
	}

	item.ETag = etag
	item.FetchedAt = &now
	q.log.Debug("Job fetched", "queue", item.Name, "job_id", item.JobID, "id", item.ID)
	return newFetchedJob(q, item), nil
}

// AvailableFilter matches queue items in queues that are not leased, or whose
// lease was last refreshed before invisibleBefore.
func AvailableFilter(queues []string, invisibleBefore int64) store.Filter {
	return store.Filter{
		model.FieldType:      model.TypeQueue,
		model.FieldQueueName: bson.M{"$in": queues},
		"$or": bson.A{
			bson.M{model.FieldFetchedAt: nil},
			bson.M{model.FieldFetchedAt: bson.M{"$lt": invisibleBefore}},
		},
	}
}
