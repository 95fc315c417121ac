// Package monitor answers read-only questions about queue contents for
// dashboards and operators. It never writes to the store.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"jobstore/internal/retry"
	"jobstore/internal/store"
	"jobstore/pkg/cache"
	"jobstore/pkg/clock"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
)

const DefaultCacheTTL = 5 * time.Second

type QueueStats struct {
	Name     string `json:"name"`
	Enqueued int64  `json:"enqueued"`
	Fetched  int64  `json:"fetched"`
}

type QueueMonitor struct {
	store  store.DocumentStore
	retry  *retry.Executor
	log    *logger.Logger
	queues *cache.Value[[]string]
}

// New builds a monitor whose queue-name listing is cached for cacheTTL.
func New(s store.DocumentStore, r *retry.Executor, c clock.Clock, log *logger.Logger, cacheTTL time.Duration) *QueueMonitor {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &QueueMonitor{
		store:  s,
		retry:  r,
		log:    log.WithComponent("monitor"),
		queues: cache.NewValue[[]string](cacheTTL, c),
	}
}

// Queues lists the distinct names of queues that currently hold items.
func (m *QueueMonitor) Queues(ctx context.Context) ([]string, error) {
	return m.queues.Get(ctx, func(ctx context.Context) ([]string, error) {
		var names []string
		err := m.retry.Do(ctx, func(ctx context.Context) error {
			var err error
			names, err = m.store.Distinct(ctx, model.PartitionQueue, model.FieldQueueName,
				store.Filter{model.FieldType: model.TypeQueue})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list queues: %w", err)
		}
		m.log.Debug("Queue names refreshed", "count", len(names))
		return names, nil
	})
}

func (m *QueueMonitor) EnqueuedCount(ctx context.Context, queue string) (int64, error) {
	return m.count(ctx, enqueuedFilter(queue))
}

func (m *QueueMonitor) FetchedCount(ctx context.Context, queue string) (int64, error) {
	return m.count(ctx, fetchedFilter(queue))
}

// EnqueuedJobIDs pages through job ids waiting in queue, oldest first.
func (m *QueueMonitor) EnqueuedJobIDs(ctx context.Context, queue string, from, perPage int) ([]string, error) {
	return m.jobIDs(ctx, enqueuedFilter(queue), from, perPage)
}

// FetchedJobIDs pages through job ids currently leased from queue, oldest
// first.
func (m *QueueMonitor) FetchedJobIDs(ctx context.Context, queue string, from, perPage int) ([]string, error) {
	return m.jobIDs(ctx, fetchedFilter(queue), from, perPage)
}

func (m *QueueMonitor) Statistics(ctx context.Context) ([]QueueStats, error) {
	names, err := m.Queues(ctx)
	if err != nil {
		return nil, err
	}

	stats := make([]QueueStats, 0, len(names))
	for _, name := range names {
		enqueued, err := m.EnqueuedCount(ctx, name)
		if err != nil {
			return nil, err
		}
		fetched, err := m.FetchedCount(ctx, name)
		if err != nil {
			return nil, err
		}
		stats = append(stats, QueueStats{Name: name, Enqueued: enqueued, Fetched: fetched})
	}
	return stats, nil
}

func (m *QueueMonitor) count(ctx context.Context, filter store.Filter) (int64, error) {
	var count int64
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		count, err = m.store.Count(ctx, model.PartitionQueue, filter)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}

func (m *QueueMonitor) jobIDs(ctx context.Context, filter store.Filter, from, perPage int) ([]string, error) {
	if from < 0 || perPage <= 0 {
		return nil, fmt.Errorf("invalid page: from=%d per_page=%d", from, perPage)
	}

	var page *store.Page
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		page, err = m.store.Query(ctx, store.Query{
			Partition: model.PartitionQueue,
			Filter:    filter,
			Sort: store.Sort{
				{Key: model.FieldCreatedOn, Value: 1},
				{Key: model.FieldID, Value: 1},
			},
			Skip:     from,
			PageSize: perPage,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}

	items, err := store.DecodeAll[model.QueueItem](page)
	if err != nil {
		return nil, fmt.Errorf("failed to decode queue items: %w", err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.JobID)
	}
	return ids, nil
}

func enqueuedFilter(queue string) store.Filter {
	return store.Filter{
		model.FieldType:      model.TypeQueue,
		model.FieldQueueName: queue,
		model.FieldFetchedAt: nil,
	}
}

func fetchedFilter(queue string) store.Filter {
	return store.Filter{
		model.FieldType:      model.TypeQueue,
		model.FieldQueueName: queue,
		model.FieldFetchedAt: bson.M{"$ne": nil},
	}
}
