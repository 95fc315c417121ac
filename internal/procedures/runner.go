// Package procedures drives the store's bulk scripts to completion. Scripts
// stop when their per-call budget runs out; the runner keeps calling them
// until every document has been processed.
package procedures

import (
	"context"
	"errors"
	"fmt"

	"jobstore/internal/retry"
	"jobstore/internal/store"
	"jobstore/internal/store/scripts"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
)

// ErrNoProgress is returned when an upsert call accepts no documents and
// reports no continuation, which would otherwise loop forever.
var ErrNoProgress = errors.New("stored procedure made no progress")

type Runner struct {
	store store.DocumentStore
	retry *retry.Executor
	log   *logger.Logger
}

func NewRunner(s store.DocumentStore, r *retry.Executor, log *logger.Logger) *Runner {
	return &Runner{
		store: s,
		retry: r,
		log:   log.WithComponent("procedures"),
	}
}

// UpsertDocuments writes every document in docs, resubmitting the suffix the
// store did not get to. A call that ran out of budget before its first write
// is resubmitted as is. It returns the total number written.
func (r *Runner) UpsertDocuments(ctx context.Context, partition string, docs []model.Document) (int, error) {
	written := 0
	for written < len(docs) {
		args := make([]any, 0, len(docs)-written)
		for _, doc := range docs[written:] {
			args = append(args, doc)
		}

		result, err := r.execute(ctx, scripts.UpsertDocuments, partition, args...)
		if err != nil {
			return written, err
		}
		if result.Affected == 0 && !result.Continuation {
			return written, fmt.Errorf("%w: %s accepted 0 of %d documents", ErrNoProgress, scripts.UpsertDocuments, len(args))
		}
		written += min(result.Affected, len(args))
	}

	r.log.Debug("Documents upserted", "partition", partition, "count", written)
	return written, nil
}

// DeleteDocuments removes every document in partition matching filter.
func (r *Runner) DeleteDocuments(ctx context.Context, partition string, filter store.Filter) (int, error) {
	return r.drain(ctx, scripts.DeleteDocuments, partition, filter)
}

// PersistDocuments clears the expiry of every matching document.
func (r *Runner) PersistDocuments(ctx context.Context, partition string, filter store.Filter) (int, error) {
	return r.drain(ctx, scripts.PersistDocuments, partition, filter)
}

// ExpireDocuments stamps epoch as the expiry of every matching document.
// Documents already carrying epoch are left untouched.
func (r *Runner) ExpireDocuments(ctx context.Context, partition string, filter store.Filter, epoch int64) (int, error) {
	return r.drain(ctx, scripts.ExpireDocuments, partition, filter, epoch)
}

func (r *Runner) drain(ctx context.Context, name, partition string, filter store.Filter, extra ...any) (int, error) {
	if filter == nil {
		filter = store.Filter{}
	}
	args := append([]any{filter}, extra...)

	total := 0
	for calls := 1; ; calls++ {
		result, err := r.execute(ctx, name, partition, args...)
		if err != nil {
			return total, err
		}
		total += result.Affected
		if !result.Continuation {
			r.log.Debug("Stored procedure completed",
				"procedure", name,
				"partition", partition,
				"affected", total,
				"calls", calls,
			)
			return total, nil
		}
	}
}

func (r *Runner) execute(ctx context.Context, name, partition string, args ...any) (store.ProcedureResult, error) {
	var result store.ProcedureResult
	err := r.retry.DoUnbounded(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.store.ExecuteProcedure(ctx, name, store.RequestOptions{PartitionKey: partition}, args...)
		return err
	})
	if err != nil {
		return store.ProcedureResult{}, fmt.Errorf("failed to execute %s on %q: %w", name, partition, err)
	}
	return result, nil
}
