package procedures

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"jobstore/internal/retry"
	"jobstore/internal/store"
	"jobstore/internal/store/scripts"
	"jobstore/internal/store/storetest"
	"jobstore/pkg/clock"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
)

func newRunner(t *testing.T, budget int) (*Runner, *storetest.Store) {
	t.Helper()
	s := storetest.New(clock.NewFake(time.Unix(1_700_000_000, 0)))
	s.SetScriptBudget(scripts.Budget{MaxDocuments: budget})
	return NewRunner(s, retry.NewExecutor(logger.Discard(), 3), logger.Discard()), s
}

func counters(n int) []model.Document {
	docs := make([]model.Document, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, &model.Counter{
			Base:  model.Base{ID: fmt.Sprintf("stats:%d", i), Type: model.TypeCounter, Partition: model.PartitionCounter},
			Key:   "stats:succeeded",
			Value: int64(i),
		})
	}
	return docs
}

func TestUpsertDocuments_TotalUnderTruncation(t *testing.T) {
	r, s := newRunner(t, 3)

	written, err := r.UpsertDocuments(context.Background(), model.PartitionCounter, counters(10))
	require.NoError(t, err)
	assert.Equal(t, 10, written)
	assert.Equal(t, 10, s.Len(model.PartitionCounter))
	assert.Equal(t, 4, s.Calls(storetest.OpProcedure))
}

func TestUpsertDocuments_EmptyInputIsNoOp(t *testing.T) {
	r, s := newRunner(t, 3)

	written, err := r.UpsertDocuments(context.Background(), model.PartitionCounter, nil)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.Zero(t, s.Calls(storetest.OpProcedure))
}

func TestUpsertDocuments_ReplaysAreHarmless(t *testing.T) {
	r, s := newRunner(t, 4)
	docs := counters(6)

	_, err := r.UpsertDocuments(context.Background(), model.PartitionCounter, docs)
	require.NoError(t, err)
	_, err = r.UpsertDocuments(context.Background(), model.PartitionCounter, docs)
	require.NoError(t, err)
	assert.Equal(t, 6, s.Len(model.PartitionCounter))
}

func TestUpsertDocuments_RetriesThrottlingMidBatch(t *testing.T) {
	r, s := newRunner(t, 2)
	s.ThrottleNext(storetest.OpProcedure, 3, time.Millisecond)

	written, err := r.UpsertDocuments(context.Background(), model.PartitionCounter, counters(5))
	require.NoError(t, err)
	assert.Equal(t, 5, written)
	assert.Equal(t, 5, s.Len(model.PartitionCounter))
}

// stalledStore accepts every procedure call without doing any work.
type stalledStore struct {
	*storetest.Store
}

func (stalledStore) ExecuteProcedure(ctx context.Context, name string, opts store.RequestOptions, args ...any) (store.ProcedureResult, error) {
	return store.ProcedureResult{}, nil
}

// yieldingStore runs out of budget before writing anything on its first
// yields calls, then hands over to the embedded store.
type yieldingStore struct {
	*storetest.Store
	yields int
	calls  int
}

func (y *yieldingStore) ExecuteProcedure(ctx context.Context, name string, opts store.RequestOptions, args ...any) (store.ProcedureResult, error) {
	y.calls++
	if y.calls <= y.yields {
		return store.ProcedureResult{Continuation: true}, nil
	}
	return y.Store.ExecuteProcedure(ctx, name, opts, args...)
}

func TestUpsertDocuments_ResubmitsAfterEmptyContinuation(t *testing.T) {
	_, s := newRunner(t, 3)
	y := &yieldingStore{Store: s, yields: 2}
	r := NewRunner(y, retry.NewExecutor(logger.Discard(), 3), logger.Discard())

	written, err := r.UpsertDocuments(context.Background(), model.PartitionCounter, counters(5))
	require.NoError(t, err)
	assert.Equal(t, 5, written)
	assert.Equal(t, 5, s.Len(model.PartitionCounter))
	assert.Equal(t, 4, y.calls)
}

func TestUpsertDocuments_DetectsNoProgress(t *testing.T) {
	_, s := newRunner(t, 3)
	r := NewRunner(stalledStore{s}, retry.NewExecutor(logger.Discard(), 3), logger.Discard())

	_, err := r.UpsertDocuments(context.Background(), model.PartitionCounter, counters(2))
	assert.ErrorIs(t, err, ErrNoProgress)
}

func TestDeleteDocuments_LoopsUntilNoContinuation(t *testing.T) {
	r, s := newRunner(t, 3)
	_, err := r.UpsertDocuments(context.Background(), model.PartitionCounter, counters(8))
	require.NoError(t, err)

	deleted, err := r.DeleteDocuments(context.Background(), model.PartitionCounter,
		store.Filter{model.FieldID: bson.M{"$ne": "stats:0"}})
	require.NoError(t, err)
	assert.Equal(t, 7, deleted)
	assert.Equal(t, 1, s.Len(model.PartitionCounter))
}

func TestExpireDocuments_Idempotent(t *testing.T) {
	r, s := newRunner(t, 3)
	ctx := context.Background()
	_, err := r.UpsertDocuments(ctx, model.PartitionCounter, counters(7))
	require.NoError(t, err)

	first, err := r.ExpireDocuments(ctx, model.PartitionCounter, nil, 1_800_000_000)
	require.NoError(t, err)
	assert.Equal(t, 7, first)

	second, err := r.ExpireDocuments(ctx, model.PartitionCounter, nil, 1_800_000_000)
	require.NoError(t, err)
	assert.Zero(t, second)

	count, err := s.Count(ctx, model.PartitionCounter, store.Filter{model.FieldExpireOn: int64(1_800_000_000)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

func TestPersistDocuments_ClearsExpiry(t *testing.T) {
	r, s := newRunner(t, 2)
	ctx := context.Background()
	_, err := r.UpsertDocuments(ctx, model.PartitionCounter, counters(5))
	require.NoError(t, err)
	_, err = r.ExpireDocuments(ctx, model.PartitionCounter, nil, 42)
	require.NoError(t, err)

	persisted, err := r.PersistDocuments(ctx, model.PartitionCounter, store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 5, persisted)

	count, err := s.Count(ctx, model.PartitionCounter, store.Filter{model.FieldExpireOn: bson.M{"$exists": true}})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDrain_AbortsOnOtherErrors(t *testing.T) {
	r, s := newRunner(t, 2)
	boom := errors.New("schema violation")
	s.SetFault(func(op string) error {
		if op == storetest.OpProcedure {
			return boom
		}
		return nil
	})

	_, err := r.DeleteDocuments(context.Background(), model.PartitionCounter, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.Calls(storetest.OpProcedure))
}
