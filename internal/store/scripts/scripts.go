// Package scripts holds the atomic bulk scripts a DocumentStore executes on
// behalf of callers. Each run is bounded by a Budget; when the budget runs out
// the script stops and reports Continuation so the caller invokes it again.
package scripts

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"jobstore/internal/store"
	"jobstore/pkg/model"
)

const (
	UpsertDocuments  = "upsertDocuments"
	DeleteDocuments  = "deleteDocuments"
	PersistDocuments = "persistDocuments"
	ExpireDocuments  = "expireDocuments"

	defaultPageSize = 100
)

// Host is the slice of the store a script may touch.
type Host interface {
	Query(ctx context.Context, q store.Query) (*store.Page, error)
	Upsert(ctx context.Context, doc model.Document, opts store.RequestOptions) error
	Patch(ctx context.Context, id string, ops []store.PatchOperation, opts store.RequestOptions) (string, error)
	Delete(ctx context.Context, id string, opts store.RequestOptions) error
}

type Budget struct {
	MaxDocuments int
	MaxDuration  time.Duration
}

type Script func(ctx context.Context, h Host, run *Run, partition string, args []any) (store.ProcedureResult, error)

var registry = map[string]Script{
	UpsertDocuments:  upsertDocuments,
	DeleteDocuments:  deleteDocuments,
	PersistDocuments: persistDocuments,
	ExpireDocuments:  expireDocuments,
}

// Execute runs the named script with a fresh budget.
func Execute(ctx context.Context, h Host, budget Budget, name, partition string, args []any) (store.ProcedureResult, error) {
	script, ok := registry[name]
	if !ok {
		return store.ProcedureResult{}, fmt.Errorf("%w: %s", store.ErrUnknownProcedure, name)
	}
	return script(ctx, h, newRun(budget), partition, args)
}

// Run tracks budget consumption for one invocation.
type Run struct {
	budget  Budget
	started time.Time
	used    int
}

func newRun(b Budget) *Run {
	return &Run{budget: b, started: time.Now()}
}

func (r *Run) Exhausted() bool {
	if r.budget.MaxDocuments > 0 && r.used >= r.budget.MaxDocuments {
		return true
	}
	return r.budget.MaxDuration > 0 && time.Since(r.started) >= r.budget.MaxDuration
}

func (r *Run) Charge() {
	r.used++
}

func (r *Run) pageSize() int {
	if r.budget.MaxDocuments <= 0 {
		return defaultPageSize
	}
	return max(r.budget.MaxDocuments-r.used, 1)
}

func upsertDocuments(ctx context.Context, h Host, run *Run, partition string, args []any) (store.ProcedureResult, error) {
	for i, arg := range args {
		if run.Exhausted() {
			return store.ProcedureResult{Affected: i, Continuation: true}, nil
		}
		doc, ok := arg.(model.Document)
		if !ok {
			return store.ProcedureResult{Affected: i}, fmt.Errorf("argument %d is %T, not a document", i, arg)
		}
		if err := h.Upsert(ctx, doc, store.RequestOptions{PartitionKey: partition}); err != nil {
			return store.ProcedureResult{Affected: i}, err
		}
		run.Charge()
	}
	return store.ProcedureResult{Affected: len(args)}, nil
}

func deleteDocuments(ctx context.Context, h Host, run *Run, partition string, args []any) (store.ProcedureResult, error) {
	filter, err := filterArg(args)
	if err != nil {
		return store.ProcedureResult{}, err
	}
	return forEachMatch(ctx, h, run, partition, filter, func(id, etag string) error {
		return h.Delete(ctx, id, store.RequestOptions{PartitionKey: partition, IfMatch: etag})
	})
}

func persistDocuments(ctx context.Context, h Host, run *Run, partition string, args []any) (store.ProcedureResult, error) {
	filter, err := filterArg(args)
	if err != nil {
		return store.ProcedureResult{}, err
	}
	pending := bson.M{"$and": bson.A{filter, bson.M{model.FieldExpireOn: bson.M{"$exists": true}}}}
	return forEachMatch(ctx, h, run, partition, pending, func(id, etag string) error {
		_, err := h.Patch(ctx, id, []store.PatchOperation{store.Remove(model.FieldExpireOn)},
			store.RequestOptions{PartitionKey: partition, IfMatch: etag})
		return err
	})
}

func expireDocuments(ctx context.Context, h Host, run *Run, partition string, args []any) (store.ProcedureResult, error) {
	filter, err := filterArg(args)
	if err != nil {
		return store.ProcedureResult{}, err
	}
	if len(args) < 2 {
		return store.ProcedureResult{}, fmt.Errorf("%s requires an epoch argument", ExpireDocuments)
	}
	epoch, ok := toInt64(args[1])
	if !ok {
		return store.ProcedureResult{}, fmt.Errorf("epoch argument is %T, not an integer", args[1])
	}

	// Documents already stamped with this epoch are excluded so a replay is a no-op.
	pending := bson.M{"$and": bson.A{filter, bson.M{model.FieldExpireOn: bson.M{"$ne": epoch}}}}
	return forEachMatch(ctx, h, run, partition, pending, func(id, etag string) error {
		_, err := h.Patch(ctx, id, []store.PatchOperation{store.Set(model.FieldExpireOn, epoch)},
			store.RequestOptions{PartitionKey: partition, IfMatch: etag})
		return err
	})
}

// forEachMatch applies fn to documents matching filter until none remain or
// the budget is spent. fn must make the document stop matching.
func forEachMatch(ctx context.Context, h Host, run *Run, partition string, filter bson.M, fn func(id, etag string) error) (store.ProcedureResult, error) {
	affected := 0
	for {
		if run.Exhausted() {
			return store.ProcedureResult{Affected: affected, Continuation: true}, nil
		}

		page, err := h.Query(ctx, store.Query{
			Partition: partition,
			Filter:    filter,
			Sort:      bson.D{{Key: model.FieldID, Value: 1}},
			PageSize:  run.pageSize(),
		})
		if err != nil {
			return store.ProcedureResult{Affected: affected}, err
		}
		if len(page.Documents) == 0 {
			return store.ProcedureResult{Affected: affected}, nil
		}

		for _, raw := range page.Documents {
			if run.Exhausted() {
				return store.ProcedureResult{Affected: affected, Continuation: true}, nil
			}
			run.Charge()

			id, _ := raw.Lookup(model.FieldID).StringValueOK()
			etag, _ := raw.Lookup(model.FieldETag).StringValueOK()
			if err := fn(id, etag); err != nil {
				if store.IsGone(err) {
					continue
				}
				return store.ProcedureResult{Affected: affected}, err
			}
			affected++
		}
	}
}

func filterArg(args []any) (bson.M, error) {
	if len(args) == 0 || args[0] == nil {
		return bson.M{}, nil
	}
	switch f := args[0].(type) {
	case bson.M:
		return f, nil
	case map[string]any:
		return bson.M(f), nil
	}
	return nil, fmt.Errorf("filter argument is %T, not a document", args[0])
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	}
	return 0, false
}
