// Package storetest provides an in-memory store.DocumentStore with the same
// concurrency semantics as the MongoDB store: version tokens, partition
// scoping, TTL expiry against an injected clock, and injectable throttling.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"jobstore/internal/store"
	"jobstore/internal/store/scripts"
	"jobstore/pkg/clock"
	"jobstore/pkg/model"
)

// Operation names used by fault injection and call counting.
const (
	OpCreate    = "create"
	OpRead      = "read"
	OpReplace   = "replace"
	OpUpsert    = "upsert"
	OpPatch     = "patch"
	OpDelete    = "delete"
	OpQuery     = "query"
	OpCount     = "count"
	OpDistinct  = "distinct"
	OpProcedure = "procedure"
	OpPing      = "ping"
)

// Fault is consulted before every public call; a non-nil error is returned
// instead of executing the call.
type Fault func(op string) error

type Store struct {
	clock clock.Clock

	mu     sync.Mutex
	docs   map[string]map[string]bson.M
	budget scripts.Budget
	fault  Fault
	calls  map[string]int
	lagTTL bool
}

var _ store.DocumentStore = (*Store)(nil)

func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		clock:  c,
		docs:   make(map[string]map[string]bson.M),
		budget: scripts.Budget{MaxDocuments: 100},
		calls:  make(map[string]int),
	}
}

// SetScriptBudget bounds how much work one script invocation may do.
func (s *Store) SetScriptBudget(b scripts.Budget) {
	s.mu.Lock()
	s.budget = b
	s.mu.Unlock()
}

// SetTTLLag stops expired documents from being purged, the way a store's
// background TTL monitor can trail behind expiry.
func (s *Store) SetTTLLag(lag bool) {
	s.mu.Lock()
	s.lagTTL = lag
	s.mu.Unlock()
}

func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// ThrottleNext makes the next n calls of op (any op when empty) fail with a
// throttling response carrying retryAfter.
func (s *Store) ThrottleNext(op string, n int, retryAfter time.Duration) {
	var mu sync.Mutex
	remaining := n
	s.SetFault(func(called string) error {
		if op != "" && called != op {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		remaining--
		return &store.ThrottledError{RetryAfter: retryAfter}
	})
}

// Calls returns how many times op was invoked, including faulted calls.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Len returns the number of live documents in partition.
func (s *Store) Len(partition string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked()
	return len(s.docs[partition])
}

func (s *Store) enter(op string) error {
	s.mu.Lock()
	s.calls[op]++
	fault := s.fault
	s.mu.Unlock()
	if fault != nil {
		return fault(op)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, doc model.Document, opts store.RequestOptions) error {
	if err := s.enter(OpCreate); err != nil {
		return err
	}
	return s.host().create(doc, opts)
}

func (s *Store) Read(ctx context.Context, id string, opts store.RequestOptions, out model.Document) error {
	if err := s.enter(OpRead); err != nil {
		return err
	}
	m, err := s.host().find(id, opts.PartitionKey)
	if err != nil {
		return err
	}
	return fromM(m, out)
}

func (s *Store) ReadDocument(ctx context.Context, id string, opts store.RequestOptions) (model.Document, error) {
	if err := s.enter(OpRead); err != nil {
		return nil, err
	}
	m, err := s.host().find(id, opts.PartitionKey)
	if err != nil {
		return nil, err
	}
	raw, err := bson.Marshal(m)
	if err != nil {
		return nil, err
	}
	return model.DecodeDocument(raw)
}

func (s *Store) Replace(ctx context.Context, doc model.Document, opts store.RequestOptions) error {
	if err := s.enter(OpReplace); err != nil {
		return err
	}
	return s.host().write(doc, opts, false)
}

func (s *Store) Upsert(ctx context.Context, doc model.Document, opts store.RequestOptions) error {
	if err := s.enter(OpUpsert); err != nil {
		return err
	}
	return s.host().Upsert(ctx, doc, opts)
}

func (s *Store) Patch(ctx context.Context, id string, ops []store.PatchOperation, opts store.RequestOptions) (string, error) {
	if err := s.enter(OpPatch); err != nil {
		return "", err
	}
	return s.host().Patch(ctx, id, ops, opts)
}

func (s *Store) Delete(ctx context.Context, id string, opts store.RequestOptions) error {
	if err := s.enter(OpDelete); err != nil {
		return err
	}
	return s.host().Delete(ctx, id, opts)
}

func (s *Store) Query(ctx context.Context, q store.Query) (*store.Page, error) {
	if err := s.enter(OpQuery); err != nil {
		return nil, err
	}
	return s.host().Query(ctx, q)
}

func (s *Store) Count(ctx context.Context, partition string, filter store.Filter) (int64, error) {
	if err := s.enter(OpCount); err != nil {
		return 0, err
	}
	matched, err := s.host().match(partition, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (s *Store) Distinct(ctx context.Context, partition, field string, filter store.Filter) ([]string, error) {
	if err := s.enter(OpDistinct); err != nil {
		return nil, err
	}
	matched, err := s.host().match(partition, filter)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, m := range matched {
		v, ok := m[field].(string)
		if !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ExecuteProcedure(ctx context.Context, name string, opts store.RequestOptions, args ...any) (store.ProcedureResult, error) {
	if err := s.enter(OpProcedure); err != nil {
		return store.ProcedureResult{}, err
	}
	s.mu.Lock()
	budget := s.budget
	s.mu.Unlock()
	return scripts.Execute(ctx, s.host(), budget, name, opts.PartitionKey, args)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.enter(OpPing)
}

// host is the unfaulted view scripts run against.
type host struct {
	s *Store
}

func (s *Store) host() host {
	return host{s: s}
}

func (h host) create(doc model.Document, opts store.RequestOptions) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.purgeExpiredLocked()

	meta := doc.Meta()
	partition := partitionOf(meta, opts)
	if _, exists := h.s.docs[partition][meta.ID]; exists {
		return fmt.Errorf("%w: %s", store.ErrConflict, meta.ID)
	}
	return h.s.putLocked(doc, partition)
}

func (h host) write(doc model.Document, opts store.RequestOptions, upsert bool) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.purgeExpiredLocked()

	meta := doc.Meta()
	partition := partitionOf(meta, opts)
	existing, exists := h.s.docs[partition][meta.ID]
	if !exists && !upsert {
		return store.ErrNotFound
	}
	if exists && opts.IfMatch != "" && existing[model.FieldETag] != opts.IfMatch {
		return store.ErrPreconditionFailed
	}
	if !exists && opts.IfMatch != "" {
		return store.ErrNotFound
	}
	return h.s.putLocked(doc, partition)
}

func (h host) find(id, partition string) (bson.M, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.purgeExpiredLocked()

	m, _, ok := h.s.lookupLocked(id, partition)
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (h host) match(partition string, filter store.Filter) ([]bson.M, error) {
	normalized, err := normalize(filter)
	if err != nil {
		return nil, err
	}

	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.purgeExpiredLocked()

	var out []bson.M
	for p, docs := range h.s.docs {
		if partition != "" && p != partition {
			continue
		}
		for _, m := range docs {
			if matches(m, normalized) {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (h host) Upsert(ctx context.Context, doc model.Document, opts store.RequestOptions) error {
	return h.write(doc, opts, true)
}

func (h host) Patch(ctx context.Context, id string, ops []store.PatchOperation, opts store.RequestOptions) (string, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.purgeExpiredLocked()

	m, _, ok := h.s.lookupLocked(id, opts.PartitionKey)
	if !ok {
		return "", store.ErrNotFound
	}
	if opts.IfMatch != "" && m[model.FieldETag] != opts.IfMatch {
		return "", store.ErrPreconditionFailed
	}

	etag := uuid.NewString()
	update, err := normalize(store.UpdateDocument(ops, etag))
	if err != nil {
		return "", err
	}
	if set, ok := asMap(update["$set"]); ok {
		for k, v := range set {
			m[k] = v
		}
	}
	if unset, ok := asMap(update["$unset"]); ok {
		for k := range unset {
			delete(m, k)
		}
	}
	return etag, nil
}

func (h host) Delete(ctx context.Context, id string, opts store.RequestOptions) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.purgeExpiredLocked()

	m, partition, ok := h.s.lookupLocked(id, opts.PartitionKey)
	if !ok {
		return store.ErrNotFound
	}
	if opts.IfMatch != "" && m[model.FieldETag] != opts.IfMatch {
		return store.ErrPreconditionFailed
	}
	delete(h.s.docs[partition], id)
	return nil
}

func (h host) Query(ctx context.Context, q store.Query) (*store.Page, error) {
	matched, err := h.match(q.Partition, q.Filter)
	if err != nil {
		return nil, err
	}

	sortKeys := append(bson.D{}, q.Sort...)
	sortKeys = append(sortKeys, bson.E{Key: model.FieldID, Value: 1})
	sort.SliceStable(matched, func(i, j int) bool {
		for _, key := range sortKeys {
			a, aOK := matched[i][key.Key]
			b, bOK := matched[j][key.Key]
			c := compareForSort(a, aOK, b, bOK)
			if c == 0 {
				continue
			}
			if dir, _ := toFloat(key.Value); dir < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})

	offset := max(q.Skip, 0)
	if q.Continuation != "" {
		offset, err = strconv.Atoi(q.Continuation)
		if err != nil {
			return nil, fmt.Errorf("invalid continuation token %q: %w", q.Continuation, err)
		}
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if q.PageSize > 0 && offset+q.PageSize < end {
		end = offset + q.PageSize
	}

	page := &store.Page{}
	for _, m := range matched[offset:end] {
		raw, err := bson.Marshal(m)
		if err != nil {
			return nil, err
		}
		page.Documents = append(page.Documents, raw)
	}
	if end < len(matched) {
		page.Continuation = strconv.Itoa(end)
	}
	return page, nil
}

func (s *Store) lookupLocked(id, partition string) (bson.M, string, bool) {
	if partition != "" {
		m, ok := s.docs[partition][id]
		return m, partition, ok
	}
	for p, docs := range s.docs {
		if m, ok := docs[id]; ok {
			return m, p, true
		}
	}
	return nil, "", false
}

func (s *Store) putLocked(doc model.Document, partition string) error {
	m, err := toM(doc)
	if err != nil {
		return err
	}
	etag := uuid.NewString()
	m[model.FieldETag] = etag
	m[model.FieldPartition] = partition

	if s.docs[partition] == nil {
		s.docs[partition] = make(map[string]bson.M)
	}
	s.docs[partition][doc.Meta().ID] = m
	doc.Meta().ETag = etag
	doc.Meta().Partition = partition
	return nil
}

// purgeExpiredLocked plays the role of the TTL monitor.
func (s *Store) purgeExpiredLocked() {
	if s.lagTTL {
		return
	}
	now := primitive.NewDateTimeFromTime(s.clock.Now())
	for _, docs := range s.docs {
		for id, m := range docs {
			if at, ok := m[model.FieldExpireAt].(primitive.DateTime); ok && at <= now {
				delete(docs, id)
			}
		}
	}
}

func partitionOf(meta *model.Base, opts store.RequestOptions) string {
	if meta.Partition != "" {
		return meta.Partition
	}
	return opts.PartitionKey
}

func toM(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromM(m bson.M, out any) error {
	raw, err := bson.Marshal(m)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

func normalize(filter bson.M) (bson.M, error) {
	if filter == nil {
		return bson.M{}, nil
	}
	return toM(filter)
}
