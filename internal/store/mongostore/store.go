// Package mongostore implements store.DocumentStore on a single MongoDB
// collection. Partitions are a field on every document and version tokens are
// a uuid in _etag that every conditional write filters on.
package mongostore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"jobstore/internal/store"
	"jobstore/internal/store/scripts"
	"jobstore/pkg/config"
	mongotx "jobstore/pkg/db/mongo"
	"jobstore/pkg/model"
)

const (
	// Cosmos DB's Mongo API reports "request rate is large" with this code.
	codeRequestRateTooLarge = 16500

	defaultRetryAfter = 100 * time.Millisecond
)

var retryAfterPattern = regexp.MustCompile(`RetryAfterMs=(\d+)`)

type Store struct {
	cfg          *config.Config
	collection   *mongo.Collection
	txManager    mongotx.TransactionManager
	transactions bool
	budget       scripts.Budget
}

var _ store.DocumentStore = (*Store)(nil)

func New(cfg *config.Config) *Store {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &Store{
		cfg:          cfg,
		collection:   db.Collection(cfg.MongoCollectionName),
		txManager:    mongotx.NewTransactionManager(cfg.Client.Mongo, cfg.Log),
		transactions: cfg.MongoTransactions,
		budget: scripts.Budget{
			MaxDocuments: cfg.ScriptMaxDocuments,
			MaxDuration:  cfg.ScriptMaxDuration,
		},
	}
}

// withTimeout wraps the context with a timeout unless it is a SessionContext,
// which cannot be wrapped without leaving the transaction.
func (s *Store) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.(mongo.SessionContext); ok {
		return ctx, func() {}
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		return context.WithTimeout(ctx, timeout)
	}

	remaining := time.Until(deadline)
	if remaining < timeout {
		return context.WithTimeout(ctx, remaining)
	}

	return context.WithTimeout(ctx, timeout)
}

func (s *Store) Create(ctx context.Context, doc model.Document, opts store.RequestOptions) error {
	ctx, cancel := s.withTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	meta := doc.Meta()
	prev := stamp(meta, opts)
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		meta.ETag = prev
		return fmt.Errorf("failed to create %s: %w", meta.ID, translate(err))
	}
	return nil
}

func (s *Store) Read(ctx context.Context, id string, opts store.RequestOptions, out model.Document) error {
	ctx, cancel := s.withTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	err := s.collection.FindOne(ctx, identity(id, opts.PartitionKey)).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", id, translate(err))
	}
	return nil
}

func (s *Store) ReadDocument(ctx context.Context, id string, opts store.RequestOptions) (model.Document, error) {
	ctx, cancel := s.withTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	raw, err := s.collection.FindOne(ctx, identity(id, opts.PartitionKey)).Raw()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", id, translate(err))
	}
	return model.DecodeDocument(raw)
}

func (s *Store) Replace(ctx context.Context, doc model.Document, opts store.RequestOptions) error {
	return s.replace(ctx, doc, opts, false)
}

func (s *Store) Upsert(ctx context.Context, doc model.Document, opts store.RequestOptions) error {
	// A conditional upsert of a missing document is NotFound, never an insert.
	return s.replace(ctx, doc, opts, opts.IfMatch == "")
}

func (s *Store) replace(ctx context.Context, doc model.Document, opts store.RequestOptions, upsert bool) error {
	ctx, cancel := s.withTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	meta := doc.Meta()
	filter := conditional(meta.ID, partitionOf(meta, opts), opts.IfMatch)
	prev := stamp(meta, opts)

	result, err := s.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(upsert))
	if err != nil {
		meta.ETag = prev
		return fmt.Errorf("failed to write %s: %w", meta.ID, translate(err))
	}
	if result.MatchedCount == 0 && result.UpsertedCount == 0 {
		meta.ETag = prev
		return s.miss(ctx, meta.ID, meta.Partition, opts.IfMatch)
	}
	return nil
}

func (s *Store) Patch(ctx context.Context, id string, ops []store.PatchOperation, opts store.RequestOptions) (string, error) {
	ctx, cancel := s.withTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	etag := uuid.NewString()
	filter := conditional(id, opts.PartitionKey, opts.IfMatch)
	result, err := s.collection.UpdateOne(ctx, filter, store.UpdateDocument(ops, etag))
	if err != nil {
		return "", fmt.Errorf("failed to patch %s: %w", id, translate(err))
	}
	if result.MatchedCount == 0 {
		return "", s.miss(ctx, id, opts.PartitionKey, opts.IfMatch)
	}
	return etag, nil
}

func (s *Store) Delete(ctx context.Context, id string, opts store.RequestOptions) error {
	ctx, cancel := s.withTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	result, err := s.collection.DeleteOne(ctx, conditional(id, opts.PartitionKey, opts.IfMatch))
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, translate(err))
	}
	if result.DeletedCount == 0 {
		return s.miss(ctx, id, opts.PartitionKey, opts.IfMatch)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q store.Query) (*store.Page, error) {
	ctx, cancel := s.withTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	offset, err := decodeContinuation(q.Continuation)
	if err != nil {
		return nil, err
	}
	if q.Continuation == "" && q.Skip > 0 {
		offset = int64(q.Skip)
	}

	findOpts := options.Find().SetSort(withIDTieBreak(q.Sort)).SetSkip(offset)
	if q.PageSize > 0 {
		findOpts.SetLimit(int64(q.PageSize) + 1)
	}

	cursor, err := s.collection.Find(ctx, scoped(q.Partition, q.Filter), findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition %q: %w", q.Partition, translate(err))
	}
	defer cursor.Close(ctx)

	page := &store.Page{}
	for cursor.Next(ctx) {
		page.Documents = append(page.Documents, append(bson.Raw(nil), cursor.Current...))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query results: %w", translate(err))
	}

	if q.PageSize > 0 && len(page.Documents) > q.PageSize {
		page.Documents = page.Documents[:q.PageSize]
		page.Continuation = encodeContinuation(offset + int64(q.PageSize))
	}
	return page, nil
}

func (s *Store) Count(ctx context.Context, partition string, filter store.Filter) (int64, error) {
	ctx, cancel := s.withTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	count, err := s.collection.CountDocuments(ctx, scoped(partition, filter))
	if err != nil {
		return 0, fmt.Errorf("failed to count partition %q: %w", partition, translate(err))
	}
	return count, nil
}

func (s *Store) Distinct(ctx context.Context, partition, field string, filter store.Filter) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	values, err := s.collection.Distinct(ctx, field, scoped(partition, filter))
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct %s: %w", field, translate(err))
	}

	out := make([]string, 0, len(values))
	for _, v := range values {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ExecuteProcedure(ctx context.Context, name string, opts store.RequestOptions, args ...any) (store.ProcedureResult, error) {
	if !s.transactions {
		return scripts.Execute(ctx, s, s.budget, name, opts.PartitionKey, args)
	}

	result, err := s.txManager.RunScript(ctx, name, func(sessCtx mongo.SessionContext) (store.ProcedureResult, error) {
		return scripts.Execute(sessCtx, s, s.budget, name, opts.PartitionKey, args)
	})
	if err != nil {
		return store.ProcedureResult{}, translate(err)
	}
	return result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	return s.collection.Database().Client().Ping(ctx, readpref.Primary())
}

// miss tells a missing document from a stale version token after a
// conditional write matched nothing.
func (s *Store) miss(ctx context.Context, id, partition, ifMatch string) error {
	if ifMatch == "" {
		return store.ErrNotFound
	}
	count, err := s.collection.CountDocuments(ctx, identity(id, partition), options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("failed to look up %s: %w", id, translate(err))
	}
	if count > 0 {
		return store.ErrPreconditionFailed
	}
	return store.ErrNotFound
}

// stamp assigns the partition and a fresh version token, returning the
// previous token so a failed write can restore it.
func stamp(meta *model.Base, opts store.RequestOptions) string {
	prev := meta.ETag
	meta.Partition = partitionOf(meta, opts)
	meta.ETag = uuid.NewString()
	return prev
}

func partitionOf(meta *model.Base, opts store.RequestOptions) string {
	if meta.Partition != "" {
		return meta.Partition
	}
	return opts.PartitionKey
}

func identity(id, partition string) bson.M {
	filter := bson.M{model.FieldID: id}
	if partition != "" {
		filter[model.FieldPartition] = partition
	}
	return filter
}

func conditional(id, partition, ifMatch string) bson.M {
	filter := identity(id, partition)
	if ifMatch != "" {
		filter[model.FieldETag] = ifMatch
	}
	return filter
}

func scoped(partition string, filter store.Filter) bson.M {
	switch {
	case partition == "" && len(filter) == 0:
		return bson.M{}
	case partition == "":
		return filter
	case len(filter) == 0:
		return bson.M{model.FieldPartition: partition}
	}
	return bson.M{"$and": bson.A{bson.M{model.FieldPartition: partition}, filter}}
}

func withIDTieBreak(sortKeys store.Sort) bson.D {
	out := append(bson.D{}, sortKeys...)
	for _, key := range sortKeys {
		if key.Key == model.FieldID {
			return out
		}
	}
	return append(out, bson.E{Key: model.FieldID, Value: 1})
}

func encodeContinuation(offset int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(offset, 10)))
}

func decodeContinuation(token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid continuation token %q: %w", token, err)
	}
	offset, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid continuation token %q", token)
	}
	return offset, nil
}

// translate maps driver errors onto the store taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && serverErr.HasErrorCode(codeRequestRateTooLarge) {
		return &store.ThrottledError{RetryAfter: retryAfter(err.Error()), Err: err}
	}
	return err
}

func retryAfter(message string) time.Duration {
	match := retryAfterPattern.FindStringSubmatch(message)
	if match == nil {
		return defaultRetryAfter
	}
	ms, err := strconv.Atoi(match[1])
	if err != nil {
		return defaultRetryAfter
	}
	return time.Duration(ms) * time.Millisecond
}
