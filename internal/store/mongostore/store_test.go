package mongostore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"jobstore/internal/store"
	"jobstore/internal/store/scripts"
	"jobstore/pkg/client"
	"jobstore/pkg/config"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
)

func TestTranslate(t *testing.T) {
	t.Run("no documents", func(t *testing.T) {
		assert.ErrorIs(t, translate(mongo.ErrNoDocuments), store.ErrNotFound)
	})

	t.Run("duplicate key", func(t *testing.T) {
		err := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
		assert.ErrorIs(t, translate(err), store.ErrConflict)
	})

	t.Run("request rate too large", func(t *testing.T) {
		err := mongo.CommandError{Code: 16500, Message: "Request rate is large. RetryAfterMs=250, Details='...'"}

		retryAfter, ok := store.RetryAfter(translate(err))
		require.True(t, ok)
		assert.Equal(t, 250*time.Millisecond, retryAfter)
	})

	t.Run("request rate without hint", func(t *testing.T) {
		err := mongo.CommandError{Code: 16500, Message: "Request rate is large"}

		retryAfter, ok := store.RetryAfter(translate(err))
		require.True(t, ok)
		assert.Equal(t, defaultRetryAfter, retryAfter)
	})

	t.Run("other errors pass through", func(t *testing.T) {
		other := errors.New("connection reset")
		assert.Same(t, other, translate(other))
		assert.NoError(t, translate(nil))
	})
}

func TestContinuationRoundTrip(t *testing.T) {
	offset, err := decodeContinuation(encodeContinuation(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), offset)

	offset, err = decodeContinuation("")
	require.NoError(t, err)
	assert.Zero(t, offset)

	_, err = decodeContinuation("not base64!")
	assert.Error(t, err)
}

func TestScoped(t *testing.T) {
	assert.Equal(t, bson.M{}, scoped("", nil))
	assert.Equal(t, bson.M{"partition": "queue"}, scoped("queue", nil))
	assert.Equal(t, bson.M{"name": "q"}, scoped("", bson.M{"name": "q"}))
	assert.Equal(t,
		bson.M{"$and": bson.A{bson.M{"partition": "queue"}, bson.M{"name": "q"}}},
		scoped("queue", bson.M{"name": "q"}),
	)
}

func TestWithIDTieBreak(t *testing.T) {
	got := withIDTieBreak(bson.D{{Key: "name", Value: 1}})
	assert.Equal(t, bson.D{{Key: "name", Value: 1}, {Key: "_id", Value: 1}}, got)

	got = withIDTieBreak(bson.D{{Key: "_id", Value: -1}})
	assert.Equal(t, bson.D{{Key: "_id", Value: -1}}, got)
}

// newIntegrationStore connects to MONGO_URI and returns a store over a
// throwaway collection.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv(config.EnvMongoURI)
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}

	cfg := &config.Config{
		MongoURI:            uri,
		MongoDatabaseName:   "jobstore_test",
		MongoCollectionName: "documents_" + uuid.NewString()[:8],
		MongoConnTimeout:    5 * time.Second,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ScriptMaxDocuments:  2,
		ScriptMaxDuration:   5 * time.Second,
		Log:                 logger.Discard(),
		Client:              client.NewClient(),
	}
	cfg.SetMongo()

	s := New(cfg)
	t.Cleanup(func() {
		_ = s.collection.Drop(context.Background())
		cfg.GracefulShutdown()
	})
	return s
}

func TestIntegration_CompareAndSwap(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	item := model.NewQueueItem("default", "job-1", time.Now().Unix())
	require.NoError(t, s.Create(ctx, item, store.RequestOptions{}))
	require.NotEmpty(t, item.ETag)

	dup := model.NewQueueItem("default", "job-1", 0)
	dup.ID = item.ID
	err := s.Create(ctx, dup, store.RequestOptions{})
	assert.ErrorIs(t, err, store.ErrConflict)

	etag, err := s.Patch(ctx, item.ID, []store.PatchOperation{store.Set(model.FieldFetchedAt, int64(10))},
		store.RequestOptions{PartitionKey: model.PartitionQueue, IfMatch: item.ETag})
	require.NoError(t, err)

	_, err = s.Patch(ctx, item.ID, []store.PatchOperation{store.Set(model.FieldFetchedAt, int64(20))},
		store.RequestOptions{PartitionKey: model.PartitionQueue, IfMatch: item.ETag})
	assert.ErrorIs(t, err, store.ErrPreconditionFailed)

	require.NoError(t, s.Delete(ctx, item.ID, store.RequestOptions{PartitionKey: model.PartitionQueue, IfMatch: etag}))
	err = s.Delete(ctx, item.ID, store.RequestOptions{PartitionKey: model.PartitionQueue, IfMatch: etag})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIntegration_QueryPagesAndScripts(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, model.NewQueueItem("default", uuid.NewString(), int64(i)), store.RequestOptions{}))
	}

	var seen int
	q := store.Query{Partition: model.PartitionQueue, Sort: bson.D{{Key: model.FieldCreatedOn, Value: 1}}, PageSize: 2}
	for {
		page, err := s.Query(ctx, q)
		require.NoError(t, err)
		seen += len(page.Documents)
		if page.Continuation == "" {
			break
		}
		q.Continuation = page.Continuation
	}
	assert.Equal(t, 5, seen)

	result, err := s.ExecuteProcedure(ctx, scripts.DeleteDocuments, store.RequestOptions{PartitionKey: model.PartitionQueue}, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Affected)
	assert.True(t, result.Continuation)

	count, err := s.Count(ctx, model.PartitionQueue, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
