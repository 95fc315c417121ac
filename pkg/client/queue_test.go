package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobstore/internal/handler"
	"jobstore/internal/lock"
	"jobstore/internal/monitor"
	"jobstore/internal/queue"
	"jobstore/internal/retry"
	"jobstore/internal/store/storetest"
	"jobstore/pkg/client"
	"jobstore/pkg/clock"
	apperrors "jobstore/pkg/errors"
	"jobstore/pkg/logger"
	"jobstore/pkg/middleware"
	"jobstore/pkg/model"
	"jobstore/pkg/validation"
)

func newServer(t *testing.T) (*client.QueueClient, *storetest.Store) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := storetest.New(fake)
	r := retry.NewExecutor(logger.Discard(), 2)
	l, err := lock.New(s, r, fake, logger.Discard(), lock.DefaultOptions())
	require.NoError(t, err)
	q, err := queue.New(s, r, l, fake, logger.Discard(), queue.DefaultOptions())
	require.NoError(t, err)
	m := monitor.New(s, r, fake, logger.Discard(), time.Second)

	router := httprouter.New()
	handler.NewHealthHandler(s, logger.Discard()).RegisterRoutes(router)
	handler.NewQueueHandler(m, logger.Discard()).RegisterRoutes(router)
	handler.NewJobHandler(q, validation.New(), logger.Discard()).RegisterRoutes(router)

	idem := middleware.NewInMemoryIdempotencyStore(time.Hour, fake)
	t.Cleanup(idem.Stop)

	srv := httptest.NewServer(middleware.Idempotency(idem)(router))
	t.Cleanup(srv.Close)
	return client.NewQueueClient(srv.URL + "/"), s
}

func TestQueueClient_EnqueueAndList(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	got, err := c.Enqueue(ctx, "Default", "job-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.EnqueueRequest{Queue: "default", JobID: "job-1"}, got)

	_, err = c.Enqueue(ctx, "default", "job-2", "")
	require.NoError(t, err)

	stats, err := c.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []monitor.QueueStats{{Name: "default", Enqueued: 2}}, stats)

	one, err := c.Get(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2), one.Enqueued)

	page, err := c.Enqueued(ctx, "default", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2"}, page.Data)
	assert.Equal(t, int64(2), page.TotalCount)

	fetched, err := c.Fetched(ctx, "default", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, fetched.Data)
}

func TestQueueClient_IdempotentEnqueue(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Enqueue(ctx, "default", "job-1", "key-1")
		require.NoError(t, err)
	}

	stats, err := c.Get(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Enqueued)
}

func TestQueueClient_APIError(t *testing.T) {
	c, _ := newServer(t)

	_, err := c.Enqueue(context.Background(), "default", "", "")

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, apperrors.CodeValidation, apiErr.Code)
}

func TestHttpClient_WaitForReady(t *testing.T) {
	c, s := newServer(t)
	ctx := context.Background()

	require.NoError(t, c.HTTP().WaitForReady(ctx, time.Second))

	s.SetFault(func(op string) error {
		if op == storetest.OpPing {
			return errors.New("no reachable servers")
		}
		return nil
	})
	err := c.HTTP().WaitForReady(ctx, 50*time.Millisecond)
	assert.ErrorContains(t, err, "did not become ready")
}
