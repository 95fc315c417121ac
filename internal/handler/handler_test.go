package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobstore/internal/monitor"
	"jobstore/internal/retry"
	"jobstore/internal/store"
	"jobstore/internal/store/storetest"
	"jobstore/pkg/clock"
	apperrors "jobstore/pkg/errors"
	httputil "jobstore/pkg/http"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
)

func newRouter(t *testing.T) (*httprouter.Router, *storetest.Store) {
	t.Helper()
	fake := clock.NewFake(time.Unix(1_700_000_000, 0))
	s := storetest.New(fake)
	m := monitor.New(s, retry.NewExecutor(logger.Discard(), 2), fake, logger.Discard(), time.Second)

	router := httprouter.New()
	NewQueueHandler(m, logger.Discard()).RegisterRoutes(router)
	NewHealthHandler(s, logger.Discard()).RegisterRoutes(router)
	return router, s
}

func seed(t *testing.T, s *storetest.Store, queue, jobID string, createdOn int64, fetched bool) {
	t.Helper()
	item := model.NewQueueItem(queue, jobID, createdOn)
	if fetched {
		at := createdOn + 1
		item.FetchedAt = &at
	}
	require.NoError(t, s.Create(context.Background(), item, store.RequestOptions{}))
}

func serve(router http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestList(t *testing.T) {
	router, s := newRouter(t)
	seed(t, s, "default", "job-1", 1, false)
	seed(t, s, "default", "job-2", 2, true)
	seed(t, s, "critical", "job-3", 3, false)

	rec := serve(router, "/queues")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Data []monitor.QueueStats `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []monitor.QueueStats{
		{Name: "critical", Enqueued: 1, Fetched: 0},
		{Name: "default", Enqueued: 1, Fetched: 1},
	}, body.Data)
}

func TestGet(t *testing.T) {
	router, s := newRouter(t)
	seed(t, s, "default", "job-1", 1, false)
	seed(t, s, "default", "job-2", 2, false)
	seed(t, s, "default", "job-3", 3, true)

	rec := serve(router, "/queues/default")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data monitor.QueueStats `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, monitor.QueueStats{Name: "default", Enqueued: 2, Fetched: 1}, body.Data)
}

func TestJobIDsPaging(t *testing.T) {
	router, s := newRouter(t)
	for i, id := range []string{"job-1", "job-2", "job-3"} {
		seed(t, s, "default", id, int64(i+1), false)
	}
	seed(t, s, "default", "job-f", 10, true)

	tests := []struct {
		name       string
		path       string
		wantIDs    []string
		wantTotal  int64
		wantLimit  int
		wantOffset int64
	}{
		{"first page", "/queues/default/enqueued?limit=2", []string{"job-1", "job-2"}, 3, 2, 0},
		{"second page", "/queues/default/enqueued?limit=2&offset=2", []string{"job-3"}, 3, 2, 2},
		{"past the end", "/queues/default/enqueued?offset=10", []string{}, 3, 10, 10},
		{"negative offset clamps", "/queues/default/enqueued?offset=-4&limit=1", []string{"job-1"}, 3, 1, 0},
		{"fetched", "/queues/default/fetched", []string{"job-f"}, 1, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, tt.path)
			require.Equal(t, http.StatusOK, rec.Code)

			var body struct {
				Data       []string `json:"data"`
				TotalCount int64    `json:"total_count"`
				Limit      int      `json:"limit"`
				Offset     int64    `json:"offset"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantIDs, body.Data)
			assert.Equal(t, tt.wantTotal, body.TotalCount)
			assert.Equal(t, tt.wantLimit, body.Limit)
			assert.Equal(t, tt.wantOffset, body.Offset)
		})
	}
}

func TestJobIDs_InvalidQueryParameters(t *testing.T) {
	router, _ := newRouter(t)

	for _, path := range []string{
		"/queues/default/enqueued?limit=abc",
		"/queues/default/fetched?offset=xyz",
	} {
		rec := serve(router, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)

		var body httputil.ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, apperrors.CodeInvalidInput, body.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(s *storetest.Store)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "throttled past the retry cap",
			setup:      func(s *storetest.Store) { s.ThrottleNext(storetest.OpCount, 5, time.Millisecond) },
			wantStatus: http.StatusTooManyRequests,
			wantCode:   apperrors.CodeThrottled,
		},
		{
			name: "deadline exceeded",
			setup: func(s *storetest.Store) {
				s.SetFault(func(string) error { return context.DeadlineExceeded })
			},
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   apperrors.CodeTimeout,
		},
		{
			name: "unexpected failure",
			setup: func(s *storetest.Store) {
				s.SetFault(func(string) error { return errors.New("socket closed") })
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   apperrors.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, s := newRouter(t)
			tt.setup(s)

			rec := serve(router, "/queues/default")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body httputil.ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
}

func TestHealthAndReady(t *testing.T) {
	router, s := newRouter(t)

	rec := serve(router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	var ready HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ready))
	assert.Equal(t, "connected", ready.Database)

	s.SetFault(func(op string) error {
		if op == storetest.OpPing {
			return errors.New("no reachable servers")
		}
		return nil
	})
	rec = serve(router, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code, "liveness does not depend on the store")
}
