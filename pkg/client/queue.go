package client

import (
	"context"
	"fmt"
	"net/url"

	"jobstore/internal/monitor"
	"jobstore/pkg/model"
)

// QueueClient talks to the queue endpoints of a running jobstore server.
type QueueClient struct {
	httpClient *HttpClient
}

func NewQueueClient(baseURL string) *QueueClient {
	return &QueueClient{
		httpClient: NewHttpClient(baseURL),
	}
}

func (c *QueueClient) HTTP() *HttpClient {
	return c.httpClient
}

// Enqueue posts a job. A non-empty idempotencyKey makes retries of the same
// call replay the first response instead of enqueuing twice.
func (c *QueueClient) Enqueue(ctx context.Context, queue, jobID, idempotencyKey string) (model.EnqueueRequest, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}

	path := "/queues/" + url.PathEscape(queue) + "/jobs"
	resp, err := c.httpClient.POSTWithHeaders(ctx, path, map[string]string{"job_id": jobID}, headers)
	if err != nil {
		return model.EnqueueRequest{}, err
	}
	if err := checkResponse(resp); err != nil {
		return model.EnqueueRequest{}, err
	}

	var body struct {
		Data model.EnqueueRequest `json:"data"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return model.EnqueueRequest{}, fmt.Errorf("failed to decode enqueue response: %w", err)
	}
	return body.Data, nil
}

func (c *QueueClient) Statistics(ctx context.Context) ([]monitor.QueueStats, error) {
	var body struct {
		Data []monitor.QueueStats `json:"data"`
	}
	if err := c.getJSON(ctx, "/queues", &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (c *QueueClient) Get(ctx context.Context, queue string) (monitor.QueueStats, error) {
	var body struct {
		Data monitor.QueueStats `json:"data"`
	}
	if err := c.getJSON(ctx, "/queues/"+url.PathEscape(queue), &body); err != nil {
		return monitor.QueueStats{}, err
	}
	return body.Data, nil
}

// JobPage is one page of job ids from the enqueued or fetched listing.
type JobPage struct {
	Data       []string `json:"data"`
	TotalCount int64    `json:"total_count"`
	Limit      int      `json:"limit"`
	Offset     int64    `json:"offset"`
}

func (c *QueueClient) Enqueued(ctx context.Context, queue string, limit int, offset int64) (*JobPage, error) {
	return c.jobPage(ctx, queue, "enqueued", limit, offset)
}

func (c *QueueClient) Fetched(ctx context.Context, queue string, limit int, offset int64) (*JobPage, error) {
	return c.jobPage(ctx, queue, "fetched", limit, offset)
}

func (c *QueueClient) jobPage(ctx context.Context, queue, listing string, limit int, offset int64) (*JobPage, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Set("offset", fmt.Sprintf("%d", offset))

	var page JobPage
	path := "/queues/" + url.PathEscape(queue) + "/" + listing + "?" + q.Encode()
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *QueueClient) getJSON(ctx context.Context, path string, target any) error {
	resp, err := c.httpClient.GET(ctx, path)
	if err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := resp.DecodeJSON(target); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
