package model

import (
	"github.com/google/uuid"
)

const (
	FieldQueueName = "name"
	FieldJobID     = "job_id"
	FieldCreatedOn = "created_on"
	FieldFetchedAt = "fetched_at"
)

// QueueItem is one unit of queued work. FetchedAt is nil while the item is
// available and set while it is leased. Timestamps are Unix seconds.
type QueueItem struct {
	Base      `bson:",inline"`
	Name      string `bson:"name" json:"name"`
	JobID     string `bson:"job_id" json:"job_id"`
	CreatedOn int64  `bson:"created_on" json:"created_on"`
	FetchedAt *int64 `bson:"fetched_at" json:"fetched_at"`
}

// NewQueueItem builds an available item. Ids are UUIDv7 so that id order
// follows creation order within the same second.
func NewQueueItem(queue, jobID string, now int64) *QueueItem {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &QueueItem{
		Base: Base{
			ID:        id.String(),
			Type:      TypeQueue,
			Partition: PartitionQueue,
		},
		Name:      queue,
		JobID:     jobID,
		CreatedOn: now,
	}
}

// Available reports whether the item can be dequeued given the cutoff below
// which a lease is considered expired.
func (q *QueueItem) Available(invisibleBefore int64) bool {
	return q.FetchedAt == nil || *q.FetchedAt < invisibleBefore
}

// EnqueueRequest is the producer-facing payload accepted over HTTP and from
// the ingest topic.
type EnqueueRequest struct {
	Queue string `json:"queue" validate:"required,max=128,printascii"`
	JobID string `json:"job_id" validate:"required,max=256,printascii"`
}
