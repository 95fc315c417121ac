// Package ingest feeds the job queue from a Kafka topic. Each record carries
// one EnqueueRequest; malformed records are dead-lettered instead of retried.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"jobstore/pkg/config"
	apperrors "jobstore/pkg/errors"
	"jobstore/pkg/kafka"
	kafka_config "jobstore/pkg/kafka/config"
	kafka_middleware "jobstore/pkg/kafka/middleware"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
	"jobstore/pkg/sanitizer"
	"jobstore/pkg/validation"
)

const EventTypeEnqueue = "job.enqueue"

type Enqueuer interface {
	Enqueue(ctx context.Context, queue, jobID string) error
}

type Ingestor struct {
	queue     Enqueuer
	validator *validation.Validator
	log       *logger.Logger
}

func NewIngestor(q Enqueuer, v *validation.Validator, log *logger.Logger) *Ingestor {
	return &Ingestor{
		queue:     q,
		validator: v,
		log:       log.WithComponent("ingest"),
	}
}

// Handle enqueues the job described by msg. Payload problems are permanent;
// store failures are transient so the consumer retries them.
func (i *Ingestor) Handle(ctx context.Context, msg kafka.Message) error {
	var req model.EnqueueRequest
	if err := msg.DecodeValue(&req); err != nil {
		return kafka.NewPermanentError("failed to decode enqueue request", err)
	}
	req = sanitizer.EnqueueRequest(req)
	if err := i.validator.Struct(req); err != nil {
		return kafka.NewPermanentError("invalid enqueue request", err)
	}

	if err := i.queue.Enqueue(ctx, req.Queue, req.JobID); err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.CodeInvalidInput {
			return kafka.NewPermanentError("enqueue rejected", err)
		}
		return kafka.NewTransientError("enqueue failed", err)
	}

	i.log.Debug("Job ingested",
		"queue", req.Queue,
		"job_id", req.JobID,
		"event_id", msg.GetEventID(),
	)
	return nil
}

// NewEnqueueMessage builds the record Handle consumes. Records are keyed by
// queue so that one queue's jobs stay on one partition.
func NewEnqueueMessage(req model.EnqueueRequest, source string) (kafka.Message, error) {
	return kafka.NewMessage().
		WithKey(req.Queue).
		WithValue(req).
		WithEventType(EventTypeEnqueue).
		WithSource(source).
		Build()
}

// Worker runs the ingest consumer for the lifetime of the server.
type Worker struct {
	consumer *kafka.Consumer
	dlq      *kafka.Producer
	log      *logger.Logger
}

func NewWorker(cfg *config.Config, kcfg *kafka_config.Config, ingestor *Ingestor) (*Worker, error) {
	log := cfg.Log.WithComponent("ingest")

	consumer, err := kafka.NewConsumer(kcfg, cfg.IngestTopic, cfg.IngestGroupID, ingestor.Handle, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest consumer: %w", err)
	}
	if kcfg.EnableMiddleware {
		consumer.Use(kafka_middleware.LoggingConsumerMiddleware(log))
	}

	w := &Worker{consumer: consumer, log: log}
	if cfg.IngestDLQTopic != "" {
		dlq, err := kafka.NewProducer(kcfg, cfg.IngestDLQTopic, cfg.Log)
		if err != nil {
			_ = consumer.Close()
			return nil, fmt.Errorf("failed to create ingest DLQ producer: %w", err)
		}
		if kcfg.EnableMiddleware {
			dlq.Use(kafka_middleware.LoggingProducerMiddleware(log))
		}
		consumer.SetDeadLetter(dlq)
		w.dlq = dlq
	}
	return w, nil
}

func (w *Worker) Name() string {
	return "ingest"
}

func (w *Worker) Run(ctx context.Context) error {
	err := w.consumer.Start(ctx)

	if closeErr := w.consumer.Close(); closeErr != nil {
		w.log.Warn("Failed to close ingest consumer", "error", closeErr)
	}
	if w.dlq != nil {
		if closeErr := w.dlq.Close(); closeErr != nil {
			w.log.Warn("Failed to close ingest DLQ producer", "error", closeErr)
		}
	}
	return err
}
