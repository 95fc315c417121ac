package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kafka_config "jobstore/pkg/kafka/config"
	"jobstore/pkg/logger"

	"github.com/segmentio/kafka-go"
)

const fetchErrorBackoff = time.Second

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerMiddleware func(ctx context.Context, msg Message, next MessageHandler) error

// Consumer reads a topic as part of a consumer group. Handler failures
// classified as transient are retried in place; anything else, or a
// transient failure past the retry cap, goes to the dead letter publisher
// when one is set. The offset is committed either way.
type Consumer struct {
	reader       messageReader
	deadLetter   Publisher
	topic        string
	groupID      string
	maxRetries   int
	retryBackoff time.Duration
	fetchBackoff time.Duration
	handler      MessageHandler
	middleware   []ConsumerMiddleware
	log          *logger.Logger
	closed       bool
	mu           sync.RWMutex
	wg           sync.WaitGroup
}

func NewConsumer(cfg *kafka_config.Config, topic, groupID string, handler MessageHandler, log *logger.Logger) (*Consumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if groupID == "" {
		return nil, fmt.Errorf("group ID cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("message handler cannot be nil")
	}

	log = log.WithComponent("kafka_consumer")
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		Topic:             topic,
		GroupID:           groupID,
		MinBytes:          cfg.ConsumerMinBytes,
		MaxBytes:          cfg.ConsumerMaxBytes,
		MaxWait:           cfg.ConsumerMaxWait,
		CommitInterval:    cfg.ConsumerCommitInterval,
		HeartbeatInterval: cfg.ConsumerHeartbeatInterval,
		SessionTimeout:    cfg.ConsumerSessionTimeout,
		RebalanceTimeout:  cfg.ConsumerRebalanceTimeout,
		StartOffset:       cfg.ConsumerStartOffset,
		Logger:            kafka.LoggerFunc(func(string, ...any) {}),
		ErrorLogger:       errorLogger(log, "consumer"),
	})

	c := newConsumer(reader, topic, groupID, cfg.ConsumerMaxRetries, handler, log)
	c.retryBackoff = cfg.ConsumerRetryBackoff
	return c, nil
}

func newConsumer(r messageReader, topic, groupID string, maxRetries int, handler MessageHandler, log *logger.Logger) *Consumer {
	return &Consumer{
		reader:       r,
		topic:        topic,
		groupID:      groupID,
		maxRetries:   maxRetries,
		fetchBackoff: fetchErrorBackoff,
		handler:      handler,
		middleware:   make([]ConsumerMiddleware, 0),
		log:          log,
	}
}

// SetDeadLetter routes messages that cannot be processed to p.
func (c *Consumer) SetDeadLetter(p Publisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLetter = p
}

func (c *Consumer) Use(middleware ConsumerMiddleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middleware = append(c.middleware, middleware)
}

// Start consumes until ctx is done or the consumer is closed.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrConsumerClosed
	}
	handler := c.chain()
	c.wg.Add(1)
	c.mu.RUnlock()
	defer c.wg.Done()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.log.Warn("Failed to fetch message", "topic", c.topic, "error", err)
			if err := sleep(ctx, c.fetchBackoff); err != nil {
				return err
			}
			continue
		}

		msg := fromKafka(km)
		if err := c.process(ctx, handler, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("Failed to process message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}

		if err := c.reader.CommitMessages(ctx, km); err != nil {
			c.log.Warn("Failed to commit offset", "topic", c.topic, "offset", km.Offset, "error", err)
		}
	}
}

func (c *Consumer) chain() MessageHandler {
	handler := c.handler
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, m Message) error {
			return mw(ctx, m, next)
		}
	}
	return handler
}

func (c *Consumer) process(ctx context.Context, handler MessageHandler, msg Message) error {
	for {
		err := handler(ctx, msg)
		if err == nil {
			return nil
		}

		retries := msg.GetRetryCount()
		if ShouldRetry(err, retries, c.maxRetries) {
			msg.IncrementRetryCount()
			c.log.Warn("Retrying message",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"attempt", retries+1,
				"max_retries", c.maxRetries,
				"error", err,
			)
			if err := sleep(ctx, c.retryBackoff*time.Duration(retries+1)); err != nil {
				return err
			}
			continue
		}

		c.mu.RLock()
		dlq := c.deadLetter
		c.mu.RUnlock()
		if dlq == nil {
			return err
		}
		if dlqErr := c.sendToDLQ(ctx, dlq, msg, err); dlqErr != nil {
			return fmt.Errorf("failed to send message to DLQ: %w (original error: %v)", dlqErr, err)
		}
		c.log.Warn("Message sent to DLQ",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"retries", retries,
			"error_type", ClassifyError(err).String(),
			"error", err,
		)
		return nil
	}
}

func (c *Consumer) sendToDLQ(ctx context.Context, dlq Publisher, msg Message, originalErr error) error {
	headers := make(map[string]string, len(msg.Headers)+4)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderOriginalTopic] = c.topic
	headers[HeaderDLQError] = originalErr.Error()
	headers[HeaderDLQTimestamp] = time.Now().UTC().Format(time.RFC3339)
	headers[HeaderDLQConsumerGroup] = c.groupID

	key := msg.Key
	if key == "" {
		key = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	value := msg.Value
	if len(value) == 0 {
		value = []byte("null")
	}

	return dlq.Publish(ctx, Message{
		Key:       key,
		Value:     value,
		Headers:   headers,
		Timestamp: time.Now(),
	})
}

// Close waits for Start to return, then releases the reader.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
