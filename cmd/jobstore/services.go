package main

import (
	"fmt"

	"jobstore/internal/lock"
	"jobstore/internal/monitor"
	"jobstore/internal/procedures"
	"jobstore/internal/queue"
	"jobstore/internal/retry"
	"jobstore/internal/store/mongostore"
	"jobstore/pkg/clock"
	"jobstore/pkg/config"
)

// services holds every component built on top of one Mongo connection.
type services struct {
	cfg     *config.Config
	store   *mongostore.Store
	retry   *retry.Executor
	lock    *lock.DistributedLock
	queue   *queue.JobQueue
	monitor *monitor.QueueMonitor
	runner  *procedures.Runner
}

func newServices(serviceName string) (*services, error) {
	cfg := config.Load(serviceName)
	cfg.SetMongo()

	s := &services{
		cfg:   cfg,
		store: mongostore.New(cfg),
		retry: retry.NewExecutor(cfg.Log, cfg.MaxMutationRetries),
	}
	c := clock.Real()

	l, err := lock.New(s.store, s.retry, c, cfg.Log, lock.Options{
		TTLMargin:    cfg.LockTTLMargin,
		PollInterval: cfg.LockPollInterval,
	})
	if err != nil {
		cfg.GracefulShutdown()
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}
	s.lock = l

	q, err := queue.New(s.store, s.retry, l, c, cfg.Log, queue.Options{
		InvisibilityTimeout: cfg.InvisibilityTimeout,
		QueuePollInterval:   cfg.QueuePollInterval,
		KeepAliveInterval:   cfg.KeepAliveInterval,
		LockTimeoutMargin:   cfg.LockTimeoutMargin,
	})
	if err != nil {
		cfg.GracefulShutdown()
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	s.queue = q

	s.monitor = monitor.New(s.store, s.retry, c, cfg.Log, cfg.QueueCacheTTL)
	s.runner = procedures.NewRunner(s.store, s.retry, cfg.Log)
	return s, nil
}

func (s *services) close() {
	s.cfg.GracefulShutdown()
}
