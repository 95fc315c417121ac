package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobstore/internal/handler"
	"jobstore/internal/ingest"
	"jobstore/pkg/app"
	kafka_config "jobstore/pkg/kafka/config"
	"jobstore/pkg/validation"
)

const serviceName = "jobstore"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, when INGEST_TOPIC is set, the Kafka ingest worker",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, err := newServices(serviceName)
	if err != nil {
		return err
	}
	cfg := svc.cfg
	v := validation.New()

	application := app.NewApplication(cfg)
	application.SetApp(
		handler.NewHealthHandler(svc.store, cfg.Log),
		handler.NewQueueHandler(svc.monitor, cfg.Log),
		handler.NewJobHandler(svc.queue, v, cfg.Log),
	)

	if cfg.IngestTopic != "" {
		kcfg, err := kafka_config.Load()
		if err != nil {
			svc.close()
			return fmt.Errorf("failed to load kafka config: %w", err)
		}
		kcfg.LogConfiguration(cfg.Log)

		worker, err := ingest.NewWorker(cfg, kcfg, ingest.NewIngestor(svc.queue, v, cfg.Log))
		if err != nil {
			svc.close()
			return err
		}
		application.AddWorker(worker)
	}

	// Run closes the Mongo client on shutdown.
	application.Run()
	return nil
}
