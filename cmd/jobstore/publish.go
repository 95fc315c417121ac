package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"jobstore/internal/ingest"
	"jobstore/pkg/config"
	"jobstore/pkg/kafka"
	kafka_config "jobstore/pkg/kafka/config"
	"jobstore/pkg/model"
	"jobstore/pkg/sanitizer"
	"jobstore/pkg/validation"
)

var publishTopic string

var publishCmd = &cobra.Command{
	Use:   "publish <queue> <job-id>...",
	Short: "Send enqueue events to the ingest topic",
	Long: `publish writes one enqueue event per job id to Kafka. A server running with
the same INGEST_TOPIC consumes them and adds the jobs to the queue.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(serviceName + "-publish")
		topic := publishTopic
		if topic == "" {
			topic = cfg.IngestTopic
		}
		if topic == "" {
			return fmt.Errorf("no topic: pass --topic or set %s", config.EnvIngestTopic)
		}

		v := validation.New()
		messages := make([]kafka.Message, 0, len(args)-1)
		for _, jobID := range args[1:] {
			req := sanitizer.EnqueueRequest(model.EnqueueRequest{Queue: args[0], JobID: jobID})
			if err := v.Struct(req); err != nil {
				return err
			}
			msg, err := ingest.NewEnqueueMessage(req, serviceName+"-cli")
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}

		kcfg, err := kafka_config.Load()
		if err != nil {
			return fmt.Errorf("failed to load kafka config: %w", err)
		}
		producer, err := kafka.NewProducer(kcfg, topic, cfg.Log)
		if err != nil {
			return err
		}
		defer producer.Close()

		if err := producer.PublishBatch(cmd.Context(), messages); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %d event(s) to %s\n", len(messages), topic)
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVarP(&publishTopic, "topic", "t", "", "topic to publish to (defaults to INGEST_TOPIC)")
}
