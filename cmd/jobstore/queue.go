package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"jobstore/pkg/client"
	"jobstore/pkg/model"
	"jobstore/pkg/sanitizer"
	"jobstore/pkg/validation"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <queue> <job-id>",
	Short: "Add a job to a queue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := sanitizer.EnqueueRequest(model.EnqueueRequest{Queue: args[0], JobID: args[1]})
		if err := validation.New().Struct(req); err != nil {
			return err
		}

		if serverURL != "" {
			if _, err := client.NewQueueClient(serverURL).Enqueue(cmd.Context(), req.Queue, req.JobID, idempotencyKey); err != nil {
				return fmt.Errorf("enqueue failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s on %s\n", req.JobID, req.Queue)
			return nil
		}

		svc, err := newServices(serviceName + "-cli")
		if err != nil {
			return err
		}
		defer svc.close()

		if err := svc.queue.Enqueue(cmd.Context(), req.Queue, req.JobID); err != nil {
			return fmt.Errorf("enqueue failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s on %s\n", req.JobID, req.Queue)
		return nil
	},
}

var (
	serverURL      string
	idempotencyKey string
)

var (
	dequeueWait time.Duration
	dequeueAck  bool
)

var dequeueCmd = &cobra.Command{
	Use:   "dequeue <queue>...",
	Short: "Fetch the oldest available job from the given queues",
	Long: `dequeue leases the oldest available job across the given queues and prints
it. Without --ack the job is put back at the end of its queue, which makes the
command useful for inspecting what a worker would receive next.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newServices(serviceName + "-cli")
		if err != nil {
			return err
		}
		defer svc.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), dequeueWait)
		defer cancel()

		job, err := svc.queue.Dequeue(ctx, sanitizer.QueueNames(args))
		if err != nil {
			return fmt.Errorf("dequeue failed: %w", err)
		}
		defer job.Close()

		if dequeueAck {
			job.RemoveFromQueue(cmd.Context())
		} else if err := job.Requeue(cmd.Context()); err != nil {
			return fmt.Errorf("requeue failed: %w", err)
		}

		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":         job.ID(),
			"queue":      job.QueueName(),
			"job_id":     job.JobID(),
			"fetched_at": job.FetchedAt(),
			"state":      job.State().String(),
		})
	},
}

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Print enqueued and fetched counts for every queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serverURL != "" {
			stats, err := client.NewQueueClient(serverURL).Statistics(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		}

		svc, err := newServices(serviceName + "-cli")
		if err != nil {
			return err
		}
		defer svc.close()

		stats, err := svc.monitor.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&serverURL, "server", "", "enqueue through a running server at this URL instead of the store")
	enqueueCmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Idempotency-Key header sent with --server")
	queuesCmd.Flags().StringVar(&serverURL, "server", "", "read statistics from a running server at this URL")
	dequeueCmd.Flags().DurationVar(&dequeueWait, "wait", 30*time.Second, "how long to wait for a job")
	dequeueCmd.Flags().BoolVar(&dequeueAck, "ack", false, "remove the job from its queue instead of requeueing it")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
