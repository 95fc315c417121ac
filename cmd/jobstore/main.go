package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"jobstore/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "jobstore",
	Short: "Job storage on a partitioned document store",
	Long: `jobstore keeps background job state in a MongoDB collection: a distributed
lock, a polling work queue with leases, queue statistics and batched
maintenance procedures.

Connection settings come from the environment (MONGO_URI, MONGO_DATABASE_NAME,
MONGO_COLLECTION_NAME and friends).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("log-level") {
			return os.Setenv(config.EnvLogLevel, logLevel)
		}
		return nil
	},
}

var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(dequeueCmd)
	rootCmd.AddCommand(queuesCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(persistCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(importCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
