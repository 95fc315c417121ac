package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	migrations "jobstore/internal/migrations/mongo"
	"jobstore/pkg/config"
)

var migrateTimeout time.Duration

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the collection, its validator and its indexes",
	Long: `migrate creates the job collection if it does not exist, installs the
document schema validator and ensures the TTL and queue indexes. It is safe to
run repeatedly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(serviceName + "-migrate")
		cfg.SetMongo()
		defer cfg.GracefulShutdown()

		ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
		defer cancel()

		cfg.Log.Info("Starting Mongo migration")
		db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
		if err := migrations.RunMigration(ctx, db, cfg.MongoCollectionName, cfg.Log); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migration completed successfully.")
		return nil
	},
}

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 120*time.Second, "overall migration timeout")
}
