package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"jobstore/internal/migrations/mongo/validators"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
)

// DocumentIndexes back the access paths of the single document collection:
// TTL expiry of locks, oldest-first queue scans, housekeeping by expiry and
// lookups by kind.
var DocumentIndexes = []mongo.IndexModel{
	{
		Keys:    bson.D{{Key: model.FieldExpireAt, Value: 1}},
		Options: options.Index().SetName("ttl_expire_at").SetExpireAfterSeconds(0),
	},
	{
		Keys: bson.D{
			{Key: model.FieldPartition, Value: 1},
			{Key: model.FieldType, Value: 1},
			{Key: model.FieldQueueName, Value: 1},
			{Key: model.FieldCreatedOn, Value: 1},
			{Key: model.FieldID, Value: 1},
		},
		Options: options.Index().SetName("queue_fifo"),
	},
	{
		Keys: bson.D{
			{Key: model.FieldPartition, Value: 1},
			{Key: model.FieldExpireOn, Value: 1},
		},
		Options: options.Index().SetName("partition_expire_on"),
	},
	{
		Keys: bson.D{
			{Key: model.FieldPartition, Value: 1},
			{Key: model.FieldType, Value: 1},
		},
		Options: options.Index().SetName("partition_type"),
	},
}

// RunMigration creates the document collection with its validator, or
// refreshes the validator on an existing one, then ensures its indexes.
// It is safe to run repeatedly.
func RunMigration(ctx context.Context, db *mongo.Database, collection string, log *logger.Logger) error {
	log = log.WithComponent("migrations")
	log.Info("Running Mongo migrations", "database", db.Name(), "collection", collection)

	if err := ensureCollection(ctx, db, collection, validators.DocumentValidator, log); err != nil {
		return fmt.Errorf("failed to ensure collection %s: %w", collection, err)
	}
	if err := ensureIndexes(ctx, db, collection, DocumentIndexes, log); err != nil {
		return fmt.Errorf("failed to ensure indexes for %s: %w", collection, err)
	}

	log.Info("All migrations applied successfully")
	return nil
}

func ensureCollection(ctx context.Context, db *mongo.Database, name string, validator bson.M, log *logger.Logger) error {
	existing, err := db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return err
	}

	if len(existing) == 0 {
		log.Info("Creating collection", "collection", name)
		opts := options.CreateCollection().SetValidator(validator)
		if err := db.CreateCollection(ctx, name, opts); err != nil {
			return fmt.Errorf("failed creating %s: %w", name, err)
		}
		return nil
	}

	log.Info("Collection already exists, updating validator", "collection", name)
	command := bson.D{
		{Key: "collMod", Value: name},
		{Key: "validator", Value: validator},
	}
	if err := db.RunCommand(ctx, command).Err(); err != nil {
		log.Warn("Failed updating validator", "collection", name, "error", err)
	}
	return nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database, name string, models []mongo.IndexModel, log *logger.Logger) error {
	created, err := db.Collection(name).Indexes().CreateMany(ctx, models)
	if err != nil {
		return err
	}
	log.Info("Ensured indexes", "collection", name, "indexes", created)
	return nil
}
