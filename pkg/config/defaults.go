package config

import "time"

const (
	DefaultMongoURI            = "mongodb://localhost:27017"
	DefaultMongoDatabaseName   = "jobstore"
	DefaultMongoCollectionName = "documents"
	DefaultMongoConnTimeout    = 10 * time.Second
	DefaultMongoTransactions   = false

	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 15 * time.Second

	DefaultInvisibilityTimeout = 15 * time.Minute
	DefaultQueuePollInterval   = 2 * time.Second
	DefaultKeepAliveInterval   = 15 * time.Second

	DefaultLockTTLMargin     = 15 * time.Second
	DefaultLockPollInterval  = 100 * time.Millisecond
	DefaultLockTimeoutMargin = 1 * time.Second

	DefaultQueueCacheTTL      = 5 * time.Second
	DefaultMaxMutationRetries = 3

	DefaultScriptMaxDocuments = 100
	DefaultScriptMaxDuration  = 5 * time.Second

	DefaultPort            = "8080"
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
	DefaultIdempotencyTTL  = 24 * time.Hour
	DefaultMaxRequestSize  = 1 << 20

	DefaultIngestGroupID = "jobstore-ingest"

	DefaultLogLevel        = "info"
	DefaultPaginationLimit = 100
)
