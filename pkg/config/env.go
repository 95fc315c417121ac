package config

const (
	EnvMongoURI            = "MONGO_URI"
	EnvMongoDatabaseName   = "MONGO_DATABASE_NAME"
	EnvMongoCollectionName = "MONGO_COLLECTION_NAME"
	EnvMongoConnTimeout    = "MONGO_CONN_TIMEOUT"
	EnvMongoTransactions   = "MONGO_SCRIPT_TRANSACTIONS"

	EnvReadTimeout  = "READ_TIMEOUT"
	EnvWriteTimeout = "WRITE_TIMEOUT"

	EnvInvisibilityTimeout = "INVISIBILITY_TIMEOUT"
	EnvQueuePollInterval   = "QUEUE_POLL_INTERVAL"
	EnvKeepAliveInterval   = "KEEP_ALIVE_INTERVAL"

	EnvLockTTLMargin     = "LOCK_TTL_MARGIN"
	EnvLockPollInterval  = "LOCK_POLL_INTERVAL"
	EnvLockTimeoutMargin = "LOCK_TIMEOUT_MARGIN"

	EnvQueueCacheTTL      = "QUEUE_CACHE_TTL"
	EnvMaxMutationRetries = "MAX_MUTATION_RETRIES"

	EnvScriptMaxDocuments = "SCRIPT_MAX_DOCUMENTS"
	EnvScriptMaxDuration  = "SCRIPT_MAX_DURATION"

	EnvPort            = "PORT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvIdleTimeout     = "IDLE_TIMEOUT"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"
	EnvRequestTimeout  = "REQUEST_TIMEOUT"
	EnvIdempotencyTTL  = "IDEMPOTENCY_TTL"
	EnvMaxRequestSize  = "MAX_REQUEST_SIZE"

	EnvIngestTopic    = "INGEST_TOPIC"
	EnvIngestGroupID  = "INGEST_GROUP_ID"
	EnvIngestDLQTopic = "INGEST_DLQ_TOPIC"
)
