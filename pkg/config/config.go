package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"jobstore/pkg/client"
	"jobstore/pkg/logger"
)

type Config struct {
	MongoURI            string
	MongoDatabaseName   string
	MongoCollectionName string
	MongoConnTimeout    time.Duration
	MongoTransactions   bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	InvisibilityTimeout time.Duration
	QueuePollInterval   time.Duration
	KeepAliveInterval   time.Duration

	LockTTLMargin     time.Duration
	LockPollInterval  time.Duration
	LockTimeoutMargin time.Duration

	QueueCacheTTL      time.Duration
	MaxMutationRetries int

	ScriptMaxDocuments int
	ScriptMaxDuration  time.Duration

	Port            string
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	IdempotencyTTL  time.Duration
	MaxRequestSize  int

	IngestTopic    string
	IngestGroupID  string
	IngestDLQTopic string

	Log    *logger.Logger
	Client *client.Client
}

func Load(serviceName string) *Config {
	cfg := &Config{
		MongoURI:            getEnvStr(EnvMongoURI, DefaultMongoURI),
		MongoDatabaseName:   getEnvStr(EnvMongoDatabaseName, DefaultMongoDatabaseName),
		MongoCollectionName: getEnvStr(EnvMongoCollectionName, DefaultMongoCollectionName),
		MongoConnTimeout:    getEnvDuration(EnvMongoConnTimeout, DefaultMongoConnTimeout),
		MongoTransactions:   getEnvBool(EnvMongoTransactions, DefaultMongoTransactions),

		ReadTimeout:  getEnvDuration(EnvReadTimeout, DefaultReadTimeout),
		WriteTimeout: getEnvDuration(EnvWriteTimeout, DefaultWriteTimeout),

		InvisibilityTimeout: getEnvDuration(EnvInvisibilityTimeout, DefaultInvisibilityTimeout),
		QueuePollInterval:   getEnvDuration(EnvQueuePollInterval, DefaultQueuePollInterval),
		KeepAliveInterval:   getEnvDuration(EnvKeepAliveInterval, DefaultKeepAliveInterval),

		LockTTLMargin:     getEnvDuration(EnvLockTTLMargin, DefaultLockTTLMargin),
		LockPollInterval:  getEnvDuration(EnvLockPollInterval, DefaultLockPollInterval),
		LockTimeoutMargin: getEnvDuration(EnvLockTimeoutMargin, DefaultLockTimeoutMargin),

		QueueCacheTTL:      getEnvDuration(EnvQueueCacheTTL, DefaultQueueCacheTTL),
		MaxMutationRetries: getEnvNum(EnvMaxMutationRetries, DefaultMaxMutationRetries),

		ScriptMaxDocuments: getEnvNum(EnvScriptMaxDocuments, DefaultScriptMaxDocuments),
		ScriptMaxDuration:  getEnvDuration(EnvScriptMaxDuration, DefaultScriptMaxDuration),

		Port:            getEnvStr(EnvPort, DefaultPort),
		IdleTimeout:     getEnvDuration(EnvIdleTimeout, DefaultIdleTimeout),
		ShutdownTimeout: getEnvDuration(EnvShutdownTimeout, DefaultShutdownTimeout),
		RequestTimeout:  getEnvDuration(EnvRequestTimeout, DefaultRequestTimeout),
		IdempotencyTTL:  getEnvDuration(EnvIdempotencyTTL, DefaultIdempotencyTTL),
		MaxRequestSize:  getEnvNum(EnvMaxRequestSize, DefaultMaxRequestSize),

		IngestTopic:    getEnvStr(EnvIngestTopic, ""),
		IngestGroupID:  getEnvStr(EnvIngestGroupID, DefaultIngestGroupID),
		IngestDLQTopic: getEnvStr(EnvIngestDLQTopic, ""),

		Log: logger.New(logger.Config{
			Level:     getEnvStr(EnvLogLevel, DefaultLogLevel),
			Format:    logger.JSON,
			AddSource: true,
			Service:   serviceName,
		}),
		Client: client.NewClient(),
	}

	err := cfg.Validate()
	if err != nil {
		cfg.Log.Fatal(err.Error())
	}
	cfg.LogConfiguration()
	return cfg
}

func (cfg *Config) SetMongo() {
	cfg.Client.SetMongo(cfg.Log, cfg.MongoURI, cfg.MongoConnTimeout)
}

func (cfg *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("Port must be between 1 and 65535, got: %s", cfg.Port))
	}

	if cfg.MongoURI == "" {
		errors = append(errors, "MongoURI cannot be empty")
	} else if len(cfg.MongoURI) < 10 || !regexp.MustCompile(`^mongodb(\+srv)?://`).MatchString(cfg.MongoURI) {
		errors = append(errors, fmt.Sprintf("MongoURI must start with 'mongodb://' or 'mongodb+srv://', got: %s", redactMongoURI(cfg.MongoURI)))
	}
	if cfg.MongoDatabaseName == "" {
		errors = append(errors, "MongoDatabaseName cannot be empty")
	}
	if cfg.MongoCollectionName == "" {
		errors = append(errors, "MongoCollectionName cannot be empty")
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"MongoConnTimeout", cfg.MongoConnTimeout},
		{"ReadTimeout", cfg.ReadTimeout},
		{"WriteTimeout", cfg.WriteTimeout},
		{"InvisibilityTimeout", cfg.InvisibilityTimeout},
		{"QueuePollInterval", cfg.QueuePollInterval},
		{"KeepAliveInterval", cfg.KeepAliveInterval},
		{"LockPollInterval", cfg.LockPollInterval},
		{"QueueCacheTTL", cfg.QueueCacheTTL},
		{"ScriptMaxDuration", cfg.ScriptMaxDuration},
		{"IdleTimeout", cfg.IdleTimeout},
		{"ShutdownTimeout", cfg.ShutdownTimeout},
		{"RequestTimeout", cfg.RequestTimeout},
		{"IdempotencyTTL", cfg.IdempotencyTTL},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errors = append(errors, fmt.Sprintf("%s must be positive, got: %s", p.name, p.value))
		}
	}

	if cfg.LockTTLMargin < 0 {
		errors = append(errors, fmt.Sprintf("LockTTLMargin cannot be negative, got: %s", cfg.LockTTLMargin))
	}
	if cfg.LockTimeoutMargin < 0 {
		errors = append(errors, fmt.Sprintf("LockTimeoutMargin cannot be negative, got: %s", cfg.LockTimeoutMargin))
	}
	if cfg.KeepAliveInterval >= cfg.InvisibilityTimeout {
		errors = append(errors, fmt.Sprintf("KeepAliveInterval (%s) must be shorter than InvisibilityTimeout (%s)", cfg.KeepAliveInterval, cfg.InvisibilityTimeout))
	}
	if cfg.MaxMutationRetries <= 0 {
		errors = append(errors, fmt.Sprintf("MaxMutationRetries must be positive, got: %d", cfg.MaxMutationRetries))
	}
	if cfg.MaxRequestSize <= 0 {
		errors = append(errors, fmt.Sprintf("MaxRequestSize must be positive, got: %d", cfg.MaxRequestSize))
	}
	if cfg.ScriptMaxDocuments <= 0 {
		errors = append(errors, fmt.Sprintf("ScriptMaxDocuments must be positive, got: %d", cfg.ScriptMaxDocuments))
	}
	if cfg.IngestTopic != "" && cfg.IngestGroupID == "" {
		errors = append(errors, "IngestGroupID cannot be empty when IngestTopic is set")
	}

	if len(errors) > 0 {
		errMsg := "Configuration validation failed:\n"
		for i, err := range errors {
			errMsg += fmt.Sprintf("  %d. %s\n", i+1, err)
		}
		return fmt.Errorf("%s", errMsg)
	}

	return nil
}

func (cfg *Config) LogConfiguration() {
	cfg.Log.Info("Configuration loaded successfully",
		"mongo_uri", redactMongoURI(cfg.MongoURI),
		"mongo_database", cfg.MongoDatabaseName,
		"mongo_collection", cfg.MongoCollectionName,
		"mongo_conn_timeout", cfg.MongoConnTimeout,
		"mongo_transactions", cfg.MongoTransactions,
		"read_timeout", cfg.ReadTimeout,
		"write_timeout", cfg.WriteTimeout,
		"invisibility_timeout", cfg.InvisibilityTimeout,
		"queue_poll_interval", cfg.QueuePollInterval,
		"keep_alive_interval", cfg.KeepAliveInterval,
		"lock_ttl_margin", cfg.LockTTLMargin,
		"lock_poll_interval", cfg.LockPollInterval,
		"lock_timeout_margin", cfg.LockTimeoutMargin,
		"queue_cache_ttl", cfg.QueueCacheTTL,
		"max_mutation_retries", cfg.MaxMutationRetries,
		"script_max_documents", cfg.ScriptMaxDocuments,
		"script_max_duration", cfg.ScriptMaxDuration,
		"port", cfg.Port,
		"idle_timeout", cfg.IdleTimeout,
		"shutdown_timeout", cfg.ShutdownTimeout,
		"request_timeout", cfg.RequestTimeout,
		"idempotency_ttl", cfg.IdempotencyTTL,
		"max_request_size", cfg.MaxRequestSize,
		"ingest_topic", cfg.IngestTopic,
		"ingest_group_id", cfg.IngestGroupID,
		"ingest_dlq_topic", cfg.IngestDLQTopic,
	)
}

func redactMongoURI(uri string) string {
	credentialRegex := regexp.MustCompile(`(mongodb(\+srv)?://)[^:]+:[^@]+@`)
	return credentialRegex.ReplaceAllString(uri, "${1}***:***@")
}

func getEnvStr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvNum(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (cfg *Config) GracefulShutdown() {
	cfg.Client.GracefulShutdown()
}

func NormalizePaginationLimit(limit int) int {
	if limit <= 0 {
		limit = 10
	} else if limit > DefaultPaginationLimit {
		limit = DefaultPaginationLimit
	}
	return limit
}

func NormalizeOffset(offset int64) int64 {
	return max(0, offset)
}
