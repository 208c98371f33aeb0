// Package config defines the service configuration and its loading.
package config

import "time"

// Config represents the top-level configuration shared by the services.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Hub       HubConfig       `mapstructure:"hub"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Feed      FeedConfig      `mapstructure:"feed"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// KafkaConfig configures the event bus connection and topic routing.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	GroupID  string   `mapstructure:"group_id"`
	ClientID string   `mapstructure:"client_id"`

	JobStartTopic          string `mapstructure:"job_start_topic"`
	JobCancelTopic         string `mapstructure:"job_cancel_topic"`
	RawDataTopic           string `mapstructure:"raw_data_topic"`
	InitialBatchTopic      string `mapstructure:"initial_batch_topic"`
	IngestionCompleteTopic string `mapstructure:"ingestion_complete_topic"`
	DataUpdateTopic        string `mapstructure:"data_update_topic"`
	JobCompleteTopic       string `mapstructure:"job_complete_topic"`
	JobFailedTopic         string `mapstructure:"job_failed_topic"`
}

// PostgresConfig configures the job store connection.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// HubConfig configures the broadcast hub.
type HubConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TerminalGrace     time.Duration `mapstructure:"terminal_grace"`
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`
}

// FeedConfig configures the external feed API client.
type FeedConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	AuthToken         string        `mapstructure:"auth_token"`
	PageSize          int           `mapstructure:"page_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RequestBurst      int           `mapstructure:"request_burst"`
}

// IngestionConfig bounds feed-collection sessions.
type IngestionConfig struct {
	DefaultMaxDuration   time.Duration `mapstructure:"default_max_duration"`
	WarmupCount          int           `mapstructure:"warmup_count"`
	FeedRetryMaxAttempts int           `mapstructure:"feed_retry_max_attempts"`
	FeedRetryInitialWait time.Duration `mapstructure:"feed_retry_initial_wait"`
	RecordsPerSecond     float64       `mapstructure:"records_per_second"`
	RecordBurst          int           `mapstructure:"record_burst"`
}
