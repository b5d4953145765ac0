package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the controller service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	Strategy     string
	PollInterval time.Duration
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	// EnqueueRateLimit is the max enqueues per queue per window; 0 disables
	// the Redis rate limiter.
	EnqueueRateLimit  int
	EnqueueRateWindow time.Duration

	// ReportsGroup is the Kafka consumer group for completion reports.
	ReportsGroup string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		HTTPPort:          v.GetString("http_port"),
		MetricsAddr:       v.GetString("metrics_addr"),
		Strategy:          v.GetString("strategy"),
		PollInterval:      v.GetDuration("poll_interval"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
		EnqueueRateLimit:  v.GetInt("enqueue_rate_limit"),
		EnqueueRateWindow: v.GetDuration("enqueue_rate_window"),
		ReportsGroup:      v.GetString("reports_group"),
	}
}
