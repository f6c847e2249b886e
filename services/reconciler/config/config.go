package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the reconciler service.
type Config struct {
	LogLevel      string
	MetricsAddr   string
	KafkaBrokers  string
	RedisAddr     string
	PostgresDSN   string
	EngineURL     string
	EngineTimeout time.Duration
	SweepCron     string
	StaleAfter    time.Duration
	SweepBatch    int
	WebhookURL    string
	OTelEndpoint  string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		MetricsAddr:   v.GetString("metrics_addr"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		RedisAddr:     v.GetString("redis_addr"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		EngineURL:     v.GetString("engine_url"),
		EngineTimeout: v.GetDuration("engine_timeout"),
		SweepCron:     v.GetString("sweep_cron"),
		StaleAfter:    v.GetDuration("stale_after"),
		SweepBatch:    v.GetInt("sweep_batch"),
		WebhookURL:    v.GetString("webhook_url"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
	}
}
