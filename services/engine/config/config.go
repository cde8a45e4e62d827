package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the engine service.
type Config struct {
	LogLevel       string
	KafkaBrokers   string
	KafkaGroupID   string
	RedisAddr      string
	PostgresDSN    string
	DefaultTimeout time.Duration
	ClaimCapacity  int
	SweepInterval  time.Duration
	StuckFallback  time.Duration
	MetricsAddr    string
	OTelEndpoint   string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:       v.GetString("log_level"),
		KafkaBrokers:   v.GetString("kafka_brokers"),
		KafkaGroupID:   v.GetString("kafka_group_id"),
		RedisAddr:      v.GetString("redis_addr"),
		PostgresDSN:    v.GetString("postgres_dsn"),
		DefaultTimeout: v.GetDuration("default_timeout"),
		ClaimCapacity:  v.GetInt("claim_capacity"),
		SweepInterval:  v.GetDuration("sweep_interval"),
		StuckFallback:  v.GetDuration("stuck_fallback"),
		MetricsAddr:    v.GetString("metrics_addr"),
		OTelEndpoint:   v.GetString("otel_endpoint"),
	}
}
