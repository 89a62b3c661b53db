package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the TOML configuration file structure. Every field is
// optional; values present in the file override the environment.
type fileConfig struct {
	HTTP     *fileHTTPConfig     `toml:"http"`
	Database *fileDatabaseConfig `toml:"database"`
	Broker   *fileBrokerConfig   `toml:"broker"`
	Dispatch *fileDispatchConfig `toml:"dispatch"`
	Batch    *fileBatchConfig    `toml:"batch"`
	Leader   *fileLeaderConfig   `toml:"leader"`
	DataDir  string              `toml:"data_dir"`
	DevMode  *bool               `toml:"dev_mode"`
}

type fileHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type fileDatabaseConfig struct {
	URL          string `toml:"url"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

type fileBrokerConfig struct {
	Type         string   `toml:"type"`
	NATSURL      string   `toml:"nats_url"`
	NATSStream   string   `toml:"nats_stream"`
	KafkaBrokers []string `toml:"kafka_brokers"`
}

type fileDispatchConfig struct {
	PollInterval  string  `toml:"poll_interval"`
	BatchSize     int     `toml:"batch_size"`
	RetryInterval string  `toml:"retry_interval"`
	Retention     string  `toml:"retention"`
	AckTimeout    string  `toml:"ack_timeout"`
	MaxRetries    *int    `toml:"max_retries"`
	PublishRate   float64 `toml:"publish_rate"`
}

type fileBatchConfig struct {
	MaxBatchSize  int    `toml:"max_batch_size"`
	FlushInterval string `toml:"flush_interval"`
}

type fileLeaderConfig struct {
	Enabled  *bool  `toml:"enabled"`
	RedisURL string `toml:"redis_url"`
}

// applyFile overlays a TOML configuration file onto cfg.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}

	if fc.HTTP != nil {
		if fc.HTTP.Port != 0 {
			cfg.HTTP.Port = fc.HTTP.Port
			cfg.Identity.Port = fc.HTTP.Port
		}
		if len(fc.HTTP.CORSOrigins) > 0 {
			cfg.HTTP.CORSOrigins = fc.HTTP.CORSOrigins
		}
	}
	if fc.Database != nil {
		if fc.Database.URL != "" {
			cfg.Database.URL = fc.Database.URL
		}
		if fc.Database.MaxOpenConns != 0 {
			cfg.Database.MaxOpenConns = fc.Database.MaxOpenConns
		}
		if fc.Database.MaxIdleConns != 0 {
			cfg.Database.MaxIdleConns = fc.Database.MaxIdleConns
		}
	}
	if fc.Broker != nil {
		if fc.Broker.Type != "" {
			cfg.Broker.Type = fc.Broker.Type
		}
		if fc.Broker.NATSURL != "" {
			cfg.Broker.NATS.URL = fc.Broker.NATSURL
		}
		if fc.Broker.NATSStream != "" {
			cfg.Broker.NATS.StreamName = fc.Broker.NATSStream
		}
		if len(fc.Broker.KafkaBrokers) > 0 {
			cfg.Broker.Kafka.Brokers = fc.Broker.KafkaBrokers
		}
	}
	if fc.Dispatch != nil {
		applyDuration(&cfg.Dispatch.PollInterval, fc.Dispatch.PollInterval)
		applyDuration(&cfg.Dispatch.RetryInterval, fc.Dispatch.RetryInterval)
		applyDuration(&cfg.Dispatch.Retention, fc.Dispatch.Retention)
		applyDuration(&cfg.Dispatch.AckTimeout, fc.Dispatch.AckTimeout)
		if fc.Dispatch.MaxRetries != nil {
			cfg.Dispatch.MaxRetries = *fc.Dispatch.MaxRetries
		}
		if fc.Dispatch.BatchSize != 0 {
			cfg.Dispatch.BatchSize = fc.Dispatch.BatchSize
		}
		if fc.Dispatch.PublishRate != 0 {
			cfg.Dispatch.PublishRate = fc.Dispatch.PublishRate
		}
	}
	if fc.Batch != nil {
		if fc.Batch.MaxBatchSize != 0 {
			cfg.Batch.MaxBatchSize = fc.Batch.MaxBatchSize
		}
		applyDuration(&cfg.Batch.FlushInterval, fc.Batch.FlushInterval)
	}
	if fc.Leader != nil {
		if fc.Leader.Enabled != nil {
			cfg.Leader.Enabled = *fc.Leader.Enabled
		}
		if fc.Leader.RedisURL != "" {
			cfg.Leader.RedisURL = fc.Leader.RedisURL
		}
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.DevMode != nil {
		cfg.DevMode = *fc.DevMode
	}

	return nil
}

func applyDuration(dst *time.Duration, value string) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}
