package broker

import (
	"context"
)

// Type defines the broker implementation type
type Type string

const (
	TypeEmbedded Type = "embedded" // Embedded NATS for dev
	TypeNATS     Type = "nats"     // External NATS
	TypeKafka    Type = "kafka"    // Apache Kafka
)

// Connection is a handle on a broker backend. It creates publishers for
// the dispatch side and group consumers for the processing side, and owns
// the underlying connections. The backend packages implement it; selection
// happens in main based on Config.Type.
type Connection interface {
	// Publisher returns a publisher for outbox dispatch
	Publisher() Publisher

	// NewGroupConsumer creates a consumer for one consumer group across
	// its assigned topics
	NewGroupConsumer(ctx context.Context, group string, topics []string) (Consumer, error)

	// Ping verifies broker connectivity for health checks
	Ping(ctx context.Context) error

	// Close releases all broker resources
	Close() error
}

// Factory inspects broker configuration
type Factory struct {
	config *Config
}

// NewFactory creates a new broker factory
func NewFactory(cfg *Config) *Factory {
	return &Factory{config: cfg}
}

// Type returns the configured broker type
func (f *Factory) Type() Type {
	if f.config.Type == "" {
		return TypeEmbedded
	}
	return Type(f.config.Type)
}

// IsEmbedded returns true if using embedded NATS
func (f *Factory) IsEmbedded() bool {
	return f.config.Type == "embedded" || f.config.Type == ""
}

// IsNATS returns true if using external NATS
func (f *Factory) IsNATS() bool {
	return f.config.Type == "nats"
}

// IsKafka returns true if using Kafka
func (f *Factory) IsKafka() bool {
	return f.config.Type == "kafka"
}

// Config returns the broker configuration
func (f *Factory) Config() *Config {
	return f.config
}

// DefaultConfig returns default broker configuration
func DefaultConfig() *Config {
	return &Config{
		Type:    "embedded",
		DataDir: "./data/nats",
		NATS: NATSConfig{
			StreamName: "RELAY",
		},
	}
}
