// Package broker provides abstractions for publishing and consuming relay
// envelopes over a message broker. Implementations exist for NATS JetStream
// (external or embedded) and Kafka.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire format for a dispatched outbox record. One envelope
// is published per (record, consumer group) pair.
type Envelope struct {
	MessageID               string          `json:"messageId"`
	Topic                   string          `json:"topic"`
	Payload                 json.RawMessage `json:"payload"`
	ConsumerGroup           string          `json:"consumerGroup"`
	ProducerServiceID       string          `json:"producerServiceId"`
	ProducerInstanceID      string          `json:"producerInstanceId"`
	IsRetry                 bool            `json:"isRetry"`
	OriginalMessageID       string          `json:"originalMessageId,omitempty"`
	TargetConsumerServiceID string          `json:"targetConsumerServiceId,omitempty"`
	IdempotencyKey          string          `json:"idempotencyKey"`
	RetryCount              int             `json:"retryCount"`
}

// Encode serializes the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope deserializes an envelope from JSON.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.MessageID == "" {
		return nil, fmt.Errorf("envelope missing messageId")
	}
	return &env, nil
}

// Message represents a delivered envelope with broker-level ack control.
type Message interface {
	// ID returns the broker-level message identifier
	ID() string

	// Data returns the raw envelope bytes
	Data() []byte

	// Topic returns the logical topic the message was published on
	Topic() string

	// Ack acknowledges successful processing at the broker level
	Ack() error

	// Nak signals processing failure (the broker will redeliver)
	Nak() error
}

// Publisher publishes envelopes for a (topic, consumerGroup) pair.
type Publisher interface {
	// Publish sends an envelope addressed to one consumer group.
	// The idempotency key is used for broker-level deduplication where
	// the implementation supports it.
	Publish(ctx context.Context, env *Envelope) error

	// Close releases publisher resources
	Close() error
}

// Consumer delivers envelopes for one consumer group across its topics.
type Consumer interface {
	// Consume blocks, invoking handler for each delivered message, until
	// ctx is cancelled or a fatal error occurs.
	Consume(ctx context.Context, handler func(Message) error) error

	// Close releases consumer resources
	Close() error
}

// Config holds broker configuration
type Config struct {
	// Type selects the implementation: "embedded", "nats", "kafka"
	Type string

	// DataDir is the storage directory for embedded NATS
	DataDir string

	// NATS specific configuration
	NATS NATSConfig

	// Kafka specific configuration
	Kafka KafkaConfig
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	// URL is the NATS server URL (ignored for embedded)
	URL string

	// StreamName is the JetStream stream name (default "RELAY")
	StreamName string

	// AckWait is how long JetStream waits for an ack before redelivery
	AckWait time.Duration

	// MaxDeliver caps broker-level delivery attempts
	MaxDeliver int

	// MaxAge bounds how long undelivered envelopes stay in the stream
	MaxAge time.Duration
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	// Brokers is the list of seed broker addresses
	Brokers []string

	// ConsumerGroup is the Kafka consumer group id (consumer side)
	ConsumerGroup string

	// Topics is the list of topics to consume (consumer side)
	Topics []string
}
