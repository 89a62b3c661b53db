// Package kafka implements the broker interfaces on Apache Kafka using
// franz-go.
//
// Unlike NATS, Kafka topics are not partitioned per consumer group: every
// group subscribed to a topic sees every record on it. Envelopes therefore
// carry their target consumerGroup, and the processor skips (and commits)
// records addressed to other groups.
package kafka

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"go.relaymesh.tech/internal/broker"
)

// Client wraps a franz-go producer client.
type Client struct {
	client *kgo.Client
	config broker.KafkaConfig
}

// NewClient creates a Kafka producer client against the seed brokers.
func NewClient(ctx context.Context, cfg broker.KafkaConfig) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach kafka brokers: %w", err)
	}

	slog.Info("Connected to Kafka", "brokers", cfg.Brokers)
	return &Client{client: client, config: cfg}, nil
}

// Publisher returns a publisher backed by this client.
func (c *Client) Publisher() broker.Publisher {
	return &Publisher{client: c.client}
}

// NewGroupConsumer creates a consumer joined to the given Kafka group.
func (c *Client) NewGroupConsumer(ctx context.Context, group string, topics []string) (broker.Consumer, error) {
	return newGroupConsumer(c.config, group, topics)
}

// Ping verifies broker connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka unreachable: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	c.client.Close()
	return nil
}

// Publisher publishes envelopes to Kafka topics.
type Publisher struct {
	client *kgo.Client
}

// Publish produces the envelope to the Kafka topic named after the logical
// topic. The idempotency key becomes the record key, so retries of the same
// record land on the same partition and preserve relative order.
func (p *Publisher) Publish(ctx context.Context, env *broker.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	record := &kgo.Record{
		Topic: env.Topic,
		Key:   []byte(env.IdempotencyKey),
		Value: data,
	}

	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", env.Topic, err)
	}
	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	return nil
}

// newGroupConsumer creates a consumer joined to the given Kafka consumer
// group, subscribed to the assigned topics. Offsets are committed manually
// after the handler returns.
func newGroupConsumer(cfg broker.KafkaConfig, group string, topics []string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{client: client, group: group}, nil
}

// Consumer delivers envelopes from Kafka for one consumer group.
type Consumer struct {
	client *kgo.Client
	group  string
}

// Consume polls fetches until ctx is cancelled. Offsets commit on Ack; a
// Nak leaves the offset uncommitted so the record redelivers after rebalance
// or restart.
func (c *Consumer) Consume(ctx context.Context, handler func(broker.Message) error) error {
	slog.Info("Starting Kafka consumer", "group", c.group)

	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			slog.Info("Consumer stopped", "group", c.group)
			return err
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("Kafka fetch error", "topic", topic, "partition", partition, "error", err)
		})

		fetches.EachRecord(func(record *kgo.Record) {
			msg := &kafkaMessage{
				client: c.client,
				record: record,
			}
			if err := handler(msg); err != nil {
				slog.Error("Message handler error", "error", err, "group", c.group, "topic", record.Topic)
			}
		})
	}
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() error {
	c.client.Close()
	return nil
}

type kafkaMessage struct {
	client *kgo.Client
	record *kgo.Record
}

func (m *kafkaMessage) ID() string {
	return fmt.Sprintf("%s:%d:%d", m.record.Topic, m.record.Partition, m.record.Offset)
}

func (m *kafkaMessage) Data() []byte {
	return m.record.Value
}

func (m *kafkaMessage) Topic() string {
	return m.record.Topic
}

// Ack commits the record's offset.
func (m *kafkaMessage) Ack() error {
	if err := m.client.CommitRecords(context.Background(), m.record); err != nil {
		return fmt.Errorf("failed to commit offset: %w", err)
	}
	return nil
}

// Nak is a no-op for Kafka; leaving the offset uncommitted causes
// redelivery on the next rebalance or restart.
func (m *kafkaMessage) Nak() error {
	return nil
}
