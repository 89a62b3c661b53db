// Package nats implements the broker interfaces on NATS JetStream.
//
// Envelopes are published to subjects of the form
//
//	relay.{topic}.{group}
//
// on a single stream. Each consumer group gets a durable consumer filtered
// to its assigned topics, so every group receives its own copy of a record
// while instances within a group share the work queue.
package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.relaymesh.tech/internal/broker"
)

const defaultStream = "RELAY"

// Subject builds the JetStream subject for a (topic, group) pair.
// Dots in topic or group names would split the subject token, so they are
// replaced with underscores.
func Subject(topic, group string) string {
	clean := func(s string) string {
		return strings.ReplaceAll(s, ".", "_")
	}
	return fmt.Sprintf("relay.%s.%s", clean(topic), clean(group))
}

// Client wraps a NATS connection with JetStream enabled.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config broker.NATSConfig
}

// NewClient connects to NATS and ensures the relay stream exists.
func NewClient(ctx context.Context, cfg broker.NATSConfig) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = defaultStream
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &Client{conn: conn, js: js, config: cfg}
	if err := client.ensureStream(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return client, nil
}

func (c *Client) ensureStream(ctx context.Context) error {
	maxAge := c.config.MaxAge
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      c.config.StreamName,
		Subjects:  []string{"relay.>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.config.StreamName, err)
	}
	return nil
}

// Publisher returns a publisher bound to the relay stream.
func (c *Client) Publisher() broker.Publisher {
	return &Publisher{js: c.js}
}

// Ping verifies the connection and JetStream availability.
func (c *Client) Ping(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats connection lost")
	}
	if _, err := c.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("jetstream unavailable: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

// Publisher publishes envelopes to JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// Publish sends the envelope to relay.{topic}.{group} with the idempotency
// key as the JetStream dedup id.
func (p *Publisher) Publish(ctx context.Context, env *broker.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	msg := &nats.Msg{
		Subject: Subject(env.Topic, env.ConsumerGroup),
		Data:    data,
		Header:  make(nats.Header),
	}
	if env.IdempotencyKey != "" {
		msg.Header.Set("Nats-Msg-Id", env.IdempotencyKey)
	}

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Close closes the publisher
func (p *Publisher) Close() error {
	return nil
}

// NewGroupConsumer creates a durable consumer for one consumer group,
// filtered to the subjects of its assigned topics. The durable name is the
// group name, so instances of the same group share deliveries.
func (c *Client) NewGroupConsumer(ctx context.Context, group string, topics []string) (broker.Consumer, error) {
	ackWait := c.config.AckWait
	if ackWait <= 0 {
		ackWait = 2 * time.Minute
	}
	maxDeliver := c.config.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = 5
	}

	filters := make([]string, 0, len(topics))
	for _, topic := range topics {
		filters = append(filters, Subject(topic, group))
	}

	durable := strings.ReplaceAll(group, ".", "_")

	stream, err := c.js.Stream(ctx, c.config.StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:           durable,
		Durable:        durable,
		FilterSubjects: filters,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        ackWait,
		MaxDeliver:     maxDeliver,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		ReplayPolicy:   jetstream.ReplayInstantPolicy,
		MaxAckPending:  1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for group %s: %w", group, err)
	}

	return &Consumer{consumer: consumer, group: group}, nil
}

// Consumer delivers envelopes for one consumer group.
type Consumer struct {
	consumer jetstream.Consumer
	group    string
}

// Consume blocks, delivering messages to the handler until ctx is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler func(broker.Message) error) error {
	slog.Info("Starting NATS consumer", "group", c.group)

	iter, err := c.consumer.Messages()
	if err != nil {
		return fmt.Errorf("failed to create message iterator: %w", err)
	}
	defer iter.Stop()

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Consumer stopped", "group", c.group)
				return ctx.Err()
			}
			if err == jetstream.ErrMsgIteratorClosed {
				return nil
			}
			slog.Error("Error getting next message", "error", err, "group", c.group)
			continue
		}

		wrapped := &natsMessage{msg: msg}
		if err := handler(wrapped); err != nil {
			slog.Error("Message handler error", "error", err, "group", c.group, "subject", msg.Subject())
		}
	}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return nil
}

type natsMessage struct {
	msg jetstream.Msg
}

func (m *natsMessage) ID() string {
	if id := m.msg.Headers().Get("Nats-Msg-Id"); id != "" {
		return id
	}
	meta, err := m.msg.Metadata()
	if err == nil {
		return fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

func (m *natsMessage) Data() []byte {
	return m.msg.Data()
}

// Topic recovers the logical topic from the relay.{topic}.{group} subject.
func (m *natsMessage) Topic() string {
	parts := strings.Split(m.msg.Subject(), ".")
	if len(parts) >= 2 {
		return parts[1]
	}
	return m.msg.Subject()
}

func (m *natsMessage) Ack() error {
	return m.msg.Ack()
}

func (m *natsMessage) Nak() error {
	return m.msg.Nak()
}
