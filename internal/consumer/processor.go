package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"go.relaymesh.tech/internal/broker"
	"go.relaymesh.tech/internal/common/metrics"
	"go.relaymesh.tech/internal/outbox"
)

// Handler processes one envelope. Returning an error records the failure
// and reports it to the producer; the producer's retry scan decides
// whether a new delivery happens.
type Handler func(ctx context.Context, env *broker.Envelope) error

// Acknowledger delivers processing outcomes back to the producer
type Acknowledger interface {
	Acknowledge(ctx context.Context, ack *outbox.Acknowledgment) error
}

// ProcessorConfig holds the consumer poll loop settings
type ProcessorConfig struct {
	// Group is the consumer group this processor belongs to
	Group string

	// Topics are the topics to consume
	Topics []string

	// ServiceID and InstanceID identify this consumer
	ServiceID  string
	InstanceID string

	// RestartDelay is how long to wait before rebuilding the broker
	// consumer after a fatal poll loop error (default 30s)
	RestartDelay time.Duration

	// AckTimeout bounds producer acknowledgment delivery per message
	AckTimeout time.Duration
}

// DefaultProcessorConfig returns sensible defaults
func DefaultProcessorConfig(group string, topics []string) *ProcessorConfig {
	return &ProcessorConfig{
		Group:        group,
		Topics:       topics,
		RestartDelay: 30 * time.Second,
		AckTimeout:   15 * time.Second,
	}
}

// Processor is the consumer-side poll loop. It consumes envelopes for one
// group, deduplicates by idempotency key, runs the handler, records the
// outcome, and acknowledges back to the producer.
//
// Broker-level acks and producer-level acks are independent: a message that
// fails processing is still broker-acked after its failure is recorded,
// because redelivery is driven by the producer's retry scan, not the broker.
type Processor struct {
	conn    broker.Connection
	store   Store
	acks    Acknowledger
	handler Handler
	config  *ProcessorConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	runningMu sync.Mutex
	running   bool
}

// NewProcessor creates a consumer processor
func NewProcessor(conn broker.Connection, store Store, acks Acknowledger, handler Handler, config *ProcessorConfig) *Processor {
	if config == nil {
		config = DefaultProcessorConfig("", nil)
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = 30 * time.Second
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = 15 * time.Second
	}
	if handler == nil {
		handler = LogHandler
	}
	return &Processor{
		conn:    conn,
		store:   store,
		acks:    acks,
		handler: handler,
		config:  config,
		ctx:     context.Background(),
	}
}

// Name implements lifecycle.Service
func (p *Processor) Name() string { return "consumer-processor" }

// Start runs the poll loop until ctx is cancelled. Fatal consume errors
// rebuild the broker consumer after the restart delay.
func (p *Processor) Start(ctx context.Context) error {
	p.runningMu.Lock()
	if p.running {
		p.runningMu.Unlock()
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.runningMu.Unlock()

	slog.Info("Consumer processor starting",
		"group", p.config.Group,
		"topics", p.config.Topics,
		"instanceId", p.config.InstanceID)

	p.wg.Add(1)
	go p.runLoop()

	<-p.ctx.Done()
	return nil
}

// Stop shuts the poll loop down
func (p *Processor) Stop(ctx context.Context) error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if !p.running {
		return nil
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for processor to stop")
	}

	p.running = false
	slog.Info("Consumer processor stopped", "group", p.config.Group)
	return nil
}

// Health implements lifecycle.Service
func (p *Processor) Health() error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if !p.running {
		return fmt.Errorf("processor not running")
	}
	return nil
}

func (p *Processor) runLoop() {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}

		consumer, err := p.conn.NewGroupConsumer(p.ctx, p.config.Group, p.config.Topics)
		if err != nil {
			slog.Error("Failed to create group consumer, will retry",
				"group", p.config.Group,
				"error", err,
				"retryIn", p.config.RestartDelay)
			if !p.sleep(p.config.RestartDelay) {
				return
			}
			continue
		}

		err = consumer.Consume(p.ctx, p.handleMessage)
		consumer.Close()

		if p.ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("Consume loop exited, restarting",
				"group", p.config.Group,
				"error", err,
				"retryIn", p.config.RestartDelay)
		}
		if !p.sleep(p.config.RestartDelay) {
			return
		}
	}
}

func (p *Processor) sleep(d time.Duration) bool {
	select {
	case <-p.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// handleMessage processes one delivered broker message
func (p *Processor) handleMessage(msg broker.Message) error {
	env, err := broker.DecodeEnvelope(msg.Data())
	if err != nil {
		// A malformed envelope will never decode on redelivery either
		slog.Error("Dropping undecodable message", "brokerMessageId", msg.ID(), "error", err)
		return msg.Ack()
	}

	// On shared-topic brokers every group sees every record; skip
	// envelopes addressed elsewhere
	if env.ConsumerGroup != "" && env.ConsumerGroup != p.config.Group {
		metrics.ConsumerSkipped.Inc()
		return msg.Ack()
	}

	// Targeted retries are pinned to one consumer service
	if env.TargetConsumerServiceID != "" && env.TargetConsumerServiceID != p.config.ServiceID {
		slog.Debug("Skipping message targeted at another consumer service",
			"messageId", env.MessageID,
			"target", env.TargetConsumerServiceID)
		metrics.ConsumerSkipped.Inc()
		return msg.Ack()
	}

	processed, err := p.store.IsProcessed(p.ctx, env.IdempotencyKey, p.config.Group)
	if err != nil {
		slog.Error("Failed to check dedup store", "messageId", env.MessageID, "error", err)
		return msg.Nak()
	}
	if processed {
		metrics.ConsumerDuplicates.Inc()
		slog.Debug("Duplicate delivery, re-acknowledging",
			"messageId", env.MessageID,
			"idempotencyKey", env.IdempotencyKey)
		// Re-ack so a producer that missed the first ack can settle the record
		p.sendAck(env, outbox.AckSuccess, "")
		return msg.Ack()
	}

	if err := p.handler(p.ctx, env); err != nil {
		return p.completeFailure(msg, env, err)
	}
	return p.completeSuccess(msg, env)
}

func (p *Processor) completeSuccess(msg broker.Message, env *broker.Envelope) error {
	inserted, err := p.store.MarkProcessed(p.ctx, &ProcessedMessage{
		IdempotencyKey:     env.IdempotencyKey,
		MessageID:          env.MessageID,
		Topic:              env.Topic,
		ConsumerGroup:      p.config.Group,
		ConsumerInstanceID: p.config.InstanceID,
		Payload:            env.Payload,
		IsRetry:            env.IsRetry,
	})
	if err != nil {
		slog.Error("Failed to record processed message", "messageId", env.MessageID, "error", err)
		return msg.Nak()
	}
	if !inserted {
		// A concurrent delivery won the dedup race; its ack covers us
		metrics.ConsumerDuplicates.Inc()
		return msg.Ack()
	}

	metrics.ConsumerProcessed.WithLabelValues(env.Topic).Inc()
	p.sendAck(env, outbox.AckSuccess, "")
	return msg.Ack()
}

func (p *Processor) completeFailure(msg broker.Message, env *broker.Envelope, procErr error) error {
	slog.Warn("Message processing failed",
		"messageId", env.MessageID,
		"topic", env.Topic,
		"retryCount", env.RetryCount,
		"error", procErr)

	if err := p.store.RecordFailure(p.ctx, &FailedMessage{
		IdempotencyKey:     env.IdempotencyKey,
		MessageID:          env.MessageID,
		Topic:              env.Topic,
		ConsumerGroup:      p.config.Group,
		ConsumerInstanceID: p.config.InstanceID,
		ErrorMessage:       procErr.Error(),
		Payload:            env.Payload,
	}); err != nil {
		slog.Error("Failed to record failure", "messageId", env.MessageID, "error", err)
	}

	metrics.ConsumerFailed.WithLabelValues(env.Topic).Inc()
	p.sendAck(env, outbox.AckFailure, procErr.Error())

	// Broker-ack regardless: redelivery is the producer retry scan's job
	return msg.Ack()
}

// sendAck delivers a producer-level acknowledgment, best effort. A missed
// ack leaves the record SENT until the retry scan resends it, and the
// dedup store absorbs the duplicate.
func (p *Processor) sendAck(env *broker.Envelope, status outbox.AckStatus, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.AckTimeout)
	defer cancel()

	err := p.acks.Acknowledge(ctx, &outbox.Acknowledgment{
		MessageID:          env.MessageID,
		ConsumerGroup:      p.config.Group,
		ConsumerServiceID:  p.config.ServiceID,
		ConsumerInstanceID: p.config.InstanceID,
		Status:             status,
		ErrorMessage:       errMsg,
	})
	if err != nil && !errors.Is(err, ErrAckRejected) {
		slog.Warn("Failed to deliver acknowledgment",
			"messageId", env.MessageID,
			"status", status,
			"error", err)
	}
}

// LogHandler is the default handler: it logs the envelope and succeeds.
// Real deployments plug in their own Handler.
func LogHandler(ctx context.Context, env *broker.Envelope) error {
	slog.Info("Processing message",
		"messageId", env.MessageID,
		"topic", env.Topic,
		"isRetry", env.IsRetry,
		"payloadBytes", len(env.Payload))
	return nil
}
