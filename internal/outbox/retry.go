package outbox

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"go.relaymesh.tech/internal/common/metrics"
	"go.relaymesh.tech/internal/common/tsid"
	"go.relaymesh.tech/internal/topic"
)

// RetrierConfig holds retry scan fallbacks. Each consumer group
// registration carries its own ack timeout and retry budget; these values
// apply when a registration leaves them unset.
type RetrierConfig struct {
	// AckTimeout is how long a SENT record may wait for an
	// acknowledgment before it is considered lost (default 5m)
	AckTimeout time.Duration

	// MaxRetries caps the retry chain length; -1 means unbounded
	MaxRetries int

	// BatchSize is the maximum candidates processed per group per scan
	// (default 100)
	BatchSize int
}

// DefaultRetrierConfig returns sensible defaults
func DefaultRetrierConfig() *RetrierConfig {
	return &RetrierConfig{
		AckTimeout: 5 * time.Minute,
		MaxRetries: -1,
		BatchSize:  100,
	}
}

// ConsumerSelector picks the consumer service a retry should be routed
// to. Implemented by the agent registry.
type ConsumerSelector interface {
	BestConsumerForGroup(ctx context.Context, group string) (string, error)
}

// Retrier turns failed and timed-out deliveries into fresh retry records.
// It runs as a scheduler job on the producer that owns the records,
// scanning each active consumer group registration with that group's
// delivery policy.
type Retrier struct {
	repo      Repository
	topics    *topic.Registry
	consumers ConsumerSelector
	config    *RetrierConfig
	serviceID string
}

// NewRetrier creates a retrier for the given producer service. consumers
// may be nil, in which case retries keep their predecessor's target.
func NewRetrier(repo Repository, topics *topic.Registry, consumers ConsumerSelector, serviceID string, config *RetrierConfig) *Retrier {
	if config == nil {
		config = DefaultRetrierConfig()
	}
	return &Retrier{
		repo:      repo,
		topics:    topics,
		consumers: consumers,
		config:    config,
		serviceID: serviceID,
	}
}

// Scan runs one retry scan cycle across all active group registrations.
func (r *Retrier) Scan(ctx context.Context) error {
	registrations, err := r.topics.ActiveGroups(ctx)
	if err != nil {
		return err
	}

	for _, reg := range registrations {
		if !reg.RequiresAck {
			// The group never acknowledges, so there is no timeout or
			// failure to react to
			continue
		}
		if err := r.scanGroup(ctx, reg); err != nil {
			slog.Error("Retry scan failed for group",
				"error", err,
				"topic", reg.TopicName,
				"group", reg.Name)
		}
	}
	return nil
}

// scanGroup processes one (topic, group) pairing under its registered
// policy. Candidates are open FAILED records plus SENT records past the
// group's ack timeout. Each candidate is closed exactly once: either the
// retry budget is exhausted or a successor record supersedes it.
func (r *Retrier) scanGroup(ctx context.Context, reg *topic.GroupRegistration) error {
	ackTimeout := reg.AckTimeout()
	if ackTimeout <= 0 {
		ackTimeout = r.config.AckTimeout
	}
	maxRetries := reg.MaxRetries

	candidates, err := r.repo.FetchRetryCandidates(ctx, r.serviceID, reg.TopicName, reg.Name, ackTimeout, r.config.BatchSize)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	var retried, exhausted int
	for _, record := range candidates {
		if maxRetries >= 0 && record.RetryCount >= maxRetries {
			if err := r.repo.MarkRetryClosed(ctx, record.ID, RetriesExhaustedMessage); err != nil {
				slog.Error("Failed to close exhausted record", "error", err, "recordId", record.ID)
				continue
			}
			exhausted++
			metrics.OutboxRetriesExhausted.Inc()
			slog.Warn("Retry budget exhausted",
				"recordId", record.ID,
				"originalId", record.ChainOrigin(),
				"retryCount", record.RetryCount,
				"group", reg.Name)
			continue
		}

		retry := NewRetryRecord(tsid.Generate(), record, r.target(ctx, reg.Name))

		err := r.repo.Insert(ctx, retry)
		if errors.Is(err, ErrDuplicate) {
			// A successor already exists: an earlier scan crashed between
			// creating it and closing the predecessor. Recover its id and
			// finish the close.
			existing, gerr := r.repo.GetByIdempotencyKey(ctx, retry.IdempotencyKey, retry.ConsumerGroup)
			if gerr != nil {
				slog.Error("Failed to resolve existing retry record",
					"error", gerr, "key", retry.IdempotencyKey)
				continue
			}
			retry = existing
		} else if err != nil {
			slog.Error("Failed to create retry record",
				"error", err,
				"originalId", record.ID)
			continue
		}

		// Close the predecessor only after the successor exists, so a
		// crash between the two writes re-creates rather than loses it.
		if err := r.repo.MarkRetryClosed(ctx, record.ID, SupersededMessage(retry.ID)); err != nil {
			slog.Error("Failed to close superseded record",
				"error", err,
				"recordId", record.ID)
			continue
		}

		retried++
		metrics.OutboxRetries.Inc()
		slog.Info("Retry record created",
			"originalId", record.ChainOrigin(),
			"retryId", retry.ID,
			"retryCount", retry.RetryCount,
			"group", reg.Name,
			"target", retry.TargetConsumerServiceID)
	}

	if retried > 0 || exhausted > 0 {
		slog.Info("Retry scan complete",
			"topic", reg.TopicName,
			"group", reg.Name,
			"retried", retried,
			"exhausted", exhausted)
	}
	return nil
}

// target asks the registry for the best healthy consumer of the group.
// Empty when no selector is wired or no healthy consumer exists, leaving
// the retry routable to any instance of the group.
func (r *Retrier) target(ctx context.Context, group string) string {
	if r.consumers == nil {
		return ""
	}
	serviceID, err := r.consumers.BestConsumerForGroup(ctx, group)
	if err != nil {
		slog.Debug("No healthy consumer to target for retry", "group", group, "error", err)
		return ""
	}
	return serviceID
}
