package outbox

import (
	"context"
	"time"

	"log/slog"

	"golang.org/x/time/rate"

	"go.relaymesh.tech/internal/broker"
	"go.relaymesh.tech/internal/common/metrics"
)

// DispatcherConfig holds dispatch job settings
type DispatcherConfig struct {
	// BatchSize is the maximum records fetched per cycle (default 100)
	BatchSize int

	// PublishRate caps broker publishes per second; 0 means unlimited
	PublishRate float64
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		BatchSize: 100,
	}
}

// Dispatcher publishes PENDING outbox records to the broker. It runs as a
// scheduler job; each cycle fetches this producer's oldest pending records
// and publishes them in creation order.
type Dispatcher struct {
	repo      Repository
	publisher broker.Publisher
	config    *DispatcherConfig
	serviceID string
	limiter   *rate.Limiter
}

// NewDispatcher creates a dispatcher for the given producer service
func NewDispatcher(repo Repository, publisher broker.Publisher, serviceID string, config *DispatcherConfig) *Dispatcher {
	if config == nil {
		config = DefaultDispatcherConfig()
	}

	var limiter *rate.Limiter
	if config.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.PublishRate), 1)
	}

	return &Dispatcher{
		repo:      repo,
		publisher: publisher,
		config:    config,
		serviceID: serviceID,
		limiter:   limiter,
	}
}

// DispatchPending runs one dispatch cycle. Each record is published and
// marked SENT individually, so a failure on one record does not block the
// rest of the batch. Publish failures mark the record FAILED; the retry
// scan will create a successor.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	records, err := d.repo.FetchPending(ctx, d.serviceID, d.config.BatchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	var sent, failed int
	for _, record := range records {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if err := d.publishOne(ctx, record); err != nil {
			failed++
		} else {
			sent++
		}

		if ctx.Err() != nil {
			break
		}
	}

	if count, err := d.repo.CountPending(ctx, d.serviceID); err == nil {
		metrics.OutboxPending.Set(float64(count))
	}

	slog.Info("Dispatch cycle complete", "sent", sent, "failed", failed)
	return nil
}

func (d *Dispatcher) publishOne(ctx context.Context, record *Record) error {
	env := &broker.Envelope{
		MessageID:               record.ID,
		Topic:                   record.Topic,
		Payload:                 record.Payload,
		ConsumerGroup:           record.ConsumerGroup,
		ProducerServiceID:       record.ProducerServiceID,
		ProducerInstanceID:      record.ProducerInstanceID,
		IsRetry:                 record.IsRetry,
		OriginalMessageID:       record.OriginalMessageID,
		TargetConsumerServiceID: record.TargetConsumerServiceID,
		IdempotencyKey:          record.IdempotencyKey,
		RetryCount:              record.RetryCount,
	}

	if err := d.publisher.Publish(ctx, env); err != nil {
		slog.Error("Failed to publish outbox record",
			"error", err,
			"recordId", record.ID,
			"topic", record.Topic,
			"group", record.ConsumerGroup)
		metrics.OutboxDispatched.WithLabelValues(record.Topic, "error").Inc()

		if markErr := d.repo.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			slog.Error("Failed to mark record failed", "error", markErr, "recordId", record.ID)
		}
		return err
	}

	if err := d.repo.MarkSent(ctx, record.ID); err != nil {
		// Published but not marked: the record will be re-published next
		// cycle and deduplicated on the consumer by idempotency key
		slog.Error("Failed to mark record sent", "error", err, "recordId", record.ID)
		return err
	}

	metrics.OutboxDispatched.WithLabelValues(record.Topic, "success").Inc()
	return nil
}
