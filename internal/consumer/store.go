// Package consumer implements the idempotent consumer side: envelope
// processing with dedup, processed/failed bookkeeping, and acknowledgment
// delivery back to the producer.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ProcessedMessage is one successfully processed delivery. The unique
// (idempotency_key, consumer_group) index is what makes processing
// idempotent under at-least-once delivery.
type ProcessedMessage struct {
	ID                 int64           `db:"id" json:"id"`
	IdempotencyKey     string          `db:"idempotency_key" json:"idempotencyKey"`
	MessageID          string          `db:"message_id" json:"messageId"`
	Topic              string          `db:"topic" json:"topic"`
	ConsumerGroup      string          `db:"consumer_group" json:"consumerGroup"`
	ConsumerInstanceID string          `db:"consumer_instance_id" json:"consumerInstanceId"`
	Payload            json.RawMessage `db:"payload" json:"payload"`
	IsRetry            bool            `db:"is_retry" json:"isRetry"`
	ProcessedAt        time.Time       `db:"processed_at" json:"processedAt"`
}

// FailedMessage is one failed processing attempt
type FailedMessage struct {
	ID                 int64           `db:"id" json:"id"`
	IdempotencyKey     string          `db:"idempotency_key" json:"idempotencyKey"`
	MessageID          string          `db:"message_id" json:"messageId"`
	Topic              string          `db:"topic" json:"topic"`
	ConsumerGroup      string          `db:"consumer_group" json:"consumerGroup"`
	ConsumerInstanceID string          `db:"consumer_instance_id" json:"consumerInstanceId"`
	ErrorMessage       string          `db:"error_message" json:"errorMessage"`
	Payload            json.RawMessage `db:"payload" json:"payload"`
	FailedAt           time.Time       `db:"failed_at" json:"failedAt"`
}

// Store persists processed and failed message bookkeeping
type Store interface {
	// MarkProcessed records a successful processing. Returns false if
	// the idempotency key was already recorded for the group, which
	// means a concurrent or earlier delivery won.
	MarkProcessed(ctx context.Context, msg *ProcessedMessage) (bool, error)

	// IsProcessed reports whether the idempotency key was already
	// processed for the group
	IsProcessed(ctx context.Context, idempotencyKey, group string) (bool, error)

	// RecordFailure appends one failed attempt
	RecordFailure(ctx context.Context, msg *FailedMessage) error

	// ListProcessed returns recent processed messages for a group
	ListProcessed(ctx context.Context, group string, limit int) ([]*ProcessedMessage, error)

	// ListFailed returns recent failures for a group
	ListFailed(ctx context.Context, group string, limit int) ([]*FailedMessage, error)

	// CountFailed returns the total failures recorded for a group
	CountFailed(ctx context.Context, group string) (int64, error)
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a consumer store
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateSchema creates the consumer tables if they do not exist
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_messages (
		id                   BIGSERIAL PRIMARY KEY,
		idempotency_key      TEXT NOT NULL,
		message_id           TEXT NOT NULL,
		topic                TEXT NOT NULL,
		consumer_group       TEXT NOT NULL,
		consumer_instance_id TEXT NOT NULL,
		payload              JSONB NOT NULL DEFAULT 'null',
		is_retry             BOOLEAN NOT NULL DEFAULT FALSE,
		processed_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_processed_dedup
		ON processed_messages(idempotency_key, consumer_group);

	CREATE INDEX IF NOT EXISTS idx_processed_group
		ON processed_messages(consumer_group, processed_at DESC);

	CREATE TABLE IF NOT EXISTS failed_messages (
		id                   BIGSERIAL PRIMARY KEY,
		idempotency_key      TEXT NOT NULL,
		message_id           TEXT NOT NULL,
		topic                TEXT NOT NULL,
		consumer_group       TEXT NOT NULL,
		consumer_instance_id TEXT NOT NULL,
		error_message        TEXT NOT NULL DEFAULT '',
		payload              JSONB NOT NULL DEFAULT 'null',
		failed_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_failed_group
		ON failed_messages(consumer_group, failed_at DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create consumer schema: %w", err)
	}
	return nil
}

// MarkProcessed records a successful processing. A unique violation on
// the dedup index is not an error: it means this delivery already
// succeeded, so the caller should treat it as processed.
func (s *PostgresStore) MarkProcessed(ctx context.Context, msg *ProcessedMessage) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_messages (
			idempotency_key, message_id, topic, consumer_group,
			consumer_instance_id, payload, is_retry
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.IdempotencyKey, msg.MessageID, msg.Topic, msg.ConsumerGroup,
		msg.ConsumerInstanceID, msg.Payload, msg.IsRetry)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark message processed: %w", err)
	}
	return true, nil
}

// IsProcessed reports whether the idempotency key was already processed
func (s *PostgresStore) IsProcessed(ctx context.Context, idempotencyKey, group string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM processed_messages
			WHERE idempotency_key = $1 AND consumer_group = $2
		)`, idempotencyKey, group)
	if err != nil {
		return false, fmt.Errorf("failed to check processed state: %w", err)
	}
	return exists, nil
}

// RecordFailure appends one failed attempt
func (s *PostgresStore) RecordFailure(ctx context.Context, msg *FailedMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_messages (
			idempotency_key, message_id, topic, consumer_group,
			consumer_instance_id, error_message, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.IdempotencyKey, msg.MessageID, msg.Topic, msg.ConsumerGroup,
		msg.ConsumerInstanceID, msg.ErrorMessage, msg.Payload)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// ListProcessed returns recent processed messages for a group
func (s *PostgresStore) ListProcessed(ctx context.Context, group string, limit int) ([]*ProcessedMessage, error) {
	var out []*ProcessedMessage
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, idempotency_key, message_id, topic, consumer_group,
		       consumer_instance_id, payload, is_retry, processed_at
		FROM processed_messages
		WHERE consumer_group = $1
		ORDER BY processed_at DESC
		LIMIT $2`, group, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list processed messages: %w", err)
	}
	return out, nil
}

// ListFailed returns recent failures for a group
func (s *PostgresStore) ListFailed(ctx context.Context, group string, limit int) ([]*FailedMessage, error) {
	var out []*FailedMessage
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, idempotency_key, message_id, topic, consumer_group,
		       consumer_instance_id, error_message, payload, failed_at
		FROM failed_messages
		WHERE consumer_group = $1
		ORDER BY failed_at DESC
		LIMIT $2`, group, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed messages: %w", err)
	}
	return out, nil
}

// CountFailed returns the total failures recorded for a group
func (s *PostgresStore) CountFailed(ctx context.Context, group string) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		`SELECT count(*) FROM failed_messages WHERE consumer_group = $1`, group)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
