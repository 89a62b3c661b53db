package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresRepository implements Repository on PostgreSQL
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates an outbox repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateSchema creates the outbox tables and indexes if they do not exist
func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox_records (
		id                         TEXT PRIMARY KEY,
		topic                      TEXT NOT NULL,
		payload                    JSONB NOT NULL,
		consumer_group             TEXT NOT NULL,
		producer_service_id        TEXT NOT NULL,
		producer_instance_id       TEXT NOT NULL,
		status                     TEXT NOT NULL DEFAULT 'PENDING',
		retry_count                INT NOT NULL DEFAULT 0,
		is_retry                   BOOLEAN NOT NULL DEFAULT FALSE,
		original_message_id        TEXT NOT NULL DEFAULT '',
		target_consumer_service_id TEXT NOT NULL DEFAULT '',
		idempotency_key            TEXT NOT NULL,
		error_message              TEXT NOT NULL DEFAULT '',
		created_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at                 TIMESTAMPTZ NOT NULL DEFAULT now(),
		sent_at                    TIMESTAMPTZ,
		acknowledged_at            TIMESTAMPTZ,
		last_retry_at              TIMESTAMPTZ,
		scheduled_retry_at         TIMESTAMPTZ
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_idempotency
		ON outbox_records(idempotency_key, consumer_group);

	CREATE INDEX IF NOT EXISTS idx_outbox_dispatch
		ON outbox_records(producer_service_id, status, created_at);

	CREATE INDEX IF NOT EXISTS idx_outbox_retry
		ON outbox_records(producer_service_id, topic, consumer_group, status, sent_at);

	CREATE INDEX IF NOT EXISTS idx_outbox_retry_schedule
		ON outbox_records(is_retry, scheduled_retry_at);

	CREATE INDEX IF NOT EXISTS idx_outbox_cleanup
		ON outbox_records(status, created_at);

	CREATE TABLE IF NOT EXISTS acknowledgments (
		id                   BIGSERIAL PRIMARY KEY,
		message_id           TEXT NOT NULL,
		consumer_group       TEXT NOT NULL DEFAULT '',
		consumer_service_id  TEXT NOT NULL,
		consumer_instance_id TEXT NOT NULL,
		status               TEXT NOT NULL,
		error_message        TEXT NOT NULL DEFAULT '',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_ack_message_group
		ON acknowledgments(message_id, consumer_group);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create outbox schema: %w", err)
	}
	return nil
}

const insertRecordSQL = `
	INSERT INTO outbox_records (
		id, topic, payload, consumer_group,
		producer_service_id, producer_instance_id,
		status, retry_count, is_retry, original_message_id,
		target_consumer_service_id, idempotency_key, scheduled_retry_at
	) VALUES (
		:id, :topic, :payload, :consumer_group,
		:producer_service_id, :producer_instance_id,
		:status, :retry_count, :is_retry, :original_message_id,
		:target_consumer_service_id, :idempotency_key, :scheduled_retry_at
	)`

// Insert writes one record
func (r *PostgresRepository) Insert(ctx context.Context, record *Record) error {
	if _, err := r.db.NamedExecContext(ctx, insertRecordSQL, record); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: key %s group %s", ErrDuplicate, record.IdempotencyKey, record.ConsumerGroup)
		}
		return fmt.Errorf("failed to insert outbox record %s: %w", record.ID, err)
	}
	return nil
}

// InsertBatch writes all records in a single transaction
func (r *PostgresRepository) InsertBatch(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	for _, record := range records {
		if _, err := tx.NamedExecContext(ctx, insertRecordSQL, record); err != nil {
			return fmt.Errorf("failed to insert outbox record %s in batch: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

const selectColumns = `
	id, topic, payload, consumer_group,
	producer_service_id, producer_instance_id,
	status, retry_count, is_retry, original_message_id,
	target_consumer_service_id, idempotency_key, error_message,
	created_at, updated_at, sent_at, acknowledged_at,
	last_retry_at, scheduled_retry_at`

// GetByID fetches one record
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	var record Record
	err := r.db.GetContext(ctx, &record,
		`SELECT `+selectColumns+` FROM outbox_records WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get outbox record %s: %w", id, err)
	}
	return &record, nil
}

// GetByIdempotencyKey fetches the record carrying a dedup key for a group
func (r *PostgresRepository) GetByIdempotencyKey(ctx context.Context, key, group string) (*Record, error) {
	var record Record
	err := r.db.GetContext(ctx, &record, `
		SELECT `+selectColumns+` FROM outbox_records
		WHERE idempotency_key = $1 AND consumer_group = $2`, key, group)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get outbox record by key %s: %w", key, err)
	}
	return &record, nil
}

// FetchPending returns PENDING records owned by the producer, oldest first
func (r *PostgresRepository) FetchPending(ctx context.Context, producerServiceID string, limit int) ([]*Record, error) {
	var records []*Record
	err := r.db.SelectContext(ctx, &records, `
		SELECT `+selectColumns+`
		FROM outbox_records
		WHERE producer_service_id = $1 AND status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $2`, producerServiceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending records: %w", err)
	}
	return records, nil
}

// MarkSent transitions a record to SENT and stamps sentAt
func (r *PostgresRepository) MarkSent(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_records
		SET status = 'SENT', sent_at = now(), updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark record %s sent: %w", id, err)
	}
	return requireRow(result, id)
}

// MarkFailed transitions a record to FAILED with the failure reason.
// Every FAILED transition counts one failure against the chain.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_records
		SET status = 'FAILED', error_message = $2,
		    retry_count = retry_count + 1,
		    last_retry_at = now(), updated_at = now()
		WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to mark record %s failed: %w", id, err)
	}
	return requireRow(result, id)
}

// MarkAcknowledged transitions a record to ACKNOWLEDGED from any status
func (r *PostgresRepository) MarkAcknowledged(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_records
		SET status = 'ACKNOWLEDGED', acknowledged_at = now(), updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark record %s acknowledged: %w", id, err)
	}
	return requireRow(result, id)
}

// MarkRetryClosed transitions a record to FAILED with the retry scan's
// closing message, without counting a new failure
func (r *PostgresRepository) MarkRetryClosed(ctx context.Context, id, errorMessage string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE outbox_records
		SET status = 'FAILED', error_message = $2, updated_at = now()
		WHERE id = $1`, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to close record %s: %w", id, err)
	}
	return requireRow(result, id)
}

// FetchRetryCandidates returns open FAILED records plus timed-out SENT
// records for one (topic, group) pairing. Records already closed by the
// scan are excluded by their closing message.
func (r *PostgresRepository) FetchRetryCandidates(ctx context.Context, producerServiceID, topicName, group string, ackTimeout time.Duration, limit int) ([]*Record, error) {
	cutoff := time.Now().Add(-ackTimeout)

	var records []*Record
	err := r.db.SelectContext(ctx, &records, `
		SELECT `+selectColumns+`
		FROM outbox_records
		WHERE producer_service_id = $1
		  AND topic = $2 AND consumer_group = $3
		  AND (
		        (status = 'FAILED'
		         AND error_message NOT LIKE $4
		         AND error_message <> $5)
		     OR (status = 'SENT' AND sent_at < $6)
		  )
		ORDER BY created_at ASC
		LIMIT $7`,
		producerServiceID, topicName, group,
		supersededPrefix+"%", RetriesExhaustedMessage, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch retry candidates: %w", err)
	}
	return records, nil
}

// DeleteTerminalOlderThan removes terminal records created before cutoff
func (r *PostgresRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM outbox_records
		WHERE status IN ('ACKNOWLEDGED', 'FAILED', 'EXPIRED')
		  AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal records: %w", err)
	}
	return result.RowsAffected()
}

// CountPending returns the number of PENDING records for the producer
func (r *PostgresRepository) CountPending(ctx context.Context, producerServiceID string) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, `
		SELECT count(*) FROM outbox_records
		WHERE producer_service_id = $1 AND status = 'PENDING'`, producerServiceID)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return count, nil
}

// ListByStatus returns records for the producer in a given status, newest first
func (r *PostgresRepository) ListByStatus(ctx context.Context, producerServiceID string, status Status, limit int) ([]*Record, error) {
	var records []*Record
	err := r.db.SelectContext(ctx, &records, `
		SELECT `+selectColumns+`
		FROM outbox_records
		WHERE producer_service_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT $3`, producerServiceID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records by status: %w", err)
	}
	return records, nil
}

// RecordAck upserts the acknowledgment row for the (message, group) pair,
// so redeliveries keep a single row per pair instead of accumulating
func (r *PostgresRepository) RecordAck(ctx context.Context, ack *Acknowledgment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO acknowledgments (
			message_id, consumer_group, consumer_service_id,
			consumer_instance_id, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, consumer_group) DO UPDATE SET
			consumer_service_id  = EXCLUDED.consumer_service_id,
			consumer_instance_id = EXCLUDED.consumer_instance_id,
			status               = EXCLUDED.status,
			error_message        = EXCLUDED.error_message,
			created_at           = now()`,
		ack.MessageID, ack.ConsumerGroup, ack.ConsumerServiceID,
		ack.ConsumerInstanceID, ack.Status, ack.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to record acknowledgment for %s: %w", ack.MessageID, err)
	}
	return nil
}

// AcksForMessage returns all acknowledgments recorded for a message
func (r *PostgresRepository) AcksForMessage(ctx context.Context, messageID string) ([]*Acknowledgment, error) {
	var acks []*Acknowledgment
	err := r.db.SelectContext(ctx, &acks, `
		SELECT id, message_id, consumer_group, consumer_service_id,
		       consumer_instance_id, status, error_message, created_at
		FROM acknowledgments
		WHERE message_id = $1
		ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get acknowledgments for %s: %w", messageID, err)
	}
	return acks, nil
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return nil
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
