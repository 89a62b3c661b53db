package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an outbox record does not exist
var ErrNotFound = errors.New("outbox record not found")

// ErrDuplicate is returned when an insert collides with an existing
// record's (idempotency_key, consumer_group) pair
var ErrDuplicate = errors.New("outbox record already exists")

// Repository defines the persistence contract for outbox records and
// acknowledgments. The postgres implementation is the production path;
// tests use an in-memory implementation.
type Repository interface {
	// Insert writes one record. Returns ErrDuplicate if a record with
	// the same idempotency key already exists for the group.
	Insert(ctx context.Context, record *Record) error

	// InsertBatch writes all records in a single transaction.
	// Either all records persist or none do.
	InsertBatch(ctx context.Context, records []*Record) error

	// GetByID fetches one record
	GetByID(ctx context.Context, id string) (*Record, error)

	// GetByIdempotencyKey fetches the record carrying the given dedup
	// key for a consumer group
	GetByIdempotencyKey(ctx context.Context, key, group string) (*Record, error)

	// FetchPending returns PENDING records owned by the given producer
	// service, oldest first, up to limit
	FetchPending(ctx context.Context, producerServiceID string, limit int) ([]*Record, error)

	// MarkSent transitions a record to SENT and stamps sentAt
	MarkSent(ctx context.Context, id string) error

	// MarkFailed transitions a record to FAILED with the failure reason,
	// increments retryCount and stamps lastRetryAt
	MarkFailed(ctx context.Context, id, errorMessage string) error

	// MarkAcknowledged transitions a record to ACKNOWLEDGED and stamps
	// acknowledgedAt. Applies from any prior status.
	MarkAcknowledged(ctx context.Context, id string) error

	// MarkRetryClosed transitions a record to FAILED with the retry
	// scan's closing message. Unlike MarkFailed it does not count a new
	// failure, so retryCount is left alone.
	MarkRetryClosed(ctx context.Context, id, errorMessage string) error

	// FetchRetryCandidates returns records owned by the producer for one
	// (topic, group) pairing that need retry handling: FAILED records not
	// yet closed by the scan, plus SENT records whose sentAt is older
	// than the group's ack timeout
	FetchRetryCandidates(ctx context.Context, producerServiceID, topicName, group string, ackTimeout time.Duration, limit int) ([]*Record, error)

	// DeleteTerminalOlderThan removes terminal records created before
	// the cutoff and returns how many were deleted
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// CountPending returns the number of PENDING records for the producer
	CountPending(ctx context.Context, producerServiceID string) (int64, error)

	// ListByStatus returns records for the producer in a given status,
	// newest first, for the inspection API
	ListByStatus(ctx context.Context, producerServiceID string, status Status, limit int) ([]*Record, error)

	// RecordAck upserts the acknowledgment row for the ack's
	// (message, consumer group) pair
	RecordAck(ctx context.Context, ack *Acknowledgment) error

	// AcksForMessage returns all acknowledgments recorded for a message
	AcksForMessage(ctx context.Context, messageID string) ([]*Acknowledgment, error)
}
