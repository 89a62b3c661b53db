// Package outbox implements the transactional outbox pipeline on the
// producer side.
//
// Lifecycle (status-based, no row locking):
//  1. Submit writes one PENDING record per active consumer group
//     registration, in the same database as the caller's business data
//  2. The dispatch job fetches PENDING records, publishes them to the
//     broker and marks them SENT
//  3. Consumers acknowledge over HTTP; success promotes SENT records to
//     ACKNOWLEDGED, failure marks them FAILED
//  4. The retry scan turns timed-out SENT and FAILED records into fresh
//     PENDING retry records; the predecessor is closed FAILED with a
//     message naming the successor, or "Maximum retry attempts exceeded"
//     once the group's retry budget runs out
//  5. The cleanup job deletes terminal records past the retention window
package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the delivery status of an outbox record
type Status string

const (
	// StatusPending - record is waiting to be published
	StatusPending Status = "PENDING"

	// StatusSent - record was published, awaiting consumer acknowledgment
	StatusSent Status = "SENT"

	// StatusAcknowledged - a consumer confirmed successful processing
	StatusAcknowledged Status = "ACKNOWLEDGED"

	// StatusFailed - publish failed, a consumer reported failure, or the
	// retry scan closed the record
	StatusFailed Status = "FAILED"

	// StatusExpired - administratively aged out without resolution
	StatusExpired Status = "EXPIRED"
)

// IsTerminal returns true if this status represents a final state.
// Terminal records are eligible for cleanup.
func (s Status) IsTerminal() bool {
	return s == StatusAcknowledged || s == StatusFailed || s == StatusExpired
}

// Valid returns true for known status values
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusAcknowledged, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// RetriesExhaustedMessage is stored on a record whose group retry budget
// ran out. The retry scan treats records carrying it as closed.
const RetriesExhaustedMessage = "Maximum retry attempts exceeded"

// supersededPrefix marks records replaced by a retry record
const supersededPrefix = "Retrying with "

// SupersededMessage builds the closing message for a record replaced by
// the retry record with the given id.
func SupersededMessage(retryID string) string {
	return supersededPrefix + retryID
}

// Record is one row in the outbox table. Fan-out happens at submit time:
// a message on a topic with N active consumer group registrations produces
// N records, each addressed to one group.
type Record struct {
	// ID is the unique identifier (TSID format, 13-char Crockford Base32)
	ID string `db:"id" json:"id"`

	// Topic is the logical topic the message belongs to
	Topic string `db:"topic" json:"topic"`

	// Payload is the message body as JSON
	Payload json.RawMessage `db:"payload" json:"payload"`

	// ConsumerGroup is the single group this record is addressed to
	ConsumerGroup string `db:"consumer_group" json:"consumerGroup"`

	// ProducerServiceID identifies the owning producer service.
	// The dispatch job only picks up records it owns.
	ProducerServiceID string `db:"producer_service_id" json:"producerServiceId"`

	// ProducerInstanceID identifies the producer instance that created it
	ProducerInstanceID string `db:"producer_instance_id" json:"producerInstanceId"`

	// Status is the current delivery status
	Status Status `db:"status" json:"status"`

	// RetryCount is how many failures the chain has accumulated up to and
	// including this record's creation
	RetryCount int `db:"retry_count" json:"retryCount"`

	// IsRetry is true for records created by the retry scan
	IsRetry bool `db:"is_retry" json:"isRetry"`

	// OriginalMessageID is the id of the first record in the retry chain
	OriginalMessageID string `db:"original_message_id" json:"originalMessageId,omitempty"`

	// TargetConsumerServiceID pins delivery to one consumer service.
	// Set on retries to the best healthy consumer of the group; empty
	// means any instance of the group may process it.
	TargetConsumerServiceID string `db:"target_consumer_service_id" json:"targetConsumerServiceId,omitempty"`

	// IdempotencyKey is the consumer-side dedup key. Equal to ID for
	// first deliveries, "retry-{originalId}-{retryCount}" for retries.
	IdempotencyKey string `db:"idempotency_key" json:"idempotencyKey"`

	// ErrorMessage holds the last failure reason, or the retry scan's
	// closing message
	ErrorMessage string `db:"error_message" json:"errorMessage,omitempty"`

	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
	SentAt         *time.Time `db:"sent_at" json:"sentAt,omitempty"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledgedAt,omitempty"`

	// LastRetryAt is stamped on every FAILED transition
	LastRetryAt *time.Time `db:"last_retry_at" json:"lastRetryAt,omitempty"`

	// ScheduledRetryAt is stamped on retry records at creation
	ScheduledRetryAt *time.Time `db:"scheduled_retry_at" json:"scheduledRetryAt,omitempty"`
}

// ChainOrigin returns the id of the first record in this record's retry
// chain: its own id for first deliveries, OriginalMessageID for retries.
func (r *Record) ChainOrigin() string {
	if r.IsRetry && r.OriginalMessageID != "" {
		return r.OriginalMessageID
	}
	return r.ID
}

// RetryClosed reports whether the retry scan is done with this record:
// either a successor exists or the retry budget ran out. Closed records
// never re-enter the candidate set.
func (r *Record) RetryClosed() bool {
	if r.Status != StatusFailed {
		return false
	}
	return strings.HasPrefix(r.ErrorMessage, supersededPrefix) ||
		r.ErrorMessage == RetriesExhaustedMessage
}

// RetryIdempotencyKey builds the dedup key for the next retry in a chain.
func RetryIdempotencyKey(originalID string, retryCount int) string {
	return fmt.Sprintf("retry-%s-%d", originalID, retryCount)
}

// NewRetryRecord builds the successor record for a failed or timed-out
// delivery. RetryCount counts failures: a FAILED predecessor was already
// incremented at its FAILED transition, so the successor inherits its
// count; a timed-out SENT predecessor's failure is counted here. If
// target is non-empty, delivery is pinned to that consumer service.
func NewRetryRecord(id string, predecessor *Record, target string) *Record {
	origin := predecessor.ChainOrigin()
	count := predecessor.RetryCount
	if predecessor.Status == StatusSent {
		count++
	}

	if target == "" {
		target = predecessor.TargetConsumerServiceID
	}

	now := time.Now()
	return &Record{
		ID:                      id,
		Topic:                   predecessor.Topic,
		Payload:                 predecessor.Payload,
		ConsumerGroup:           predecessor.ConsumerGroup,
		ProducerServiceID:       predecessor.ProducerServiceID,
		ProducerInstanceID:      predecessor.ProducerInstanceID,
		Status:                  StatusPending,
		RetryCount:              count,
		IsRetry:                 true,
		OriginalMessageID:       origin,
		TargetConsumerServiceID: target,
		IdempotencyKey:          RetryIdempotencyKey(origin, count),
		ScheduledRetryAt:        &now,
	}
}

// AckStatus is the outcome a consumer reports for one message
type AckStatus string

const (
	AckSuccess AckStatus = "SUCCESS"
	AckFailure AckStatus = "FAILURE"
)

// Acknowledgment records one consumer acknowledgment call. One row is
// kept per (message, consumer group); redeliveries overwrite it.
type Acknowledgment struct {
	ID                 int64     `db:"id" json:"id"`
	MessageID          string    `db:"message_id" json:"messageId"`
	ConsumerGroup      string    `db:"consumer_group" json:"consumerGroup"`
	ConsumerServiceID  string    `db:"consumer_service_id" json:"consumerServiceId"`
	ConsumerInstanceID string    `db:"consumer_instance_id" json:"consumerInstanceId"`
	Status             AckStatus `db:"status" json:"status"`
	ErrorMessage       string    `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
}
