package outbox

import (
	"context"
	"errors"
	"fmt"

	"log/slog"

	"go.relaymesh.tech/internal/common/metrics"
)

// ErrAlreadyTerminal is returned when a failure acknowledgment arrives for
// a record that already reached a final state. Callers map it to 409.
var ErrAlreadyTerminal = errors.New("record already in terminal state")

// AckService applies consumer acknowledgments to outbox records.
type AckService struct {
	repo Repository
}

// NewAckService creates an acknowledgment service
func NewAckService(repo Repository) *AckService {
	return &AckService{repo: repo}
}

// Apply records the acknowledgment and transitions the outbox record.
//
// A SUCCESS ack always promotes the record to ACKNOWLEDGED, even from
// FAILED or EXPIRED: a confirmed delivery outranks an earlier failure or
// timeout, and the matching retry chain dies out on consumer-side dedup.
//
// A FAILURE ack marks a SENT record FAILED, counting the failure against
// the chain, so the retry scan picks it up. Failure acks for records
// already in a terminal state return ErrAlreadyTerminal and change nothing.
func (a *AckService) Apply(ctx context.Context, ack *Acknowledgment) error {
	if ack.MessageID == "" {
		return fmt.Errorf("messageId is required")
	}
	if ack.ConsumerGroup == "" {
		return fmt.Errorf("consumerGroup is required")
	}
	if ack.Status != AckSuccess && ack.Status != AckFailure {
		return fmt.Errorf("invalid acknowledgment status %q", ack.Status)
	}

	record, err := a.repo.GetByID(ctx, ack.MessageID)
	if err != nil {
		return err
	}

	if err := a.repo.RecordAck(ctx, ack); err != nil {
		return err
	}

	switch ack.Status {
	case AckSuccess:
		if record.Status == StatusAcknowledged {
			// Duplicate success ack, nothing to do
			return nil
		}
		if err := a.repo.MarkAcknowledged(ctx, record.ID); err != nil {
			return err
		}
		metrics.OutboxAcknowledged.WithLabelValues("success").Inc()
		slog.Info("Record acknowledged",
			"recordId", record.ID,
			"consumer", ack.ConsumerServiceID,
			"previousStatus", record.Status)

	case AckFailure:
		if record.Status.IsTerminal() {
			metrics.OutboxAcknowledged.WithLabelValues("ignored").Inc()
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, record.ID, record.Status)
		}
		if err := a.repo.MarkFailed(ctx, record.ID, ack.ErrorMessage); err != nil {
			return err
		}
		metrics.OutboxAcknowledged.WithLabelValues("failure").Inc()
		slog.Warn("Record failed by consumer",
			"recordId", record.ID,
			"consumer", ack.ConsumerServiceID,
			"error", ack.ErrorMessage)
	}

	return nil
}

// History returns all acknowledgments recorded for a message
func (a *AckService) History(ctx context.Context, messageID string) ([]*Acknowledgment, error) {
	return a.repo.AcksForMessage(ctx, messageID)
}
