package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryRepository is an in-memory Repository for tests
type memoryRepository struct {
	mu      sync.Mutex
	records map[string]*Record
	acks    []*Acknowledgment
	seq     int

	// failInserts makes InsertBatch fail, for requeue tests
	failInserts bool
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{records: make(map[string]*Record)}
}

func (m *memoryRepository) Insert(ctx context.Context, record *Record) error {
	return m.InsertBatch(ctx, []*Record{record})
}

func (m *memoryRepository) InsertBatch(ctx context.Context, records []*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failInserts {
		return fmt.Errorf("simulated insert failure")
	}

	for _, record := range records {
		if _, exists := m.records[record.ID]; exists {
			return fmt.Errorf("duplicate id %s", record.ID)
		}
		for _, existing := range m.records {
			if existing.IdempotencyKey == record.IdempotencyKey &&
				existing.ConsumerGroup == record.ConsumerGroup {
				return fmt.Errorf("%w: key %s group %s", ErrDuplicate, record.IdempotencyKey, record.ConsumerGroup)
			}
		}
	}
	now := time.Now()
	for _, record := range records {
		copied := *record
		m.seq++
		// Distinct, ordered timestamps so FIFO assertions are stable
		copied.CreatedAt = now.Add(time.Duration(m.seq) * time.Microsecond)
		copied.UpdatedAt = copied.CreatedAt
		m.records[record.ID] = &copied
	}
	return nil
}

func (m *memoryRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (m *memoryRepository) GetByIdempotencyKey(ctx context.Context, key, group string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, record := range m.records {
		if record.IdempotencyKey == key && record.ConsumerGroup == group {
			copied := *record
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryRepository) FetchPending(ctx context.Context, producerServiceID string, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, record := range m.records {
		if record.ProducerServiceID == producerServiceID && record.Status == StatusPending {
			copied := *record
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepository) update(id string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	fn(record)
	record.UpdatedAt = time.Now()
	return nil
}

func (m *memoryRepository) MarkSent(ctx context.Context, id string) error {
	return m.update(id, func(r *Record) {
		now := time.Now()
		r.Status = StatusSent
		r.SentAt = &now
	})
}

func (m *memoryRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	return m.update(id, func(r *Record) {
		now := time.Now()
		r.Status = StatusFailed
		r.ErrorMessage = errorMessage
		r.RetryCount++
		r.LastRetryAt = &now
	})
}

func (m *memoryRepository) MarkAcknowledged(ctx context.Context, id string) error {
	return m.update(id, func(r *Record) {
		now := time.Now()
		r.Status = StatusAcknowledged
		r.AcknowledgedAt = &now
	})
}

func (m *memoryRepository) MarkRetryClosed(ctx context.Context, id, errorMessage string) error {
	return m.update(id, func(r *Record) {
		r.Status = StatusFailed
		r.ErrorMessage = errorMessage
	})
}

func (m *memoryRepository) FetchRetryCandidates(ctx context.Context, producerServiceID, topicName, group string, ackTimeout time.Duration, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ackTimeout)
	var out []*Record
	for _, record := range m.records {
		if record.ProducerServiceID != producerServiceID ||
			record.Topic != topicName || record.ConsumerGroup != group {
			continue
		}
		timedOut := record.Status == StatusSent && record.SentAt != nil && record.SentAt.Before(cutoff)
		openFailure := record.Status == StatusFailed && !record.RetryClosed()
		if openFailure || timedOut {
			copied := *record
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, record := range m.records {
		if record.Status.IsTerminal() && record.CreatedAt.Before(cutoff) {
			delete(m.records, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memoryRepository) CountPending(ctx context.Context, producerServiceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, record := range m.records {
		if record.ProducerServiceID == producerServiceID && record.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (m *memoryRepository) ListByStatus(ctx context.Context, producerServiceID string, status Status, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Record
	for _, record := range m.records {
		if record.ProducerServiceID == producerServiceID && record.Status == status {
			copied := *record
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRepository) RecordAck(ctx context.Context, ack *Acknowledgment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.acks {
		if existing.MessageID == ack.MessageID && existing.ConsumerGroup == ack.ConsumerGroup {
			existing.ConsumerServiceID = ack.ConsumerServiceID
			existing.ConsumerInstanceID = ack.ConsumerInstanceID
			existing.Status = ack.Status
			existing.ErrorMessage = ack.ErrorMessage
			existing.CreatedAt = time.Now()
			return nil
		}
	}

	copied := *ack
	copied.ID = int64(len(m.acks) + 1)
	copied.CreatedAt = time.Now()
	m.acks = append(m.acks, &copied)
	return nil
}

func (m *memoryRepository) AcksForMessage(ctx context.Context, messageID string) ([]*Acknowledgment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Acknowledgment
	for _, ack := range m.acks {
		if ack.MessageID == messageID {
			copied := *ack
			out = append(out, &copied)
		}
	}
	return out, nil
}

// statusOf is a test helper
func (m *memoryRepository) statusOf(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[id]; ok {
		return record.Status
	}
	return ""
}

// set is a test helper that mutates a stored record directly, bypassing
// the transition methods, so tests can stage exact states
func (m *memoryRepository) set(id string, fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record, ok := m.records[id]; ok {
		fn(record)
	}
}
