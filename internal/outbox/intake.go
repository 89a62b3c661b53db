package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"go.relaymesh.tech/internal/common/metrics"
	"go.relaymesh.tech/internal/common/tsid"
	"go.relaymesh.tech/internal/topic"
)

// IntakeConfig holds batching intake settings
type IntakeConfig struct {
	// MaxBatchSize caps records per flush; reaching it triggers an
	// immediate async flush (default 500)
	MaxBatchSize int

	// FlushInterval is the periodic flush cadence (default 5s)
	FlushInterval time.Duration

	// QueueCapacity bounds the in-memory buffer (default 10000)
	QueueCapacity int
}

// DefaultIntakeConfig returns sensible defaults
func DefaultIntakeConfig() *IntakeConfig {
	return &IntakeConfig{
		MaxBatchSize:  500,
		FlushInterval: 5 * time.Second,
		QueueCapacity: 10000,
	}
}

// SubmitResult is returned to the caller after a message submission
type SubmitResult struct {
	// MessageID is the first record id created. For batched submissions
	// it is a synthetic id; the real record ids are assigned at flush.
	MessageID string `json:"messageId"`

	// MessageIDs are all record ids created, one per targeted group
	MessageIDs []string `json:"messageIds"`

	// Status is the initial record status: PENDING when written
	// durably, QUEUED while buffered for a batched flush
	Status string `json:"status"`

	// Topic echoes the submitted topic
	Topic string `json:"topic"`

	// TargetConsumerGroups are the groups the message fanned out to
	TargetConsumerGroups []string `json:"targetConsumerGroups"`

	// ProducerServiceID and ProducerInstanceID identify the accepting
	// producer
	ProducerServiceID  string `json:"producerServiceId"`
	ProducerInstanceID string `json:"producerInstanceId"`

	// Batched is true if the message was buffered rather than written
	Batched bool `json:"batched"`
}

// Submitter accepts message submissions, fans them out to one outbox
// record per active consumer group registration, and optionally buffers
// them for batched insertion.
//
// Records are enqueued on a channel, so FIFO order is preserved from
// submission through flush. A flush drains up to MaxBatchSize records
// under a mutex and writes them in one transaction; on failure the whole
// batch is requeued for the next flush.
type Submitter struct {
	repo   Repository
	topics *topic.Registry
	config *IntakeConfig

	serviceID  string
	instanceID string

	queue chan *Record

	// flushMu serializes flushes so requeued records keep their order
	flushMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewSubmitter creates a submitter. serviceID and instanceID stamp every
// record with the owning producer identity.
func NewSubmitter(repo Repository, topics *topic.Registry, serviceID, instanceID string, config *IntakeConfig) *Submitter {
	if config == nil {
		config = DefaultIntakeConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Submitter{
		repo:       repo,
		topics:     topics,
		config:     config,
		serviceID:  serviceID,
		instanceID: instanceID,
		queue:      make(chan *Record, config.QueueCapacity),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// buildRecords fans a submission out to one record per active group
// registration. A non-empty group restricts delivery to that single
// group, which must be an active subscriber of the topic.
func (s *Submitter) buildRecords(ctx context.Context, topicName string, payload json.RawMessage, group, target string) ([]*Record, error) {
	if topicName == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return nil, fmt.Errorf("payload must be valid JSON")
	}

	registrations, err := s.topics.ActiveGroupsForTopic(ctx, topicName)
	if err != nil {
		return nil, err
	}
	if len(registrations) == 0 {
		return nil, fmt.Errorf("no active consumer groups registered for topic %s", topicName)
	}

	if group != "" {
		var match *topic.GroupRegistration
		for _, reg := range registrations {
			if reg.Name == group {
				match = reg
				break
			}
		}
		if match == nil {
			return nil, fmt.Errorf("consumer group %s is not an active subscriber of topic %s", group, topicName)
		}
		registrations = []*topic.GroupRegistration{match}
	}

	records := make([]*Record, 0, len(registrations))
	for _, reg := range registrations {
		id := tsid.Generate()
		records = append(records, &Record{
			ID:                      id,
			Topic:                   topicName,
			Payload:                 payload,
			ConsumerGroup:           reg.Name,
			ProducerServiceID:       s.serviceID,
			ProducerInstanceID:      s.instanceID,
			Status:                  StatusPending,
			IdempotencyKey:          id,
			TargetConsumerServiceID: target,
		})
	}
	return records, nil
}

// Send accepts one message. With useBatching the fan-out records are
// buffered for the next flush and a synthetic message id is returned;
// otherwise they are written immediately in one transaction and the
// result carries the persisted ids.
func (s *Submitter) Send(ctx context.Context, topicName string, payload json.RawMessage, group, target string, useBatching bool) (*SubmitResult, error) {
	records, err := s.buildRecords(ctx, topicName, payload, group, target)
	if err != nil {
		return nil, err
	}

	groups := make([]string, len(records))
	for i, record := range records {
		groups[i] = record.ConsumerGroup
	}

	result := &SubmitResult{
		Topic:                topicName,
		TargetConsumerGroups: groups,
		ProducerServiceID:    s.serviceID,
		ProducerInstanceID:   s.instanceID,
	}

	if useBatching {
		if err := s.enqueue(records); err != nil {
			return nil, err
		}
		result.MessageID = "batch-" + tsid.Generate()
		result.MessageIDs = []string{result.MessageID}
		result.Status = "QUEUED"
		result.Batched = true
	} else {
		if err := s.repo.InsertBatch(ctx, records); err != nil {
			return nil, err
		}
		ids := make([]string, len(records))
		for i, record := range records {
			ids[i] = record.ID
		}
		result.MessageID = ids[0]
		result.MessageIDs = ids
		result.Status = string(StatusPending)
	}

	metrics.OutboxSubmitted.WithLabelValues(topicName).Add(float64(len(records)))
	return result, nil
}

// enqueue buffers the fan-out records for the next flush
func (s *Submitter) enqueue(records []*Record) error {
	for _, record := range records {
		select {
		case s.queue <- record:
			metrics.BatchQueueDepth.Set(float64(len(s.queue)))
		default:
			return fmt.Errorf("intake queue full (%d records buffered)", s.config.QueueCapacity)
		}
	}

	if len(s.queue) >= s.config.MaxBatchSize {
		go s.flush("size")
	}
	return nil
}

// Start begins the periodic flush loop
func (s *Submitter) Start(ctx context.Context) error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return nil
	}
	s.running = true
	s.runningMu.Unlock()

	s.wg.Add(1)
	go s.flushLoop()

	slog.Info("Batching intake started",
		"maxBatchSize", s.config.MaxBatchSize,
		"flushInterval", s.config.FlushInterval)

	<-ctx.Done()
	return nil
}

// Stop flushes remaining records and stops the loop
func (s *Submitter) Stop(ctx context.Context) error {
	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()

	// Drain whatever is left so buffered submissions survive shutdown
	for len(s.queue) > 0 {
		if !s.flush("shutdown") {
			break
		}
	}

	slog.Info("Batching intake stopped")
	return nil
}

// Name implements lifecycle.Service
func (s *Submitter) Name() string { return "batching-intake" }

// Health implements lifecycle.Service
func (s *Submitter) Health() error {
	if len(s.queue) >= s.config.QueueCapacity {
		return fmt.Errorf("intake queue full")
	}
	return nil
}

func (s *Submitter) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flush("interval")
		}
	}
}

// flush drains up to MaxBatchSize records and writes them in one
// transaction. Returns false if the write failed and records were requeued.
func (s *Submitter) flush(trigger string) bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	batch := make([]*Record, 0, s.config.MaxBatchSize)
	for len(batch) < s.config.MaxBatchSize {
		select {
		case record := <-s.queue:
			batch = append(batch, record)
		default:
			goto drained
		}
	}
drained:

	if len(batch) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.repo.InsertBatch(ctx, batch); err != nil {
		slog.Error("Batch flush failed, requeueing",
			"error", err,
			"count", len(batch),
			"trigger", trigger)
		metrics.BatchFlushes.WithLabelValues(trigger, "error").Inc()

		// Requeue the whole batch; order within the batch is preserved
		// because flushes are serialized
		for _, record := range batch {
			select {
			case s.queue <- record:
			default:
				slog.Error("Intake queue full during requeue, record dropped",
					"recordId", record.ID)
			}
		}
		metrics.BatchQueueDepth.Set(float64(len(s.queue)))
		return false
	}

	metrics.BatchFlushes.WithLabelValues(trigger, "success").Inc()
	metrics.BatchFlushSize.Observe(float64(len(batch)))
	metrics.BatchQueueDepth.Set(float64(len(s.queue)))

	slog.Debug("Batch flushed", "count", len(batch), "trigger", trigger)
	return true
}

// QueueDepth returns the number of buffered records
func (s *Submitter) QueueDepth() int {
	return len(s.queue)
}
