package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.relaymesh.tech/internal/common/health"
	"go.relaymesh.tech/internal/outbox"
	"go.relaymesh.tech/internal/registry"
	"go.relaymesh.tech/internal/topic"
)

// fakeOutboxRepo is an in-memory outbox.Repository for handler tests
type fakeOutboxRepo struct {
	mu      sync.Mutex
	records map[string]*outbox.Record
	acks    map[string]*outbox.Acknowledgment // keyed messageID+group
}

func newFakeOutboxRepo() *fakeOutboxRepo {
	return &fakeOutboxRepo{
		records: make(map[string]*outbox.Record),
		acks:    make(map[string]*outbox.Acknowledgment),
	}
}

func (f *fakeOutboxRepo) Insert(ctx context.Context, record *outbox.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.records {
		if existing.IdempotencyKey == record.IdempotencyKey && existing.ConsumerGroup == record.ConsumerGroup {
			return fmt.Errorf("%s/%s: %w", record.IdempotencyKey, record.ConsumerGroup, outbox.ErrDuplicate)
		}
	}
	copied := *record
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	f.records[record.ID] = &copied
	return nil
}

func (f *fakeOutboxRepo) InsertBatch(ctx context.Context, records []*outbox.Record) error {
	for _, record := range records {
		if err := f.Insert(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeOutboxRepo) GetByID(ctx context.Context, id string) (*outbox.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return nil, outbox.ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (f *fakeOutboxRepo) GetByIdempotencyKey(ctx context.Context, key, group string) (*outbox.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.records {
		if record.IdempotencyKey == key && record.ConsumerGroup == group {
			copied := *record
			return &copied, nil
		}
	}
	return nil, outbox.ErrNotFound
}

func (f *fakeOutboxRepo) FetchPending(ctx context.Context, producerServiceID string, limit int) ([]*outbox.Record, error) {
	return f.listWhere(func(r *outbox.Record) bool {
		return r.ProducerServiceID == producerServiceID && r.Status == outbox.StatusPending
	}, limit), nil
}

func (f *fakeOutboxRepo) MarkSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return outbox.ErrNotFound
	}
	now := time.Now()
	record.Status = outbox.StatusSent
	record.SentAt = &now
	record.UpdatedAt = now
	return nil
}

func (f *fakeOutboxRepo) MarkFailed(ctx context.Context, id, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return outbox.ErrNotFound
	}
	now := time.Now()
	record.Status = outbox.StatusFailed
	record.ErrorMessage = errorMessage
	record.RetryCount++
	record.LastRetryAt = &now
	record.UpdatedAt = now
	return nil
}

func (f *fakeOutboxRepo) MarkAcknowledged(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return outbox.ErrNotFound
	}
	now := time.Now()
	record.Status = outbox.StatusAcknowledged
	record.AcknowledgedAt = &now
	record.UpdatedAt = now
	return nil
}

func (f *fakeOutboxRepo) MarkRetryClosed(ctx context.Context, id, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return outbox.ErrNotFound
	}
	record.Status = outbox.StatusFailed
	record.ErrorMessage = errorMessage
	record.UpdatedAt = time.Now()
	return nil
}

func (f *fakeOutboxRepo) FetchRetryCandidates(ctx context.Context, producerServiceID, topicName, group string, ackTimeout time.Duration, limit int) ([]*outbox.Record, error) {
	return f.listWhere(func(r *outbox.Record) bool {
		return r.ProducerServiceID == producerServiceID &&
			r.Topic == topicName && r.ConsumerGroup == group &&
			r.Status == outbox.StatusFailed && !r.RetryClosed()
	}, limit), nil
}

func (f *fakeOutboxRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeOutboxRepo) CountPending(ctx context.Context, producerServiceID string) (int64, error) {
	return int64(len(f.listWhere(func(r *outbox.Record) bool {
		return r.ProducerServiceID == producerServiceID && r.Status == outbox.StatusPending
	}, 0))), nil
}

func (f *fakeOutboxRepo) ListByStatus(ctx context.Context, producerServiceID string, status outbox.Status, limit int) ([]*outbox.Record, error) {
	return f.listWhere(func(r *outbox.Record) bool {
		return r.ProducerServiceID == producerServiceID && r.Status == status
	}, limit), nil
}

func (f *fakeOutboxRepo) RecordAck(ctx context.Context, ack *outbox.Acknowledgment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *ack
	f.acks[ack.MessageID+"/"+ack.ConsumerGroup] = &copied
	return nil
}

func (f *fakeOutboxRepo) AcksForMessage(ctx context.Context, messageID string) ([]*outbox.Acknowledgment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*outbox.Acknowledgment
	for key, ack := range f.acks {
		if strings.HasPrefix(key, messageID+"/") {
			copied := *ack
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeOutboxRepo) listWhere(match func(*outbox.Record) bool, limit int) []*outbox.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*outbox.Record
	for _, record := range f.records {
		if match(record) {
			copied := *record
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// fakeTopicRepo is an in-memory topic.Repository
type fakeTopicRepo struct {
	mu     sync.Mutex
	topics map[string]*topic.Topic
	groups map[string]*topic.GroupRegistration // keyed by registration id
}

func newFakeTopicRepo() *fakeTopicRepo {
	return &fakeTopicRepo{
		topics: make(map[string]*topic.Topic),
		groups: make(map[string]*topic.GroupRegistration),
	}
}

func (f *fakeTopicRepo) CreateTopic(ctx context.Context, t *topic.Topic, groups []*topic.GroupRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.topics[t.Name]; ok {
		return fmt.Errorf("%s: %w", t.Name, topic.ErrTopicExists)
	}
	copied := *t
	f.topics[t.Name] = &copied
	for _, g := range groups {
		gc := *g
		gc.TopicName = t.Name
		f.groups[g.ID] = &gc
	}
	return nil
}

func (f *fakeTopicRepo) GetTopic(ctx context.Context, name string) (*topic.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[name]
	if !ok {
		return nil, topic.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTopicRepo) ListTopics(ctx context.Context) ([]*topic.Topic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*topic.Topic
	for _, t := range f.topics {
		copied := *t
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeTopicRepo) DeactivateTopic(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[name]
	if !ok {
		return topic.ErrNotFound
	}
	t.Active = false
	return nil
}

func (f *fakeTopicRepo) AddGroup(ctx context.Context, g *topic.GroupRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var topicName string
	for _, t := range f.topics {
		if t.ID == g.TopicID {
			topicName = t.Name
		}
	}
	for _, existing := range f.groups {
		if existing.TopicID == g.TopicID && existing.Name == g.Name {
			return fmt.Errorf("%s: %w", g.Name, topic.ErrGroupExists)
		}
	}
	copied := *g
	copied.TopicName = topicName
	f.groups[g.ID] = &copied
	return nil
}

func (f *fakeTopicRepo) DeactivateGroup(ctx context.Context, topicName, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g.TopicName == topicName && g.Name == group {
			g.Active = false
			return nil
		}
	}
	return topic.ErrNotFound
}

func (f *fakeTopicRepo) GetGroup(ctx context.Context, topicName, group string) (*topic.GroupRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g.TopicName == topicName && g.Name == group {
			copied := *g
			return &copied, nil
		}
	}
	return nil, topic.ErrNotFound
}

func (f *fakeTopicRepo) visible(g *topic.GroupRegistration) bool {
	t, ok := f.topics[g.TopicName]
	return ok && g.Active && t.Active
}

func (f *fakeTopicRepo) GroupsForTopic(ctx context.Context, topicName string, includeInactive bool) ([]*topic.GroupRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*topic.GroupRegistration
	for _, g := range f.groups {
		if g.TopicName != topicName {
			continue
		}
		if includeInactive || f.visible(g) {
			copied := *g
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeTopicRepo) ListGroups(ctx context.Context, includeInactive bool) ([]*topic.GroupRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*topic.GroupRegistration
	for _, g := range f.groups {
		if includeInactive || f.visible(g) {
			copied := *g
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeTopicRepo) TopicsForGroup(ctx context.Context, group string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, g := range f.groups {
		if g.Name == group && f.visible(g) {
			out = append(out, g.TopicName)
		}
	}
	sort.Strings(out)
	return out, nil
}

// fakeAgentRepo is a minimal in-memory registry.Repository
type fakeAgentRepo struct {
	mu     sync.Mutex
	agents map[string]*registry.Agent
}

func newFakeAgentRepo() *fakeAgentRepo {
	return &fakeAgentRepo{agents: make(map[string]*registry.Agent)}
}

func (f *fakeAgentRepo) Upsert(ctx context.Context, agent *registry.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *agent
	copied.Status = registry.StatusActive
	copied.HealthStatus = registry.HealthUnknown
	copied.StartedAt = time.Now()
	copied.LastHeartbeatAt = time.Now()
	f.agents[agent.InstanceID] = &copied
	return nil
}

func (f *fakeAgentRepo) Get(ctx context.Context, instanceID string) (*registry.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[instanceID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	copied := *agent
	return &copied, nil
}

func (f *fakeAgentRepo) List(ctx context.Context, role string) ([]*registry.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*registry.Agent
	for _, agent := range f.agents {
		if role == "" || agent.Role == role {
			copied := *agent
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeAgentRepo) UpdateHeartbeat(ctx context.Context, hb *registry.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[hb.InstanceID]
	if !ok {
		return registry.ErrNotFound
	}
	agent.HealthStatus = hb.HealthStatus
	agent.LastHeartbeatAt = time.Now()
	return nil
}

func (f *fakeAgentRepo) SetStatus(ctx context.Context, instanceID string, status registry.AgentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.agents[instanceID]
	if !ok {
		return registry.ErrNotFound
	}
	agent.Status = status
	return nil
}

func (f *fakeAgentRepo) MarkStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeAgentRepo) Terminate(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeAgentRepo) InsertHealthCheck(ctx context.Context, record *registry.HealthCheckRecord) error {
	return nil
}

func (f *fakeAgentRepo) HealthHistory(ctx context.Context, instanceID string, limit int) ([]*registry.HealthCheckRecord, error) {
	return nil, nil
}

func (f *fakeAgentRepo) HeartbeatCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	return map[string]int64{}, nil
}

// newTestRouter builds a full producer router over in-memory stores with
// one topic ("orders") registered for one group ("billing")
func newTestRouter(t *testing.T) (http.Handler, *fakeOutboxRepo) {
	t.Helper()

	outboxRepo := newFakeOutboxRepo()
	topicRepo := newFakeTopicRepo()
	topics := topic.NewRegistry(topicRepo)
	_, err := topics.RegisterTopic(context.Background(), "orders", "",
		[]*topic.GroupRegistration{topic.DefaultGroup("billing")})
	if err != nil {
		t.Fatalf("seed topics: %v", err)
	}

	submitter := outbox.NewSubmitter(outboxRepo, topics, "producer-svc", "producer-1", nil)
	agents := registry.NewService(newFakeAgentRepo(), nil)

	router := NewRouter(RouterConfig{
		Messages: NewMessageHandler(submitter, outbox.NewAckService(outboxRepo), outboxRepo, "producer-svc"),
		Topics:   NewTopicHandler(topics),
		Agents:   NewAgentHandler(agents),
		Checker:  health.NewChecker(),
	})
	return router, outboxRepo
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func boolPtr(b bool) *bool { return &b }

func TestSendDurableCreatesRecords(t *testing.T) {
	router, repo := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/messages/send", SendRequest{
		Topic:       "orders",
		Payload:     json.RawMessage(`{"orderId":42}`),
		UseBatching: boolPtr(false),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result outbox.SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result.MessageIDs) != 1 || result.Batched {
		t.Errorf("expected 1 durable id, got %+v", result)
	}
	if result.Status != "PENDING" || result.Topic != "orders" {
		t.Errorf("unexpected result envelope: %+v", result)
	}
	if result.ProducerServiceID != "producer-svc" || result.ProducerInstanceID != "producer-1" {
		t.Errorf("producer identity missing from response: %+v", result)
	}
	if len(result.TargetConsumerGroups) != 1 || result.TargetConsumerGroups[0] != "billing" {
		t.Errorf("expected targetConsumerGroups [billing], got %v", result.TargetConsumerGroups)
	}

	record, err := repo.GetByID(context.Background(), result.MessageIDs[0])
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if record.ConsumerGroup != "billing" || record.Status != outbox.StatusPending {
		t.Errorf("unexpected record: %+v", record)
	}
}

func TestSendDefaultsToBatching(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/messages/send", SendRequest{
		Topic:   "orders",
		Payload: json.RawMessage(`{"orderId":7}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result outbox.SubmitResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if !result.Batched || result.Status != "QUEUED" {
		t.Errorf("expected queued batched result, got %+v", result)
	}
	if !strings.HasPrefix(result.MessageID, "batch-") {
		t.Errorf("expected synthetic batch id, got %s", result.MessageID)
	}
}

func TestSendToSingleConsumerGroup(t *testing.T) {
	router, repo := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/messages/send", SendRequest{
		Topic:         "orders",
		Payload:       json.RawMessage(`{}`),
		ConsumerGroup: "billing",
		UseBatching:   boolPtr(false),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result outbox.SubmitResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if len(result.TargetConsumerGroups) != 1 || result.TargetConsumerGroups[0] != "billing" {
		t.Errorf("expected single-group delivery, got %v", result.TargetConsumerGroups)
	}
	if _, err := repo.GetByID(context.Background(), result.MessageID); err != nil {
		t.Errorf("record not persisted: %v", err)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/messages/send", SendRequest{
		Topic:         "orders",
		Payload:       json.RawMessage(`{}`),
		ConsumerGroup: "strangers",
		UseBatching:   boolPtr(false),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unsubscribed group, got %d", rec.Code)
	}
}

func TestSendAcceptsMessageAlias(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/messages/send", SendRequest{
		Topic:       "orders",
		Message:     json.RawMessage(`{"orderId":9}`),
		UseBatching: boolPtr(false),
	})
	if rec.Code != http.StatusOK {
		t.Errorf("message alias for payload should be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSendRejectsUnknownTopic(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/messages/send", SendRequest{
		Topic:   "nobody-listens",
		Payload: json.RawMessage(`{}`),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for topic without subscribers, got %d", rec.Code)
	}
}

func TestMessagesHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/messages/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "UP" {
		t.Errorf("expected UP, got %v", body["status"])
	}
	if _, ok := body["pendingCount"]; !ok {
		t.Error("health body should carry pendingCount")
	}
}

func TestAcknowledgeStatusMapping(t *testing.T) {
	router, repo := newTestRouter(t)

	seed := &outbox.Record{
		ID:                "rec1",
		Topic:             "orders",
		Payload:           json.RawMessage(`{}`),
		ConsumerGroup:     "billing",
		ProducerServiceID: "producer-svc",
		Status:            outbox.StatusSent,
		IdempotencyKey:    "rec1",
	}
	repo.Insert(context.Background(), seed)

	// Unknown message
	rec := doJSON(t, router, http.MethodPost, "/api/messages/acknowledge", outbox.Acknowledgment{
		MessageID:     "ghost",
		ConsumerGroup: "billing",
		Status:        outbox.AckSuccess,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown message, got %d", rec.Code)
	}

	// Missing consumer group
	rec = doJSON(t, router, http.MethodPost, "/api/messages/acknowledge", outbox.Acknowledgment{
		MessageID: "rec1",
		Status:    outbox.AckSuccess,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for ack without consumerGroup, got %d", rec.Code)
	}

	// Success promotes
	rec = doJSON(t, router, http.MethodPost, "/api/messages/acknowledge", outbox.Acknowledgment{
		MessageID:         "rec1",
		ConsumerGroup:     "billing",
		ConsumerServiceID: "billing-svc",
		Status:            outbox.AckSuccess,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Failure ack against the now terminal record conflicts
	rec = doJSON(t, router, http.MethodPost, "/api/messages/acknowledge", outbox.Acknowledgment{
		MessageID:         "rec1",
		ConsumerGroup:     "billing",
		ConsumerServiceID: "billing-svc",
		Status:            outbox.AckFailure,
		ErrorMessage:      "too late",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for failure ack on terminal record, got %d", rec.Code)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/messages/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListByStatusValidatesStatus(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/messages/status/BOGUS", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bogus status, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/messages/status/PENDING", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for valid status, got %d", rec.Code)
	}
}

func TestTopicRegistrationFlow(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/topics", RegisterTopicRequest{
		Name: "payments",
		ConsumerGroups: []GroupSpec{
			{Name: "ledger", AckTimeoutMinutes: 10},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/topics/payments/groups", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var groups []*topic.GroupRegistration
	json.Unmarshal(rec.Body.Bytes(), &groups)
	if len(groups) != 1 || groups[0].Name != "ledger" {
		t.Fatalf("expected [ledger], got %v", groups)
	}
	if groups[0].AckTimeoutMinutes != 10 || !groups[0].RequiresAck {
		t.Errorf("group policy not applied: %+v", groups[0])
	}
}

func TestTopicRegistrationConflicts(t *testing.T) {
	router, _ := newTestRouter(t)

	// "orders" is seeded by the test router
	rec := doJSON(t, router, http.MethodPost, "/api/topics", RegisterTopicRequest{Name: "orders"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate topic, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/topics/orders/groups", GroupSpec{Name: "billing"})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate group, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/topics/orders/groups", GroupSpec{Name: "analytics"})
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 for new group, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTopicDeactivation(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodDelete, "/api/topics/orders/groups/billing", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// The group is gone from the active view but listed with includeInactive
	rec = doJSON(t, router, http.MethodGet, "/api/topics/orders/groups", nil)
	var groups []*topic.GroupRegistration
	json.Unmarshal(rec.Body.Bytes(), &groups)
	if len(groups) != 0 {
		t.Errorf("deactivated group still listed as active: %v", groups)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/topics/orders/groups?includeInactive=true", nil)
	json.Unmarshal(rec.Body.Bytes(), &groups)
	if len(groups) != 1 {
		t.Errorf("expected inactive group in unfiltered listing, got %v", groups)
	}

	// Sends stop once no group is active
	rec = doJSON(t, router, http.MethodPost, "/api/messages/send", SendRequest{
		Topic:   "orders",
		Payload: json.RawMessage(`{}`),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 after deactivating the only group, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/topics/orders", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for topic deactivation, got %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodDelete, "/api/topics/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown topic, got %d", rec.Code)
	}
}

func TestAgentRegisterAndHeartbeat(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/agents/register", registry.Agent{
		ServiceID:     "billing-svc",
		InstanceID:    "billing-1",
		Role:          "consumer",
		ConsumerGroup: "billing",
		Topics:        []string{"orders"},
		Host:          "worker-3",
		Port:          8081,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/agents/heartbeat", registry.Heartbeat{
		InstanceID:   "billing-1",
		HealthStatus: registry.HealthHealthy,
	})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	// Heartbeat from an unregistered instance asks for re-registration
	rec = doJSON(t, router, http.MethodPost, "/api/agents/heartbeat", registry.Heartbeat{
		InstanceID: "ghost",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown instance, got %d", rec.Code)
	}
}

func TestAgentDeactivate(t *testing.T) {
	router, _ := newTestRouter(t)

	doJSON(t, router, http.MethodPost, "/api/agents/register", registry.Agent{
		ServiceID: "producer-svc", InstanceID: "p1", Role: "producer",
	})

	rec := doJSON(t, router, http.MethodDelete, "/api/agents/p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/agents/p1", nil)
	var agent registry.Agent
	json.Unmarshal(rec.Body.Bytes(), &agent)
	if agent.Status != registry.StatusInactive {
		t.Errorf("expected INACTIVE after deactivation, got %s", agent.Status)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/agents/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", rec.Code)
	}
}

func TestAgentCleanup(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/agents/cleanup", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDiscoveryNotFoundWhenEmpty(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/agents/discover/least-loaded-consumer", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with no consumers, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/q/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
