package registry

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memoryRepository is an in-memory Repository for tests
type memoryRepository struct {
	mu      sync.Mutex
	agents  map[string]*Agent
	history []*HealthCheckRecord
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{agents: make(map[string]*Agent)}
}

func (m *memoryRepository) Upsert(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *agent
	copied.Status = StatusActive
	copied.HealthStatus = HealthUnknown
	copied.StartedAt = time.Now()
	copied.LastHeartbeatAt = time.Now()
	if existing, ok := m.agents[agent.InstanceID]; ok {
		copied.RegisteredAt = existing.RegisteredAt
	} else {
		copied.RegisteredAt = time.Now()
	}
	m.agents[agent.InstanceID] = &copied
	return nil
}

func (m *memoryRepository) Get(ctx context.Context, instanceID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *agent
	return &copied, nil
}

func (m *memoryRepository) List(ctx context.Context, role string) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Agent
	for _, agent := range m.agents {
		if role == "" || agent.Role == role {
			copied := *agent
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memoryRepository) UpdateHeartbeat(ctx context.Context, hb *Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[hb.InstanceID]
	if !ok {
		return ErrNotFound
	}
	agent.HealthStatus = hb.HealthStatus
	agent.FailureCount = hb.FailureCount
	agent.PendingMessagesCount = hb.PendingMessagesCount
	if agent.Status == StatusInactive || agent.Status == StatusUnhealthy {
		agent.Status = StatusActive
	}
	agent.LastHeartbeatAt = time.Now()
	return nil
}

func (m *memoryRepository) SetStatus(ctx context.Context, instanceID string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[instanceID]
	if !ok {
		return ErrNotFound
	}
	agent.Status = status
	return nil
}

func (m *memoryRepository) MarkStale(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, agent := range m.agents {
		if agent.Status == StatusActive && agent.LastHeartbeatAt.Before(cutoff) {
			agent.Status = StatusInactive
			n++
		}
	}
	return n, nil
}

func (m *memoryRepository) Terminate(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, agent := range m.agents {
		if agent.Status != StatusTerminated && agent.Status != StatusMaintenance && agent.LastHeartbeatAt.Before(cutoff) {
			agent.Status = StatusTerminated
			n++
		}
	}
	return n, nil
}

func (m *memoryRepository) InsertHealthCheck(ctx context.Context, record *HealthCheckRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *record
	copied.ID = int64(len(m.history) + 1)
	copied.CreatedAt = time.Now()
	m.history = append(m.history, &copied)
	return nil
}

func (m *memoryRepository) HealthHistory(ctx context.Context, instanceID string, limit int) ([]*HealthCheckRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*HealthCheckRecord
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if m.history[i].InstanceID == instanceID {
			copied := *m.history[i]
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memoryRepository) HeartbeatCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int64)
	for _, record := range m.history {
		if !record.CreatedAt.Before(since) {
			counts[record.InstanceID]++
		}
	}
	return counts, nil
}

func (m *memoryRepository) backdate(instanceID string, age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent, ok := m.agents[instanceID]; ok {
		agent.LastHeartbeatAt = time.Now().Add(-age)
	}
}

func registerConsumer(t *testing.T, svc *Service, instanceID, group string, topics ...string) {
	t.Helper()
	err := svc.Register(context.Background(), &Agent{
		ServiceID:     "consumer-svc",
		InstanceID:    instanceID,
		Role:          "consumer",
		ConsumerGroup: group,
		Topics:        topics,
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := NewService(newMemoryRepository(), nil)
	ctx := context.Background()

	if err := svc.Register(ctx, &Agent{InstanceID: "i1", Role: "producer"}); err == nil {
		t.Error("expected error for missing serviceId")
	}
	if err := svc.Register(ctx, &Agent{ServiceID: "s", InstanceID: "i1", Role: "gateway"}); err == nil {
		t.Error("expected error for unknown role")
	}
	if err := svc.Register(ctx, &Agent{ServiceID: "s", InstanceID: "i1", Role: "consumer"}); err == nil {
		t.Error("expected error for consumer without group")
	}
}

func TestHeartbeatRecordsHistory(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerConsumer(t, svc, "c1", "billing", "orders")

	err := svc.RecordHeartbeat(ctx, &Heartbeat{
		ServiceID:    "consumer-svc",
		InstanceID:   "c1",
		HealthStatus: HealthHealthy,
	})
	if err != nil {
		t.Fatalf("RecordHeartbeat failed: %v", err)
	}

	agent, _ := svc.Get(ctx, "c1")
	if agent.HealthStatus != HealthHealthy {
		t.Errorf("health status not applied: %s", agent.HealthStatus)
	}

	history, _ := svc.HealthHistory(ctx, "c1", 10)
	if len(history) != 1 {
		t.Errorf("expected 1 history row, got %d", len(history))
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	svc := NewService(newMemoryRepository(), nil)
	err := svc.RecordHeartbeat(context.Background(), &Heartbeat{InstanceID: "ghost"})
	if err == nil {
		t.Error("expected error for unregistered agent")
	}
}

func TestActiveAgentsExcludesStale(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerConsumer(t, svc, "fresh", "billing", "orders")
	registerConsumer(t, svc, "stale", "billing", "orders")
	repo.backdate("stale", 2*time.Minute)

	active, err := svc.ActiveAgents(ctx, "consumer")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].InstanceID != "fresh" {
		t.Errorf("expected only fresh agent, got %v", active)
	}
}

func TestBestConsumerForTopicOrdering(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerConsumer(t, svc, "busy", "billing", "orders")
	registerConsumer(t, svc, "idle", "billing", "orders")
	registerConsumer(t, svc, "other-topic", "billing", "payments")

	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "busy", HealthStatus: HealthHealthy, PendingMessagesCount: 100})
	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "idle", HealthStatus: HealthHealthy, PendingMessagesCount: 2})

	best, err := svc.BestConsumerForTopic(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if best.InstanceID != "idle" {
		t.Errorf("expected idle consumer, got %s", best.InstanceID)
	}
}

func TestBestConsumerPrefersFewerFailures(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerConsumer(t, svc, "flaky", "billing", "orders")
	registerConsumer(t, svc, "solid", "billing", "orders")

	// Failures outrank backlog in the ordering
	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "flaky", HealthStatus: HealthHealthy, FailureCount: 5, PendingMessagesCount: 0})
	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "solid", HealthStatus: HealthHealthy, FailureCount: 0, PendingMessagesCount: 50})

	best, err := svc.BestConsumerForTopic(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	if best.InstanceID != "solid" {
		t.Errorf("expected solid consumer, got %s", best.InstanceID)
	}
}

func TestBestConsumerSkipsUnhealthy(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerConsumer(t, svc, "sick", "billing", "orders")
	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "sick", HealthStatus: HealthUnhealthy})

	if _, err := svc.BestConsumerForTopic(ctx, "orders"); err == nil {
		t.Error("unhealthy consumer should not be routable")
	}
}

func registerProducer(t *testing.T, svc *Service, instanceID string) {
	t.Helper()
	err := svc.Register(context.Background(), &Agent{
		ServiceID:  "producer-svc",
		InstanceID: instanceID,
		Role:       "producer",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func TestBestConsumerForGroup(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerConsumer(t, svc, "flaky", "billing", "orders")
	registerConsumer(t, svc, "solid", "billing", "orders")
	registerConsumer(t, svc, "wrong-group", "shipping", "orders")

	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "flaky", HealthStatus: HealthHealthy, FailureCount: 5})
	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "solid", HealthStatus: HealthHealthy, FailureCount: 0})
	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "wrong-group", HealthStatus: HealthHealthy})

	serviceID, err := svc.BestConsumerForGroup(ctx, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if serviceID != "consumer-svc" {
		t.Errorf("expected consumer-svc, got %s", serviceID)
	}

	if _, err := svc.BestConsumerForGroup(ctx, "ghost-group"); err == nil {
		t.Error("expected error when the group has no healthy consumers")
	}
}

func TestHealthiestProducerPrefersFrequentHeartbeats(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerProducer(t, svc, "steady")
	registerProducer(t, svc, "sporadic")

	// Both heartbeat recently, but steady does so far more often
	for i := 0; i < 5; i++ {
		svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "steady", HealthStatus: HealthHealthy})
	}
	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "sporadic", HealthStatus: HealthHealthy})

	best, err := svc.HealthiestProducer(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if best.InstanceID != "steady" {
		t.Errorf("expected the frequently heartbeating producer, got %s", best.InstanceID)
	}
}

func TestHealthiestProducerNoneActive(t *testing.T) {
	svc := NewService(newMemoryRepository(), nil)
	if _, err := svc.HealthiestProducer(context.Background()); err == nil {
		t.Error("expected error with no active producers")
	}
}

func TestDeactivateRemovesFromRotation(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerConsumer(t, svc, "c1", "billing", "orders")
	if err := svc.Deactivate(ctx, "c1"); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}

	agent, _ := svc.Get(ctx, "c1")
	if agent.Status != StatusInactive {
		t.Errorf("expected INACTIVE, got %s", agent.Status)
	}
	active, _ := svc.ActiveAgents(ctx, "consumer")
	if len(active) != 0 {
		t.Errorf("deactivated agent should not be active, got %v", active)
	}
}

func TestGCTransitions(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerConsumer(t, svc, "fresh", "billing", "orders")
	registerConsumer(t, svc, "stale", "billing", "orders")
	registerConsumer(t, svc, "dead", "billing", "orders")
	registerConsumer(t, svc, "drained", "billing", "orders")

	repo.backdate("stale", 2*time.Minute)
	repo.backdate("dead", 10*time.Minute)
	repo.backdate("drained", 10*time.Minute)
	svc.SetMaintenance(ctx, "drained", true)

	if err := svc.GC(ctx); err != nil {
		t.Fatalf("GC failed: %v", err)
	}

	assertStatus := func(id string, want AgentStatus) {
		agent, _ := svc.Get(ctx, id)
		if agent.Status != want {
			t.Errorf("%s: expected %s, got %s", id, want, agent.Status)
		}
	}
	assertStatus("fresh", StatusActive)
	assertStatus("stale", StatusInactive)
	assertStatus("dead", StatusTerminated)
	assertStatus("drained", StatusMaintenance)
}

func TestHeartbeatReactivatesInactive(t *testing.T) {
	repo := newMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	registerConsumer(t, svc, "c1", "billing", "orders")
	repo.backdate("c1", 2*time.Minute)
	svc.GC(ctx)

	agent, _ := svc.Get(ctx, "c1")
	if agent.Status != StatusInactive {
		t.Fatalf("setup: expected INACTIVE, got %s", agent.Status)
	}

	svc.RecordHeartbeat(ctx, &Heartbeat{InstanceID: "c1", HealthStatus: HealthHealthy})
	agent, _ = svc.Get(ctx, "c1")
	if agent.Status != StatusActive {
		t.Errorf("heartbeat should reactivate agent, got %s", agent.Status)
	}
}
