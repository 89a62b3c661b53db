package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"go.relaymesh.tech/internal/common/metrics"
)

// ServiceConfig holds registry service settings
type ServiceConfig struct {
	// StalenessThreshold is how long an agent may go without a
	// heartbeat before it is considered inactive (default 90s)
	StalenessThreshold time.Duration

	// TerminationThreshold is how long before a silent agent is
	// garbage collected (default 5m)
	TerminationThreshold time.Duration
}

// DefaultServiceConfig returns sensible defaults
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		StalenessThreshold:   90 * time.Second,
		TerminationThreshold: 5 * time.Minute,
	}
}

// Service is the registry service layer: registration, heartbeats,
// discovery and garbage collection.
type Service struct {
	repo   Repository
	config *ServiceConfig
	client *http.Client
}

// NewService creates a registry service
func NewService(repo Repository, config *ServiceConfig) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}
	return &Service{
		repo:   repo,
		config: config,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Register registers an agent or refreshes an existing registration
func (s *Service) Register(ctx context.Context, agent *Agent) error {
	if agent.ServiceID == "" || agent.InstanceID == "" {
		return fmt.Errorf("serviceId and instanceId are required")
	}
	if agent.Role != "producer" && agent.Role != "consumer" {
		return fmt.Errorf("role must be producer or consumer, got %q", agent.Role)
	}
	if agent.Role == "consumer" && agent.ConsumerGroup == "" {
		return fmt.Errorf("consumerGroup is required for consumer agents")
	}

	if err := s.repo.Upsert(ctx, agent); err != nil {
		return err
	}

	slog.Info("Agent registered",
		"serviceId", agent.ServiceID,
		"instanceId", agent.InstanceID,
		"role", agent.Role,
		"group", agent.ConsumerGroup)
	return nil
}

// RecordHeartbeat applies a heartbeat and appends it to the history
func (s *Service) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	if hb.InstanceID == "" {
		return fmt.Errorf("instanceId is required")
	}
	if hb.HealthStatus == "" {
		hb.HealthStatus = HealthUnknown
	}

	if err := s.repo.UpdateHeartbeat(ctx, hb); err != nil {
		return err
	}

	if err := s.repo.InsertHealthCheck(ctx, &HealthCheckRecord{
		ServiceID:    hb.ServiceID,
		InstanceID:   hb.InstanceID,
		HealthStatus: hb.HealthStatus,
		Stats:        hb.Stats,
	}); err != nil {
		// History is best effort; the heartbeat itself already landed
		slog.Warn("Failed to record heartbeat history", "error", err, "instanceId", hb.InstanceID)
	}

	metrics.RegistryHeartbeats.Inc()
	return nil
}

// Get fetches one agent
func (s *Service) Get(ctx context.Context, instanceID string) (*Agent, error) {
	return s.repo.Get(ctx, instanceID)
}

// List returns all agents, optionally filtered by role
func (s *Service) List(ctx context.Context, role string) ([]*Agent, error) {
	return s.repo.List(ctx, role)
}

// ActiveAgents returns available agents with a heartbeat inside the
// staleness window
func (s *Service) ActiveAgents(ctx context.Context, role string) ([]*Agent, error) {
	agents, err := s.repo.List(ctx, role)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-s.config.StalenessThreshold)
	var active []*Agent
	for _, agent := range agents {
		if agent.Available() && agent.LastHeartbeatAt.After(cutoff) {
			active = append(active, agent)
		}
	}
	return active, nil
}

// HealthyConsumersForGroup returns available consumers in a group
func (s *Service) HealthyConsumersForGroup(ctx context.Context, group string) ([]*Agent, error) {
	consumers, err := s.ActiveAgents(ctx, "consumer")
	if err != nil {
		return nil, err
	}

	var out []*Agent
	for _, agent := range consumers {
		if agent.ConsumerGroup == group {
			out = append(out, agent)
		}
	}
	return out, nil
}

// BestConsumerForTopic picks the least-loaded available consumer
// subscribed to the topic. Ordering: fewest failures, then smallest
// backlog, then most recent heartbeat.
func (s *Service) BestConsumerForTopic(ctx context.Context, topicName string) (*Agent, error) {
	consumers, err := s.ActiveAgents(ctx, "consumer")
	if err != nil {
		return nil, err
	}

	var best *Agent
	for _, agent := range consumers {
		if !subscribes(agent, topicName) {
			continue
		}
		if best == nil || better(agent, best) {
			best = agent
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no active consumer for topic %s", ErrNotFound, topicName)
	}
	return best, nil
}

// BestConsumerForGroup picks the best available consumer service in a
// group, with the same ordering as BestConsumerForTopic. The retry scan
// uses it to route retries away from struggling instances.
func (s *Service) BestConsumerForGroup(ctx context.Context, group string) (string, error) {
	consumers, err := s.HealthyConsumersForGroup(ctx, group)
	if err != nil {
		return "", err
	}

	var best *Agent
	for _, agent := range consumers {
		if best == nil || better(agent, best) {
			best = agent
		}
	}
	if best == nil {
		return "", fmt.Errorf("%w: no healthy consumer for group %s", ErrNotFound, group)
	}
	return best.ServiceID, nil
}

// LeastLoadedConsumer picks the consumer with the smallest backlog
// across all groups
func (s *Service) LeastLoadedConsumer(ctx context.Context) (*Agent, error) {
	consumers, err := s.ActiveAgents(ctx, "consumer")
	if err != nil {
		return nil, err
	}

	var best *Agent
	for _, agent := range consumers {
		if best == nil || better(agent, best) {
			best = agent
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no active consumers", ErrNotFound)
	}
	return best, nil
}

// HealthiestProducer returns the active producer with the highest
// heartbeat frequency over the recent history window. A steady stream of
// heartbeats says more about an instance than the timestamp of its last
// one; recency only breaks ties.
func (s *Service) HealthiestProducer(ctx context.Context) (*Agent, error) {
	producers, err := s.ActiveAgents(ctx, "producer")
	if err != nil {
		return nil, err
	}
	if len(producers) == 0 {
		return nil, fmt.Errorf("%w: no active producers", ErrNotFound)
	}

	counts, err := s.repo.HeartbeatCounts(ctx, time.Now().Add(-s.config.TerminationThreshold))
	if err != nil {
		return nil, err
	}

	var best *Agent
	for _, agent := range producers {
		if best == nil ||
			counts[agent.InstanceID] > counts[best.InstanceID] ||
			(counts[agent.InstanceID] == counts[best.InstanceID] &&
				agent.LastHeartbeatAt.After(best.LastHeartbeatAt)) {
			best = agent
		}
	}
	return best, nil
}

// SetMaintenance drains or undrains an agent
func (s *Service) SetMaintenance(ctx context.Context, instanceID string, drained bool) error {
	status := StatusActive
	if drained {
		status = StatusMaintenance
	}
	if err := s.repo.SetStatus(ctx, instanceID, status); err != nil {
		return err
	}
	slog.Info("Agent maintenance state changed", "instanceId", instanceID, "drained", drained)
	return nil
}

// Deactivate administratively takes an agent out of rotation. The row is
// retained; a later registration reactivates it.
func (s *Service) Deactivate(ctx context.Context, instanceID string) error {
	if err := s.repo.SetStatus(ctx, instanceID, StatusInactive); err != nil {
		return err
	}
	slog.Info("Agent deactivated", "instanceId", instanceID)
	return nil
}

// GC runs one garbage collection cycle: stale agents go INACTIVE, silent
// ones get TERMINATED. Runs as a scheduler job alongside the heartbeat.
func (s *Service) GC(ctx context.Context) error {
	now := time.Now()

	stale, err := s.repo.MarkStale(ctx, now.Add(-s.config.StalenessThreshold))
	if err != nil {
		return err
	}

	terminated, err := s.repo.Terminate(ctx, now.Add(-s.config.TerminationThreshold))
	if err != nil {
		return err
	}

	if stale > 0 || terminated > 0 {
		metrics.RegistryEvictions.Add(float64(terminated))
		slog.Info("Registry GC complete", "markedInactive", stale, "terminated", terminated)
	}

	s.publishGauges(ctx)
	return nil
}

// CheckAgent probes an agent's health endpoint directly
func (s *Service) CheckAgent(ctx context.Context, instanceID string) (HealthStatus, error) {
	agent, err := s.repo.Get(ctx, instanceID)
	if err != nil {
		return HealthUnknown, err
	}
	if agent.BaseURL == "" {
		return HealthUnknown, fmt.Errorf("agent %s has no base URL", instanceID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agent.BaseURL+"/q/health", nil)
	if err != nil {
		return HealthUnknown, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return HealthUnhealthy, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return HealthHealthy, nil
	}
	return HealthDegraded, nil
}

// HealthHistory returns recent heartbeat history for an instance
func (s *Service) HealthHistory(ctx context.Context, instanceID string, limit int) ([]*HealthCheckRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.HealthHistory(ctx, instanceID, limit)
}

func (s *Service) publishGauges(ctx context.Context) {
	agents, err := s.repo.List(ctx, "")
	if err != nil {
		return
	}

	counts := map[AgentStatus]int{}
	for _, agent := range agents {
		counts[agent.Status]++
	}
	for _, status := range []AgentStatus{StatusActive, StatusInactive, StatusUnhealthy, StatusMaintenance, StatusTerminated} {
		metrics.RegistryAgents.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func subscribes(agent *Agent, topicName string) bool {
	for _, t := range agent.Topics {
		if t == topicName {
			return true
		}
	}
	return false
}

// better reports whether a should be preferred over b for routing
func better(a, b *Agent) bool {
	if a.FailureCount != b.FailureCount {
		return a.FailureCount < b.FailureCount
	}
	if a.PendingMessagesCount != b.PendingMessagesCount {
		return a.PendingMessagesCount < b.PendingMessagesCount
	}
	return a.LastHeartbeatAt.After(b.LastHeartbeatAt)
}
