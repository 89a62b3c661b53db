package topic

import (
	"context"
	"errors"
	"fmt"

	"log/slog"

	"github.com/google/uuid"
)

// Registry is the service layer over the topic repository. The intake uses
// it to resolve fan-out targets, the retry scan reads delivery policy from
// it, and the HTTP API drives registration through it.
type Registry struct {
	repo Repository
}

// NewRegistry creates a topic registry service
func NewRegistry(repo Repository) *Registry {
	return &Registry{repo: repo}
}

// RegisterTopic registers a topic with its initial consumer groups in one
// transaction. Registering an existing name fails with ErrTopicExists.
func (s *Registry) RegisterTopic(ctx context.Context, name, description string, groups []*GroupRegistration) (*Topic, error) {
	if name == "" {
		return nil, fmt.Errorf("topic name is required")
	}

	t := &Topic{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Active:      true,
	}
	for _, g := range groups {
		if g.Name == "" {
			return nil, fmt.Errorf("group name is required")
		}
		normalizeGroup(g, t.ID)
	}

	if err := s.repo.CreateTopic(ctx, t, groups); err != nil {
		return nil, err
	}

	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.Name
	}
	slog.Info("Topic registered", "topic", name, "groups", names)
	return t, nil
}

// AddGroup registers a consumer group on an existing topic. A duplicate
// (topic, group) pair fails with ErrGroupExists.
func (s *Registry) AddGroup(ctx context.Context, topicName string, g *GroupRegistration) error {
	if g.Name == "" {
		return fmt.Errorf("group name is required")
	}

	t, err := s.repo.GetTopic(ctx, topicName)
	if err != nil {
		return err
	}
	normalizeGroup(g, t.ID)
	g.TopicName = t.Name

	if err := s.repo.AddGroup(ctx, g); err != nil {
		return err
	}
	slog.Info("Consumer group registered", "group", g.Name, "topic", topicName,
		"requiresAck", g.RequiresAck, "ackTimeoutMinutes", g.AckTimeoutMinutes,
		"maxRetries", g.MaxRetries)
	return nil
}

func normalizeGroup(g *GroupRegistration, topicID string) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.TopicID = topicID
	g.Active = true
	if g.AckTimeoutMinutes <= 0 {
		g.AckTimeoutMinutes = DefaultAckTimeoutMinutes
	}
}

// DeactivateTopic takes a topic out of fan-out. History is preserved.
func (s *Registry) DeactivateTopic(ctx context.Context, name string) error {
	if err := s.repo.DeactivateTopic(ctx, name); err != nil {
		return err
	}
	slog.Info("Topic deactivated", "topic", name)
	return nil
}

// DeactivateGroup takes one group registration out of fan-out
func (s *Registry) DeactivateGroup(ctx context.Context, topicName, group string) error {
	if err := s.repo.DeactivateGroup(ctx, topicName, group); err != nil {
		return err
	}
	slog.Info("Consumer group deactivated", "group", group, "topic", topicName)
	return nil
}

// GetTopic fetches one topic by name
func (s *Registry) GetTopic(ctx context.Context, name string) (*Topic, error) {
	return s.repo.GetTopic(ctx, name)
}

// GetGroup fetches one group registration by topic and group name
func (s *Registry) GetGroup(ctx context.Context, topicName, group string) (*GroupRegistration, error) {
	return s.repo.GetGroup(ctx, topicName, group)
}

// ActiveGroupsForTopic resolves the fan-out targets for one topic
func (s *Registry) ActiveGroupsForTopic(ctx context.Context, topicName string) ([]*GroupRegistration, error) {
	return s.repo.GroupsForTopic(ctx, topicName, false)
}

// GroupsForTopic lists a topic's registrations, inactive ones included
// when includeInactive is set
func (s *Registry) GroupsForTopic(ctx context.Context, topicName string, includeInactive bool) ([]*GroupRegistration, error) {
	return s.repo.GroupsForTopic(ctx, topicName, includeInactive)
}

// ActiveGroups returns every active registration on an active topic.
// The retry scan iterates this set.
func (s *Registry) ActiveGroups(ctx context.Context) ([]*GroupRegistration, error) {
	return s.repo.ListGroups(ctx, false)
}

// ListGroups returns registrations across all topics
func (s *Registry) ListGroups(ctx context.Context, includeInactive bool) ([]*GroupRegistration, error) {
	return s.repo.ListGroups(ctx, includeInactive)
}

// TopicsForGroup returns the active topics a consumer group subscribes to
func (s *Registry) TopicsForGroup(ctx context.Context, group string) ([]string, error) {
	return s.repo.TopicsForGroup(ctx, group)
}

// ListTopics returns all registered topics
func (s *Registry) ListTopics(ctx context.Context) ([]*Topic, error) {
	return s.repo.ListTopics(ctx)
}

// Seed ensures the default demo topic and consumer group exist so a fresh
// install can round-trip a message with no manual registration.
func (s *Registry) Seed(ctx context.Context) error {
	_, err := s.RegisterTopic(ctx, "demo-events", "Default demo topic",
		[]*GroupRegistration{DefaultGroup("demo-consumers")})
	if errors.Is(err, ErrTopicExists) {
		return nil
	}
	return err
}
