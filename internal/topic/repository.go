package topic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a topic or group registration does not exist
var ErrNotFound = errors.New("topic not found")

// ErrTopicExists is returned when registering a topic name that is taken
var ErrTopicExists = errors.New("topic already registered")

// ErrGroupExists is returned when a group is already registered on a topic
var ErrGroupExists = errors.New("consumer group already registered for topic")

// Repository persists topics and consumer group registrations
type Repository interface {
	// CreateTopic registers a topic and its initial group registrations
	// in one transaction. Returns ErrTopicExists if the name is taken.
	CreateTopic(ctx context.Context, t *Topic, groups []*GroupRegistration) error
	GetTopic(ctx context.Context, name string) (*Topic, error)
	ListTopics(ctx context.Context) ([]*Topic, error)
	DeactivateTopic(ctx context.Context, name string) error

	// AddGroup registers a group on an existing topic. Returns
	// ErrGroupExists if the (topic, group) pair is taken.
	AddGroup(ctx context.Context, g *GroupRegistration) error
	DeactivateGroup(ctx context.Context, topicName, group string) error
	GetGroup(ctx context.Context, topicName, group string) (*GroupRegistration, error)

	// GroupsForTopic returns a topic's group registrations. With
	// includeInactive false only active groups of an active topic
	// are returned.
	GroupsForTopic(ctx context.Context, topicName string, includeInactive bool) ([]*GroupRegistration, error)
	ListGroups(ctx context.Context, includeInactive bool) ([]*GroupRegistration, error)
	TopicsForGroup(ctx context.Context, group string) ([]string, error)
}

// PostgresRepository implements Repository on PostgreSQL
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a topic repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateSchema creates the topic registry tables if they do not exist
func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS topic_registrations (
		id          TEXT PRIMARY KEY,
		topic_name  TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS consumer_group_registrations (
		id                  TEXT PRIMARY KEY,
		topic_id            TEXT NOT NULL REFERENCES topic_registrations(id),
		group_name          TEXT NOT NULL,
		requires_ack        BOOLEAN NOT NULL DEFAULT TRUE,
		active              BOOLEAN NOT NULL DEFAULT TRUE,
		ack_timeout_minutes INT NOT NULL DEFAULT 5,
		max_retries         INT NOT NULL DEFAULT -1,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (topic_id, group_name)
	);

	CREATE INDEX IF NOT EXISTS idx_cgr_group ON consumer_group_registrations(group_name);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create topic schema: %w", err)
	}
	return nil
}

// CreateTopic registers a topic and its initial groups atomically
func (r *PostgresRepository) CreateTopic(ctx context.Context, t *Topic, groups []*GroupRegistration) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin topic registration: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO topic_registrations (id, topic_name, description, active)
		VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.Description, t.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrTopicExists, t.Name)
		}
		return fmt.Errorf("failed to create topic %s: %w", t.Name, err)
	}

	for _, g := range groups {
		if err := insertGroup(ctx, tx, g); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit topic registration: %w", err)
	}
	return nil
}

// GetTopic fetches one topic by name
func (r *PostgresRepository) GetTopic(ctx context.Context, name string) (*Topic, error) {
	var t Topic
	err := r.db.GetContext(ctx, &t, `
		SELECT id, topic_name, description, active, created_at, updated_at
		FROM topic_registrations WHERE topic_name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get topic %s: %w", name, err)
	}
	return &t, nil
}

// ListTopics returns all registered topics, active or not
func (r *PostgresRepository) ListTopics(ctx context.Context) ([]*Topic, error) {
	var topics []*Topic
	err := r.db.SelectContext(ctx, &topics, `
		SELECT id, topic_name, description, active, created_at, updated_at
		FROM topic_registrations ORDER BY topic_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	return topics, nil
}

// DeactivateTopic marks a topic inactive. The row and its group
// registrations are retained.
func (r *PostgresRepository) DeactivateTopic(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE topic_registrations
		SET active = FALSE, updated_at = now()
		WHERE topic_name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to deactivate topic %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddGroup registers a consumer group on an existing topic
func (r *PostgresRepository) AddGroup(ctx context.Context, g *GroupRegistration) error {
	return insertGroup(ctx, r.db, g)
}

func insertGroup(ctx context.Context, ex sqlx.ExecerContext, g *GroupRegistration) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO consumer_group_registrations (
			id, topic_id, group_name, requires_ack, active,
			ack_timeout_minutes, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.TopicID, g.Name, g.RequiresAck, g.Active,
		g.AckTimeoutMinutes, g.MaxRetries)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrGroupExists, g.Name)
		}
		return fmt.Errorf("failed to register group %s: %w", g.Name, err)
	}
	return nil
}

// DeactivateGroup marks one group registration inactive
func (r *PostgresRepository) DeactivateGroup(ctx context.Context, topicName, group string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE consumer_group_registrations g
		SET active = FALSE, updated_at = now()
		FROM topic_registrations t
		WHERE g.topic_id = t.id AND t.topic_name = $1 AND g.group_name = $2`,
		topicName, group)
	if err != nil {
		return fmt.Errorf("failed to deactivate group %s on %s: %w", group, topicName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const groupColumns = `
	g.id, g.topic_id, t.topic_name, g.group_name, g.requires_ack, g.active,
	g.ack_timeout_minutes, g.max_retries, g.created_at, g.updated_at`

// GetGroup fetches one group registration by topic and group name
func (r *PostgresRepository) GetGroup(ctx context.Context, topicName, group string) (*GroupRegistration, error) {
	var g GroupRegistration
	err := r.db.GetContext(ctx, &g, `
		SELECT `+groupColumns+`
		FROM consumer_group_registrations g
		JOIN topic_registrations t ON t.id = g.topic_id
		WHERE t.topic_name = $1 AND g.group_name = $2`,
		topicName, group)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get group %s on %s: %w", group, topicName, err)
	}
	return &g, nil
}

// GroupsForTopic returns a topic's group registrations
func (r *PostgresRepository) GroupsForTopic(ctx context.Context, topicName string, includeInactive bool) ([]*GroupRegistration, error) {
	query := `
		SELECT ` + groupColumns + `
		FROM consumer_group_registrations g
		JOIN topic_registrations t ON t.id = g.topic_id
		WHERE t.topic_name = $1`
	if !includeInactive {
		query += ` AND g.active AND t.active`
	}
	query += ` ORDER BY g.group_name`

	var groups []*GroupRegistration
	if err := r.db.SelectContext(ctx, &groups, query, topicName); err != nil {
		return nil, fmt.Errorf("failed to get groups for topic %s: %w", topicName, err)
	}
	return groups, nil
}

// ListGroups returns group registrations across all topics
func (r *PostgresRepository) ListGroups(ctx context.Context, includeInactive bool) ([]*GroupRegistration, error) {
	query := `
		SELECT ` + groupColumns + `
		FROM consumer_group_registrations g
		JOIN topic_registrations t ON t.id = g.topic_id`
	if !includeInactive {
		query += ` WHERE g.active AND t.active`
	}
	query += ` ORDER BY t.topic_name, g.group_name`

	var groups []*GroupRegistration
	if err := r.db.SelectContext(ctx, &groups, query); err != nil {
		return nil, fmt.Errorf("failed to list group registrations: %w", err)
	}
	return groups, nil
}

// TopicsForGroup returns the active topics a consumer group subscribes to
func (r *PostgresRepository) TopicsForGroup(ctx context.Context, group string) ([]string, error) {
	var topics []string
	err := r.db.SelectContext(ctx, &topics, `
		SELECT t.topic_name
		FROM consumer_group_registrations g
		JOIN topic_registrations t ON t.id = g.topic_id
		WHERE g.group_name = $1 AND g.active AND t.active
		ORDER BY t.topic_name`, group)
	if err != nil {
		return nil, fmt.Errorf("failed to get topics for group %s: %w", group, err)
	}
	return topics, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
