package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when an agent does not exist
var ErrNotFound = errors.New("agent not found")

// Repository persists agents and heartbeat history
type Repository interface {
	// Upsert registers an agent or refreshes an existing registration
	Upsert(ctx context.Context, agent *Agent) error

	// Get fetches one agent by instance id
	Get(ctx context.Context, instanceID string) (*Agent, error)

	// List returns all agents, optionally filtered by role ("" for all)
	List(ctx context.Context, role string) ([]*Agent, error)

	// UpdateHeartbeat applies a heartbeat to the agent row
	UpdateHeartbeat(ctx context.Context, hb *Heartbeat) error

	// SetStatus updates an agent's administrative status
	SetStatus(ctx context.Context, instanceID string, status AgentStatus) error

	// MarkStale moves ACTIVE agents without a heartbeat since the
	// cutoff to INACTIVE and returns how many changed
	MarkStale(ctx context.Context, cutoff time.Time) (int64, error)

	// Terminate moves non-terminated agents without a heartbeat since
	// the cutoff to TERMINATED and returns how many changed
	Terminate(ctx context.Context, cutoff time.Time) (int64, error)

	// InsertHealthCheck appends one heartbeat history row
	InsertHealthCheck(ctx context.Context, record *HealthCheckRecord) error

	// HealthHistory returns recent heartbeat history for an instance
	HealthHistory(ctx context.Context, instanceID string, limit int) ([]*HealthCheckRecord, error)

	// HeartbeatCounts returns how many heartbeats each instance recorded
	// since the given time, keyed by instance id
	HeartbeatCounts(ctx context.Context, since time.Time) (map[string]int64, error)
}

// PostgresRepository implements Repository on PostgreSQL
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates an agent repository
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateSchema creates the registry tables if they do not exist
func (r *PostgresRepository) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS service_agents (
		instance_id            TEXT PRIMARY KEY,
		service_id             TEXT NOT NULL,
		role                   TEXT NOT NULL,
		service_name           TEXT NOT NULL DEFAULT '',
		base_url               TEXT NOT NULL DEFAULT '',
		host                   TEXT NOT NULL DEFAULT '',
		ip                     TEXT NOT NULL DEFAULT '',
		port                   INT NOT NULL DEFAULT 0,
		consumer_group         TEXT NOT NULL DEFAULT '',
		topics                 TEXT[] NOT NULL DEFAULT '{}',
		version                TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL DEFAULT 'ACTIVE',
		health_status          TEXT NOT NULL DEFAULT 'UNKNOWN',
		stats                  JSONB NOT NULL DEFAULT '{}',
		failure_count          INT NOT NULL DEFAULT 0,
		pending_messages_count BIGINT NOT NULL DEFAULT 0,
		metadata               JSONB NOT NULL DEFAULT '{}',
		started_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		registered_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_heartbeat_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_agents_service ON service_agents(service_id);
	CREATE INDEX IF NOT EXISTS idx_agents_role_status ON service_agents(role, status);
	CREATE INDEX IF NOT EXISTS idx_agents_heartbeat ON service_agents(last_heartbeat_at);

	CREATE TABLE IF NOT EXISTS health_check_records (
		id            BIGSERIAL PRIMARY KEY,
		service_id    TEXT NOT NULL,
		instance_id   TEXT NOT NULL,
		health_status TEXT NOT NULL,
		stats         JSONB NOT NULL DEFAULT '{}',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_health_instance ON health_check_records(instance_id, created_at DESC);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create registry schema: %w", err)
	}
	return nil
}

const agentColumns = `
	instance_id, service_id, role, service_name, base_url, host, ip, port,
	consumer_group, topics, version, status, health_status, stats,
	failure_count, pending_messages_count, metadata, started_at,
	registered_at, last_heartbeat_at`

// Upsert registers an agent or refreshes an existing registration.
// Re-registration reactivates the agent and resets its heartbeat and
// start clocks.
func (r *PostgresRepository) Upsert(ctx context.Context, agent *Agent) error {
	metadata := agent.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO service_agents (
			instance_id, service_id, role, service_name, base_url,
			host, ip, port, consumer_group, topics, version, metadata,
			status, health_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'ACTIVE', $13)
		ON CONFLICT (instance_id) DO UPDATE SET
			service_id = EXCLUDED.service_id,
			role = EXCLUDED.role,
			service_name = EXCLUDED.service_name,
			base_url = EXCLUDED.base_url,
			host = EXCLUDED.host,
			ip = EXCLUDED.ip,
			port = EXCLUDED.port,
			consumer_group = EXCLUDED.consumer_group,
			topics = EXCLUDED.topics,
			version = EXCLUDED.version,
			metadata = EXCLUDED.metadata,
			status = 'ACTIVE',
			started_at = now(),
			last_heartbeat_at = now()`,
		agent.InstanceID, agent.ServiceID, agent.Role, agent.ServiceName,
		agent.BaseURL, agent.Host, agent.IP, agent.Port, agent.ConsumerGroup,
		agent.Topics, agent.Version, metadata, HealthUnknown)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", agent.InstanceID, err)
	}
	return nil
}

// Get fetches one agent by instance id
func (r *PostgresRepository) Get(ctx context.Context, instanceID string) (*Agent, error) {
	var agent Agent
	err := r.db.GetContext(ctx, &agent,
		`SELECT `+agentColumns+` FROM service_agents WHERE instance_id = $1`, instanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent %s: %w", instanceID, err)
	}
	return &agent, nil
}

// List returns all agents, optionally filtered by role
func (r *PostgresRepository) List(ctx context.Context, role string) ([]*Agent, error) {
	var agents []*Agent
	var err error
	if role == "" {
		err = r.db.SelectContext(ctx, &agents,
			`SELECT `+agentColumns+` FROM service_agents ORDER BY service_id, instance_id`)
	} else {
		err = r.db.SelectContext(ctx, &agents,
			`SELECT `+agentColumns+` FROM service_agents WHERE role = $1 ORDER BY service_id, instance_id`, role)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// UpdateHeartbeat applies a heartbeat to the agent row
func (r *PostgresRepository) UpdateHeartbeat(ctx context.Context, hb *Heartbeat) error {
	stats := hb.Stats
	if len(stats) == 0 {
		stats = []byte("{}")
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE service_agents SET
			health_status = $2,
			stats = $3,
			failure_count = $4,
			pending_messages_count = $5,
			status = CASE WHEN status IN ('INACTIVE', 'UNHEALTHY') THEN 'ACTIVE' ELSE status END,
			last_heartbeat_at = now()
		WHERE instance_id = $1`,
		hb.InstanceID, hb.HealthStatus, stats, hb.FailureCount, hb.PendingMessagesCount)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat for %s: %w", hb.InstanceID, err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, hb.InstanceID)
	}
	return nil
}

// SetStatus updates an agent's administrative status
func (r *PostgresRepository) SetStatus(ctx context.Context, instanceID string, status AgentStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE service_agents SET status = $2 WHERE instance_id = $1`, instanceID, status)
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", instanceID, err)
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return nil
}

// MarkStale moves ACTIVE agents without a recent heartbeat to INACTIVE
func (r *PostgresRepository) MarkStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE service_agents SET status = 'INACTIVE'
		WHERE status = 'ACTIVE' AND last_heartbeat_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale agents: %w", err)
	}
	return result.RowsAffected()
}

// Terminate garbage-collects agents without a heartbeat since the cutoff
func (r *PostgresRepository) Terminate(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE service_agents SET status = 'TERMINATED'
		WHERE status NOT IN ('TERMINATED', 'MAINTENANCE') AND last_heartbeat_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate agents: %w", err)
	}
	return result.RowsAffected()
}

// InsertHealthCheck appends one heartbeat history row
func (r *PostgresRepository) InsertHealthCheck(ctx context.Context, record *HealthCheckRecord) error {
	stats := record.Stats
	if len(stats) == 0 {
		stats = []byte("{}")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO health_check_records (service_id, instance_id, health_status, stats)
		VALUES ($1, $2, $3, $4)`,
		record.ServiceID, record.InstanceID, record.HealthStatus, stats)
	if err != nil {
		return fmt.Errorf("failed to insert health check record: %w", err)
	}
	return nil
}

// HealthHistory returns recent heartbeat history for an instance
func (r *PostgresRepository) HealthHistory(ctx context.Context, instanceID string, limit int) ([]*HealthCheckRecord, error) {
	var records []*HealthCheckRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT id, service_id, instance_id, health_status, stats, created_at
		FROM health_check_records
		WHERE instance_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get health history for %s: %w", instanceID, err)
	}
	return records, nil
}

// HeartbeatCounts returns per-instance heartbeat counts since the given
// time
func (r *PostgresRepository) HeartbeatCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT instance_id, COUNT(*)
		FROM health_check_records
		WHERE created_at >= $1
		GROUP BY instance_id`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count heartbeats: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var instanceID string
		var n int64
		if err := rows.Scan(&instanceID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat count: %w", err)
		}
		counts[instanceID] = n
	}
	return counts, rows.Err()
}
