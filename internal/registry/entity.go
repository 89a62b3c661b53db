// Package registry implements the agent registry and health plane. Every
// producer and consumer instance registers itself at startup, heartbeats
// with runtime stats, and can be discovered through the producer API.
package registry

import (
	"time"

	"github.com/lib/pq"
	"github.com/jmoiron/sqlx/types"
)

// AgentStatus is the administrative status of an agent
type AgentStatus string

const (
	// StatusActive - agent is registered and heartbeating
	StatusActive AgentStatus = "ACTIVE"

	// StatusInactive - agent missed its heartbeat window
	StatusInactive AgentStatus = "INACTIVE"

	// StatusUnhealthy - agent is heartbeating but reports failing checks
	StatusUnhealthy AgentStatus = "UNHEALTHY"

	// StatusMaintenance - agent is administratively drained
	StatusMaintenance AgentStatus = "MAINTENANCE"

	// StatusTerminated - agent stopped heartbeating long enough to be
	// garbage collected
	StatusTerminated AgentStatus = "TERMINATED"
)

// HealthStatus is the agent's self-reported health
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// Agent is one registered service instance
type Agent struct {
	// ServiceID is the logical service identity (shared by instances)
	ServiceID string `db:"service_id" json:"serviceId"`

	// InstanceID uniquely identifies this instance
	InstanceID string `db:"instance_id" json:"instanceId"`

	// Role is "producer" or "consumer"
	Role string `db:"role" json:"role"`

	// ServiceName is the human-readable service name
	ServiceName string `db:"service_name" json:"serviceName,omitempty"`

	// BaseURL is the instance's advertised HTTP endpoint
	BaseURL string `db:"base_url" json:"baseUrl"`

	// Host, IP and Port describe where the instance runs
	Host string `db:"host" json:"host,omitempty"`
	IP   string `db:"ip" json:"ip,omitempty"`
	Port int    `db:"port" json:"port,omitempty"`

	// ConsumerGroup is set for consumer agents
	ConsumerGroup string `db:"consumer_group" json:"consumerGroup,omitempty"`

	// Topics are the topics a consumer agent subscribes to
	Topics pq.StringArray `db:"topics" json:"topics,omitempty"`

	// Version is the agent's reported build version
	Version string `db:"version" json:"version,omitempty"`

	// Status is the administrative status
	Status AgentStatus `db:"status" json:"status"`

	// HealthStatus is the self-reported health from the last heartbeat
	HealthStatus HealthStatus `db:"health_status" json:"healthStatus"`

	// Stats is the raw runtime stats blob from the last heartbeat
	Stats types.JSONText `db:"stats" json:"stats,omitempty"`

	// FailureCount counts consecutive processing failures reported by
	// the agent; used for load-aware routing
	FailureCount int `db:"failure_count" json:"failureCount"`

	// PendingMessagesCount is the agent's reported backlog
	PendingMessagesCount int64 `db:"pending_messages_count" json:"pendingMessagesCount"`

	// Metadata is an opaque blob of deployment labels supplied at
	// registration
	Metadata types.JSONText `db:"metadata" json:"metadata,omitempty"`

	// StartedAt is when the instance process started; reset on every
	// registration
	StartedAt       time.Time `db:"started_at" json:"startedAt"`
	RegisteredAt    time.Time `db:"registered_at" json:"registeredAt"`
	LastHeartbeatAt time.Time `db:"last_heartbeat_at" json:"lastHeartbeatAt"`
}

// Available reports whether the agent can take work: administratively
// active and not self-reporting unhealthy.
func (a *Agent) Available() bool {
	return a.Status == StatusActive && a.HealthStatus != HealthUnhealthy
}

// Heartbeat is one heartbeat submission from an agent
type Heartbeat struct {
	ServiceID            string         `json:"serviceId"`
	InstanceID           string         `json:"instanceId"`
	HealthStatus         HealthStatus   `json:"healthStatus"`
	Stats                types.JSONText `json:"stats,omitempty"`
	FailureCount         int            `json:"failureCount"`
	PendingMessagesCount int64          `json:"pendingMessagesCount"`
}

// HealthCheckRecord is one row of heartbeat history
type HealthCheckRecord struct {
	ID           int64          `db:"id" json:"id"`
	ServiceID    string         `db:"service_id" json:"serviceId"`
	InstanceID   string         `db:"instance_id" json:"instanceId"`
	HealthStatus HealthStatus   `db:"health_status" json:"healthStatus"`
	Stats        types.JSONText `db:"stats" json:"stats,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
}
