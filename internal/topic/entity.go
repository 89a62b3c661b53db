// Package topic maintains the registry of topics and the consumer-group
// registrations subscribed to them. Fan-out, retry policy and consumer
// routing all read from this registry.
package topic

import "time"

// Topic is a registered message topic. Deactivated topics keep their row
// so history stays queryable, but they stop accepting sends and drop out
// of fan-out.
type Topic struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"topic_name" json:"name"`
	Description string    `db:"description" json:"description,omitempty"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// GroupRegistration binds a consumer group to a topic and carries the
// delivery policy the retry scan enforces for that pairing.
type GroupRegistration struct {
	ID      string `db:"id" json:"id"`
	TopicID string `db:"topic_id" json:"topicId"`
	// TopicName is joined in on reads; it is not a column of the
	// registration table.
	TopicName         string    `db:"topic_name" json:"topicName"`
	Name              string    `db:"group_name" json:"name"`
	RequiresAck       bool      `db:"requires_ack" json:"requiresAck"`
	Active            bool      `db:"active" json:"active"`
	AckTimeoutMinutes int       `db:"ack_timeout_minutes" json:"ackTimeoutMinutes"`
	MaxRetries        int       `db:"max_retries" json:"maxRetries"`
	CreatedAt         time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time `db:"updated_at" json:"updatedAt"`
}

// AckTimeout returns the group's ack timeout as a duration, or zero when
// the registration carries no timeout of its own.
func (g *GroupRegistration) AckTimeout() time.Duration {
	if g.AckTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(g.AckTimeoutMinutes) * time.Minute
}

// Unbounded reports whether the group allows unlimited retries.
func (g *GroupRegistration) Unbounded() bool {
	return g.MaxRetries < 0
}

// Policy defaults applied when a registration leaves them unset.
const (
	DefaultAckTimeoutMinutes = 5
	DefaultMaxRetries        = -1
)

// DefaultGroup returns a registration for name with the default policy:
// acks required, 5 minute timeout, unbounded retries.
func DefaultGroup(name string) *GroupRegistration {
	return &GroupRegistration{
		Name:              name,
		RequiresAck:       true,
		Active:            true,
		AckTimeoutMinutes: DefaultAckTimeoutMinutes,
		MaxRetries:        DefaultMaxRetries,
	}
}
