// Package store defines the storage driver contract. Every backend — memory,
// Redis, NATS, JetStream, MQTT, WebSocket broadcast, PostgreSQL — implements
// the same Driver interface, which is the substitutability boundary of the
// engine.
package store

import (
	"context"
	"errors"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
)

// ErrNotFound is returned when an agent has no stored record of the requested
// kind.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a disconnected driver.
var ErrClosed = errors.New("driver closed")

// EventHandler receives every event published after subscription. Handlers
// must not be assumed to run on the publisher's goroutine; a panicking handler
// is recovered and logged by the driver and never stops delivery to others.
type EventHandler func(*model.Event)

// Driver is the pluggable backend contract. Delivery semantics for
// PublishEvent differ by backend and are not normalized: the in-memory driver
// is synchronous fan-out, pub/sub backends follow their native semantics, the
// JetStream driver supports replay and the MQTT driver acknowledged delivery.
type Driver interface {
	// Connect acquires backend resources. No other operation is valid before
	// it succeeds.
	Connect(ctx context.Context) error

	// Close releases resources. Idempotent.
	Close() error

	// SaveLocation persists the sample as the agent's last location and
	// increments the agent's stats (totalLocations, lastUpdate).
	SaveLocation(ctx context.Context, agentID string, sample *model.LocationSample) error

	// GetLastLocation returns the most recent sample, or ErrNotFound.
	GetLastLocation(ctx context.Context, agentID string) (*model.LocationSample, error)

	// SaveStatus persists the agent's current status with its transition
	// timestamp.
	SaveStatus(ctx context.Context, agentID string, status model.AgentStatus, ts int64) error

	// GetStatus returns the current status, or ErrNotFound.
	GetStatus(ctx context.Context, agentID string) (model.AgentStatus, error)

	// SaveAgentState persists the full snapshot.
	SaveAgentState(ctx context.Context, agentID string, state *model.AgentState) error

	// GetAgentState returns the snapshot, or ErrNotFound.
	GetAgentState(ctx context.Context, agentID string) (*model.AgentState, error)

	// GetAllAgents enumerates every agent id known to any stored kind,
	// deduplicated.
	GetAllAgents(ctx context.Context) ([]string, error)

	// PublishEvent delivers the event to all subscribers per backend
	// semantics.
	PublishEvent(ctx context.Context, event *model.Event) error

	// SubscribeEvents registers a handler for every subsequently published
	// event until UnsubscribeEvents.
	SubscribeEvents(ctx context.Context, handler EventHandler) error

	// UnsubscribeEvents stops all handler invocations. Idempotent.
	UnsubscribeEvents() error

	// GetAgentStats returns accepted-sample counters, or ErrNotFound.
	GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error)

	// ClearAgentData removes the agent's location, status, state and stats.
	ClearAgentData(ctx context.Context, agentID string) error
}
