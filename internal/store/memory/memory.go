// Package memory implements the store contract entirely in process memory.
// Event delivery is synchronous, fan-out-to-all and best-effort: a panicking
// handler is recovered and logged, and never stops delivery to the others.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/store/statecache"
)

// Driver is the in-memory backend used for development and tests.
type Driver struct {
	cache     *statecache.Cache
	log       *logrus.Entry
	connected atomic.Bool

	mu       sync.RWMutex
	handlers []store.EventHandler
}

// New creates an in-memory driver.
func New(log *logrus.Logger) *Driver {
	return &Driver{
		cache: statecache.New(),
		log:   log.WithField("component", "store.memory"),
	}
}

// Connect marks the driver ready.
func (d *Driver) Connect(ctx context.Context) error {
	d.connected.Store(true)
	d.log.Debug("memory store connected")
	return nil
}

// Close releases state. Idempotent.
func (d *Driver) Close() error {
	if !d.connected.Swap(false) {
		return nil
	}
	d.mu.Lock()
	d.handlers = nil
	d.mu.Unlock()
	d.log.Debug("memory store closed")
	return nil
}

func (d *Driver) ready() error {
	if !d.connected.Load() {
		return store.ErrClosed
	}
	return nil
}

// SaveLocation stores the sample and bumps the agent's counters.
func (d *Driver) SaveLocation(ctx context.Context, agentID string, sample *model.LocationSample) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.cache.SaveLocation(agentID, sample)
	return nil
}

// GetLastLocation returns the most recent sample.
func (d *Driver) GetLastLocation(ctx context.Context, agentID string) (*model.LocationSample, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.cache.LastLocation(agentID)
}

// SaveStatus stores the agent's current status.
func (d *Driver) SaveStatus(ctx context.Context, agentID string, status model.AgentStatus, ts int64) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.cache.SaveStatus(agentID, status, ts)
	return nil
}

// GetStatus returns the agent's current status.
func (d *Driver) GetStatus(ctx context.Context, agentID string) (model.AgentStatus, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	return d.cache.Status(agentID)
}

// SaveAgentState stores the full snapshot.
func (d *Driver) SaveAgentState(ctx context.Context, agentID string, state *model.AgentState) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.cache.SaveState(agentID, state)
	return nil
}

// GetAgentState returns the snapshot.
func (d *Driver) GetAgentState(ctx context.Context, agentID string) (*model.AgentState, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.cache.State(agentID)
}

// GetAllAgents enumerates known agents across all stored kinds.
func (d *Driver) GetAllAgents(ctx context.Context) ([]string, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.cache.Agents(), nil
}

// PublishEvent invokes every subscribed handler synchronously.
func (d *Driver) PublishEvent(ctx context.Context, event *model.Event) error {
	if err := d.ready(); err != nil {
		return err
	}

	d.mu.RLock()
	handlers := make([]store.EventHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		d.invoke(h, event)
	}
	return nil
}

func (d *Driver) invoke(h store.EventHandler, event *model.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{
				"event": event.Type,
				"panic": r,
			}).Error("event subscriber panicked")
		}
	}()
	h(event)
}

// SubscribeEvents registers a handler for future events.
func (d *Driver) SubscribeEvents(ctx context.Context, handler store.EventHandler) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, handler)
	d.mu.Unlock()
	return nil
}

// UnsubscribeEvents removes all handlers. Idempotent.
func (d *Driver) UnsubscribeEvents() error {
	d.mu.Lock()
	d.handlers = nil
	d.mu.Unlock()
	return nil
}

// GetAgentStats returns accepted-sample counters.
func (d *Driver) GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.cache.Stats(agentID)
}

// ClearAgentData removes every record kind for the agent.
func (d *Driver) ClearAgentData(ctx context.Context, agentID string) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.cache.Clear(agentID)
	return nil
}
