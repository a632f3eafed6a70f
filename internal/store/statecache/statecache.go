// Package statecache holds the process-local agent-state mirror used by
// backends whose transport is pure pub/sub (NATS, JetStream, MQTT, WebSocket
// broadcast). Those backends satisfy the read side of the store contract from
// this mirror, which is populated on every write through the contract.
package statecache

import (
	"sort"
	"sync"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
)

type statusRecord struct {
	status model.AgentStatus
	ts     int64
}

// Cache is a thread-safe in-memory mirror of per-agent records.
type Cache struct {
	mu        sync.RWMutex
	locations map[string]*model.LocationSample
	statuses  map[string]statusRecord
	states    map[string]*model.AgentState
	stats     map[string]*model.AgentStats
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		locations: make(map[string]*model.LocationSample),
		statuses:  make(map[string]statusRecord),
		states:    make(map[string]*model.AgentState),
		stats:     make(map[string]*model.AgentStats),
	}
}

// SaveLocation records the sample and bumps the agent's counters.
func (c *Cache) SaveLocation(agentID string, sample *model.LocationSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.locations[agentID] = sample

	st, ok := c.stats[agentID]
	if !ok {
		st = &model.AgentStats{AgentID: agentID}
		c.stats[agentID] = st
	}
	st.TotalLocations++
	st.LastUpdate = sample.Timestamp
}

// LastLocation returns the most recent sample, or store.ErrNotFound.
func (c *Cache) LastLocation(agentID string) (*model.LocationSample, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sample, ok := c.locations[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sample, nil
}

// SaveStatus records the agent's current status.
func (c *Cache) SaveStatus(agentID string, status model.AgentStatus, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[agentID] = statusRecord{status: status, ts: ts}
}

// Status returns the current status, or store.ErrNotFound.
func (c *Cache) Status(agentID string) (model.AgentStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.statuses[agentID]
	if !ok {
		return "", store.ErrNotFound
	}
	return rec.status, nil
}

// SaveState records the full snapshot.
func (c *Cache) SaveState(agentID string, state *model.AgentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[agentID] = state
}

// State returns the snapshot, or store.ErrNotFound.
func (c *Cache) State(agentID string) (*model.AgentState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.states[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return state, nil
}

// Stats returns the counters, or store.ErrNotFound.
func (c *Cache) Stats(agentID string) (*model.AgentStats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.stats[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// Agents returns every agent id known to any record kind, deduplicated and
// sorted.
func (c *Cache) Agents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	for id := range c.locations {
		seen[id] = struct{}{}
	}
	for id := range c.statuses {
		seen[id] = struct{}{}
	}
	for id := range c.states {
		seen[id] = struct{}{}
	}
	for id := range c.stats {
		seen[id] = struct{}{}
	}

	agents := make([]string, 0, len(seen))
	for id := range seen {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents
}

// Clear removes every record kind for the agent.
func (c *Cache) Clear(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locations, agentID)
	delete(c.statuses, agentID)
	delete(c.states, agentID)
	delete(c.stats, agentID)
}
