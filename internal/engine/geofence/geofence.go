// Package geofence maintains the zone registry and the per-agent membership
// index, and emits enter/exit deltas as agents move. The membership index is
// the single source of truth for zone presence.
package geofence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/geo"
	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/timeutil"
)

// Engine owns the zones and per-agent membership sets.
type Engine struct {
	store store.Driver
	now   timeutil.Clock
	log   *logrus.Entry

	mu         sync.RWMutex
	zones      map[string]*model.Geofence
	membership map[string]map[string]bool // agentID -> zoneID -> inside
}

// New creates a geofence engine.
func New(driver store.Driver, clock timeutil.Clock, log *logrus.Logger) *Engine {
	return &Engine{
		store:      driver,
		now:        clock,
		log:        log.WithField("component", "geofence"),
		zones:      make(map[string]*model.Geofence),
		membership: make(map[string]map[string]bool),
	}
}

// Register validates and inserts (or overwrites) a zone. Memberships are not
// recomputed retroactively; they update on the next Check.
func (e *Engine) Register(zone *model.Geofence) error {
	ok, errs := geo.ValidateGeofence(zone)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrInvalidInput, strings.Join(errs, "; "))
	}

	e.mu.Lock()
	e.zones[zone.ID] = zone
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"zone": zone.ID, "type": zone.Type}).Info("geofence registered")
	return nil
}

// Remove erases the zone and clears it from every agent's membership set.
// No exit events are emitted; removal is an admin operation, not a movement.
func (e *Engine) Remove(zoneID string) {
	e.mu.Lock()
	delete(e.zones, zoneID)
	for _, zones := range e.membership {
		delete(zones, zoneID)
	}
	e.mu.Unlock()

	e.log.WithField("zone", zoneID).Info("geofence removed")
}

// Check evaluates the sample against every registered zone, emits enter/exit
// deltas and replaces the agent's membership set. It returns the sorted zone
// ids now containing the agent.
func (e *Engine) Check(ctx context.Context, agentID string, sample *model.LocationSample) ([]string, error) {
	point := sample.Coordinate()

	e.mu.Lock()
	current := e.membership[agentID]
	next := make(map[string]bool, len(e.zones))
	var entered, exited []*model.Geofence

	for id, zone := range e.zones {
		inside, err := geo.PointInGeofence(point, zone)
		if err != nil {
			// Registration validates zones; an unknown tag here means a
			// corrupted registry entry.
			e.log.WithField("zone", id).WithError(err).Error("geofence check failed")
			continue
		}
		if inside {
			next[id] = true
			if !current[id] {
				entered = append(entered, zone)
			}
		} else if current[id] {
			exited = append(exited, zone)
		}
	}
	e.membership[agentID] = next
	e.mu.Unlock()

	ts := e.now()
	for _, zone := range entered {
		if err := e.emit(ctx, model.EventGeofenceEntered, model.DirectionEnter, agentID, zone, sample, ts); err != nil {
			return nil, err
		}
	}
	for _, zone := range exited {
		if err := e.emit(ctx, model.EventGeofenceExited, model.DirectionExit, agentID, zone, sample, ts); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(next))
	for id := range next {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (e *Engine) emit(ctx context.Context, kind model.EventType, direction, agentID string, zone *model.Geofence, sample *model.LocationSample, ts int64) error {
	event := &model.Event{
		ID:        uuid.NewString(),
		Type:      kind,
		AgentID:   agentID,
		Timestamp: ts,
		Payload: &model.GeofencePayload{
			AgentID:      agentID,
			GeofenceID:   zone.ID,
			GeofenceName: zone.Name,
			Sample:       sample,
			Timestamp:    ts,
			Direction:    direction,
		},
	}
	if err := e.store.PublishEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", kind, err)
	}
	return nil
}

// Geofences returns every registered zone, sorted by id.
func (e *Engine) Geofences() []*model.Geofence {
	e.mu.RLock()
	defer e.mu.RUnlock()

	zones := make([]*model.Geofence, 0, len(e.zones))
	for _, zone := range e.zones {
		zones = append(zones, zone)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })
	return zones
}

// Geofence returns a zone by id, or nil.
func (e *Engine) Geofence(zoneID string) *model.Geofence {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.zones[zoneID]
}

// AgentGeofences returns the full records of the zones currently containing
// the agent.
func (e *Engine) AgentGeofences(agentID string) []*model.Geofence {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var zones []*model.Geofence
	for id, inside := range e.membership[agentID] {
		if inside {
			if zone, ok := e.zones[id]; ok {
				zones = append(zones, zone)
			}
		}
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].ID < zones[j].ID })
	return zones
}

// IsAgentIn reports current membership of an agent in a zone.
func (e *Engine) IsAgentIn(agentID, zoneID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.membership[agentID][zoneID]
}

// AgentsIn returns the agents currently inside the zone, sorted.
func (e *Engine) AgentsIn(zoneID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var agents []string
	for agentID, zones := range e.membership {
		if zones[zoneID] {
			agents = append(agents, agentID)
		}
	}
	sort.Strings(agents)
	return agents
}

// ClearAgent drops the agent's membership set without emitting events.
func (e *Engine) ClearAgent(agentID string) {
	e.mu.Lock()
	delete(e.membership, agentID)
	e.mu.Unlock()
}

// Nearest returns the zone whose boundary is closest to the point, with the
// distance in meters. Returns nil when no zones are registered.
func (e *Engine) Nearest(point model.Coordinate) (*model.Geofence, float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var best *model.Geofence
	bestDist := -1.0
	for _, zone := range e.zones {
		d, err := geo.DistanceToGeofence(point, zone)
		if err != nil {
			continue
		}
		if bestDist < 0 || d < bestDist {
			best = zone
			bestDist = d
		}
	}
	return best, bestDist
}
