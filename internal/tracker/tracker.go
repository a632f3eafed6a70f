// Package tracker is the service facade. It owns the engines and the storage
// handle, composes the ingest pipeline and exposes the public operations of
// the presence engine.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/config"
	"github.com/Eng-MMustafa/location-monitor/internal/engine/geofence"
	"github.com/Eng-MMustafa/location-monitor/internal/engine/location"
	"github.com/Eng-MMustafa/location-monitor/internal/engine/status"
	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/timeutil"
	"github.com/Eng-MMustafa/location-monitor/internal/watchdog"
)

// ErrNotInitialized is returned by every public operation outside the
// running state.
var ErrNotInitialized = errors.New("tracker not initialized")

// Tracker composes the location, status and geofence engines over one
// storage driver and drives the watchdog.
type Tracker struct {
	cfg      *config.Config
	store    store.Driver
	log      *logrus.Entry
	now      timeutil.Clock
	location *location.Engine
	status   *status.Engine
	geofence *geofence.Engine
	watchdog *watchdog.Watchdog

	locks       keyedMutex
	initialized atomic.Bool
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock injects a deterministic time source for tests.
func WithClock(clock timeutil.Clock) Option {
	return func(t *Tracker) { t.now = clock }
}

// New wires the engines over the given driver. The tracker accepts no
// operations until Init.
func New(cfg *config.Config, driver store.Driver, log *logrus.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		store: driver,
		log:   log.WithField("component", "tracker"),
		now:   timeutil.SystemClock,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.location = location.New(driver, cfg.Thresholds, t.now, log)
	t.status = status.New(driver, cfg.Thresholds, t.now, log)
	t.geofence = geofence.New(driver, t.now, log)
	t.watchdog = watchdog.New(cfg.Watchdog.Enabled, cfg.Watchdog.CheckInterval, t.listAgents, t.checkAgentByTime, log)
	return t
}

// Init connects storage and starts the watchdog.
func (t *Tracker) Init(ctx context.Context) error {
	if err := t.store.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect storage: %w", err)
	}
	t.watchdog.Start()
	t.initialized.Store(true)
	t.log.Info("tracker initialized")
	return nil
}

// Shutdown stops the watchdog and disconnects storage. Idempotent; after it
// returns, no ingest is accepted until a fresh Init.
func (t *Tracker) Shutdown(ctx context.Context) error {
	if !t.initialized.Swap(false) {
		return nil
	}
	t.watchdog.Stop()
	if err := t.store.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	t.log.Info("tracker shut down")
	return nil
}

func (t *Tracker) ready() error {
	if !t.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// Track ingests one observation and runs the full pipeline: location engine,
// status detection, geofence deltas, snapshot update. Pass ts <= 0 for
// "now". Within one call the location.received event precedes any status or
// geofence events, and the snapshot write completes last.
func (t *Tracker) Track(ctx context.Context, agentID string, lat, lon float64, ts int64, meta model.JSONMap) (*model.LocationSample, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}

	mu := t.locks.lock(agentID)
	defer mu.Unlock()

	res, err := t.location.Track(ctx, agentID, lat, lon, ts, meta)
	if err != nil {
		return nil, err
	}

	newStatus, err := t.status.DetectStatus(ctx, agentID, res.Sample, res.Previous)
	if err != nil {
		return nil, err
	}

	var zones []string
	if t.cfg.Geofence.Enabled {
		zones, err = t.geofence.Check(ctx, agentID, res.Sample)
		if err != nil {
			return nil, err
		}
	}

	if err := t.updateSnapshot(ctx, agentID, res, newStatus, zones); err != nil {
		return nil, err
	}
	return res.Sample, nil
}

func (t *Tracker) updateSnapshot(ctx context.Context, agentID string, res *location.Result, st model.AgentStatus, zones []string) error {
	previous, err := t.store.GetAgentState(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read agent state: %w", err)
	}

	now := t.now()
	state := &model.AgentState{
		AgentID:         agentID,
		Status:          st,
		LastLocation:    res.Sample,
		LastUpdate:      now,
		ActiveGeofences: zones,
	}
	if previous != nil {
		state.LastMovement = previous.LastMovement
		state.TotalDistance = previous.TotalDistance
	}
	if res.Sample.Speed > 0 {
		state.LastMovement = now
	}
	state.TotalDistance += res.Distance

	if err := t.store.SaveAgentState(ctx, agentID, state); err != nil {
		return fmt.Errorf("failed to save agent state: %w", err)
	}
	return nil
}

// GetLocation returns the agent's last accepted sample.
func (t *Tracker) GetLocation(ctx context.Context, agentID string) (*model.LocationSample, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.location.CurrentLocation(ctx, agentID)
}

// GetStatus returns the agent's current status.
func (t *Tracker) GetStatus(ctx context.Context, agentID string) (model.AgentStatus, error) {
	if err := t.ready(); err != nil {
		return "", err
	}
	return t.store.GetStatus(ctx, agentID)
}

// GetAgentState returns the agent's snapshot.
func (t *Tracker) GetAgentState(ctx context.Context, agentID string) (*model.AgentState, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.store.GetAgentState(ctx, agentID)
}

// GetAllAgents enumerates every known agent.
func (t *Tracker) GetAllAgents(ctx context.Context) ([]string, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.store.GetAllAgents(ctx)
}

// SetStatus forces the agent into the given status.
func (t *Tracker) SetStatus(ctx context.Context, agentID string, st model.AgentStatus, reason string) error {
	if err := t.ready(); err != nil {
		return err
	}

	mu := t.locks.lock(agentID)
	defer mu.Unlock()
	return t.status.SetStatus(ctx, agentID, st, reason)
}

// RegisterGeofence validates and registers a zone.
func (t *Tracker) RegisterGeofence(zone *model.Geofence) error {
	if err := t.ready(); err != nil {
		return err
	}
	return t.geofence.Register(zone)
}

// RemoveGeofence removes a zone and its memberships.
func (t *Tracker) RemoveGeofence(zoneID string) error {
	if err := t.ready(); err != nil {
		return err
	}
	t.geofence.Remove(zoneID)
	return nil
}

// GetGeofences returns every registered zone.
func (t *Tracker) GetGeofences() ([]*model.Geofence, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.geofence.Geofences(), nil
}

// GetAgentGeofences returns the zones currently containing the agent.
func (t *Tracker) GetAgentGeofences(agentID string) ([]*model.Geofence, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.geofence.AgentGeofences(agentID), nil
}

// IsAgentInGeofence reports current membership.
func (t *Tracker) IsAgentInGeofence(agentID, zoneID string) (bool, error) {
	if err := t.ready(); err != nil {
		return false, err
	}
	return t.geofence.IsAgentIn(agentID, zoneID), nil
}

// NearestGeofence returns the zone whose boundary lies closest to the point,
// together with the distance in meters, or nil when none is registered.
func (t *Tracker) NearestGeofence(point model.Coordinate) (*model.Geofence, float64, error) {
	if err := t.ready(); err != nil {
		return nil, 0, err
	}
	zone, dist := t.geofence.Nearest(point)
	return zone, dist, nil
}

// GetAgentsInGeofence returns the agents currently inside the zone.
func (t *Tracker) GetAgentsInGeofence(zoneID string) ([]string, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.geofence.AgentsIn(zoneID), nil
}

// SubscribeEvents registers a handler for every subsequent event.
func (t *Tracker) SubscribeEvents(ctx context.Context, handler store.EventHandler) error {
	if err := t.ready(); err != nil {
		return err
	}
	return t.store.SubscribeEvents(ctx, handler)
}

// UnsubscribeEvents stops all handler invocations. Idempotent.
func (t *Tracker) UnsubscribeEvents() error {
	if err := t.ready(); err != nil {
		return err
	}
	return t.store.UnsubscribeEvents()
}

// GetAgentStats returns accepted-sample counters.
func (t *Tracker) GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.store.GetAgentStats(ctx, agentID)
}

// ClearAgentData removes every stored record and membership for the agent.
func (t *Tracker) ClearAgentData(ctx context.Context, agentID string) error {
	if err := t.ready(); err != nil {
		return err
	}

	mu := t.locks.lock(agentID)
	defer mu.Unlock()

	if err := t.store.ClearAgentData(ctx, agentID); err != nil {
		return err
	}
	t.geofence.ClearAgent(agentID)
	return nil
}

// DistanceBetweenAgents returns the distance in meters between the last
// locations of two agents.
func (t *Tracker) DistanceBetweenAgents(ctx context.Context, agentA, agentB string) (float64, error) {
	if err := t.ready(); err != nil {
		return 0, err
	}
	return t.location.DistanceBetween(ctx, agentA, agentB)
}

// ForceWatchdogCheck runs one time-based evaluation for the agent.
func (t *Tracker) ForceWatchdogCheck(ctx context.Context, agentID string) error {
	if err := t.ready(); err != nil {
		return err
	}
	return t.watchdog.ForceCheck(ctx, agentID)
}

// ForceWatchdogCheckAll runs one full sweep synchronously.
func (t *Tracker) ForceWatchdogCheckAll(ctx context.Context) error {
	if err := t.ready(); err != nil {
		return err
	}
	t.watchdog.ForceCheckAll(ctx)
	return nil
}

// listAgents and checkAgentByTime are the watchdog's view of the tracker.
// checkAgentByTime takes the same per-agent lock as Track, so sweep writes
// never interleave with ingest for one agent.
func (t *Tracker) listAgents(ctx context.Context) ([]string, error) {
	return t.store.GetAllAgents(ctx)
}

func (t *Tracker) checkAgentByTime(ctx context.Context, agentID string) error {
	mu := t.locks.lock(agentID)
	defer mu.Unlock()
	return t.status.CheckByTime(ctx, agentID)
}
