package tracker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eng-MMustafa/location-monitor/internal/config"
	"github.com/Eng-MMustafa/location-monitor/internal/logger"
	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/store/memory"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) Now() int64 { return c.ms }

type recorder struct {
	events []*model.Event
}

func (r *recorder) handle(e *model.Event) { r.events = append(r.events, e) }

func (r *recorder) types() []model.EventType {
	if len(r.events) == 0 {
		return nil
	}
	out := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newTracker(t *testing.T) (*Tracker, *fakeClock, *recorder) {
	t.Helper()

	cfg := config.Default()
	cfg.Watchdog.Enabled = false

	driver := memory.New(logger.Discard())
	clock := &fakeClock{ms: 1700000000000}
	tr := New(cfg, driver, logger.Discard(), WithClock(clock.Now))

	ctx := context.Background()
	require.NoError(t, tr.Init(ctx))
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	rec := &recorder{}
	require.NoError(t, tr.SubscribeEvents(ctx, rec.handle))
	return tr, clock, rec
}

func TestOperationsRequireInit(t *testing.T) {
	tr := New(config.Default(), memory.New(logger.Discard()), logger.Discard())
	ctx := context.Background()

	_, err := tr.Track(ctx, "a1", 30, 31, 0, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = tr.GetStatus(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = tr.GetAllAgents(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
	err = tr.RegisterGeofence(model.NewCircularGeofence("z", "z", model.Coordinate{Lat: 30, Lon: 31}, 100))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestShutdownIsIdempotent(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Shutdown(ctx))
	require.NoError(t, tr.Shutdown(ctx))

	_, err := tr.Track(ctx, "a1", 30, 31, 0, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestFirstSampleBringsAgentOnline(t *testing.T) {
	tr, clock, rec := newTracker(t)
	ctx := context.Background()

	sample, err := tr.Track(ctx, "a1", 30.0444, 31.2357, clock.ms, nil)
	require.NoError(t, err)
	assert.Equal(t, clock.ms, sample.Timestamp)

	assert.Equal(t, []model.EventType{
		model.EventLocationReceived,
		model.EventStatusChanged,
		model.EventAgentBackOnline,
	}, rec.types())

	status, err := tr.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, status)

	state, err := tr.GetAgentState(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, state.Status)
	assert.Equal(t, clock.ms, state.LastUpdate)
	assert.Zero(t, state.LastMovement)
	assert.Zero(t, state.TotalDistance)

	stats, err := tr.GetAgentStats(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalLocations)
}

func TestMovementUpdatesSnapshot(t *testing.T) {
	tr, clock, rec := newTracker(t)
	ctx := context.Background()

	_, err := tr.Track(ctx, "a1", 30.0, 31.0, clock.ms, nil)
	require.NoError(t, err)
	rec.events = nil

	// ~111m north over 20s: ~20 km/h, well above the movement threshold.
	clock.ms += 20000
	sample, err := tr.Track(ctx, "a1", 30.001, 31.0, clock.ms, nil)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, sample.Speed, 0.2)

	assert.Equal(t, []model.EventType{
		model.EventLocationReceived,
		model.EventStatusChanged,
	}, rec.types())

	status, err := tr.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMoving, status)

	state, err := tr.GetAgentState(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 111.2, state.TotalDistance, 0.5)
	assert.Equal(t, clock.ms, state.LastMovement)

	// A further stationary sample keeps the travelled distance and the
	// last-movement mark.
	rec.events = nil
	clock.ms += 20000
	_, err = tr.Track(ctx, "a1", 30.001, 31.0, clock.ms, nil)
	require.NoError(t, err)

	state, err = tr.GetAgentState(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 111.2, state.TotalDistance, 0.5)
	assert.Equal(t, clock.ms-20000, state.LastMovement)
}

func TestGeofenceTransitionsDuringIngest(t *testing.T) {
	tr, clock, rec := newTracker(t)
	ctx := context.Background()

	hq := model.NewCircularGeofence("hq", "Headquarters", model.Coordinate{Lat: 30.0444, Lon: 31.2357}, 500)
	require.NoError(t, tr.RegisterGeofence(hq))

	_, err := tr.Track(ctx, "a1", 30.0444, 31.2357, clock.ms, nil)
	require.NoError(t, err)
	assert.Contains(t, rec.types(), model.EventGeofenceEntered)

	state, err := tr.GetAgentState(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hq"}, state.ActiveGeofences)

	inside, err := tr.IsAgentInGeofence("a1", "hq")
	require.NoError(t, err)
	assert.True(t, inside)

	zones, err := tr.GetAgentGeofences("a1")
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "Headquarters", zones[0].Name)

	agents, err := tr.GetAgentsInGeofence("hq")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, agents)

	// Moving out produces the exit delta and empties the snapshot set.
	rec.events = nil
	clock.ms += 60000
	_, err = tr.Track(ctx, "a1", 30.2, 31.2357, clock.ms, nil)
	require.NoError(t, err)
	assert.Contains(t, rec.types(), model.EventGeofenceExited)

	state, err = tr.GetAgentState(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, state.ActiveGeofences)
}

func TestGeofenceCheckingCanBeDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Watchdog.Enabled = false
	cfg.Geofence.Enabled = false

	driver := memory.New(logger.Discard())
	clock := &fakeClock{ms: 1700000000000}
	tr := New(cfg, driver, logger.Discard(), WithClock(clock.Now))

	ctx := context.Background()
	require.NoError(t, tr.Init(ctx))
	t.Cleanup(func() { _ = tr.Shutdown(context.Background()) })

	rec := &recorder{}
	require.NoError(t, tr.SubscribeEvents(ctx, rec.handle))

	hq := model.NewCircularGeofence("hq", "Headquarters", model.Coordinate{Lat: 30.0444, Lon: 31.2357}, 500)
	require.NoError(t, tr.RegisterGeofence(hq))

	_, err := tr.Track(ctx, "a1", 30.0444, 31.2357, clock.ms, nil)
	require.NoError(t, err)
	assert.NotContains(t, rec.types(), model.EventGeofenceEntered)
}

func TestWatchdogDrivesPresenceDecay(t *testing.T) {
	tr, clock, rec := newTracker(t)
	ctx := context.Background()

	_, err := tr.Track(ctx, "a1", 30.0444, 31.2357, clock.ms, nil)
	require.NoError(t, err)

	// Fresh agent: the sweep changes nothing.
	rec.events = nil
	require.NoError(t, tr.ForceWatchdogCheck(ctx, "a1"))
	assert.Empty(t, rec.events)

	// 40s of silence crosses the unreachable threshold.
	clock.ms += 40000
	require.NoError(t, tr.ForceWatchdogCheck(ctx, "a1"))
	assert.Equal(t, []model.EventType{
		model.EventStatusChanged,
		model.EventAgentUnreachable,
	}, rec.types())

	status, err := tr.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnreachable, status)

	// Prolonged silence decays all the way to offline.
	rec.events = nil
	clock.ms += 11 * 60 * 1000
	require.NoError(t, tr.ForceWatchdogCheckAll(ctx))

	status, err = tr.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, status)

	// The next sample brings the agent back online.
	rec.events = nil
	_, err = tr.Track(ctx, "a1", 30.0444, 31.2357, clock.ms, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.EventType{
		model.EventLocationReceived,
		model.EventStatusChanged,
		model.EventAgentBackOnline,
	}, rec.types())
}

func TestSetStatusOverride(t *testing.T) {
	tr, clock, rec := newTracker(t)
	ctx := context.Background()

	_, err := tr.Track(ctx, "a1", 30.0444, 31.2357, clock.ms, nil)
	require.NoError(t, err)
	rec.events = nil

	require.NoError(t, tr.SetStatus(ctx, "a1", model.StatusIdle, "manual override"))

	status, err := tr.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, status)
	assert.Equal(t, []model.EventType{model.EventStatusChanged, model.EventAgentIdle}, rec.types())

	err = tr.SetStatus(ctx, "a1", "sleeping", "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestClearAgentData(t *testing.T) {
	tr, clock, _ := newTracker(t)
	ctx := context.Background()

	hq := model.NewCircularGeofence("hq", "Headquarters", model.Coordinate{Lat: 30.0444, Lon: 31.2357}, 500)
	require.NoError(t, tr.RegisterGeofence(hq))

	_, err := tr.Track(ctx, "a1", 30.0444, 31.2357, clock.ms, nil)
	require.NoError(t, err)

	require.NoError(t, tr.ClearAgentData(ctx, "a1"))

	_, err = tr.GetLocation(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = tr.GetStatus(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	inside, err := tr.IsAgentInGeofence("a1", "hq")
	require.NoError(t, err)
	assert.False(t, inside)

	agents, err := tr.GetAllAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestDistanceBetweenAgents(t *testing.T) {
	tr, clock, _ := newTracker(t)
	ctx := context.Background()

	_, err := tr.Track(ctx, "a1", 30.0, 31.0, clock.ms, nil)
	require.NoError(t, err)
	_, err = tr.Track(ctx, "a2", 30.001, 31.0, clock.ms, nil)
	require.NoError(t, err)

	d, err := tr.DistanceBetweenAgents(ctx, "a1", "a2")
	require.NoError(t, err)
	assert.InDelta(t, 111.2, d, 0.5)

	_, err = tr.DistanceBetweenAgents(ctx, "a1", "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRemoveGeofence(t *testing.T) {
	tr, clock, rec := newTracker(t)
	ctx := context.Background()

	hq := model.NewCircularGeofence("hq", "Headquarters", model.Coordinate{Lat: 30.0444, Lon: 31.2357}, 500)
	require.NoError(t, tr.RegisterGeofence(hq))

	_, err := tr.Track(ctx, "a1", 30.0444, 31.2357, clock.ms, nil)
	require.NoError(t, err)
	rec.events = nil

	require.NoError(t, tr.RemoveGeofence("hq"))
	assert.Empty(t, rec.events)

	zones, err := tr.GetGeofences()
	require.NoError(t, err)
	assert.Empty(t, zones)
}

func TestNearestGeofence(t *testing.T) {
	tr, _, _ := newTracker(t)

	zone, _, err := tr.NearestGeofence(model.Coordinate{Lat: 30, Lon: 31})
	require.NoError(t, err)
	assert.Nil(t, zone)

	hq := model.NewCircularGeofence("hq", "Headquarters", model.Coordinate{Lat: 30.0444, Lon: 31.2357}, 500)
	require.NoError(t, tr.RegisterGeofence(hq))

	zone, dist, err := tr.NearestGeofence(model.Coordinate{Lat: 30.05, Lon: 31.2357})
	require.NoError(t, err)
	require.NotNil(t, zone)
	assert.Equal(t, "hq", zone.ID)
	assert.Greater(t, dist, 0.0)
}
