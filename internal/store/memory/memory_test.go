package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eng-MMustafa/location-monitor/internal/logger"
	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
)

func newDriver(t *testing.T) *Driver {
	t.Helper()
	d := New(logger.Discard())
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func sample(agentID string, ts int64) *model.LocationSample {
	return &model.LocationSample{AgentID: agentID, Lat: 30.0444, Lon: 31.2357, Timestamp: ts}
}

func TestRejectsOperationsBeforeConnect(t *testing.T) {
	d := New(logger.Discard())
	ctx := context.Background()

	err := d.SaveLocation(ctx, "a1", sample("a1", 1000))
	assert.ErrorIs(t, err, store.ErrClosed)

	_, err = d.GetLastLocation(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrClosed)

	err = d.PublishEvent(ctx, &model.Event{Type: model.EventLocationReceived})
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestLocationRoundTrip(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	_, err := d.GetLastLocation(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, d.SaveLocation(ctx, "a1", sample("a1", 1000)))
	require.NoError(t, d.SaveLocation(ctx, "a1", sample("a1", 2000)))

	got, err := d.GetLastLocation(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Timestamp)
}

func TestStatusRoundTrip(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	_, err := d.GetStatus(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, d.SaveStatus(ctx, "a1", model.StatusMoving, 1000))

	got, err := d.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMoving, got)
}

func TestAgentStateRoundTrip(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	state := &model.AgentState{
		AgentID:       "a1",
		Status:        model.StatusActive,
		LastUpdate:    5000,
		TotalDistance: 120.5,
	}
	require.NoError(t, d.SaveAgentState(ctx, "a1", state))

	got, err := d.GetAgentState(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, 120.5, got.TotalDistance)
}

func TestStatsCountAcceptedSamples(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	_, err := d.GetAgentStats(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, d.SaveLocation(ctx, "a1", sample("a1", i*1000)))
	}

	stats, err := d.GetAgentStats(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalLocations)
	assert.Equal(t, int64(3000), stats.LastUpdate)
}

func TestGetAllAgentsDeduplicates(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.SaveLocation(ctx, "b", sample("b", 1000)))
	require.NoError(t, d.SaveStatus(ctx, "b", model.StatusActive, 1000))
	require.NoError(t, d.SaveStatus(ctx, "a", model.StatusIdle, 1000))
	require.NoError(t, d.SaveAgentState(ctx, "c", &model.AgentState{AgentID: "c"}))

	agents, err := d.GetAllAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, agents)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	var first, second []*model.Event
	require.NoError(t, d.SubscribeEvents(ctx, func(e *model.Event) { first = append(first, e) }))
	require.NoError(t, d.SubscribeEvents(ctx, func(e *model.Event) { second = append(second, e) }))

	event := &model.Event{ID: "e1", Type: model.EventStatusChanged, AgentID: "a1"}
	require.NoError(t, d.PublishEvent(ctx, event))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, model.EventStatusChanged, first[0].Type)
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	var delivered int
	require.NoError(t, d.SubscribeEvents(ctx, func(e *model.Event) { panic("boom") }))
	require.NoError(t, d.SubscribeEvents(ctx, func(e *model.Event) { delivered++ }))

	require.NoError(t, d.PublishEvent(ctx, &model.Event{Type: model.EventAgentIdle}))
	assert.Equal(t, 1, delivered)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	var delivered int
	require.NoError(t, d.SubscribeEvents(ctx, func(e *model.Event) { delivered++ }))
	require.NoError(t, d.UnsubscribeEvents())
	require.NoError(t, d.UnsubscribeEvents()) // idempotent

	require.NoError(t, d.PublishEvent(ctx, &model.Event{Type: model.EventAgentIdle}))
	assert.Zero(t, delivered)
}

func TestClearAgentData(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.SaveLocation(ctx, "a1", sample("a1", 1000)))
	require.NoError(t, d.SaveStatus(ctx, "a1", model.StatusActive, 1000))
	require.NoError(t, d.SaveAgentState(ctx, "a1", &model.AgentState{AgentID: "a1"}))

	require.NoError(t, d.ClearAgentData(ctx, "a1"))

	_, err := d.GetLastLocation(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = d.GetStatus(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = d.GetAgentState(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = d.GetAgentStats(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	agents, err := d.GetAllAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := New(logger.Discard())
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	err := d.SaveStatus(context.Background(), "a1", model.StatusActive, 1)
	assert.ErrorIs(t, err, store.ErrClosed)
}
