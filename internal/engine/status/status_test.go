package status

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eng-MMustafa/location-monitor/internal/config"
	"github.com/Eng-MMustafa/location-monitor/internal/logger"
	"github.com/Eng-MMustafa/location-monitor/internal/model"
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

func newEngine(t *testing.T) (*Engine, *memory.Driver, *fakeClock, *recorder) {
	t.Helper()
	driver := memory.New(logger.Discard())
	require.NoError(t, driver.Connect(context.Background()))
	t.Cleanup(func() { _ = driver.Close() })

	rec := &recorder{}
	require.NoError(t, driver.SubscribeEvents(context.Background(), rec.handle))

	clock := &fakeClock{ms: 1700000000000}
	engine := New(driver, config.Default().Thresholds, clock.Now, logger.Discard())
	return engine, driver, clock, rec
}

func sampleAt(ts int64, speed float64) *model.LocationSample {
	return &model.LocationSample{AgentID: "a1", Lat: 30, Lon: 31, Timestamp: ts, Speed: speed}
}

func TestDetectStatusFirstSample(t *testing.T) {
	engine, driver, clock, rec := newEngine(t)
	ctx := context.Background()

	st, err := engine.DetectStatus(ctx, "a1", sampleAt(clock.ms, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, st)

	// An agent never seen before counts as coming back from offline.
	assert.Equal(t, []model.EventType{model.EventStatusChanged, model.EventAgentBackOnline}, rec.types())

	payload, ok := rec.events[0].Payload.(*model.StatusPayload)
	require.True(t, ok)
	assert.Equal(t, model.StatusOffline, payload.OldStatus)
	assert.Equal(t, model.StatusActive, payload.NewStatus)

	stored, err := driver.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stored)
}

func TestDetectStatusClassifiesBySpeed(t *testing.T) {
	tests := []struct {
		name     string
		speed    float64
		expected model.AgentStatus
	}{
		{"below the movement threshold", 1.0, model.StatusStopped},
		{"at the movement threshold", 1.5, model.StatusMoving},
		{"well above", 40, model.StatusMoving},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, clock, _ := newEngine(t)
			ctx := context.Background()

			previous := sampleAt(clock.ms-10000, 0)
			st, err := engine.DetectStatus(ctx, "a1", sampleAt(clock.ms, tt.speed), previous)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, st)
		})
	}
}

func TestDetectStatusLongGapOverridesSpeed(t *testing.T) {
	engine, driver, clock, rec := newEngine(t)
	ctx := context.Background()

	require.NoError(t, driver.SaveStatus(ctx, "a1", model.StatusUnreachable, clock.ms-60000))
	rec.events = nil

	// The sample arrives 60s after the previous one, beyond the unreachable
	// threshold, so the agent is back online regardless of its speed.
	previous := sampleAt(clock.ms-60000, 0)
	st, err := engine.DetectStatus(ctx, "a1", sampleAt(clock.ms, 20), previous)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, st)
	assert.Equal(t, []model.EventType{model.EventStatusChanged, model.EventAgentBackOnline}, rec.types())
}

func TestDetectStatusNoTransitionWhenUnchanged(t *testing.T) {
	engine, _, clock, rec := newEngine(t)
	ctx := context.Background()

	_, err := engine.DetectStatus(ctx, "a1", sampleAt(clock.ms, 0), nil)
	require.NoError(t, err)

	clock.ms += 10000
	_, err = engine.DetectStatus(ctx, "a1", sampleAt(clock.ms, 10), sampleAt(clock.ms-10000, 0))
	require.NoError(t, err)
	eventsAfterMoving := len(rec.events)

	// Same classification again: nothing persisted, nothing emitted.
	clock.ms += 10000
	_, err = engine.DetectStatus(ctx, "a1", sampleAt(clock.ms, 12), sampleAt(clock.ms-10000, 10))
	require.NoError(t, err)
	assert.Len(t, rec.events, eventsAfterMoving)
}

func TestCheckByTimeUnknownAgentStaysOffline(t *testing.T) {
	engine, _, _, rec := newEngine(t)

	require.NoError(t, engine.CheckByTime(context.Background(), "ghost"))
	assert.Empty(t, rec.events)
}

func TestCheckByTimeTransitions(t *testing.T) {
	tests := []struct {
		name         string
		current      model.AgentStatus
		updateAge    int64 // ms before now
		movementAge  int64 // 0 means no movement recorded
		expected     model.AgentStatus
		expectEvents []model.EventType
	}{
		{
			name:         "fresh agent is untouched",
			current:      model.StatusActive,
			updateAge:    1000,
			expected:     model.StatusActive,
			expectEvents: nil,
		},
		{
			name:         "silence past the unreachable threshold",
			current:      model.StatusActive,
			updateAge:    40000,
			expected:     model.StatusUnreachable,
			expectEvents: []model.EventType{model.EventStatusChanged, model.EventAgentUnreachable},
		},
		{
			name:         "silence past the offline threshold",
			current:      model.StatusUnreachable,
			updateAge:    11 * 60 * 1000,
			expected:     model.StatusOffline,
			expectEvents: []model.EventType{model.EventStatusChanged},
		},
		{
			name:         "reporting but not moving becomes idle",
			current:      model.StatusActive,
			updateAge:    1000,
			movementAge:  6 * 60 * 1000,
			expected:     model.StatusIdle,
			expectEvents: []model.EventType{model.EventStatusChanged, model.EventAgentIdle},
		},
		{
			name:         "prolonged silence wins over idleness",
			current:      model.StatusMoving,
			updateAge:    11 * 60 * 1000,
			movementAge:  11 * 60 * 1000,
			expected:     model.StatusOffline,
			expectEvents: []model.EventType{model.EventStatusChanged},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, driver, clock, rec := newEngine(t)
			ctx := context.Background()

			require.NoError(t, driver.SaveStatus(ctx, "a1", tt.current, clock.ms))
			state := &model.AgentState{
				AgentID:    "a1",
				Status:     tt.current,
				LastUpdate: clock.ms - tt.updateAge,
			}
			if tt.movementAge > 0 {
				state.LastMovement = clock.ms - tt.movementAge
			}
			require.NoError(t, driver.SaveAgentState(ctx, "a1", state))
			rec.events = nil

			require.NoError(t, engine.CheckByTime(ctx, "a1"))

			got, err := driver.GetStatus(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.expectEvents, rec.types())
		})
	}
}

func TestSetStatus(t *testing.T) {
	engine, driver, clock, rec := newEngine(t)
	ctx := context.Background()

	err := engine.SetStatus(ctx, "a1", "sleeping", "nap")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	require.NoError(t, driver.SaveStatus(ctx, "a1", model.StatusActive, clock.ms))
	rec.events = nil

	// Forcing the current status is a no-op.
	require.NoError(t, engine.SetStatus(ctx, "a1", model.StatusActive, ""))
	assert.Empty(t, rec.events)

	require.NoError(t, engine.SetStatus(ctx, "a1", model.StatusUnreachable, "maintenance window"))
	require.NotEmpty(t, rec.events)

	payload, ok := rec.events[0].Payload.(*model.StatusPayload)
	require.True(t, ok)
	assert.Equal(t, "maintenance window", payload.Reason)

	got, err := driver.GetStatus(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUnreachable, got)
}
