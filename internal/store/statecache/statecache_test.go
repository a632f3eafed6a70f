package statecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
)

func TestSaveLocationBumpsCounters(t *testing.T) {
	c := New()

	c.SaveLocation("a1", &model.LocationSample{AgentID: "a1", Timestamp: 1000})
	c.SaveLocation("a1", &model.LocationSample{AgentID: "a1", Timestamp: 2000})

	sample, err := c.LastLocation("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), sample.Timestamp)

	stats, err := c.Stats("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalLocations)
	assert.Equal(t, int64(2000), stats.LastUpdate)
}

func TestStatsReturnsACopy(t *testing.T) {
	c := New()
	c.SaveLocation("a1", &model.LocationSample{AgentID: "a1", Timestamp: 1000})

	stats, err := c.Stats("a1")
	require.NoError(t, err)
	stats.TotalLocations = 99

	fresh, err := c.Stats("a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fresh.TotalLocations)
}

func TestMissingRecordsReportNotFound(t *testing.T) {
	c := New()

	_, err := c.LastLocation("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = c.Status("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = c.State("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = c.Stats("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAgentsUnionsAllRecordKinds(t *testing.T) {
	c := New()

	c.SaveLocation("b", &model.LocationSample{AgentID: "b"})
	c.SaveStatus("a", model.StatusActive, 1000)
	c.SaveStatus("b", model.StatusIdle, 1000)
	c.SaveState("c", &model.AgentState{AgentID: "c"})

	assert.Equal(t, []string{"a", "b", "c"}, c.Agents())

	c.Clear("b")
	assert.Equal(t, []string{"a", "c"}, c.Agents())
}
