package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const now = int64(1700000000000)

func TestValidTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		ts    int64
		valid bool
	}{
		{"zero", 0, false},
		{"negative", -5, false},
		{"in the past", now - 1000, true},
		{"now", now, true},
		{"slightly ahead", now + 30000, true},
		{"at the skew limit", now + 60000, true},
		{"beyond the skew limit", now + 60001, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTimestamp(tt.ts, now))
		})
	}
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, now-500, Sanitize(now-500, now))
	assert.Equal(t, now, Sanitize(0, now))
	assert.Equal(t, now, Sanitize(-1, now))
	assert.Equal(t, now, Sanitize(now+61000, now))
}

func TestOlderThan(t *testing.T) {
	assert.False(t, OlderThan(now, now, 30*time.Second))
	assert.False(t, OlderThan(now-30000, now, 30*time.Second))
	assert.True(t, OlderThan(now-30001, now, 30*time.Second))
	assert.True(t, OlderThan(now-3600000, now, 30*time.Second))
}

func TestFormatMillis(t *testing.T) {
	assert.Equal(t, "30s", FormatMillis(30000))
	assert.Equal(t, "5m0s", FormatMillis(300000))
}

func TestParseMillis(t *testing.T) {
	ms, err := ParseMillis("30s")
	require.NoError(t, err)
	assert.Equal(t, int64(30000), ms)

	ms, err = ParseMillis("5m")
	require.NoError(t, err)
	assert.Equal(t, int64(300000), ms)

	_, err = ParseMillis("not-a-duration")
	assert.Error(t, err)
}

func TestSystemClock(t *testing.T) {
	before := time.Now().UnixMilli()
	got := SystemClock()
	after := time.Now().UnixMilli()
	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, after)
}
