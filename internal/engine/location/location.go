// Package location implements the ingest pipeline: validate the raw
// observation, derive movement metrics against the previous sample, persist
// and publish location.received.
package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/config"
	"github.com/Eng-MMustafa/location-monitor/internal/geo"
	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/timeutil"
)

// minHeadingDistance suppresses heading noise when the agent is effectively
// stationary.
const minHeadingDistance = 1.0 // meters

// Result carries the accepted sample together with the context the rest of
// the pipeline needs: the previous sample and the segment distance.
type Result struct {
	Sample   *model.LocationSample
	Previous *model.LocationSample
	Distance float64 // meters from the previous sample, 0 for the first
}

// Engine validates and persists location samples.
type Engine struct {
	store      store.Driver
	thresholds config.Thresholds
	now        timeutil.Clock
	log        *logrus.Entry
}

// New creates a location engine.
func New(driver store.Driver, thresholds config.Thresholds, clock timeutil.Clock, log *logrus.Logger) *Engine {
	return &Engine{
		store:      driver,
		thresholds: thresholds,
		now:        clock,
		log:        log.WithField("component", "location"),
	}
}

// Track ingests one observation. An invalid agent id or coordinate is
// rejected with model.ErrInvalidInput; a missing or out-of-range timestamp is
// substituted with the current time. An abnormal jump is logged but the
// sample is still accepted.
func (e *Engine) Track(ctx context.Context, agentID string, lat, lon float64, ts int64, meta model.JSONMap) (*Result, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", model.ErrInvalidInput)
	}
	if !geo.ValidCoordinate(lat, lon) {
		return nil, fmt.Errorf("%w: coordinate (%v, %v) out of range", model.ErrInvalidInput, lat, lon)
	}

	now := e.now()
	ts = timeutil.Sanitize(ts, now)

	previous, err := e.store.GetLastLocation(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to read last location: %w", err)
	}

	var distance, speed, heading float64
	if previous != nil {
		position := model.Coordinate{Lat: lat, Lon: lon}
		distance = geo.Distance(previous.Coordinate(), position)
		dt := ts - previous.Timestamp

		if geo.AbnormalJump(distance, dt, e.thresholds.MaxJumpMeters) {
			e.log.WithFields(logrus.Fields{
				"agent":    agentID,
				"distance": distance,
				"dt_ms":    dt,
			}).Warn("abnormal location jump detected")
		}

		if dt > 0 {
			speed = geo.SpeedKmh(distance, dt)
		}
		if distance > minHeadingDistance {
			heading = geo.Bearing(previous.Coordinate(), position)
		}
	}

	sample := &model.LocationSample{
		AgentID:   agentID,
		Lat:       lat,
		Lon:       lon,
		Timestamp: ts,
		Speed:     speed,
		Heading:   heading,
		Metadata:  meta,
	}

	if err := e.store.SaveLocation(ctx, agentID, sample); err != nil {
		return nil, fmt.Errorf("failed to save location: %w", err)
	}

	event := &model.Event{
		ID:        uuid.NewString(),
		Type:      model.EventLocationReceived,
		AgentID:   agentID,
		Timestamp: now,
		Payload: &model.LocationPayload{
			AgentID:  agentID,
			Sample:   sample,
			Distance: distance,
			Speed:    speed,
		},
	}
	if err := e.store.PublishEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to publish location event: %w", err)
	}

	return &Result{Sample: sample, Previous: previous, Distance: distance}, nil
}

// CurrentLocation returns the agent's last accepted sample.
func (e *Engine) CurrentLocation(ctx context.Context, agentID string) (*model.LocationSample, error) {
	return e.store.GetLastLocation(ctx, agentID)
}

// DistanceBetween returns the great-circle distance in meters between the
// last locations of two agents. Either agent without a sample yields
// store.ErrNotFound.
func (e *Engine) DistanceBetween(ctx context.Context, agentA, agentB string) (float64, error) {
	a, err := e.store.GetLastLocation(ctx, agentA)
	if err != nil {
		return 0, err
	}
	b, err := e.store.GetLastLocation(ctx, agentB)
	if err != nil {
		return 0, err
	}
	return geo.Distance(a.Coordinate(), b.Coordinate()), nil
}
