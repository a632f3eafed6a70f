// Package status implements the presence state machine. Transitions come
// from two triggers: sample ingest (DetectStatus) and the periodic watchdog
// sweep (CheckByTime). Every persisted transition emits status.changed plus
// at most one specialized presence event.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/config"
	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/timeutil"
)

// Engine derives and persists agent statuses.
type Engine struct {
	store      store.Driver
	thresholds config.Thresholds
	now        timeutil.Clock
	log        *logrus.Entry
}

// New creates a status engine.
func New(driver store.Driver, thresholds config.Thresholds, clock timeutil.Clock, log *logrus.Logger) *Engine {
	return &Engine{
		store:      driver,
		thresholds: thresholds,
		now:        clock,
		log:        log.WithField("component", "status"),
	}
}

// DetectStatus classifies the agent from a freshly accepted sample.
// A long silence before the sample counts as coming back online and
// overrides the speed classification. The transition is persisted and
// emitted only when the status actually changes.
func (e *Engine) DetectStatus(ctx context.Context, agentID string, sample, previous *model.LocationSample) (model.AgentStatus, error) {
	var next model.AgentStatus
	switch {
	case previous == nil:
		next = model.StatusActive
	case sample.Timestamp-previous.Timestamp > e.thresholds.UnreachableAfter.Milliseconds():
		next = model.StatusActive
	case sample.Speed >= e.thresholds.MinSpeedKmh:
		next = model.StatusMoving
	default:
		next = model.StatusStopped
	}

	current, err := e.currentStatus(ctx, agentID)
	if err != nil {
		return "", err
	}
	if current == next {
		return next, nil
	}

	if err := e.transition(ctx, agentID, current, next, sample.Timestamp, ""); err != nil {
		return "", err
	}
	return next, nil
}

// CheckByTime re-evaluates the agent from its snapshot age. Transitions are
// evaluated offline, then unreachable, then idle against the evolving value,
// so prolonged silence yields OFFLINE rather than IDLE.
func (e *Engine) CheckByTime(ctx context.Context, agentID string) error {
	current, err := e.currentStatus(ctx, agentID)
	if err != nil {
		return err
	}

	state, err := e.store.GetAgentState(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to read agent state: %w", err)
	}

	now := e.now()
	next := current

	if state == nil || state.LastUpdate == 0 {
		next = model.StatusOffline
	} else {
		if timeutil.OlderThan(state.LastUpdate, now, e.thresholds.OfflineAfter) && next != model.StatusOffline {
			next = model.StatusOffline
		} else if timeutil.OlderThan(state.LastUpdate, now, e.thresholds.UnreachableAfter) &&
			next != model.StatusUnreachable && next != model.StatusOffline {
			next = model.StatusUnreachable
		}
		if state.LastMovement > 0 && timeutil.OlderThan(state.LastMovement, now, e.thresholds.IdleAfter) &&
			(next == model.StatusActive || next == model.StatusMoving) {
			next = model.StatusIdle
		}
	}

	if next == current {
		return nil
	}
	return e.transition(ctx, agentID, current, next, now, "")
}

// SetStatus forces a transition to the given status regardless of thresholds.
func (e *Engine) SetStatus(ctx context.Context, agentID string, status model.AgentStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", model.ErrInvalidInput, status)
	}

	current, err := e.currentStatus(ctx, agentID)
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	return e.transition(ctx, agentID, current, status, e.now(), reason)
}

// currentStatus reads the persisted status; an agent with none compares as
// OFFLINE.
func (e *Engine) currentStatus(ctx context.Context, agentID string) (model.AgentStatus, error) {
	current, err := e.store.GetStatus(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return model.StatusOffline, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}
	return current, nil
}

// transition persists the new status, emits status.changed and the matching
// specialized event. Callers guarantee old != new.
func (e *Engine) transition(ctx context.Context, agentID string, old, next model.AgentStatus, ts int64, reason string) error {
	if err := e.store.SaveStatus(ctx, agentID, next, ts); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"agent": agentID,
		"old":   old,
		"new":   next,
	}).Debug("status transition")

	event := &model.Event{
		ID:        uuid.NewString(),
		Type:      model.EventStatusChanged,
		AgentID:   agentID,
		Timestamp: ts,
		Payload: &model.StatusPayload{
			AgentID:   agentID,
			OldStatus: old,
			NewStatus: next,
			Timestamp: ts,
			Reason:    reason,
		},
	}
	if err := e.store.PublishEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}

	if specialized := specializedEvent(old, next); specialized != "" {
		return e.emitPresenceEvent(ctx, agentID, specialized, next, ts)
	}
	return nil
}

// specializedEvent maps a transition to its presence event, or "" when the
// transition has none.
func specializedEvent(old, next model.AgentStatus) model.EventType {
	switch {
	case next == model.StatusUnreachable && old != model.StatusUnreachable:
		return model.EventAgentUnreachable
	case (old == model.StatusUnreachable || old == model.StatusOffline) &&
		(next == model.StatusActive || next == model.StatusMoving):
		return model.EventAgentBackOnline
	case next == model.StatusIdle && old != model.StatusIdle:
		return model.EventAgentIdle
	case next == model.StatusActive && (old == model.StatusIdle || old == model.StatusStopped):
		return model.EventAgentActive
	}
	return ""
}

func (e *Engine) emitPresenceEvent(ctx context.Context, agentID string, kind model.EventType, status model.AgentStatus, ts int64) error {
	state, err := e.store.GetAgentState(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		// Synthesize a minimal snapshot for agents observed before their
		// first snapshot write.
		state = &model.AgentState{AgentID: agentID, Status: status, LastUpdate: ts}
	} else if err != nil {
		return fmt.Errorf("failed to read agent state: %w", err)
	}

	event := &model.Event{
		ID:        uuid.NewString(),
		Type:      kind,
		AgentID:   agentID,
		Timestamp: ts,
		Payload:   state,
	}
	if err := e.store.PublishEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", kind, err)
	}
	return nil
}
