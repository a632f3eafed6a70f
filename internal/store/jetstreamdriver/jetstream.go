// Package jetstreamdriver implements the store contract over NATS JetStream.
// Events land on a persisted stream, so subscribers get at-least-once
// delivery with manual acknowledgment and the fabric supports replay from a
// point in time. Agent records are served from a process-local mirror.
package jetstreamdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/store/statecache"
)

const (
	streamName    = "TRACK_EVENTS"
	subjectPrefix = "track.events."
	consumerName  = "track-engine"
)

// Driver is the JetStream log-stream backend.
type Driver struct {
	url   string
	log   *logrus.Entry
	cache *statecache.Cache

	mu       sync.Mutex
	conn     *nats.Conn
	js       nats.JetStreamContext
	sub      *nats.Subscription
	handlers []store.EventHandler
}

// New creates a JetStream driver.
func New(url string, log *logrus.Logger) *Driver {
	return &Driver{
		url:   url,
		log:   log.WithField("component", "store.jetstream"),
		cache: statecache.New(),
	}
}

// Connect dials NATS and ensures the event stream exists.
func (d *Driver) Connect(ctx context.Context) error {
	conn, err := nats.Connect(d.url)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}
	if _, err := js.AddStream(cfg); err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			if _, err := js.UpdateStream(cfg); err != nil {
				conn.Close()
				return fmt.Errorf("failed to update stream %s: %w", streamName, err)
			}
		} else {
			conn.Close()
			return fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}
	}

	d.mu.Lock()
	d.conn = conn
	d.js = js
	d.mu.Unlock()
	d.log.WithField("stream", streamName).Info("connected to jetstream")
	return nil
}

// Close releases the subscription and connection. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sub != nil {
		d.sub.Unsubscribe()
		d.sub = nil
	}
	d.handlers = nil
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
		d.js = nil
	}
	return nil
}

func (d *Driver) context() (nats.JetStreamContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.js == nil {
		return nil, store.ErrClosed
	}
	return d.js, nil
}

// SaveLocation writes to the mirror.
func (d *Driver) SaveLocation(ctx context.Context, agentID string, sample *model.LocationSample) error {
	if _, err := d.context(); err != nil {
		return err
	}
	d.cache.SaveLocation(agentID, sample)
	return nil
}

// GetLastLocation reads from the mirror.
func (d *Driver) GetLastLocation(ctx context.Context, agentID string) (*model.LocationSample, error) {
	if _, err := d.context(); err != nil {
		return nil, err
	}
	return d.cache.LastLocation(agentID)
}

// SaveStatus writes to the mirror.
func (d *Driver) SaveStatus(ctx context.Context, agentID string, status model.AgentStatus, ts int64) error {
	if _, err := d.context(); err != nil {
		return err
	}
	d.cache.SaveStatus(agentID, status, ts)
	return nil
}

// GetStatus reads from the mirror.
func (d *Driver) GetStatus(ctx context.Context, agentID string) (model.AgentStatus, error) {
	if _, err := d.context(); err != nil {
		return "", err
	}
	return d.cache.Status(agentID)
}

// SaveAgentState writes to the mirror.
func (d *Driver) SaveAgentState(ctx context.Context, agentID string, state *model.AgentState) error {
	if _, err := d.context(); err != nil {
		return err
	}
	d.cache.SaveState(agentID, state)
	return nil
}

// GetAgentState reads from the mirror.
func (d *Driver) GetAgentState(ctx context.Context, agentID string) (*model.AgentState, error) {
	if _, err := d.context(); err != nil {
		return nil, err
	}
	return d.cache.State(agentID)
}

// GetAllAgents enumerates the mirror.
func (d *Driver) GetAllAgents(ctx context.Context) ([]string, error) {
	if _, err := d.context(); err != nil {
		return nil, err
	}
	return d.cache.Agents(), nil
}

// PublishEvent appends the event to the stream.
func (d *Driver) PublishEvent(ctx context.Context, event *model.Event) error {
	js, err := d.context()
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := js.Publish(subjectPrefix+string(event.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeEvents creates a durable consumer over the stream. Only events
// published after subscription are delivered; use ReplayEvents for history.
func (d *Driver) SubscribeEvents(ctx context.Context, handler store.EventHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.js == nil {
		return store.ErrClosed
	}
	d.handlers = append(d.handlers, handler)
	if d.sub != nil {
		return nil
	}

	sub, err := d.js.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			d.log.WithError(err).Error("failed to unmarshal event")
			msg.Ack()
			return
		}
		d.dispatch(&event)
		msg.Ack()
	},
		nats.Durable(consumerName),
		nats.DeliverNew(),
		nats.ManualAck(),
	)
	if err != nil {
		d.handlers = nil
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	d.sub = sub
	return nil
}

func (d *Driver) dispatch(event *model.Event) {
	d.mu.Lock()
	handlers := make([]store.EventHandler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.WithField("panic", r).Error("event subscriber panicked")
				}
			}()
			h(event)
		}()
	}
}

// UnsubscribeEvents drops the consumer and all handlers. Idempotent.
func (d *Driver) UnsubscribeEvents() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = nil
	if d.sub != nil {
		d.sub.Unsubscribe()
		d.sub = nil
	}
	return nil
}

// ReplayEvents re-delivers stream history starting at the given time. It
// returns once the stream is drained or ctx expires.
func (d *Driver) ReplayEvents(ctx context.Context, start time.Time, handler store.EventHandler) error {
	js, err := d.context()
	if err != nil {
		return err
	}

	sub, err := js.SubscribeSync(subjectPrefix+">", nats.StartTime(start))
	if err != nil {
		return fmt.Errorf("failed to open replay subscription: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := sub.NextMsg(time.Second)
		if err != nil {
			if err == nats.ErrTimeout {
				return nil
			}
			return fmt.Errorf("replay failed: %w", err)
		}

		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			d.log.WithError(err).Error("failed to unmarshal replayed event")
			msg.Ack()
			continue
		}
		handler(&event)
		msg.Ack()
	}
}

// GetAgentStats reads from the mirror.
func (d *Driver) GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error) {
	if _, err := d.context(); err != nil {
		return nil, err
	}
	return d.cache.Stats(agentID)
}

// ClearAgentData clears the mirror.
func (d *Driver) ClearAgentData(ctx context.Context, agentID string) error {
	if _, err := d.context(); err != nil {
		return err
	}
	d.cache.Clear(agentID)
	return nil
}
