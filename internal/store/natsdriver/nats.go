// Package natsdriver implements the store contract over NATS core pub/sub.
// The transport is pure pub/sub, so the read side of the contract is served
// from a process-local mirror populated on every write. With a queue group
// configured, subscribers across processes share work queue-broker style;
// delivery is NATS-native at-most-once.
package natsdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/store/statecache"
)

const subjectPrefix = "track.events."

// Driver is the NATS pub/sub backend.
type Driver struct {
	url        string
	queueGroup string
	log        *logrus.Entry
	cache      *statecache.Cache

	mu       sync.Mutex
	conn     *nats.Conn
	sub      *nats.Subscription
	handlers []store.EventHandler
}

// New creates a NATS driver. A non-empty queueGroup makes subscribers in the
// same group share delivery.
func New(url, queueGroup string, log *logrus.Logger) *Driver {
	return &Driver{
		url:        url,
		queueGroup: queueGroup,
		log:        log.WithField("component", "store.nats"),
		cache:      statecache.New(),
	}
}

// Connect dials the NATS server.
func (d *Driver) Connect(ctx context.Context) error {
	conn, err := nats.Connect(d.url)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.log.WithField("url", d.url).Info("connected to nats")
	return nil
}

// Close drains the subscription and closes the connection. Idempotent.
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
	}
	return nil
}

func (d *Driver) connection() (*nats.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, store.ErrClosed
	}
	return d.conn, nil
}

// SaveLocation writes to the mirror.
func (d *Driver) SaveLocation(ctx context.Context, agentID string, sample *model.LocationSample) error {
	if _, err := d.connection(); err != nil {
		return err
	}
	d.cache.SaveLocation(agentID, sample)
	return nil
}

// GetLastLocation reads from the mirror.
func (d *Driver) GetLastLocation(ctx context.Context, agentID string) (*model.LocationSample, error) {
	if _, err := d.connection(); err != nil {
		return nil, err
	}
	return d.cache.LastLocation(agentID)
}

// SaveStatus writes to the mirror.
func (d *Driver) SaveStatus(ctx context.Context, agentID string, status model.AgentStatus, ts int64) error {
	if _, err := d.connection(); err != nil {
		return err
	}
	d.cache.SaveStatus(agentID, status, ts)
	return nil
}

// GetStatus reads from the mirror.
func (d *Driver) GetStatus(ctx context.Context, agentID string) (model.AgentStatus, error) {
	if _, err := d.connection(); err != nil {
		return "", err
	}
	return d.cache.Status(agentID)
}

// SaveAgentState writes to the mirror.
func (d *Driver) SaveAgentState(ctx context.Context, agentID string, state *model.AgentState) error {
	if _, err := d.connection(); err != nil {
		return err
	}
	d.cache.SaveState(agentID, state)
	return nil
}

// GetAgentState reads from the mirror.
func (d *Driver) GetAgentState(ctx context.Context, agentID string) (*model.AgentState, error) {
	if _, err := d.connection(); err != nil {
		return nil, err
	}
	return d.cache.State(agentID)
}

// GetAllAgents enumerates the mirror.
func (d *Driver) GetAllAgents(ctx context.Context) ([]string, error) {
	if _, err := d.connection(); err != nil {
		return nil, err
	}
	return d.cache.Agents(), nil
}

// PublishEvent publishes the event on its per-type subject.
func (d *Driver) PublishEvent(ctx context.Context, event *model.Event) error {
	conn, err := d.connection()
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := conn.Publish(subjectPrefix+string(event.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeEvents subscribes to all event subjects. The first call creates
// the NATS subscription; later handlers share it.
func (d *Driver) SubscribeEvents(ctx context.Context, handler store.EventHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return store.ErrClosed
	}
	d.handlers = append(d.handlers, handler)
	if d.sub != nil {
		return nil
	}

	cb := func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			d.log.WithError(err).Error("failed to unmarshal event")
			return
		}
		d.dispatch(&event)
	}

	var sub *nats.Subscription
	var err error
	if d.queueGroup != "" {
		sub, err = d.conn.QueueSubscribe(subjectPrefix+">", d.queueGroup, cb)
	} else {
		sub, err = d.conn.Subscribe(subjectPrefix+">", cb)
	}
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

// UnsubscribeEvents drops the subscription and all handlers. Idempotent.
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

// GetAgentStats reads from the mirror.
func (d *Driver) GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error) {
	if _, err := d.connection(); err != nil {
		return nil, err
	}
	return d.cache.Stats(agentID)
}

// ClearAgentData clears the mirror.
func (d *Driver) ClearAgentData(ctx context.Context, agentID string) error {
	if _, err := d.connection(); err != nil {
		return err
	}
	d.cache.Clear(agentID)
	return nil
}
