// Package mqttdriver implements the store contract over an MQTT broker.
// Events are published at QoS 1, so the broker acknowledges delivery and
// redelivers on loss (at-least-once). The transport is pure pub/sub, so agent
// records are served from a process-local mirror.
package mqttdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/store/statecache"
)

const (
	topicPrefix    = "track/events/"
	wildcardTopic  = "track/events/#"
	qosAcknowledge = 1
	connectTimeout = 10 * time.Second
)

// Driver is the MQTT broker backend.
type Driver struct {
	url   string
	log   *logrus.Entry
	cache *statecache.Cache

	mu         sync.Mutex
	client     mqtt.Client
	subscribed bool
	handlers   []store.EventHandler
}

// New creates an MQTT driver for the given broker URL ("tcp://host:1883").
func New(url string, log *logrus.Logger) *Driver {
	return &Driver{
		url:   url,
		log:   log.WithField("component", "store.mqtt"),
		cache: statecache.New(),
	}
}

// Connect dials the broker.
func (d *Driver) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(d.url).
		SetClientID("track-engine-" + uuid.NewString()[:8]).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out connecting to mqtt broker %s", d.url)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}

	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	d.log.WithField("broker", d.url).Info("connected to mqtt broker")
	return nil
}

// Close disconnects from the broker. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = nil
	d.subscribed = false
	if d.client != nil {
		d.client.Disconnect(250)
		d.client = nil
	}
	return nil
}

func (d *Driver) connection() (mqtt.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, store.ErrClosed
	}
	return d.client, nil
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

// PublishEvent publishes at QoS 1 on the event's per-type topic. The event
// tag keeps its dots; only the topic separator is MQTT-specific.
func (d *Driver) PublishEvent(ctx context.Context, event *model.Event) error {
	client, err := d.connection()
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := topicPrefix + strings.ReplaceAll(string(event.Type), ".", "/")
	token := client.Publish(topic, qosAcknowledge, false, data)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out publishing event %s", event.Type)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeEvents subscribes to the event topic tree at QoS 1.
func (d *Driver) SubscribeEvents(ctx context.Context, handler store.EventHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return store.ErrClosed
	}
	d.handlers = append(d.handlers, handler)
	if d.subscribed {
		return nil
	}

	token := d.client.Subscribe(wildcardTopic, qosAcknowledge, func(_ mqtt.Client, msg mqtt.Message) {
		var event model.Event
		if err := json.Unmarshal(msg.Payload(), &event); err != nil {
			d.log.WithError(err).Error("failed to unmarshal event")
			return
		}
		d.dispatch(&event)
	})
	if !token.WaitTimeout(connectTimeout) {
		d.handlers = nil
		return fmt.Errorf("timed out subscribing to %s", wildcardTopic)
	}
	if err := token.Error(); err != nil {
		d.handlers = nil
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	d.subscribed = true
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

// UnsubscribeEvents drops the broker subscription and all handlers.
// Idempotent.
func (d *Driver) UnsubscribeEvents() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = nil
	if d.client != nil && d.subscribed {
		d.client.Unsubscribe(wildcardTopic)
		d.subscribed = false
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
