// Package redisdriver implements the store contract on Redis: per-agent keys
// for locations, statuses, snapshots and stats, with the event fabric carried
// over Redis pub/sub. Delivery is Redis-native at-most-once.
package redisdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
)

const (
	keyLocation = "track:loc:"
	keyStatus   = "track:status:"
	keyState    = "track:state:"
	keyStats    = "track:stats:"

	eventChannel    = "track:events"
	recentEventsKey = "track:events:recent"
	recentEventsMax = 99
)

type statusRecord struct {
	Status model.AgentStatus `json:"status"`
	Ts     int64             `json:"ts"`
}

// Driver is the Redis KV + pub/sub backend.
type Driver struct {
	client *redis.Client
	log    *logrus.Entry

	mu       sync.Mutex
	pubsub   *redis.PubSub
	handlers []store.EventHandler
	done     chan struct{}
}

// New creates a Redis driver for the given address ("host:port").
func New(addr string, log *logrus.Logger) *Driver {
	return &Driver{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		log:    log.WithField("component", "store.redis"),
	}
}

// NewWithClient wraps an existing client, for tests and shared pools.
func NewWithClient(client *redis.Client, log *logrus.Logger) *Driver {
	return &Driver{
		client: client,
		log:    log.WithField("component", "store.redis"),
	}
}

// Connect verifies the connection.
func (d *Driver) Connect(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	d.log.Info("connected to redis")
	return nil
}

// Close stops the subscription loop and releases the client. Idempotent.
func (d *Driver) Close() error {
	d.stopSubscription()
	return d.client.Close()
}

// SaveLocation stores the sample and bumps the agent's stats hash.
func (d *Driver) SaveLocation(ctx context.Context, agentID string, sample *model.LocationSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal sample: %w", err)
	}
	if err := d.client.Set(ctx, keyLocation+agentID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save location: %w", err)
	}

	pipe := d.client.Pipeline()
	pipe.HIncrBy(ctx, keyStats+agentID, "total_locations", 1)
	pipe.HSet(ctx, keyStats+agentID, "last_update", sample.Timestamp)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}
	return nil
}

// GetLastLocation returns the most recent sample.
func (d *Driver) GetLastLocation(ctx context.Context, agentID string) (*model.LocationSample, error) {
	data, err := d.client.Get(ctx, keyLocation+agentID).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	var sample model.LocationSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sample: %w", err)
	}
	return &sample, nil
}

// SaveStatus stores the agent's current status.
func (d *Driver) SaveStatus(ctx context.Context, agentID string, status model.AgentStatus, ts int64) error {
	data, err := json.Marshal(statusRecord{Status: status, Ts: ts})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := d.client.Set(ctx, keyStatus+agentID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

// GetStatus returns the agent's current status.
func (d *Driver) GetStatus(ctx context.Context, agentID string) (model.AgentStatus, error) {
	data, err := d.client.Get(ctx, keyStatus+agentID).Bytes()
	if err == redis.Nil {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}
	var rec statusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return rec.Status, nil
}

// SaveAgentState stores the full snapshot.
func (d *Driver) SaveAgentState(ctx context.Context, agentID string, state *model.AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := d.client.Set(ctx, keyState+agentID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// GetAgentState returns the snapshot.
func (d *Driver) GetAgentState(ctx context.Context, agentID string) (*model.AgentState, error) {
	data, err := d.client.Get(ctx, keyState+agentID).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}
	var state model.AgentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// GetAllAgents scans all per-agent key prefixes and deduplicates.
func (d *Driver) GetAllAgents(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, prefix := range []string{keyLocation, keyStatus, keyState, keyStats} {
		keys, err := d.client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list keys: %w", err)
		}
		for _, k := range keys {
			seen[strings.TrimPrefix(k, prefix)] = struct{}{}
		}
	}

	agents := make([]string, 0, len(seen))
	for id := range seen {
		agents = append(agents, id)
	}
	return agents, nil
}

// PublishEvent publishes on the event channel and keeps a capped list of
// recent events for quick lookup.
func (d *Driver) PublishEvent(ctx context.Context, event *model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := d.client.Publish(ctx, eventChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	d.client.LPush(ctx, recentEventsKey, data)
	d.client.LTrim(ctx, recentEventsKey, 0, recentEventsMax)
	return nil
}

// SubscribeEvents subscribes to the event channel. The first subscription
// starts the receive loop; later handlers share it.
func (d *Driver) SubscribeEvents(ctx context.Context, handler store.EventHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = append(d.handlers, handler)
	if d.pubsub != nil {
		return nil
	}

	d.pubsub = d.client.Subscribe(ctx, eventChannel)
	if _, err := d.pubsub.Receive(ctx); err != nil {
		d.pubsub = nil
		d.handlers = nil
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	d.done = make(chan struct{})
	go d.receiveLoop(d.pubsub.Channel(), d.done)
	return nil
}

func (d *Driver) receiveLoop(ch <-chan *redis.Message, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event model.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				d.log.WithError(err).Error("failed to unmarshal event")
				continue
			}
			d.dispatch(&event)
		}
	}
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

// UnsubscribeEvents stops the receive loop and drops all handlers. Idempotent.
func (d *Driver) UnsubscribeEvents() error {
	d.stopSubscription()
	return nil
}

func (d *Driver) stopSubscription() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = nil
	if d.pubsub != nil {
		close(d.done)
		d.pubsub.Close()
		d.pubsub = nil
	}
}

// GetAgentStats reads the agent's stats hash.
func (d *Driver) GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error) {
	fields, err := d.client.HGetAll(ctx, keyStats+agentID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}

	stats := &model.AgentStats{AgentID: agentID}
	if v, ok := fields["total_locations"]; ok {
		stats.TotalLocations, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["total_distance"]; ok {
		stats.TotalDistance, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["last_update"]; ok {
		stats.LastUpdate, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats, nil
}

// ClearAgentData deletes every per-agent key.
func (d *Driver) ClearAgentData(ctx context.Context, agentID string) error {
	keys := []string{keyLocation + agentID, keyStatus + agentID, keyState + agentID, keyStats + agentID}
	if err := d.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear agent data: %w", err)
	}
	return nil
}
