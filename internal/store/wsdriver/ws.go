// Package wsdriver implements the store contract as a WebSocket fan-out
// backend. Every published event is broadcast as a JSON frame to all
// connected WebSocket clients as well as to in-process subscribers. Agent
// records are served from a process-local mirror, and a capped ring of recent
// events is kept for late-joining clients.
package wsdriver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
	"github.com/Eng-MMustafa/location-monitor/internal/store/statecache"
)

const historyMax = 100

// Driver is the WebSocket broadcast backend. It runs its own HTTP server
// exposing /ws/events for upgrades plus /events/recent and /stats.
type Driver struct {
	addr  string
	log   *logrus.Entry
	cache *statecache.Cache
	hub   *Hub

	mu       sync.Mutex
	server   *http.Server
	running  bool
	handlers []store.EventHandler
	history  []*model.Event
}

// New creates a WebSocket driver listening on addr (":8090").
func New(addr string, log *logrus.Logger) *Driver {
	entry := log.WithField("component", "store.ws")
	return &Driver{
		addr:  addr,
		log:   entry,
		cache: statecache.New(),
		hub:   newHub(entry),
	}
}

// Connect starts the hub and the HTTP listener.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws/events", d.hub.handleConnect)
	router.GET("/events/recent", d.handleRecent)
	router.GET("/stats", d.handleStats)

	d.server = &http.Server{Addr: d.addr, Handler: router}
	go d.hub.Run()
	go func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.WithError(err).Error("websocket server error")
		}
	}()

	d.running = true
	d.log.WithField("addr", d.addr).Info("websocket broadcast server listening")
	return nil
}

// Close stops the hub and the HTTP server. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}

	d.hub.Stop()
	d.handlers = nil
	err := d.server.Shutdown(context.Background())
	d.running = false
	return err
}

func (d *Driver) ready() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return store.ErrClosed
	}
	return nil
}

// SaveLocation writes to the mirror.
func (d *Driver) SaveLocation(ctx context.Context, agentID string, sample *model.LocationSample) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.cache.SaveLocation(agentID, sample)
	return nil
}

// GetLastLocation reads from the mirror.
func (d *Driver) GetLastLocation(ctx context.Context, agentID string) (*model.LocationSample, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.cache.LastLocation(agentID)
}

// SaveStatus writes to the mirror.
func (d *Driver) SaveStatus(ctx context.Context, agentID string, status model.AgentStatus, ts int64) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.cache.SaveStatus(agentID, status, ts)
	return nil
}

// GetStatus reads from the mirror.
func (d *Driver) GetStatus(ctx context.Context, agentID string) (model.AgentStatus, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	return d.cache.Status(agentID)
}

// SaveAgentState writes to the mirror.
func (d *Driver) SaveAgentState(ctx context.Context, agentID string, state *model.AgentState) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.cache.SaveState(agentID, state)
	return nil
}

// GetAgentState reads from the mirror.
func (d *Driver) GetAgentState(ctx context.Context, agentID string) (*model.AgentState, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.cache.State(agentID)
}

// GetAllAgents enumerates the mirror.
func (d *Driver) GetAllAgents(ctx context.Context) ([]string, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.cache.Agents(), nil
}

// PublishEvent broadcasts the event to every WebSocket client and in-process
// subscriber, and appends it to the history ring.
func (d *Driver) PublishEvent(ctx context.Context, event *model.Event) error {
	if err := d.ready(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	d.hub.Broadcast(data)

	d.mu.Lock()
	d.history = append(d.history, event)
	if len(d.history) > historyMax {
		d.history = d.history[len(d.history)-historyMax:]
	}
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
	return nil
}

// SubscribeEvents registers an in-process handler alongside the WebSocket
// fan-out.
func (d *Driver) SubscribeEvents(ctx context.Context, handler store.EventHandler) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, handler)
	d.mu.Unlock()
	return nil
}

// UnsubscribeEvents drops all in-process handlers. WebSocket clients manage
// their own lifecycle. Idempotent.
func (d *Driver) UnsubscribeEvents() error {
	d.mu.Lock()
	d.handlers = nil
	d.mu.Unlock()
	return nil
}

// GetAgentStats reads from the mirror.
func (d *Driver) GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.cache.Stats(agentID)
}

// ClearAgentData clears the mirror.
func (d *Driver) ClearAgentData(ctx context.Context, agentID string) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.cache.Clear(agentID)
	return nil
}

func (d *Driver) handleRecent(c *gin.Context) {
	d.mu.Lock()
	events := make([]*model.Event, len(d.history))
	copy(events, d.history)
	d.mu.Unlock()

	c.JSON(http.StatusOK, events)
}

func (d *Driver) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": d.hub.ClientCount(),
		"known_agents":      len(d.cache.Agents()),
	})
}
