// Package gormdriver implements the store contract on PostgreSQL via GORM,
// for deployments that need durable agent history. Samples are appended to a
// positions table; status, snapshot and stats rows are upserted per agent.
// Published events are persisted to an event log and fanned out synchronously
// to in-process subscribers.
package gormdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
	"github.com/Eng-MMustafa/location-monitor/internal/store"
)

type positionRow struct {
	ID        uint   `gorm:"primaryKey"`
	AgentID   string `gorm:"index;size:64"`
	Lat       float64
	Lon       float64
	Speed     float64
	Heading   float64
	Timestamp int64 `gorm:"index"`
	Metadata  string
	CreatedAt time.Time
}

func (positionRow) TableName() string { return "agent_positions" }

type statusRow struct {
	AgentID   string `gorm:"primaryKey;size:64"`
	Status    string `gorm:"size:20"`
	Timestamp int64
	UpdatedAt time.Time
}

func (statusRow) TableName() string { return "agent_statuses" }

type stateRow struct {
	AgentID   string `gorm:"primaryKey;size:64"`
	Data      string
	UpdatedAt time.Time
}

func (stateRow) TableName() string { return "agent_states" }

type statsRow struct {
	AgentID        string `gorm:"primaryKey;size:64"`
	TotalLocations int64
	TotalDistance  float64
	LastUpdate     int64
}

func (statsRow) TableName() string { return "agent_stats" }

type eventRow struct {
	ID        uint   `gorm:"primaryKey"`
	EventID   string `gorm:"size:40"`
	Type      string `gorm:"index;size:40"`
	AgentID   string `gorm:"index;size:64"`
	Timestamp int64
	Payload   string
	CreatedAt time.Time
}

func (eventRow) TableName() string { return "agent_events" }

// Driver is the PostgreSQL backend.
type Driver struct {
	dsn string
	log *logrus.Entry

	mu       sync.Mutex
	db       *gorm.DB
	handlers []store.EventHandler
}

// New creates a PostgreSQL driver for the given DSN.
func New(dsn string, log *logrus.Logger) *Driver {
	return &Driver{
		dsn: dsn,
		log: log.WithField("component", "store.postgres"),
	}
}

// Connect opens the database and migrates the schema.
func (d *Driver) Connect(ctx context.Context) error {
	db, err := gorm.Open(postgres.Open(d.dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&positionRow{}, &statusRow{}, &stateRow{}, &statsRow{}, &eventRow{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	d.mu.Lock()
	d.db = db
	d.mu.Unlock()
	d.log.Info("connected to postgres")
	return nil
}

// Close releases the connection pool. Idempotent.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = nil
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	d.db = nil
	return sqlDB.Close()
}

func (d *Driver) database() (*gorm.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil, store.ErrClosed
	}
	return d.db, nil
}

// SaveLocation appends the sample and upserts the agent's stats row.
func (d *Driver) SaveLocation(ctx context.Context, agentID string, sample *model.LocationSample) error {
	db, err := d.database()
	if err != nil {
		return err
	}

	meta := ""
	if sample.Metadata != nil {
		data, err := json.Marshal(sample.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		meta = string(data)
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := positionRow{
			AgentID:   agentID,
			Lat:       sample.Lat,
			Lon:       sample.Lon,
			Speed:     sample.Speed,
			Heading:   sample.Heading,
			Timestamp: sample.Timestamp,
			Metadata:  meta,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to save position: %w", err)
		}

		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_locations": gorm.Expr("agent_stats.total_locations + 1"),
				"last_update":     sample.Timestamp,
			}),
		}).Create(&statsRow{
			AgentID:        agentID,
			TotalLocations: 1,
			LastUpdate:     sample.Timestamp,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update stats: %w", err)
		}
		return nil
	})
}

// GetLastLocation returns the most recent sample for the agent.
func (d *Driver) GetLastLocation(ctx context.Context, agentID string) (*model.LocationSample, error) {
	db, err := d.database()
	if err != nil {
		return nil, err
	}

	var row positionRow
	err = db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("timestamp DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}

	sample := &model.LocationSample{
		AgentID:   row.AgentID,
		Lat:       row.Lat,
		Lon:       row.Lon,
		Speed:     row.Speed,
		Heading:   row.Heading,
		Timestamp: row.Timestamp,
	}
	if row.Metadata != "" {
		var meta model.JSONMap
		if err := json.Unmarshal([]byte(row.Metadata), &meta); err == nil {
			sample.Metadata = meta
		}
	}
	return sample, nil
}

// SaveStatus upserts the agent's status row.
func (d *Driver) SaveStatus(ctx context.Context, agentID string, status model.AgentStatus, ts int64) error {
	db, err := d.database()
	if err != nil {
		return err
	}

	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "timestamp", "updated_at"}),
	}).Create(&statusRow{AgentID: agentID, Status: string(status), Timestamp: ts}).Error
	if err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

// GetStatus returns the agent's current status.
func (d *Driver) GetStatus(ctx context.Context, agentID string) (model.AgentStatus, error) {
	db, err := d.database()
	if err != nil {
		return "", err
	}

	var row statusRow
	err = db.WithContext(ctx).Where("agent_id = ?", agentID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}
	return model.AgentStatus(row.Status), nil
}

// SaveAgentState upserts the snapshot row.
func (d *Driver) SaveAgentState(ctx context.Context, agentID string, state *model.AgentState) error {
	db, err := d.database()
	if err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&stateRow{AgentID: agentID, Data: string(data)}).Error
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// GetAgentState returns the snapshot.
func (d *Driver) GetAgentState(ctx context.Context, agentID string) (*model.AgentState, error) {
	db, err := d.database()
	if err != nil {
		return nil, err
	}

	var row stateRow
	err = db.WithContext(ctx).Where("agent_id = ?", agentID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	var state model.AgentState
	if err := json.Unmarshal([]byte(row.Data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// GetAllAgents unions distinct agent ids across all tables.
func (d *Driver) GetAllAgents(ctx context.Context) ([]string, error) {
	db, err := d.database()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, table := range []string{"agent_positions", "agent_statuses", "agent_states", "agent_stats"} {
		var ids []string
		if err := db.WithContext(ctx).Table(table).Distinct("agent_id").Pluck("agent_id", &ids).Error; err != nil {
			return nil, fmt.Errorf("failed to list agents from %s: %w", table, err)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	agents := make([]string, 0, len(seen))
	for id := range seen {
		agents = append(agents, id)
	}
	return agents, nil
}

// PublishEvent appends to the event log and fans out to in-process
// subscribers.
func (d *Driver) PublishEvent(ctx context.Context, event *model.Event) error {
	db, err := d.database()
	if err != nil {
		return err
	}

	payload := ""
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = string(data)
	}

	row := eventRow{
		EventID:   event.ID,
		Type:      string(event.Type),
		AgentID:   event.AgentID,
		Timestamp: event.Timestamp,
		Payload:   payload,
	}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

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
	return nil
}

// SubscribeEvents registers an in-process handler.
func (d *Driver) SubscribeEvents(ctx context.Context, handler store.EventHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return store.ErrClosed
	}
	d.handlers = append(d.handlers, handler)
	return nil
}

// UnsubscribeEvents drops all handlers. Idempotent.
func (d *Driver) UnsubscribeEvents() error {
	d.mu.Lock()
	d.handlers = nil
	d.mu.Unlock()
	return nil
}

// GetAgentStats returns the stats row.
func (d *Driver) GetAgentStats(ctx context.Context, agentID string) (*model.AgentStats, error) {
	db, err := d.database()
	if err != nil {
		return nil, err
	}

	var row statsRow
	err = db.WithContext(ctx).Where("agent_id = ?", agentID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return &model.AgentStats{
		AgentID:        agentID,
		TotalLocations: row.TotalLocations,
		TotalDistance:  row.TotalDistance,
		LastUpdate:     row.LastUpdate,
	}, nil
}

// ClearAgentData removes every row kind for the agent. The event log is kept;
// it is an audit trail, not agent state.
func (d *Driver) ClearAgentData(ctx context.Context, agentID string) error {
	db, err := d.database()
	if err != nil {
		return err
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{&positionRow{}, &statusRow{}, &stateRow{}, &statsRow{}} {
			if err := tx.Where("agent_id = ?", agentID).Delete(m).Error; err != nil {
				return fmt.Errorf("failed to clear agent data: %w", err)
			}
		}
		return nil
	})
}
