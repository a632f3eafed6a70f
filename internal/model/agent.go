package model

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks rejected coordinates, empty agent IDs, bad timestamps
// and invalid geofences. Callers test for it with errors.Is.
var ErrInvalidInput = errors.New("invalid input")

// AgentStatus classifies an agent's presence and motion.
type AgentStatus string

const (
	StatusActive      AgentStatus = "active"
	StatusIdle        AgentStatus = "idle"
	StatusMoving      AgentStatus = "moving"
	StatusStopped     AgentStatus = "stopped"
	StatusUnreachable AgentStatus = "unreachable"
	StatusOffline     AgentStatus = "offline"
)

// Valid reports whether s is a member of the closed status set.
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusMoving, StatusStopped, StatusUnreachable, StatusOffline:
		return true
	}
	return false
}

// JSONMap is a helper type for free-form metadata and JSONB fields.
type JSONMap map[string]interface{}

// Coordinate is a WGS84 point.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%.6f, %.6f)", c.Lat, c.Lon)
}

// LocationSample is a single accepted location observation. It is immutable
// once constructed by the location engine.
type LocationSample struct {
	AgentID   string  `json:"agent_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Timestamp int64   `json:"timestamp"` // milliseconds since epoch
	Speed     float64 `json:"speed"`     // km/h, derived
	Heading   float64 `json:"heading"`   // degrees [0, 360), derived
	Metadata  JSONMap `json:"metadata,omitempty"`
}

// Coordinate returns the sample's position.
func (s *LocationSample) Coordinate() Coordinate {
	return Coordinate{Lat: s.Lat, Lon: s.Lon}
}

// AgentState is the per-agent snapshot maintained by the tracker.
type AgentState struct {
	AgentID         string          `json:"agent_id"`
	Status          AgentStatus     `json:"status"`
	LastLocation    *LocationSample `json:"last_location,omitempty"`
	LastUpdate      int64           `json:"last_update"`   // ms of most recent observation or status change
	LastMovement    int64           `json:"last_movement"` // ms of most recent sample with speed > 0
	TotalDistance   float64         `json:"total_distance"` // meters, monotonically non-decreasing
	ActiveGeofences []string        `json:"active_geofences,omitempty"`
}

// AgentStats counts accepted samples per agent.
type AgentStats struct {
	AgentID        string  `json:"agent_id"`
	TotalLocations int64   `json:"total_locations"`
	TotalDistance  float64 `json:"total_distance"` // meters
	LastUpdate     int64   `json:"last_update"`    // ms
}
