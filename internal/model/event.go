package model

// EventType enumerates the wire-stable event tags published on the event
// fabric. Backends carry the tag verbatim in their on-wire subjects/topics.
type EventType string

const (
	EventLocationReceived EventType = "location.received"
	EventStatusChanged    EventType = "status.changed"
	EventAgentUnreachable EventType = "agent.unreachable"
	EventAgentBackOnline  EventType = "agent.back-online"
	EventAgentIdle        EventType = "agent.idle"
	EventAgentActive      EventType = "agent.active"
	EventGeofenceEntered  EventType = "agent.entered-geofence"
	EventGeofenceExited   EventType = "agent.exited-geofence"
)

// Event is the envelope published on the event fabric.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	AgentID   string      `json:"agent_id"`
	Timestamp int64       `json:"timestamp"` // ms at emission
	Payload   interface{} `json:"payload,omitempty"`
}

// LocationPayload accompanies location.received.
type LocationPayload struct {
	AgentID  string          `json:"agent_id"`
	Sample   *LocationSample `json:"sample"`
	Distance float64         `json:"distance"` // meters since the previous sample
	Speed    float64         `json:"speed"`    // km/h
}

// StatusPayload accompanies status.changed.
type StatusPayload struct {
	AgentID   string      `json:"agent_id"`
	OldStatus AgentStatus `json:"old_status"`
	NewStatus AgentStatus `json:"new_status"`
	Timestamp int64       `json:"timestamp"`
	Reason    string      `json:"reason,omitempty"`
}

// GeofencePayload accompanies agent.entered-geofence / agent.exited-geofence.
type GeofencePayload struct {
	AgentID      string          `json:"agent_id"`
	GeofenceID   string          `json:"geofence_id"`
	GeofenceName string          `json:"geofence_name"`
	Sample       *LocationSample `json:"sample"`
	Timestamp    int64           `json:"timestamp"`
	Direction    string          `json:"direction"` // enter, exit
}

const (
	DirectionEnter = "enter"
	DirectionExit  = "exit"
)
