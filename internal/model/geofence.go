package model

// GeofenceType tags the two supported zone geometries.
type GeofenceType string

const (
	GeofenceCircular GeofenceType = "circular"
	GeofencePolygon  GeofenceType = "polygon"
)

// Geofence is a named geographic zone, either a closed disc or a simple
// polygon. The ring of a polygon zone is closed implicitly (last -> first).
type Geofence struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Type     GeofenceType `json:"type"`
	Center   Coordinate   `json:"center,omitempty"`   // circular
	Radius   float64      `json:"radius,omitempty"`   // circular, meters
	Vertices []Coordinate `json:"vertices,omitempty"` // polygon, >= 3
	Metadata JSONMap      `json:"metadata,omitempty"`
}

// NewCircularGeofence builds a disc zone.
func NewCircularGeofence(id, name string, center Coordinate, radiusMeters float64) *Geofence {
	return &Geofence{
		ID:     id,
		Name:   name,
		Type:   GeofenceCircular,
		Center: center,
		Radius: radiusMeters,
	}
}

// NewPolygonGeofence builds a polygon zone from an ordered vertex ring.
func NewPolygonGeofence(id, name string, vertices []Coordinate) *Geofence {
	return &Geofence{
		ID:       id,
		Name:     name,
		Type:     GeofencePolygon,
		Vertices: vertices,
	}
}
