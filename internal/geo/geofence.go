package geo

import (
	"fmt"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
)

// PointInCircle reports whether p lies within the closed disc around center.
// A point exactly on the boundary (distance == radius) is inside.
func PointInCircle(p, center model.Coordinate, radiusMeters float64) bool {
	return Distance(p, center) <= radiusMeters
}

// PointInPolygon reports whether p lies inside the polygon described by
// vertices, using the ray casting algorithm in the flat lon/lat plane. The
// ring is closed implicitly (last vertex connects back to the first).
func PointInPolygon(p model.Coordinate, vertices []model.Coordinate) bool {
	if len(vertices) < 3 {
		return false
	}

	inside := false
	j := len(vertices) - 1
	for i := 0; i < len(vertices); i++ {
		vi := vertices[i]
		vj := vertices[j]

		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) &&
			p.Lon < (vj.Lon-vi.Lon)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat)+vi.Lon {
			inside = !inside
		}
		j = i
	}

	return inside
}

// PointInGeofence dispatches on the zone tag.
func PointInGeofence(p model.Coordinate, gf *model.Geofence) (bool, error) {
	switch gf.Type {
	case model.GeofenceCircular:
		return PointInCircle(p, gf.Center, gf.Radius), nil
	case model.GeofencePolygon:
		return PointInPolygon(p, gf.Vertices), nil
	default:
		return false, fmt.Errorf("unsupported geofence type: %s", gf.Type)
	}
}

// DistanceToGeofence returns the distance in meters from p to the zone
// boundary. For discs this is |distance-to-center - radius|; for polygons it
// is the minimum distance from p to any edge.
func DistanceToGeofence(p model.Coordinate, gf *model.Geofence) (float64, error) {
	switch gf.Type {
	case model.GeofenceCircular:
		d := Distance(p, gf.Center) - gf.Radius
		if d < 0 {
			d = -d
		}
		return d, nil
	case model.GeofencePolygon:
		if len(gf.Vertices) < 3 {
			return 0, fmt.Errorf("polygon must have at least 3 vertices")
		}
		min := -1.0
		j := len(gf.Vertices) - 1
		for i := 0; i < len(gf.Vertices); i++ {
			d := distanceToSegment(p, gf.Vertices[j], gf.Vertices[i])
			if min < 0 || d < min {
				min = d
			}
			j = i
		}
		return min, nil
	default:
		return 0, fmt.Errorf("unsupported geofence type: %s", gf.Type)
	}
}

// distanceToSegment projects p onto the segment a-b in the flat lon/lat plane
// and measures the great-circle distance to the projection foot.
func distanceToSegment(p, a, b model.Coordinate) float64 {
	dx := b.Lon - a.Lon
	dy := b.Lat - a.Lat

	if dx == 0 && dy == 0 {
		return Distance(p, a)
	}

	t := ((p.Lon-a.Lon)*dx + (p.Lat-a.Lat)*dy) / (dx*dx + dy*dy)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	foot := model.Coordinate{
		Lat: a.Lat + t*dy,
		Lon: a.Lon + t*dx,
	}
	return Distance(p, foot)
}

// ValidateGeofence checks a zone definition and returns every violation found.
func ValidateGeofence(gf *model.Geofence) (bool, []string) {
	var errs []string

	if gf.ID == "" {
		errs = append(errs, "geofence id is required")
	}
	if gf.Name == "" {
		errs = append(errs, "geofence name is required")
	}

	switch gf.Type {
	case model.GeofenceCircular:
		if gf.Radius <= 0 {
			errs = append(errs, "radius must be positive")
		}
		if !ValidCoordinate(gf.Center.Lat, gf.Center.Lon) {
			errs = append(errs, fmt.Sprintf("invalid center coordinate %s", gf.Center))
		}
	case model.GeofencePolygon:
		if len(gf.Vertices) < 3 {
			errs = append(errs, "polygon must have at least 3 vertices")
		}
		for i, v := range gf.Vertices {
			if !ValidCoordinate(v.Lat, v.Lon) {
				errs = append(errs, fmt.Sprintf("invalid vertex %d: %s", i, v))
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported geofence type: %s", gf.Type))
	}

	return len(errs) == 0, errs
}
