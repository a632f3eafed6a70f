// Package geo provides pure geographic primitives: great-circle distance,
// bearing, speed derivation and geofence containment tests. All functions are
// deterministic and reentrant.
package geo

import (
	"math"

	"github.com/Eng-MMustafa/location-monitor/internal/model"
)

// EarthRadius is the mean Earth radius in meters used by the Haversine formula.
const EarthRadius = 6371000

// Distance calculates the great-circle distance in meters between two points
// using the Haversine formula.
func Distance(a, b model.Coordinate) float64 {
	lat1Rad := a.Lat * math.Pi / 180
	lat2Rad := b.Lat * math.Pi / 180
	deltaLat := (b.Lat - a.Lat) * math.Pi / 180
	deltaLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadius * c
}

// Bearing returns the initial bearing in degrees from a to b, normalized to
// [0, 360).
func Bearing(a, b model.Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	deltaLon := (b.Lon - a.Lon) * math.Pi / 180

	y := math.Sin(deltaLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLon)

	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Destination returns the point reached by travelling distanceMeters from
// origin along the given bearing in degrees.
func Destination(origin model.Coordinate, bearingDeg, distanceMeters float64) model.Coordinate {
	lat1 := origin.Lat * math.Pi / 180
	lon1 := origin.Lon * math.Pi / 180
	brng := bearingDeg * math.Pi / 180
	d := distanceMeters / EarthRadius

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(math.Sin(brng)*math.Sin(d)*math.Cos(lat1),
		math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))

	return model.Coordinate{
		Lat: lat2 * 180 / math.Pi,
		Lon: math.Mod(lon2*180/math.Pi+540, 360) - 180,
	}
}

// SpeedKmh derives speed in km/h from a distance in meters covered over
// dtMillis. Returns 0 when dtMillis is 0.
func SpeedKmh(distanceMeters float64, dtMillis int64) float64 {
	if dtMillis == 0 {
		return 0
	}
	hours := float64(dtMillis) / 1000 / 3600
	return distanceMeters / 1000 / hours
}

// ValidCoordinate reports whether lat/lon are finite and within WGS84 range.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// AbnormalJump reports whether a displacement is implausible for the elapsed
// time. Anything under one second is allowed regardless of distance; beyond
// that the displacement is abnormal iff it exceeds maxJumpMeters.
func AbnormalJump(distanceMeters float64, dtMillis int64, maxJumpMeters float64) bool {
	if dtMillis < 1000 {
		return false
	}
	return distanceMeters > maxJumpMeters
}
