// Package geo provides great-circle distance math for geofence checks.
package geo

import "math"

// earthRadiusM is Earth's mean radius in meters.
const earthRadiusM = 6371000

func toRadians(deg float64) float64 {
	return deg * (math.Pi / 180)
}

// Distance returns the haversine distance in meters between two WGS84
// coordinates given in degrees. Callers are responsible for passing
// coordinates in valid ranges; out-of-range degrees produce a geometrically
// meaningless result rather than an error.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLng := toRadians(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// WithinRadius reports whether the point lies within radiusM meters of the
// center. The boundary is inclusive.
func WithinRadius(pointLat, pointLng, centerLat, centerLng, radiusM float64) bool {
	return Distance(pointLat, pointLng, centerLat, centerLng) <= radiusM
}
