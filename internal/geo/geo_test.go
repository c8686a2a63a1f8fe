package geo

import (
	"math"
	"testing"
)

func TestDistanceSymmetric(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
	}{
		{"mumbai pair", 19.0760, 72.8777, 19.0850, 72.8777},
		{"across equator", -1.5, 30.0, 1.5, -30.0},
		{"antimeridian", 10.0, 179.9, 10.0, -179.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ab := Distance(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			ba := Distance(tt.lat2, tt.lng2, tt.lat1, tt.lng1)
			if ab != ba {
				t.Errorf("distance not symmetric: %v vs %v", ab, ba)
			}
		})
	}
}

func TestDistanceIdenticalPoints(t *testing.T) {
	if d := Distance(19.0760, 72.8777, 19.0760, 72.8777); d != 0 {
		t.Errorf("distance between identical points = %v, want 0", d)
	}
}

func TestDistanceOneDegreeLatitude(t *testing.T) {
	// 1 degree of latitude along a meridian is ~111,195 m.
	const want = 111195.0
	got := Distance(0, 0, 1, 0)
	if math.Abs(got-want)/want > 0.01 {
		t.Errorf("1 degree latitude = %v m, want %v m within 1%%", got, want)
	}
}

func TestWithinRadiusBoundary(t *testing.T) {
	centerLat, centerLng := 19.0760, 72.8777
	pointLat, pointLng := 19.0850, 72.8777
	radius := Distance(pointLat, pointLng, centerLat, centerLng)

	if !WithinRadius(pointLat, pointLng, centerLat, centerLng, radius) {
		t.Error("point exactly at radius should be within (inclusive boundary)")
	}
	if WithinRadius(pointLat, pointLng, centerLat, centerLng, radius-0.001) {
		t.Error("point just past radius should be outside")
	}
}

func TestWithinRadiusNearbyPoint(t *testing.T) {
	// ~1km north of center, 100m radius.
	if WithinRadius(19.0850, 72.8777, 19.0760, 72.8777, 100) {
		t.Error("point 1km away should not be within 100m radius")
	}
	if !WithinRadius(19.0760, 72.8777, 19.0760, 72.8777, 100) {
		t.Error("center point should be within its own radius")
	}
}
