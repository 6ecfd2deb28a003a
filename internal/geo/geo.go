package geo

import (
	"math"

	"github.com/example/ride-negotiation/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceMeters is Haversine over model points.
func DistanceMeters(a, b models.Point) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

// DistanceKm is DistanceMeters converted to kilometers.
func DistanceKm(a, b models.Point) float64 {
	return DistanceMeters(a, b) / 1000.0
}
