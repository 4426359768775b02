// Package geo provides great-circle distance and centroid helpers.
package geo

import (
	"math"

	"lifeline/models"
)

// EarthRadiusKm is the mean Earth radius used by Distance
const EarthRadiusKm = 6371.0

// DefaultLocation is used when an area centroid has no points (New Delhi)
var DefaultLocation = models.Position{Latitude: 28.6139, Longitude: 77.2090}

// Distance calculates the haversine distance between two points in km
func Distance(a, b models.Position) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := toRadians(b.Latitude - a.Latitude)
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push h a hair above 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// Centroid returns the arithmetic mean of the given positions.
// ok is false for an empty input, where the mean is undefined.
func Centroid(points []models.Position) (center models.Position, ok bool) {
	if len(points) == 0 {
		return models.Position{}, false
	}

	var totalLat, totalLon float64
	for _, p := range points {
		totalLat += p.Latitude
		totalLon += p.Longitude
	}

	n := float64(len(points))
	return models.Position{Latitude: totalLat / n, Longitude: totalLon / n}, true
}

// CentroidOr returns Centroid(points), or fallback when points is empty
func CentroidOr(points []models.Position, fallback models.Position) models.Position {
	if center, ok := Centroid(points); ok {
		return center
	}
	return fallback
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
