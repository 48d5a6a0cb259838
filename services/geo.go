package services

import (
	"math"

	"rental_dedupe/models"
)

const earthRadiusMeters = 6371e3

// Distance returns the great-circle distance between two points in meters
func Distance(a, b models.GeoPoint) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// locationScore buckets a distance in meters
func locationScore(meters float64) float64 {
	switch {
	case meters < 1:
		return 40
	case meters < 10:
		return 35
	case meters < 50:
		return 25
	case meters < 100:
		return 15
	case meters < 200:
		return 5
	default:
		return 0
	}
}

// priceScore buckets the price delta relative to the higher price
func priceScore(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	ratio := math.Abs(a-b) / math.Max(a, b)
	switch {
	case ratio < 0.05:
		return 10
	case ratio < 0.1:
		return 7
	case ratio < 0.2:
		return 3
	default:
		return 0
	}
}
