package travel

import (
	"math"

	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// DistanceKm is the great-circle (haversine) distance between a and b.
func DistanceKm(a, b model.Coord) float64 {
	const R = 6371 // Earth radius in km
	dLat := (b.Lat - a.Lat) * (math.Pi / 180)
	dLon := (b.Lng - a.Lng) * (math.Pi / 180)
	lat1 := a.Lat * (math.Pi / 180)
	lat2 := b.Lat * (math.Pi / 180)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLon/2)*math.Sin(dLon/2)*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}
