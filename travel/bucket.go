package travel

import (
	"math"
	"strconv"

	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// bucketScale gives three decimal places, roughly 110 m of latitude.
const bucketScale = 1000

// Bucket rounds a coordinate component to three decimals. It is idempotent
// and never returns negative zero.
func Bucket(x float64) float64 {
	// far outside any coordinate range; scaling would lose integer precision
	if math.Abs(x) >= 1e12 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	b := math.Round(x*bucketScale) / bucketScale
	if b == 0 {
		return 0
	}
	return b
}

// BucketCoord buckets both components of c.
func BucketCoord(c model.Coord) model.Coord {
	return model.Coord{Lat: Bucket(c.Lat), Lng: Bucket(c.Lng)}
}

// Key is the cache key for an origin/destination pair. Both coordinates
// are bucketed first, so callers may pass raw positions.
func Key(origin, dest model.Coord) string {
	o, d := BucketCoord(origin), BucketCoord(dest)
	return formatCoord(o) + "|" + formatCoord(d)
}

func formatCoord(c model.Coord) string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lng, 'f', -1, 64)
}
