package feed

import (
	"fmt"
	"time"

	"gitea.kood.tech/petrkubec/match-me/feed/scoring"
)

// SortKey selects the feed ordering.
type SortKey string

const (
	SortMatch      SortKey = "match"
	SortDistance   SortKey = "distance"
	SortLastActive SortKey = "last_active"
	SortNewest     SortKey = "newest"
)

// ParseSortKey validates s. An empty string means SortMatch.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(s); k {
	case "":
		return SortMatch, nil
	case SortMatch, SortDistance, SortLastActive, SortNewest:
		return k, nil
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

// Position is everything any ordering compares. Times are Unix nanoseconds
// with 0 meaning unknown.
type Position struct {
	Score      float64
	DistanceKm *float64
	LastActive int64
	CreatedAt  int64
	ID         int
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func (p Position) rank() scoring.Rank {
	r := scoring.Rank{Score: p.Score, ID: p.ID}
	if p.LastActive != 0 {
		r.LastActive = time.Unix(0, p.LastActive)
	}
	return r
}

// before reports whether a sorts strictly before b under key. IDs are
// unique so this is a strict total order.
func before(key SortKey, a, b Position) bool {
	switch key {
	case SortDistance:
		// unknown distances last
		if (a.DistanceKm == nil) != (b.DistanceKm == nil) {
			return a.DistanceKm != nil
		}
		if a.DistanceKm != nil && *a.DistanceKm != *b.DistanceKm {
			return *a.DistanceKm < *b.DistanceKm
		}
	case SortLastActive:
		if a.LastActive != b.LastActive {
			return a.LastActive > b.LastActive
		}
	case SortNewest:
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
	}
	return scoring.Less(a.rank(), b.rank())
}
