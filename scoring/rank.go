package scoring

import "time"

// Rank is what ordering needs to know about a scored candidate.
type Rank struct {
	Score      float64
	LastActive time.Time
	ID         int
}

// Less orders by score descending, then more recent activity, then id
// ascending. Unknown activity sorts after any known time.
func Less(a, b Rank) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return ActiveLess(a, b)
}

// ActiveLess is the tie-break used by Less without the score.
func ActiveLess(a, b Rank) bool {
	if !a.LastActive.Equal(b.LastActive) {
		return a.LastActive.After(b.LastActive)
	}
	return a.ID < b.ID
}
