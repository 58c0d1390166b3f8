package model

import (
	"errors"
	"math"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups for a profile that does not exist.
var ErrNotFound = errors.New("profile not found")

// Coord is a WGS84 position in decimal degrees.
type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Finite reports whether both components are usable numbers.
func (c Coord) Finite() bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) &&
		!math.IsNaN(c.Lng) && !math.IsInf(c.Lng, 0)
}

// Profile represents a user's profile as read by the feed. It is owned and
// mutated by the profile service; everything here treats it as read-only.
type Profile struct {
	ID          int
	DisplayName string
	PhotoFile   string

	// Free-text fields, embedded into vectors
	Bio      string
	TurnOns  string
	TurnOffs string

	// Structured attributes
	Role         string
	SeekingRoles []string
	Intents      []string
	Interests    []string
	Dislikes     []string
	Lifestyle    map[string]string
	OptIns       []string

	Location   *Coord
	LastActive time.Time
	CreatedAt  time.Time

	// Combined, L2-normalized embedding. Nil when none is stored.
	Embedding []float32
}

// HasText reports whether at least one free-text field has content.
func (p Profile) HasText() bool {
	return strings.TrimSpace(p.Bio) != "" ||
		strings.TrimSpace(p.TurnOns) != "" ||
		strings.TrimSpace(p.TurnOffs) != ""
}
