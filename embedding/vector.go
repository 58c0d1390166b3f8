// Package embedding turns profile free text into vectors: it calls the
// embedding provider, combines per-field vectors into one representative
// vector, and backfills stored vectors for many profiles at once.
package embedding

import (
	"math"
	"time"
)

// Dimension is the length of every stored vector.
const Dimension = 1536

// Field tags which text a vector was produced from.
type Field string

const (
	FieldBio      Field = "bio"
	FieldTurnOns  Field = "turn_ons"
	FieldTurnOffs Field = "turn_offs"
	FieldCombined Field = "combined"
)

// TextFields are the fields embedded directly from profile text, in the
// order their weights are given.
var TextFields = []Field{FieldBio, FieldTurnOns, FieldTurnOffs}

// Record is one stored vector.
type Record struct {
	ProfileID int
	Field     Field
	Vector    []float32
	UpdatedAt time.Time
}

// Weights are per-field weights for combining profile vectors.
type Weights struct {
	Bio      float64
	TurnOns  float64
	TurnOffs float64
}

// DefaultWeights favour the bio over the two shorter fields.
var DefaultWeights = Weights{Bio: 0.5, TurnOns: 0.25, TurnOffs: 0.25}

func (w Weights) slice() []float64 {
	return []float64{w.Bio, w.TurnOns, w.TurnOffs}
}

// Magnitude returns the L2 norm of v.
func Magnitude(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns v scaled to unit length. A zero vector is returned
// unchanged (copied).
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	mag := Magnitude(v)
	if mag == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / mag)
	}
	return out
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched lengths or zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
