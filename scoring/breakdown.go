// Package scoring computes the explainable match breakdown between a viewer
// and a candidate profile.
package scoring

import "math"

// Maximum points per dimension.
const (
	MaxTravel       = 20
	MaxRole         = 15
	MaxInterests    = 15
	MaxIntent       = 12
	MaxSemantic     = 12
	MaxLifestyle    = 10
	MaxActivity     = 8
	MaxCompleteness = 8
	MaxOptInBonus   = 3
)

// Status tells apart the reasons a sub-score may be zero.
type Status string

const (
	StatusComputed Status = "computed"
	// StatusMissing means an input needed for the dimension is absent.
	StatusMissing Status = "missing"
	// StatusNotApplicable means the inputs exist but the dimension does
	// not apply to this pair.
	StatusNotApplicable Status = "not_applicable"
)

// SubScore is one dimension of the breakdown. Points is always within
// [0, Max].
type SubScore struct {
	Points float64 `json:"points"`
	Max    float64 `json:"max"`
	Status Status  `json:"status"`
}

func computed(points, max float64) SubScore {
	return SubScore{Points: clamp(points, 0, max), Max: max, Status: StatusComputed}
}

func missing(max float64) SubScore {
	return SubScore{Max: max, Status: StatusMissing}
}

func notApplicable(max float64) SubScore {
	return SubScore{Max: max, Status: StatusNotApplicable}
}

// Breakdown holds every sub-score of a match.
type Breakdown struct {
	Travel       SubScore `json:"travel"`
	Role         SubScore `json:"role"`
	Interests    SubScore `json:"interests"`
	Intent       SubScore `json:"intent"`
	Semantic     SubScore `json:"semantic"`
	Lifestyle    SubScore `json:"lifestyle"`
	Activity     SubScore `json:"activity"`
	Completeness SubScore `json:"completeness"`
	OptInBonus   SubScore `json:"optInBonus"`
}

// SubScores returns the sub-scores keyed by their JSON name.
func (b Breakdown) SubScores() map[string]SubScore {
	return map[string]SubScore{
		"travel":       b.Travel,
		"role":         b.Role,
		"interests":    b.Interests,
		"intent":       b.Intent,
		"semantic":     b.Semantic,
		"lifestyle":    b.Lifestyle,
		"activity":     b.Activity,
		"completeness": b.Completeness,
		"optInBonus":   b.OptInBonus,
	}
}

// Sum adds up every sub-score.
func (b Breakdown) Sum() float64 {
	return b.Travel.Points + b.Role.Points + b.Interests.Points + b.Intent.Points +
		b.Semantic.Points + b.Lifestyle.Points + b.Activity.Points +
		b.Completeness.Points + b.OptInBonus.Points
}

// Probability is the sum clamped to [0, 100].
func (b Breakdown) Probability() float64 {
	return clamp(b.Sum(), 0, 100)
}

func clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	return math.Max(lo, math.Min(hi, x))
}
