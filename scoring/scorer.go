package scoring

import (
	"math"
	"strings"
	"time"

	"gitea.kood.tech/petrkubec/match-me/feed/embedding"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
	"gitea.kood.tech/petrkubec/match-me/feed/travel"
)

// Version identifies the scoring model in feed responses.
const Version = "match-v2"

// activityHalfLife is how long it takes the recency score to halve.
const activityHalfLife = 72 * time.Hour

// Result is the outcome of scoring one pair.
type Result struct {
	Probability float64   `json:"probability"`
	Breakdown   Breakdown `json:"breakdown"`
}

// Scorer computes match breakdowns. The zero value is not usable; use
// NewScorer.
type Scorer struct {
	now func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithClock sets the time activity recency is measured against.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score rates candidate for viewer. Every dimension is computed on its
// own; a missing input zeroes only that dimension. tr may be nil when no
// travel estimate is available.
func (s *Scorer) Score(viewer, candidate model.Profile, tr *travel.Result) Result {
	b := Breakdown{
		Travel:       travelScore(tr),
		Role:         roleScore(viewer, candidate),
		Interests:    interestScore(viewer, candidate),
		Intent:       intentScore(viewer.Intents, candidate.Intents),
		Semantic:     semanticScore(viewer.Embedding, candidate.Embedding),
		Lifestyle:    lifestyleScore(viewer.Lifestyle, candidate.Lifestyle),
		Activity:     activityScore(candidate.LastActive, s.now()),
		Completeness: completenessScore(candidate),
		OptInBonus:   optInScore(viewer.OptIns, candidate.OptIns),
	}
	return Result{Probability: b.Probability(), Breakdown: b}
}

// travelScore decays with the fastest mode's duration: 20 points at zero
// minutes, half at 20 minutes.
func travelScore(tr *travel.Result) SubScore {
	if tr == nil {
		return missing(MaxTravel)
	}
	est, ok := tr.FastestEstimate()
	if !ok {
		return missing(MaxTravel)
	}
	minutes := math.Max(0, est.Minutes())
	return computed(MaxTravel/(1+minutes/20), MaxTravel)
}

// complementaryRoles pairs roles that work well together without either
// side explicitly seeking the other.
var complementaryRoles = map[string][]string{
	"teacher":   {"learner", "student", "beginner"},
	"mentor":    {"mentee", "learner"},
	"organizer": {"participant", "member"},
	"lead":      {"member", "collaborator"},
	"host":      {"guest", "traveler"},
}

func complementary(a, b string) bool {
	for _, r := range complementaryRoles[a] {
		if r == b {
			return true
		}
	}
	for _, r := range complementaryRoles[b] {
		if r == a {
			return true
		}
	}
	return false
}

func roleScore(viewer, candidate model.Profile) SubScore {
	vr, cr := normalize(viewer.Role), normalize(candidate.Role)
	if vr == "" || cr == "" {
		return missing(MaxRole)
	}

	viewerSeeks := containsFold(viewer.SeekingRoles, cr)
	candidateSeeks := containsFold(candidate.SeekingRoles, vr)
	switch {
	case viewerSeeks && candidateSeeks:
		return computed(MaxRole, MaxRole)
	case viewerSeeks || candidateSeeks:
		return computed(8, MaxRole)
	case complementary(vr, cr):
		return computed(5, MaxRole)
	}
	return computed(0, MaxRole)
}

// semanticGroups relate interests that are not equal but close enough to
// count as partial overlap.
var semanticGroups = map[string][]string{
	"music":   {"music", "singing", "piano", "guitar", "drums", "composition", "recording"},
	"visual":  {"art", "painting", "drawing", "photography", "design", "graphics"},
	"tech":    {"programming", "coding", "software", "hardware", "electronics", "robotics"},
	"crafts":  {"knitting", "sewing", "woodworking", "pottery", "jewelry", "crafting"},
	"games":   {"gaming", "boardgames", "videogames", "rpg", "strategy", "puzzle"},
	"outdoor": {"hiking", "cycling", "running", "camping", "climbing", "nature"},
	"food":    {"cooking", "baking", "brewing", "wine", "coffee", "culinary"},
	"fitness": {"yoga", "martial arts", "gym", "sports", "dance", "fitness"},
}

func sameGroup(a, b string) bool {
	for _, group := range semanticGroups {
		aIn, bIn := false, false
		for _, word := range group {
			if strings.Contains(a, word) {
				aIn = true
			}
			if strings.Contains(b, word) {
				bIn = true
			}
		}
		if aIn && bIn {
			return true
		}
	}
	return false
}

// interestScore: exact matches are worth 3, same-group matches 1, and every
// interest one side has that the other dislikes costs 3.
func interestScore(viewer, candidate model.Profile) SubScore {
	vi, ci := lowerSet(viewer.Interests), lowerSet(candidate.Interests)
	if len(vi) == 0 || len(ci) == 0 {
		return missing(MaxInterests)
	}

	exact, partial := 0, 0
	for a := range vi {
		if ci[a] {
			exact++
		}
	}
	for a := range vi {
		for b := range ci {
			if a == b {
				continue
			}
			if sameGroup(a, b) {
				partial++
			}
		}
	}

	conflicts := 0
	vd, cd := lowerSet(viewer.Dislikes), lowerSet(candidate.Dislikes)
	for a := range vi {
		if cd[a] {
			conflicts++
		}
	}
	for b := range ci {
		if vd[b] {
			conflicts++
		}
	}

	score := exact*3 + partial - conflicts*3
	if overlap := float64(exact*2) / float64(len(vi)+len(ci)); overlap > 0.5 {
		score += 5
	}
	return computed(float64(score), MaxInterests)
}

func intentScore(viewer, candidate []string) SubScore {
	vi, ci := lowerSet(viewer), lowerSet(candidate)
	if len(vi) == 0 || len(ci) == 0 {
		return missing(MaxIntent)
	}
	overlap := 0
	for i := range vi {
		if ci[i] {
			overlap++
		}
	}
	return computed(MaxIntent*float64(overlap)/float64(min(len(vi), len(ci))), MaxIntent)
}

func semanticScore(a, b []float32) SubScore {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return missing(MaxSemantic)
	}
	sim := clamp(embedding.CosineSimilarity(a, b), 0, 1)
	return computed(sim*MaxSemantic, MaxSemantic)
}

func lifestyleScore(viewer, candidate map[string]string) SubScore {
	if len(viewer) == 0 || len(candidate) == 0 {
		return missing(MaxLifestyle)
	}
	shared, equal := 0, 0
	for k, v := range viewer {
		cv, ok := candidate[k]
		if !ok || normalize(v) == "" || normalize(cv) == "" {
			continue
		}
		shared++
		if normalize(v) == normalize(cv) {
			equal++
		}
	}
	if shared == 0 {
		return notApplicable(MaxLifestyle)
	}
	return computed(MaxLifestyle*float64(equal)/float64(shared), MaxLifestyle)
}

func activityScore(lastActive, now time.Time) SubScore {
	if lastActive.IsZero() {
		return missing(MaxActivity)
	}
	age := now.Sub(lastActive)
	if age < 0 {
		age = 0
	}
	return computed(MaxActivity*math.Pow(0.5, float64(age)/float64(activityHalfLife)), MaxActivity)
}

// completenessScore awards a point per filled key field.
func completenessScore(p model.Profile) SubScore {
	present := []bool{
		strings.TrimSpace(p.DisplayName) != "",
		p.PhotoFile != "",
		strings.TrimSpace(p.Bio) != "",
		strings.TrimSpace(p.TurnOns) != "" || strings.TrimSpace(p.TurnOffs) != "",
		p.Role != "",
		len(p.Intents) > 0,
		len(p.Interests) > 0,
		p.Location != nil && p.Location.Finite(),
	}
	n := 0
	for _, ok := range present {
		if ok {
			n++
		}
	}
	return computed(float64(n), MaxCompleteness)
}

func optInScore(viewer, candidate []string) SubScore {
	vo, co := lowerSet(viewer), lowerSet(candidate)
	if len(vo) == 0 || len(co) == 0 {
		return notApplicable(MaxOptInBonus)
	}
	for o := range vo {
		if co[o] {
			return computed(MaxOptInBonus, MaxOptInBonus)
		}
	}
	return computed(0, MaxOptInBonus)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func lowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		if n := normalize(it); n != "" {
			set[n] = true
		}
	}
	return set
}

func containsFold(items []string, want string) bool {
	for _, it := range items {
		if normalize(it) == want {
			return true
		}
	}
	return false
}
