// Package feed assembles ranked, paginated candidate feeds from profiles,
// travel estimates and match breakdowns.
package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gitea.kood.tech/petrkubec/match-me/feed/cache"
	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/metrics"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
	"gitea.kood.tech/petrkubec/match-me/feed/scoring"
	"gitea.kood.tech/petrkubec/match-me/feed/travel"
)

// UnscoredVersion marks pages ordered without match scores.
const UnscoredVersion = "unscored"

var (
	// ErrUnavailable means the candidate source failed. Callers may retry.
	ErrUnavailable = errors.New("feed unavailable")
	// ErrViewerNotFound means the viewer has no profile.
	ErrViewerNotFound = errors.New("viewer profile not found")
)

// Source loads profiles. Profile returns an error wrapping
// model.ErrNotFound for unknown ids.
type Source interface {
	Profile(ctx context.Context, id int) (model.Profile, error)
	Candidates(ctx context.Context, viewerID int, limit int) ([]model.Profile, error)
}

// TravelResolver is satisfied by *travel.Resolver.
type TravelResolver interface {
	Resolve(ctx context.Context, origin, dest model.Coord) travel.Result
}

// Scorer is satisfied by *scoring.Scorer.
type Scorer interface {
	Score(viewer, candidate model.Profile, tr *travel.Result) scoring.Result
}

// Filters narrow the candidate set. Zero values disable a filter.
type Filters struct {
	MaxDistanceKm float64
	Roles         []string
	Intents       []string
	ActiveWithin  time.Duration
}

// Candidate is one feed item. Every field except ID is optional.
type Candidate struct {
	ID                int                `json:"id"`
	DisplayName       string             `json:"displayName,omitempty"`
	PhotoFile         string             `json:"photoFile,omitempty"`
	MatchProbability  *float64           `json:"matchProbability"`
	MatchBreakdown    *scoring.Breakdown `json:"matchBreakdown"`
	TravelTimeMinutes *float64           `json:"travelTimeMinutes"`
	TravelMode        *travel.Mode       `json:"travelMode"`
	DistanceKm        *float64           `json:"distanceKm"`
	LastActive        *time.Time         `json:"lastActive"`
}

// Page is one slice of a feed. NextCursor is nil on the last page.
type Page struct {
	Items          []Candidate `json:"items"`
	NextCursor     *string     `json:"nextCursor"`
	ScoringVersion string      `json:"scoringVersion"`
}

// Config tunes an Assembler.
type Config struct {
	PageSize          int
	MaxCandidates     int
	SessionTTL        time.Duration
	TravelConcurrency int
}

// session is the ranked candidate list a cursor walks through. prior holds
// the ids served by the expired sessions it replaced.
type session struct {
	viewerID  int
	sort      SortKey
	filters   string
	version   string
	items     []Candidate
	positions []Position
	prior     []int
}

// Assembler builds feed pages.
type Assembler struct {
	source   Source
	resolver TravelResolver
	scorer   Scorer
	cfg      Config
	sessions *cache.Cache[*session]
	now      func() time.Time
}

// NewAssembler wires an assembler. resolver and scorer may be nil: without
// a resolver no travel times are shown, and without a scorer pages are
// marked UnscoredVersion and "match" ordering falls back to last activity.
func NewAssembler(source Source, resolver TravelResolver, scorer Scorer, cfg Config) *Assembler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 500
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Minute
	}
	if cfg.TravelConcurrency <= 0 {
		cfg.TravelConcurrency = 8
	}
	a := &Assembler{
		source:   source,
		resolver: resolver,
		scorer:   scorer,
		cfg:      cfg,
		now:      time.Now,
	}
	a.sessions = cache.New[*session](cfg.SessionTTL, cache.WithClock(func() time.Time { return a.now() }))
	return a
}

// StartSessionCleanup drops expired sessions every interval until ctx is
// done.
func (a *Assembler) StartSessionCleanup(ctx context.Context, interval time.Duration) {
	a.sessions.StartCleanup(ctx, interval, func(_, size int) { a.recordSessions(size) })
}

func (a *Assembler) recordSessions(size int) {
	metrics.FeedSessions.Set(float64(size))
	metrics.CacheHitRate.WithLabelValues("feed_sessions").Set(a.sessions.HitRate())
	metrics.CacheEvictions.WithLabelValues("feed_sessions").Set(float64(a.sessions.GetStats().Evictions))
}

// GetPage returns one page of viewerID's feed. An empty sortKey means
// SortMatch, or the cursor's ordering when a cursor is given.
//
// An empty cursor starts a new session: the full candidate set is ranked
// once and kept for SessionTTL after its last read, and later cursors page
// through that same ranking so no id repeats. If the session has expired
// the candidates are ranked again without the ids the cursor says were
// already served, under a new session id. A cursor used with different
// filters or sort than it was issued for is ErrInvalidCursor.
func (a *Assembler) GetPage(ctx context.Context, viewerID int, sortKey SortKey, cursor string, f Filters) (Page, error) {
	start := time.Now()
	defer func() { metrics.FeedPageDuration.Observe(time.Since(start).Seconds()) }()

	if cursor == "" {
		if sortKey == "" {
			sortKey = SortMatch
		}
		s, err := a.build(ctx, viewerID, sortKey, f, nil)
		if err != nil {
			return Page{}, err
		}
		sid := uuid.NewString()
		a.sessions.Set(sid, s)
		logging.Ctx(ctx).Debug().Str("session_id", sid).Int("viewer_id", viewerID).
			Int("candidates", len(s.items)).Msg("feed session started")
		return a.page(sid, s, 0)
	}

	cur, err := DecodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	if sortKey == "" {
		sortKey = cur.Sort
	}
	if cur.Sort != sortKey {
		return Page{}, fmt.Errorf("%w: sort changed from %q to %q", ErrInvalidCursor, cur.Sort, sortKey)
	}

	if cur.Filters != f.key() {
		return Page{}, fmt.Errorf("%w: filters changed", ErrInvalidCursor)
	}

	if s, ok := a.sessions.Get(cur.SessionID); ok {
		if s.viewerID != viewerID {
			return Page{}, fmt.Errorf("%w: session belongs to another viewer", ErrInvalidCursor)
		}
		// reading extends the session's lifetime
		a.sessions.Set(cur.SessionID, s)
		return a.page(cur.SessionID, s, cur.Offset)
	}

	// session expired: rank what has not been served yet
	served := make(map[int]bool, len(cur.Served))
	for _, id := range cur.Served {
		served[id] = true
	}
	s, err := a.build(ctx, viewerID, sortKey, f, served)
	if err != nil {
		return Page{}, err
	}
	s.prior = cur.Served
	sid := uuid.NewString()
	a.sessions.Set(sid, s)
	logging.Ctx(ctx).Debug().Str("session_id", sid).Str("expired_session_id", cur.SessionID).
		Int("served", len(cur.Served)).Int("candidates", len(s.items)).Msg("feed session rebuilt from cursor")
	return a.page(sid, s, 0)
}

func (a *Assembler) page(sid string, s *session, offset int) (Page, error) {
	metrics.FeedPages.WithLabelValues(s.version).Inc()

	p := Page{Items: []Candidate{}, ScoringVersion: s.version}
	if offset >= len(s.items) {
		return p, nil
	}
	end := min(offset+a.cfg.PageSize, len(s.items))
	p.Items = s.items[offset:end]
	if end < len(s.items) {
		served := make([]int, 0, len(s.prior)+end)
		served = append(served, s.prior...)
		for _, it := range s.items[:end] {
			served = append(served, it.ID)
		}
		token, err := Cursor{SessionID: sid, Sort: s.sort, Offset: end, Filters: s.filters, Served: served}.Encode()
		if err != nil {
			return Page{}, err
		}
		p.NextCursor = &token
	}
	return p, nil
}

// build loads, filters, enriches and ranks the viewer's candidates,
// leaving out the ids in exclude.
func (a *Assembler) build(ctx context.Context, viewerID int, sortKey SortKey, f Filters, exclude map[int]bool) (*session, error) {
	viewer, err := a.source.Profile(ctx, viewerID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrViewerNotFound
		}
		return nil, fmt.Errorf("%w: load viewer: %v", ErrUnavailable, err)
	}
	raw, err := a.source.Candidates(ctx, viewerID, a.cfg.MaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("%w: load candidates: %v", ErrUnavailable, err)
	}

	now := a.now()
	seen := make(map[int]bool, len(raw))
	var cands []model.Profile
	var distances []*float64
	for _, c := range raw {
		if c.ID == viewerID || seen[c.ID] || exclude[c.ID] {
			continue
		}
		seen[c.ID] = true
		dist := distanceKm(viewer.Location, c.Location)
		if !f.match(c, dist, now) {
			continue
		}
		cands = append(cands, c)
		distances = append(distances, dist)
	}

	trips := a.resolveTravel(ctx, viewer, cands)

	version := UnscoredVersion
	if a.scorer != nil {
		version = scoring.Version
	}

	s := &session{
		viewerID:  viewerID,
		sort:      sortKey,
		filters:   f.key(),
		version:   version,
		items:     make([]Candidate, len(cands)),
		positions: make([]Position, len(cands)),
	}
	for i, c := range cands {
		item := Candidate{
			ID:          c.ID,
			DisplayName: c.DisplayName,
			PhotoFile:   c.PhotoFile,
			DistanceKm:  distances[i],
		}
		if !c.LastActive.IsZero() {
			la := c.LastActive
			item.LastActive = &la
		}
		if tr := trips[i]; tr != nil {
			if est, ok := tr.FastestEstimate(); ok {
				minutes := est.Minutes()
				mode := tr.Fastest
				item.TravelTimeMinutes = &minutes
				item.TravelMode = &mode
			}
		}

		pos := Position{
			DistanceKm: distances[i],
			LastActive: unixNano(c.LastActive),
			CreatedAt:  unixNano(c.CreatedAt),
			ID:         c.ID,
		}
		if a.scorer != nil {
			res := a.scorer.Score(viewer, c, trips[i])
			prob := res.Probability
			bd := res.Breakdown
			item.MatchProbability = &prob
			item.MatchBreakdown = &bd
			pos.Score = prob
		}
		s.items[i] = item
		s.positions[i] = pos
	}

	sort.Sort(byPosition{s: s})
	return s, nil
}

// resolveTravel looks up travel times for every candidate with a bounded
// number of concurrent lookups. A nil entry means no estimate.
func (a *Assembler) resolveTravel(ctx context.Context, viewer model.Profile, cands []model.Profile) []*travel.Result {
	out := make([]*travel.Result, len(cands))
	if a.resolver == nil || viewer.Location == nil {
		return out
	}

	var g errgroup.Group
	g.SetLimit(a.cfg.TravelConcurrency)
	for i, c := range cands {
		if c.Location == nil {
			continue
		}
		i, c := i, c
		g.Go(func() error {
			res := a.resolver.Resolve(ctx, *viewer.Location, *c.Location)
			out[i] = &res
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func distanceKm(a, b *model.Coord) *float64 {
	if a == nil || b == nil || !a.Finite() || !b.Finite() {
		return nil
	}
	d := travel.DistanceKm(*a, *b)
	return &d
}

func (f Filters) match(c model.Profile, dist *float64, now time.Time) bool {
	if f.MaxDistanceKm > 0 && (dist == nil || *dist > f.MaxDistanceKm) {
		return false
	}
	if f.ActiveWithin > 0 && (c.LastActive.IsZero() || now.Sub(c.LastActive) > f.ActiveWithin) {
		return false
	}
	if len(f.Roles) > 0 && !anyFold(f.Roles, c.Role) {
		return false
	}
	if len(f.Intents) > 0 {
		ok := false
		for _, in := range c.Intents {
			if anyFold(f.Intents, in) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// key is a canonical form of f: list order, case and blanks do not matter.
func (f Filters) key() string {
	if f.MaxDistanceKm == 0 && len(f.Roles) == 0 && len(f.Intents) == 0 && f.ActiveWithin == 0 {
		return ""
	}
	return fmt.Sprintf("d=%g;r=%s;i=%s;a=%d", f.MaxDistanceKm, canonList(f.Roles), canonList(f.Intents), f.ActiveWithin/time.Second)
}

func canonList(list []string) string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return strings.Join(slices.Compact(out), ",")
}

func anyFold(list []string, s string) bool {
	s = strings.TrimSpace(s)
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

// byPosition sorts a session's items and positions together.
type byPosition struct{ s *session }

func (b byPosition) Len() int { return len(b.s.items) }
func (b byPosition) Less(i, j int) bool {
	return before(b.s.sort, b.s.positions[i], b.s.positions[j])
}
func (b byPosition) Swap(i, j int) {
	b.s.items[i], b.s.items[j] = b.s.items[j], b.s.items[i]
	b.s.positions[i], b.s.positions[j] = b.s.positions[j], b.s.positions[i]
}
