package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"gitea.kood.tech/petrkubec/match-me/feed/embedding"
	"gitea.kood.tech/petrkubec/match-me/feed/feed"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
	"gitea.kood.tech/petrkubec/match-me/feed/travel"
)

// Initialize JWT secret for handler tests
func init() {
	jwtSecret = []byte("test-secret-key-for-testing")
}

func tokenFor(t *testing.T, userID int) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString(jwtSecret)
	require.NoError(t, err)
	return s
}

// fakeStore is an in-memory profile store.
type fakeStore struct {
	mu         sync.Mutex
	profiles   map[int]model.Profile
	err        error
	batchCalls int
	batchKeys  [][]int
	dismissed  map[int][]int
	touched    map[int]time.Time
}

func newFakeStore(profiles ...model.Profile) *fakeStore {
	s := &fakeStore{
		profiles:  map[int]model.Profile{},
		dismissed: map[int][]int{},
		touched:   map[int]time.Time{},
	}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

func (s *fakeStore) Profiles(_ context.Context, ids []int) (map[int]model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	s.batchKeys = append(s.batchKeys, append([]int(nil), ids...))
	if s.err != nil {
		return nil, s.err
	}
	out := map[int]model.Profile{}
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *fakeStore) DismissCandidate(_ context.Context, viewerID, targetID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.profiles[targetID]; !ok || viewerID == targetID {
		return fmt.Errorf("dismiss %d: %w", targetID, model.ErrNotFound)
	}
	s.dismissed[viewerID] = append(s.dismissed[viewerID], targetID)
	return nil
}

func (s *fakeStore) TouchLastActive(_ context.Context, userID int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.profiles[userID]; !ok {
		return model.ErrNotFound
	}
	s.touched[userID] = at
	return nil
}

// fakePager records what the handler asked for.
type fakePager struct {
	page       feed.Page
	err        error
	gotViewer  int
	gotSort    feed.SortKey
	gotCursor  string
	gotFilters feed.Filters
}

func (p *fakePager) GetPage(_ context.Context, viewerID int, sortKey feed.SortKey, cursor string, f feed.Filters) (feed.Page, error) {
	p.gotViewer, p.gotSort, p.gotCursor, p.gotFilters = viewerID, sortKey, cursor, f
	return p.page, p.err
}

// fakeResolver answers with res, or blocks until ctx ends when block is set.
type fakeResolver struct {
	res      travel.Result
	block    bool
	calls    atomic.Int32
	canceled atomic.Int32
}

func (r *fakeResolver) Resolve(ctx context.Context, _, _ model.Coord) travel.Result {
	r.calls.Add(1)
	if r.block {
		<-ctx.Done()
		r.canceled.Add(1)
		return travel.Result{Outcome: travel.OutcomeCanceled}
	}
	return r.res
}

type fakeRefresher struct {
	upd embedding.Update
	err error
	got model.Profile
}

func (f *fakeRefresher) UpdateProfileEmbeddings(_ context.Context, p model.Profile) (embedding.Update, error) {
	f.got = p
	return f.upd, f.err
}

func coord(lat, lng float64) *model.Coord { return &model.Coord{Lat: lat, Lng: lng} }

func testProfiles() []model.Profile {
	return []model.Profile{
		{ID: 1, DisplayName: "Viewer", Role: "guest", SeekingRoles: []string{"host"}, Location: coord(59.437, 24.7536), LastActive: time.Now()},
		{ID: 2, DisplayName: "Host", Role: "host", SeekingRoles: []string{"guest"}, Location: coord(59.44, 24.76), LastActive: time.Now()},
		{ID: 3, DisplayName: "Far", Role: "host", Location: coord(60.1699, 24.9384)},
		{ID: 4, DisplayName: "Nowhere", Role: "guest"},
	}
}

// newTestRouter fills unset dependencies with empty fakes.
func newTestRouter(d routerDeps) http.Handler {
	if d.profiles == nil {
		d.profiles = newFakeStore(testProfiles()...)
	}
	if d.feed == nil {
		d.feed = &fakePager{page: feed.Page{Items: []feed.Candidate{}, ScoringVersion: feed.UnscoredVersion}}
	}
	if d.hub == nil {
		d.hub = newHub()
	}
	if d.corsOrigins == nil {
		d.corsOrigins = []string{"http://localhost:5173"}
	}
	return newRouter(d)
}

func doRequest(t *testing.T, h http.Handler, method, path string, userID int) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if userID > 0 {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(strings.NewReader(w.Body.String())).Decode(&out), w.Body.String())
	return out
}
