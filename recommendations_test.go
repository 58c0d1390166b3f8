package main

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.kood.tech/petrkubec/match-me/feed/feed"
)

func TestFeedHandler(t *testing.T) {
	t.Run("Passes query through", func(t *testing.T) {
		next := "next-token"
		prob := 71.5
		pager := &fakePager{page: feed.Page{
			Items:          []feed.Candidate{{ID: 2, DisplayName: "Host", MatchProbability: &prob}},
			NextCursor:     &next,
			ScoringVersion: "match-v2",
		}}
		h := newTestRouter(routerDeps{feed: pager})

		w := doRequest(t, h, http.MethodGet,
			"/feed?sort=distance&cursor=abc&max_distance_km=25&role=host,guest&role=%20both&intent=dating&active_within_hours=48", 1)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		assert.Equal(t, 1, pager.gotViewer)
		assert.Equal(t, feed.SortDistance, pager.gotSort)
		assert.Equal(t, "abc", pager.gotCursor)
		assert.Equal(t, feed.Filters{
			MaxDistanceKm: 25,
			Roles:         []string{"host", "guest", "both"},
			Intents:       []string{"dating"},
			ActiveWithin:  48 * time.Hour,
		}, pager.gotFilters)

		body := decodeBody(t, w)
		assert.Equal(t, "next-token", body["nextCursor"])
		assert.Equal(t, "match-v2", body["scoringVersion"])
		items := body["items"].([]any)
		require.Len(t, items, 1)
		item := items[0].(map[string]any)
		assert.Equal(t, float64(2), item["id"])
		assert.Equal(t, 71.5, item["matchProbability"])
		assert.Contains(t, item, "travelTimeMinutes")
		assert.Nil(t, item["travelTimeMinutes"])
	})

	t.Run("Empty sort defers to cursor", func(t *testing.T) {
		pager := &fakePager{}
		h := newTestRouter(routerDeps{feed: pager})
		w := doRequest(t, h, http.MethodGet, "/feed?cursor=abc", 1)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, feed.SortKey(""), pager.gotSort)
	})

	t.Run("Last page has null cursor", func(t *testing.T) {
		h := newTestRouter(routerDeps{})
		w := doRequest(t, h, http.MethodGet, "/feed", 1)
		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Contains(t, body, "nextCursor")
		assert.Nil(t, body["nextCursor"])
		assert.Equal(t, []any{}, body["items"])
	})

	t.Run("Requires auth", func(t *testing.T) {
		w := doRequest(t, newTestRouter(routerDeps{}), http.MethodGet, "/feed", 0)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	badRequests := map[string]string{
		"/feed?sort=random":             "invalid_sort",
		"/feed?max_distance_km=-3":      "invalid_filter",
		"/feed?max_distance_km=far":     "invalid_filter",
		"/feed?max_distance_km=Inf":     "invalid_filter",
		"/feed?active_within_hours=0":   "invalid_filter",
		"/feed?active_within_hours=1.5": "invalid_filter",
	}
	for path, code := range badRequests {
		t.Run("Rejects "+path, func(t *testing.T) {
			w := doRequest(t, newTestRouter(routerDeps{}), http.MethodGet, path, 1)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, code, decodeBody(t, w)["error"])
		})
	}

	errorCases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: sort changed", feed.ErrInvalidCursor), http.StatusBadRequest, "invalid_cursor"},
		{feed.ErrViewerNotFound, http.StatusNotFound, "profile_not_found"},
		{fmt.Errorf("%w: load candidates: connection refused", feed.ErrUnavailable), http.StatusServiceUnavailable, "feed_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "feed_error"},
	}
	for _, tc := range errorCases {
		t.Run(tc.code, func(t *testing.T) {
			h := newTestRouter(routerDeps{feed: &fakePager{err: tc.err}})
			w := doRequest(t, h, http.MethodGet, "/feed", 1)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decodeBody(t, w)["error"])
		})
	}
}

func TestDismissRecommendationHandler(t *testing.T) {
	st := newFakeStore(testProfiles()...)
	h := newTestRouter(routerDeps{profiles: st})

	w := doRequest(t, h, http.MethodPost, "/recommendations/2/dismiss", 1)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["dismissed"])
	assert.Equal(t, []int{2}, st.dismissed[1])

	for _, path := range []string{"/recommendations/1/dismiss", "/recommendations/99/dismiss", "/recommendations/abc/dismiss", "/recommendations/-2/dismiss"} {
		w := doRequest(t, h, http.MethodPost, path, 1)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	w = doRequest(t, h, http.MethodGet, "/recommendations/2/dismiss", 1)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	st.err = errors.New("db down")
	w = doRequest(t, h, http.MethodPost, "/recommendations/3/dismiss", 1)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "dismiss_error", decodeBody(t, w)["error"])
}
