package main

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gitea.kood.tech/petrkubec/match-me/feed/feed"
	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// feedPager is satisfied by *feed.Assembler.
type feedPager interface {
	GetPage(ctx context.Context, viewerID int, sortKey feed.SortKey, cursor string, f feed.Filters) (feed.Page, error)
}

// dismisser is satisfied by *store.Store.
type dismisser interface {
	DismissCandidate(ctx context.Context, viewerID, targetID int) error
}

// GET /feed?sort=&cursor=&max_distance_km=&role=&intent=&active_within_hours=
func feedHandler(fp feedPager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		// an empty sort keeps the cursor's ordering
		var sortKey feed.SortKey
		if s := q.Get("sort"); s != "" {
			k, err := feed.ParseSortKey(s)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_sort")
				return
			}
			sortKey = k
		}
		filters, err := parseFilters(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_filter")
			return
		}

		page, err := fp.GetPage(r.Context(), viewerID(r), sortKey, q.Get("cursor"), filters)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, page)
		case errors.Is(err, feed.ErrInvalidCursor):
			writeError(w, http.StatusBadRequest, "invalid_cursor")
		case errors.Is(err, feed.ErrViewerNotFound):
			writeError(w, http.StatusNotFound, "profile_not_found")
		case errors.Is(err, feed.ErrUnavailable):
			logging.Ctx(r.Context()).Error().Err(err).Int("viewer_id", viewerID(r)).Msg("feed unavailable")
			writeError(w, http.StatusServiceUnavailable, "feed_unavailable")
		default:
			logging.Ctx(r.Context()).Error().Err(err).Int("viewer_id", viewerID(r)).Msg("feed page failed")
			writeError(w, http.StatusInternalServerError, "feed_error")
		}
	}
}

var errBadFilter = errors.New("bad filter")

func parseFilters(q url.Values) (feed.Filters, error) {
	var f feed.Filters
	if s := q.Get("max_distance_km"); s != "" {
		d, err := strconv.ParseFloat(s, 64)
		if err != nil || d <= 0 || math.IsInf(d, 0) || math.IsNaN(d) {
			return f, errBadFilter
		}
		f.MaxDistanceKm = d
	}
	if s := q.Get("active_within_hours"); s != "" {
		h, err := strconv.Atoi(s)
		if err != nil || h <= 0 {
			return f, errBadFilter
		}
		f.ActiveWithin = time.Duration(h) * time.Hour
	}
	f.Roles = listParam(q, "role")
	f.Intents = listParam(q, "intent")
	return f, nil
}

// listParam accepts both repeated and comma-separated values.
func listParam(q url.Values, name string) []string {
	var out []string
	for _, v := range q[name] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// POST /recommendations/{id}/dismiss
func dismissRecommendationHandler(st dismisser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r, "id")
		if !ok {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		err := st.DismissCandidate(r.Context(), viewerID(r), id)
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Int("target_id", id).Msg("dismiss failed")
			writeError(w, http.StatusInternalServerError, "dismiss_error")
			return
		}
		writeJSON(w, http.StatusCreated, map[string]bool{"dismissed": true})
	}
}
