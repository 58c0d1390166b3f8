package main

import (
	"errors"
	"net/http"

	"gitea.kood.tech/petrkubec/match-me/feed/feed"
	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
	"gitea.kood.tech/petrkubec/match-me/feed/scoring"
	"gitea.kood.tech/petrkubec/match-me/feed/travel"
)

// matchResponse explains one viewer/candidate pair.
type matchResponse struct {
	ID               int               `json:"id"`
	MatchProbability float64           `json:"matchProbability"`
	MatchBreakdown   scoring.Breakdown `json:"matchBreakdown"`
	Travel           *travel.Result    `json:"travel"`
	DistanceKm       *float64          `json:"distanceKm"`
	ScoringVersion   string            `json:"scoringVersion"`
}

// GET /users/{id}/match
func matchHandler(src profileBatcher, resolver feed.TravelResolver, scorer feed.Scorer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if scorer == nil {
			writeError(w, http.StatusServiceUnavailable, "scoring_unavailable")
			return
		}
		id, ok := pathID(r, "id")
		me := viewerID(r)
		if !ok || id == me {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}

		pair, err := loadersFor(r.Context(), src).loadProfiles(r.Context(), me, id)
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Int("target_id", id).Msg("load match pair failed")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		viewer, cand := pair[0], pair[1]

		resp := matchResponse{ID: cand.ID, ScoringVersion: scoring.Version}
		if viewer.Location != nil && cand.Location != nil && viewer.Location.Finite() && cand.Location.Finite() {
			d := travel.DistanceKm(*viewer.Location, *cand.Location)
			resp.DistanceKm = &d
			if resolver != nil {
				res := resolver.Resolve(r.Context(), *viewer.Location, *cand.Location)
				resp.Travel = &res
			}
		}
		res := scorer.Score(viewer, cand, resp.Travel)
		resp.MatchProbability = res.Probability
		resp.MatchBreakdown = res.Breakdown
		writeJSON(w, http.StatusOK, resp)
	}
}
