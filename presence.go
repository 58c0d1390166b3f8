package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// activityToucher is satisfied by *store.Store.
type activityToucher interface {
	TouchLastActive(ctx context.Context, userID int, at time.Time) error
}

// POST /me/ping marks the viewer as active now. Last activity feeds the
// recency part of the match score and the last_active ordering.
func mePingHandler(st activityToucher, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := st.TouchLastActive(r.Context(), viewerID(r), now())
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Int("viewer_id", viewerID(r)).Msg("failed to update last_online")
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
