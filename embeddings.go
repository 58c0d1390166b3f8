package main

import (
	"context"
	"errors"
	"net/http"

	"gitea.kood.tech/petrkubec/match-me/feed/embedding"
	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// embeddingRefresher is satisfied by *embedding.Pipeline.
type embeddingRefresher interface {
	UpdateProfileEmbeddings(ctx context.Context, profile model.Profile) (embedding.Update, error)
}

type refreshResponse struct {
	ProfileID int               `json:"profileId"`
	Fields    []embedding.Field `json:"fields"`
	Combined  bool              `json:"combined"`
	Partial   bool              `json:"partial"`
	Removed   []embedding.Field `json:"removed"`
}

// POST /me/embeddings/refresh regenerates the viewer's vectors, e.g. right
// after they edit their bio.
func refreshEmbeddingsHandler(src profileBatcher, refresher embeddingRefresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if refresher == nil {
			writeError(w, http.StatusServiceUnavailable, "embeddings_not_configured")
			return
		}
		me := viewerID(r)
		profiles, err := loadersFor(r.Context(), src).loadProfiles(r.Context(), me)
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile_not_found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "db_error")
			return
		}

		upd, err := refresher.UpdateProfileEmbeddings(r.Context(), profiles[0])
		if errors.Is(err, embedding.ErrNoEmbeddings) {
			writeError(w, http.StatusUnprocessableEntity, "no_embeddings")
			return
		}
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Int("viewer_id", me).Msg("embedding refresh failed")
			writeError(w, http.StatusInternalServerError, "embedding_store_error")
			return
		}

		resp := refreshResponse{
			ProfileID: me,
			Fields:    []embedding.Field{},
			Combined:  upd.Combined != nil,
			Partial:   upd.Partial(),
			Removed:   append([]embedding.Field{}, upd.Removed...),
		}
		for _, f := range embedding.TextFields {
			if upd.Fields[f] != nil {
				resp.Fields = append(resp.Fields, f)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
