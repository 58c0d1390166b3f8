package main

import (
	"context"
	"net/http"
	"time"

	"gitea.kood.tech/petrkubec/match-me/feed/config"
	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/store"
)

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := store.Open(ctx, cfg.URL, cfg.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	logging.Info().Msg("Database connection established successfully")
	return st, nil
}

// healthHandler reports whether the database answers. ping may be nil.
func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				logging.Ctx(r.Context()).Warn().Err(err).Msg("health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
