package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"gitea.kood.tech/petrkubec/match-me/feed/config"
	"gitea.kood.tech/petrkubec/match-me/feed/embedding"
	"gitea.kood.tech/petrkubec/match-me/feed/feed"
	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/scoring"
	"gitea.kood.tech/petrkubec/match-me/feed/store"
	"gitea.kood.tech/petrkubec/match-me/feed/travel"
)

var globalConfig *config.Config

var rootCmd = &cobra.Command{
	Use:          "feed",
	Short:        "Match Me profile feed service",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		globalConfig = cfg
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), globalConfig)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create missing tables (local development and tests)",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context(), globalConfig.Database)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		logging.Info().Msg("schema applied")
		return nil
	},
}

var backfillFlags struct {
	limit       int
	staleAfter  time.Duration
	concurrency int
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Generate embeddings for profiles that lack fresh ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBackfill(cmd.Context(), globalConfig)
	},
}

func init() {
	backfillCmd.Flags().IntVar(&backfillFlags.limit, "limit", 1000, "Maximum profiles to process")
	backfillCmd.Flags().DurationVar(&backfillFlags.staleAfter, "stale-after", 30*24*time.Hour, "Re-embed vectors older than this")
	backfillCmd.Flags().IntVar(&backfillFlags.concurrency, "concurrency", 0, "Worker count (default: embedding.backfill_concurrency)")
	rootCmd.AddCommand(serveCmd, migrateCmd, backfillCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newEmbeddingClient(cfg config.EmbeddingConfig) *embedding.Client {
	return embedding.NewClient(embedding.ClientConfig{
		URL:               cfg.URL,
		APIKey:            cfg.APIKey,
		Model:             cfg.Model,
		MaxInputChars:     cfg.MaxInputChars,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
}

func embeddingWeights(cfg config.EmbeddingConfig) embedding.Weights {
	return embedding.Weights{Bio: cfg.Weights.Bio, TurnOns: cfg.Weights.TurnOns, TurnOffs: cfg.Weights.TurnOffs}
}

// services are the long-lived components behind the API. Optional
// capabilities are left as nil interfaces when not configured.
type services struct {
	store    *store.Store
	resolver feed.TravelResolver
	scorer   feed.Scorer
	pipeline embeddingRefresher
	feed     *feed.Assembler
	hub      *Hub
}

func buildServices(ctx context.Context, cfg *config.Config, st *store.Store) (*services, error) {
	svc := &services{store: st, hub: newHub()}

	if cfg.Embedding.Enabled() {
		svc.pipeline = embedding.NewPipeline(newEmbeddingClient(cfg.Embedding), st, embeddingWeights(cfg.Embedding))
		// semantic similarity needs stored vectors, so match scores are
		// only offered alongside embeddings
		svc.scorer = scoring.NewScorer()
	} else {
		logging.Warn().Msg("embedding provider not configured, feed will be unscored")
	}

	provider, err := travel.NewHTTPProvider(travel.HTTPProviderConfig{URL: cfg.Routing.URL, APIKey: cfg.Routing.APIKey})
	switch {
	case err == nil:
		resolver := travel.NewResolver(provider, travel.ResolverConfig{TTL: cfg.Routing.CacheTTL, Timeout: cfg.Routing.Timeout})
		resolver.StartJanitor(ctx, cfg.Routing.SweepInterval)
		svc.resolver = resolver
	case errors.Is(err, travel.ErrNotConfigured):
		logging.Warn().Msg("routing provider not configured, travel times disabled")
	default:
		return nil, err
	}

	svc.feed = feed.NewAssembler(st, svc.resolver, svc.scorer, feed.Config{
		PageSize:          cfg.Feed.PageSize,
		MaxCandidates:     cfg.Feed.MaxCandidates,
		SessionTTL:        cfg.Feed.SessionTTL,
		TravelConcurrency: cfg.Routing.MaxConcurrency,
	})
	svc.feed.StartSessionCleanup(ctx, time.Minute)
	return svc, nil
}

// routerDeps are everything newRouter wires into handlers.
type routerDeps struct {
	profiles interface {
		profileBatcher
		dismisser
		activityToucher
	}
	feed            feedPager
	resolver        feed.TravelResolver
	scorer          feed.Scorer
	refresher       embeddingRefresher
	hub             *Hub
	ping            func(ctx context.Context) error
	corsOrigins     []string
	ratePerMinute   int
	liveConcurrency int
}

func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestContext)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(accessLog)
	r.Use(withCORS(d.corsOrigins))

	r.Get("/health", healthHandler(d.ping))
	r.Handle("/metrics", promhttp.Handler())

	// authenticates from the header or ?token=
	r.Get("/ws/travel", wsTravelHandler(liveDeps{
		hub:         d.hub,
		profiles:    d.profiles,
		resolver:    d.resolver,
		concurrency: d.liveConcurrency,
	}))

	r.Group(func(r chi.Router) {
		r.Use(authenticate)
		if d.ratePerMinute > 0 {
			r.Use(httprate.Limit(d.ratePerMinute, time.Minute, httprate.WithKeyFuncs(keyByViewer)))
		}
		r.Use(DataLoaderMiddleware(d.profiles))

		r.Get("/feed", feedHandler(d.feed))
		r.Get("/users/{id}/match", matchHandler(d.profiles, d.resolver, d.scorer))
		r.Post("/recommendations/{id}/dismiss", dismissRecommendationHandler(d.profiles))
		r.Post("/me/ping", mePingHandler(d.profiles, time.Now))
		r.Post("/me/embeddings/refresh", refreshEmbeddingsHandler(d.profiles, d.refresher))
	})
	return r
}

func keyByViewer(r *http.Request) (string, error) {
	return fmt.Sprintf("viewer:%d", viewerID(r)), nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	jwtSecret = []byte(cfg.Server.JWTSecret)

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := buildServices(ctx, cfg, st)
	if err != nil {
		return err
	}

	handler := newRouter(routerDeps{
		profiles:        st,
		feed:            svc.feed,
		resolver:        svc.resolver,
		scorer:          svc.scorer,
		refresher:       svc.pipeline,
		hub:             svc.hub,
		ping:            st.DB().PingContext,
		corsOrigins:     cfg.Server.CORSOrigins,
		ratePerMinute:   cfg.Server.RateLimitPerMinute,
		liveConcurrency: cfg.Routing.MaxConcurrency,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("Starting Match Me feed")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info().Msg("shutting down")
	svc.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runBackfill(ctx context.Context, cfg *config.Config) error {
	if !cfg.Embedding.Enabled() {
		return embedding.ErrNotConfigured
	}
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	profiles, err := st.ProfilesMissingEmbeddings(ctx, time.Now().Add(-backfillFlags.staleAfter), backfillFlags.limit)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		logging.Info().Msg("all embeddings are fresh")
		return nil
	}

	concurrency := backfillFlags.concurrency
	if concurrency <= 0 {
		concurrency = cfg.Embedding.BackfillConcurrency
	}
	pipe := embedding.NewPipeline(newEmbeddingClient(cfg.Embedding), st, embeddingWeights(cfg.Embedding))
	logging.Info().Int("profiles", len(profiles)).Int("concurrency", concurrency).Msg("embedding backfill started")

	report := pipe.BatchUpdate(ctx, profiles, embedding.BatchOptions{
		Concurrency: concurrency,
		Progress: func(done, total int, out embedding.Outcome) {
			if done%25 == 0 || done == total {
				logging.Info().Int("done", done).Int("total", total).Msg("embedding backfill progress")
			}
		},
	})

	logging.Info().Int("total", report.Total).Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).Msg("embedding backfill finished")
	if report.Total > 0 && report.Succeeded == 0 {
		return fmt.Errorf("embedding backfill: all %d profiles failed", report.Total)
	}
	return ctx.Err()
}
