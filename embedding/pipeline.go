package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gitea.kood.tech/petrkubec/match-me/feed/logging"
	"gitea.kood.tech/petrkubec/match-me/feed/metrics"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// DefaultConcurrency caps concurrent profiles in BatchUpdate.
const DefaultConcurrency = 5

// ErrNoEmbeddings means none of a profile's fields produced a vector.
var ErrNoEmbeddings = errors.New("no embeddings produced")

// Store persists vectors. UpsertEmbeddings must be idempotent per
// (profile, field); DeleteEmbeddings ignores fields that have no row.
type Store interface {
	UpsertEmbeddings(ctx context.Context, profileID int, records []Record) error
	DeleteEmbeddings(ctx context.Context, profileID int, fields []Field) error
}

// Pipeline generates, combines and stores profile vectors.
type Pipeline struct {
	gen     Generator
	store   Store
	weights Weights
	now     func() time.Time
}

// NewPipeline wires a generator to a store.
func NewPipeline(gen Generator, store Store, weights Weights) *Pipeline {
	return &Pipeline{gen: gen, store: store, weights: weights, now: time.Now}
}

// Update is what one profile refresh produced. Absent fields are nil.
// Removed lists the stored vectors dropped because their text is gone.
type Update struct {
	ProfileID int
	Fields    map[Field][]float32
	Combined  []float32
	Removed   []Field
}

// Partial reports whether some but not all text fields were embedded.
func (u Update) Partial() bool {
	n := 0
	for _, f := range TextFields {
		if u.Fields[f] != nil {
			n++
		}
	}
	return n > 0 && n < len(TextFields)
}

// UpdateProfileEmbeddings embeds the profile's text fields in parallel,
// combines them and upserts every vector produced. Some fields missing is
// still a success; ErrNoEmbeddings is returned only when nothing was
// produced.
//
// Vectors of fields whose text is now empty are deleted, and so is the
// combined vector when no new one could be built. A field whose generation
// failed keeps its previous vector, and while any field failed the previous
// combined vector is kept too.
func (p *Pipeline) UpdateProfileEmbeddings(ctx context.Context, profile model.Profile) (Update, error) {
	texts := map[Field]string{
		FieldBio:      profile.Bio,
		FieldTurnOns:  profile.TurnOns,
		FieldTurnOffs: profile.TurnOffs,
	}

	var mu sync.Mutex
	fields := make(map[Field][]float32, len(TextFields))
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range TextFields {
		f := f
		g.Go(func() error {
			vec := p.gen.Generate(gctx, texts[f])
			mu.Lock()
			fields[f] = vec
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	upd := Update{ProfileID: profile.ID, Fields: fields}
	upd.Combined = CombineFields(fields, p.weights)

	now := p.now()
	var records []Record
	failed := 0
	for _, f := range TextFields {
		switch v := fields[f]; {
		case v != nil:
			records = append(records, Record{ProfileID: profile.ID, Field: f, Vector: v, UpdatedAt: now})
		case strings.TrimSpace(texts[f]) == "":
			upd.Removed = append(upd.Removed, f)
		default:
			failed++
		}
	}
	produced := len(records) > 0
	switch {
	case upd.Combined != nil:
		records = append(records, Record{ProfileID: profile.ID, Field: FieldCombined, Vector: upd.Combined, UpdatedAt: now})
	case failed == 0:
		upd.Removed = append(upd.Removed, FieldCombined)
	}

	if produced {
		if err := p.store.UpsertEmbeddings(ctx, profile.ID, records); err != nil {
			return upd, fmt.Errorf("profile %d: upsert embeddings: %w", profile.ID, err)
		}
	}
	if len(upd.Removed) > 0 {
		if err := p.store.DeleteEmbeddings(ctx, profile.ID, upd.Removed); err != nil {
			return upd, fmt.Errorf("profile %d: delete stale embeddings: %w", profile.ID, err)
		}
	}
	if !produced {
		return upd, fmt.Errorf("profile %d: %w", profile.ID, ErrNoEmbeddings)
	}
	return upd, nil
}

// BatchOptions tunes BatchUpdate.
type BatchOptions struct {
	// Concurrency is the number of workers. Default: DefaultConcurrency
	Concurrency int
	// Progress, if set, is called after every profile completes. Calls are
	// serialized.
	Progress func(done, total int, outcome Outcome)
}

// Outcome is one profile's result in a batch.
type Outcome struct {
	ProfileID int
	Partial   bool
	Err       error
}

// BatchReport summarizes a batch.
type BatchReport struct {
	Total     int
	Succeeded int
	Failed    int
	Outcomes  []Outcome
}

// BatchUpdate refreshes many profiles with a bounded worker pool. A failing
// profile is recorded and the pool keeps going. Cancelling ctx stops
// workers from taking new profiles; profiles never started are reported
// with the context error.
func (p *Pipeline) BatchUpdate(ctx context.Context, profiles []model.Profile, opts BatchOptions) BatchReport {
	workers := opts.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if workers > len(profiles) {
		workers = len(profiles)
	}

	report := BatchReport{Total: len(profiles), Outcomes: make([]Outcome, len(profiles))}
	started := make([]bool, len(profiles))

	queue := make(chan int)
	var mu sync.Mutex
	done := 0

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range queue {
				prof := profiles[i]
				upd, err := p.UpdateProfileEmbeddings(ctx, prof)
				out := Outcome{ProfileID: prof.ID, Partial: err == nil && upd.Partial(), Err: err}

				switch {
				case err != nil:
					metrics.EmbeddingBackfill.WithLabelValues("failed").Inc()
					logging.Ctx(ctx).Warn().Err(err).Int("profile_id", prof.ID).Msg("embedding backfill failed for profile")
				case out.Partial:
					metrics.EmbeddingBackfill.WithLabelValues("partial").Inc()
				default:
					metrics.EmbeddingBackfill.WithLabelValues("ok").Inc()
				}

				mu.Lock()
				report.Outcomes[i] = out
				done++
				if opts.Progress != nil {
					opts.Progress(done, len(profiles), out)
				}
				mu.Unlock()
			}
			return nil
		})
	}

feed:
	for i := range profiles {
		select {
		case <-ctx.Done():
			break feed
		case queue <- i:
			started[i] = true
		}
	}
	close(queue)
	_ = g.Wait()

	for i, o := range report.Outcomes {
		if !started[i] {
			o = Outcome{ProfileID: profiles[i].ID, Err: ctx.Err()}
			report.Outcomes[i] = o
		}
		if o.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	return report
}
