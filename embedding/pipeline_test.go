package embedding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// stubGenerator returns a unit vector for every non-empty text, except for
// texts listed in fail.
type stubGenerator struct {
	dim   int
	fail  map[string]bool
	delay time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (g *stubGenerator) Generate(ctx context.Context, text string) []float32 {
	g.calls.Add(1)
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil
		}
	}
	if text == "" || g.fail[text] {
		return nil
	}
	v := make([]float32, g.dim)
	v[len(text)%g.dim] = 1
	return v
}

// memStore keeps one row per (profile, field) like the Postgres table.
type memStore struct {
	mu      sync.Mutex
	rows    map[int]map[Field]Record
	calls   int
	deletes [][]Field
	err     error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int]map[Field]Record)}
}

func (s *memStore) UpsertEmbeddings(_ context.Context, profileID int, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.rows[profileID] == nil {
		s.rows[profileID] = make(map[Field]Record)
	}
	for _, r := range records {
		s.rows[profileID][r.Field] = r
	}
	return nil
}

func (s *memStore) DeleteEmbeddings(_ context.Context, profileID int, fields []Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.deletes = append(s.deletes, fields)
	for _, f := range fields {
		delete(s.rows[profileID], f)
	}
	return nil
}

func (s *memStore) fields(profileID int) []Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Field, 0, len(s.rows[profileID]))
	for f := range s.rows[profileID] {
		out = append(out, f)
	}
	return out
}

func TestUpdateProfileEmbeddingsAllFields(t *testing.T) {
	gen := &stubGenerator{dim: Dimension}
	store := newMemStore()
	p := NewPipeline(gen, store, DefaultWeights)

	upd, err := p.UpdateProfileEmbeddings(context.Background(), model.Profile{
		ID: 1, Bio: "hiking and coffee", TurnOns: "kindness", TurnOffs: "rudeness",
	})

	require.NoError(t, err)
	assert.False(t, upd.Partial())
	assert.Equal(t, int32(3), gen.calls.Load())
	require.NotNil(t, upd.Combined)
	assert.InDelta(t, 1.0, Magnitude(upd.Combined), 1e-5)

	assert.Equal(t, 1, store.calls)
	assert.ElementsMatch(t, []Field{FieldBio, FieldTurnOns, FieldTurnOffs, FieldCombined}, store.fields(1))
}

func TestUpdateProfileEmbeddingsPartial(t *testing.T) {
	gen := &stubGenerator{dim: Dimension}
	store := newMemStore()
	p := NewPipeline(gen, store, DefaultWeights)

	upd, err := p.UpdateProfileEmbeddings(context.Background(), model.Profile{ID: 2, Bio: "only a bio"})

	require.NoError(t, err)
	assert.True(t, upd.Partial())
	assert.Equal(t, Normalize(upd.Fields[FieldBio]), upd.Combined)
	assert.ElementsMatch(t, []Field{FieldBio, FieldCombined}, store.fields(2))
}

func TestUpdateProfileEmbeddingsNothingProduced(t *testing.T) {
	gen := &stubGenerator{dim: Dimension, fail: map[string]bool{"x": true}}
	store := newMemStore()
	p := NewPipeline(gen, store, DefaultWeights)

	_, err := p.UpdateProfileEmbeddings(context.Background(), model.Profile{ID: 3, Bio: "x"})

	assert.ErrorIs(t, err, ErrNoEmbeddings)
	assert.Zero(t, store.calls)
}

func TestUpdateProfileEmbeddingsDropsClearedText(t *testing.T) {
	ctx := context.Background()

	t.Run("One field cleared", func(t *testing.T) {
		store := newMemStore()
		p := NewPipeline(&stubGenerator{dim: Dimension}, store, DefaultWeights)
		_, err := p.UpdateProfileEmbeddings(ctx, model.Profile{ID: 1, Bio: "bio", TurnOns: "dogs", TurnOffs: "cats"})
		require.NoError(t, err)

		upd, err := p.UpdateProfileEmbeddings(ctx, model.Profile{ID: 1, Bio: "bio", TurnOns: "  "})
		require.NoError(t, err)
		assert.ElementsMatch(t, []Field{FieldTurnOns, FieldTurnOffs}, upd.Removed)
		assert.ElementsMatch(t, []Field{FieldBio, FieldCombined}, store.fields(1))
	})

	t.Run("All text cleared", func(t *testing.T) {
		store := newMemStore()
		p := NewPipeline(&stubGenerator{dim: Dimension}, store, DefaultWeights)
		_, err := p.UpdateProfileEmbeddings(ctx, model.Profile{ID: 2, Bio: "bio", TurnOns: "dogs"})
		require.NoError(t, err)

		upd, err := p.UpdateProfileEmbeddings(ctx, model.Profile{ID: 2})
		assert.ErrorIs(t, err, ErrNoEmbeddings)
		assert.ElementsMatch(t, []Field{FieldBio, FieldTurnOns, FieldTurnOffs, FieldCombined}, upd.Removed)
		assert.Empty(t, store.fields(2))
	})

	t.Run("Zero weights drop the combined vector", func(t *testing.T) {
		store := newMemStore()
		_, err := NewPipeline(&stubGenerator{dim: Dimension}, store, DefaultWeights).
			UpdateProfileEmbeddings(ctx, model.Profile{ID: 3, Bio: "bio"})
		require.NoError(t, err)

		upd, err := NewPipeline(&stubGenerator{dim: Dimension}, store, Weights{}).
			UpdateProfileEmbeddings(ctx, model.Profile{ID: 3, Bio: "bio"})
		require.NoError(t, err)
		assert.Nil(t, upd.Combined)
		assert.Contains(t, upd.Removed, FieldCombined)
		assert.ElementsMatch(t, []Field{FieldBio}, store.fields(3))
	})

	t.Run("Upstream failure keeps previous vectors", func(t *testing.T) {
		store := newMemStore()
		gen := &stubGenerator{dim: Dimension}
		p := NewPipeline(gen, store, DefaultWeights)
		_, err := p.UpdateProfileEmbeddings(ctx, model.Profile{ID: 4, Bio: "bio", TurnOns: "dogs"})
		require.NoError(t, err)

		gen.fail = map[string]bool{"new bio": true}
		upd, err := p.UpdateProfileEmbeddings(ctx, model.Profile{ID: 4, Bio: "new bio", TurnOns: "dogs"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []Field{FieldTurnOffs}, upd.Removed)
		assert.ElementsMatch(t, []Field{FieldBio, FieldTurnOns, FieldCombined}, store.fields(4))

		gen.fail = map[string]bool{"new bio": true, "dogs": true}
		_, err = p.UpdateProfileEmbeddings(ctx, model.Profile{ID: 4, Bio: "new bio", TurnOns: "dogs"})
		assert.ErrorIs(t, err, ErrNoEmbeddings)
		assert.ElementsMatch(t, []Field{FieldBio, FieldTurnOns, FieldCombined}, store.fields(4))
	})
}

func TestUpdateProfileEmbeddingsStoreError(t *testing.T) {
	gen := &stubGenerator{dim: Dimension}
	store := newMemStore()
	store.err = errors.New("db down")
	p := NewPipeline(gen, store, DefaultWeights)

	_, err := p.UpdateProfileEmbeddings(context.Background(), model.Profile{ID: 4, Bio: "bio"})
	assert.ErrorContains(t, err, "db down")
}

func TestBatchUpdateContinuesPastFailures(t *testing.T) {
	gen := &stubGenerator{dim: Dimension, fail: map[string]bool{"bad": true}}
	store := newMemStore()
	p := NewPipeline(gen, store, DefaultWeights)

	profiles := []model.Profile{
		{ID: 1, Bio: "good"},
		{ID: 2, Bio: "bad"},
		{ID: 3, Bio: "good", TurnOns: "also good", TurnOffs: "fine"},
		{ID: 4},
	}

	var progress []int
	report := p.BatchUpdate(context.Background(), profiles, BatchOptions{
		Concurrency: 2,
		Progress: func(done, total int, _ Outcome) {
			assert.Equal(t, 4, total)
			progress = append(progress, done)
		},
	})

	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []int{1, 2, 3, 4}, progress)

	assert.True(t, report.Outcomes[0].Partial)
	assert.ErrorIs(t, report.Outcomes[1].Err, ErrNoEmbeddings)
	assert.NoError(t, report.Outcomes[2].Err)
	assert.False(t, report.Outcomes[2].Partial)
	assert.ErrorIs(t, report.Outcomes[3].Err, ErrNoEmbeddings)
}

func TestBatchUpdateBoundsConcurrency(t *testing.T) {
	gen := &stubGenerator{dim: Dimension, delay: 10 * time.Millisecond}
	p := NewPipeline(gen, newMemStore(), DefaultWeights)

	profiles := make([]model.Profile, 12)
	for i := range profiles {
		// one text field each so in-flight generations equal in-flight profiles
		profiles[i] = model.Profile{ID: i + 1, Bio: "bio"}
	}

	report := p.BatchUpdate(context.Background(), profiles, BatchOptions{Concurrency: 3})

	assert.Equal(t, 12, report.Succeeded)
	// three empty fields per profile return immediately but still count
	assert.LessOrEqual(t, gen.peak.Load(), int32(3*len(TextFields)))
}

func TestBatchUpdateCanceled(t *testing.T) {
	gen := &stubGenerator{dim: Dimension}
	p := NewPipeline(gen, newMemStore(), DefaultWeights)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := p.BatchUpdate(ctx, []model.Profile{{ID: 1, Bio: "a"}, {ID: 2, Bio: "b"}}, BatchOptions{})

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, report.Total, report.Succeeded+report.Failed)
	for _, o := range report.Outcomes {
		assert.NotZero(t, o.ProfileID)
	}
}

func TestBatchUpdateEmpty(t *testing.T) {
	p := NewPipeline(&stubGenerator{dim: Dimension}, newMemStore(), DefaultWeights)
	report := p.BatchUpdate(context.Background(), nil, BatchOptions{})
	assert.Zero(t, report.Total)
}
