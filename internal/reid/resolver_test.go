package reid

import (
	"context"
	"errors"
	"image"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hikari-project/FD-Reid/internal/storage"
)

// queueExtractor returns its features in order.
type queueExtractor struct {
	mu       sync.Mutex
	features [][]float32
	calls    int
}

func (e *queueExtractor) Extract(image.Image) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.features) == 0 {
		return nil, errors.New("no feature queued")
	}
	f := e.features[0]
	e.features = e.features[1:]
	e.calls++
	return f, nil
}

type fixedScorer float64

func (s fixedScorer) Score(image.Image) (float64, error) { return float64(s), nil }

type systemEvents struct {
	mu    sync.Mutex
	kinds []string
}

func (s *systemEvents) RecordSystem(kind string, _ map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
}

// flakyStore wraps a real store and fails chosen operations.
type flakyStore struct {
	FeatureStore
	failAdd bool
	failMax bool
}

func (f *flakyStore) Add(ctx context.Context, id int64, v []float32) error {
	if f.failAdd {
		return errors.New("disk I/O error")
	}
	return f.FeatureStore.Add(ctx, id, v)
}

func (f *flakyStore) MaxIdentityID(ctx context.Context) (int64, error) {
	if f.failMax {
		return 0, errors.New("database is locked")
	}
	return f.FeatureStore.MaxIdentityID(ctx)
}

func newStore(t *testing.T) *storage.SQLiteFeatureStore {
	t.Helper()
	pools := storage.NewPoolRegistry(2, 5*time.Second)
	s, err := storage.NewSQLiteFeatureStore(context.Background(), pools, filepath.Join(t.TempDir(), "f.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// at returns a 2-d vector at squared distance d from the origin.
func at(d float64) []float32 {
	return []float32{float32(math.Sqrt(d)), 0}
}

func enter(conf float64) Request {
	return Request{TrackID: 1, Confidence: conf, Crop: image.NewGray(image.Rect(0, 0, 4, 8))}
}

func TestMatchThreshold(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Add(ctx, 1, []float32{0, 0}))

	r, err := NewResolver(ctx, store, &queueExtractor{}, DefaultConfig())
	require.NoError(t, err)

	m := r.Match(at(0.15), 0.2)
	assert.Equal(t, int64(1), m.IdentityID)
	assert.InDelta(t, 0.15, m.Distance, 1e-6)

	m = r.Match(at(0.25), 0.2)
	assert.True(t, m.IsNew())
	assert.Equal(t, 1.0, m.Distance)
}

func TestMatchEmptyIndex(t *testing.T) {
	r, err := NewResolver(context.Background(), newStore(t), &queueExtractor{}, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, r.Match([]float32{1, 2}, 10).IsNew())
}

func TestResolveMatchesOrMints(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Add(ctx, 1, []float32{0, 0}))

	cfg := DefaultConfig()
	cfg.MatchThreshold = 0.2
	ext := &queueExtractor{features: [][]float32{at(0.15), at(0.25)}}
	r, err := NewResolver(ctx, store, ext, cfg)
	require.NoError(t, err)

	res, err := r.ResolveOnEnter(ctx, enter(0.9))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.IdentityID)
	assert.True(t, res.Returning)

	res, err = r.ResolveOnEnter(ctx, enter(0.9))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.IdentityID)
	assert.False(t, res.Returning)

	recs, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, at(0.25), recs[1].Feature)
	assert.Equal(t, 2, r.Len())
}

func TestResolveIsStableForNearbyFeatures(t *testing.T) {
	ctx := context.Background()
	ext := &queueExtractor{features: [][]float32{{1, 1}, {1.1, 1}}}
	r, err := NewResolver(ctx, newStore(t), ext, DefaultConfig())
	require.NoError(t, err)

	first, err := r.ResolveOnEnter(ctx, enter(0.95))
	require.NoError(t, err)
	second, err := r.ResolveOnEnter(ctx, enter(0.95))
	require.NoError(t, err)

	assert.Equal(t, first.IdentityID, second.IdentityID)
	assert.False(t, first.Returning)
	assert.True(t, second.Returning)
	assert.Equal(t, 1, r.Len())
}

func TestResolveConcurrentSamePerson(t *testing.T) {
	ctx := context.Background()
	features := make([][]float32, 8)
	for i := range features {
		features[i] = []float32{1, 1 + float32(i)*0.01}
	}
	r, err := NewResolver(ctx, newStore(t), &queueExtractor{features: features}, DefaultConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	ids := make([]int64, len(features))
	for i := range features {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.ResolveOnEnter(ctx, enter(0.9))
			assert.NoError(t, err)
			ids[i] = res.IdentityID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, r.Len())
}

func TestResolveLowConfidenceIsDeferred(t *testing.T) {
	ext := &queueExtractor{features: [][]float32{{1}}}
	r, err := NewResolver(context.Background(), newStore(t), ext, DefaultConfig())
	require.NoError(t, err)

	_, err = r.ResolveOnEnter(context.Background(), enter(0.8))
	assert.ErrorIs(t, err, ErrLowConfidence)
	assert.Zero(t, ext.calls)
}

func TestResolveKeepsIdentityWhenAddFails(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{FeatureStore: newStore(t), failAdd: true}
	rep := &systemEvents{}
	ext := &queueExtractor{features: [][]float32{{3, 3}, {3, 3}}}
	r, err := NewResolver(ctx, store, ext, DefaultConfig(), WithReporter(rep))
	require.NoError(t, err)

	first, err := r.ResolveOnEnter(ctx, enter(0.9))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.IdentityID)
	assert.Equal(t, []string{"feature_store_error"}, rep.kinds)

	second, err := r.ResolveOnEnter(ctx, enter(0.9))
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.IdentityID)
}

func TestResolveCannotMintWithoutStore(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{FeatureStore: newStore(t), failMax: true}
	r, err := NewResolver(ctx, store, &queueExtractor{features: [][]float32{{1}}}, DefaultConfig())
	require.NoError(t, err)

	_, err = r.ResolveOnEnter(ctx, enter(0.9))
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestStaleIndexTreatedAsNew(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Add(ctx, 5, []float32{0, 0}))
	rep := &systemEvents{}
	r, err := NewResolver(ctx, store, &queueExtractor{}, DefaultConfig(), WithReporter(rep))
	require.NoError(t, err)

	r.mu.Lock()
	r.labels = r.labels[:0]
	r.mu.Unlock()

	m := r.Match([]float32{0, 0}, 0.2)
	assert.True(t, m.IsNew())
	assert.Equal(t, []string{"stale_index"}, rep.kinds)
}

func TestRefreshRequiresQualityMargin(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Add(ctx, 1, []float32{0, 0}))

	ext := &queueExtractor{features: [][]float32{{0.1, 0}}}
	r, err := NewResolver(ctx, store, ext, DefaultConfig(), WithScorer(fixedScorer(0.5)))
	require.NoError(t, err)

	// 0.5 + 0.9*0.5 = 0.95, not better than 0.9 by more than 0.1
	q, updated, err := r.Refresh(ctx, 1, enter(0.9), 0.9)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, 0.9, q)
	assert.Zero(t, ext.calls)

	q, updated, err = r.Refresh(ctx, 1, enter(0.9), 0.6)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.InDelta(t, 0.95, q, 1e-9)

	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0}, rec.Feature)
	assert.Equal(t, int64(1), r.Match([]float32{0.1, 0}, 0.001).IdentityID)
}

func TestSweepRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	require.NoError(t, store.Add(ctx, 1, []float32{0, 0}))
	require.NoError(t, store.Add(ctx, 2, []float32{5, 5}))

	r, err := NewResolver(ctx, store, &queueExtractor{}, DefaultConfig())
	require.NoError(t, err)
	r.SetLocked(ctx, 2, true)

	now = now.Add(4 * 24 * time.Hour)
	deleted, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, deleted)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Match([]float32{0, 0}, 0.2).IsNew())

	// ids are never reused after a sweep
	ext := &queueExtractor{features: [][]float32{{0, 0}}}
	r.ext = ext
	res, err := r.ResolveOnEnter(ctx, enter(0.9))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.IdentityID)
}

func TestResolveRejectsFeatureOfOtherLength(t *testing.T) {
	ctx := context.Background()
	rep := &systemEvents{}
	ext := &queueExtractor{features: [][]float32{{10, 0}, {0, 0, 50}, {0, 10}, {0, 10}}}
	r, err := NewResolver(ctx, newStore(t), ext, DefaultConfig(), WithReporter(rep))
	require.NoError(t, err)

	res, err := r.ResolveOnEnter(ctx, enter(0.9))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.IdentityID)

	_, err = r.ResolveOnEnter(ctx, enter(0.9))
	assert.ErrorIs(t, err, ErrFeatureLength)
	assert.Equal(t, []string{"feature_length_mismatch"}, rep.kinds)
	assert.Equal(t, 1, r.Len())

	res, err = r.ResolveOnEnter(ctx, enter(0.9))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.IdentityID)
	assert.False(t, res.Returning)

	res, err = r.ResolveOnEnter(ctx, enter(0.9))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.IdentityID)
	assert.True(t, res.Returning)
}

func TestRefreshRejectsFeatureOfOtherLength(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Add(ctx, 1, []float32{0, 0}))

	ext := &queueExtractor{features: [][]float32{{1, 2, 3}}}
	r, err := NewResolver(ctx, store, ext, DefaultConfig(), WithScorer(fixedScorer(0.9)))
	require.NoError(t, err)

	q, updated, err := r.Refresh(ctx, 1, enter(0.9), 0.1)
	assert.ErrorIs(t, err, ErrFeatureLength)
	assert.False(t, updated)
	assert.Equal(t, 0.1, q)

	rec, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, rec.Feature)
}

func TestLockHeldUntilLastTrackReleases(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Add(ctx, 1, []float32{0, 0}))

	r, err := NewResolver(ctx, store, &queueExtractor{}, DefaultConfig())
	require.NoError(t, err)

	locked := func() bool {
		rec, err := store.Get(ctx, 1)
		require.NoError(t, err)
		return rec.Locked
	}

	r.SetLocked(ctx, 1, true)
	r.SetLocked(ctx, 1, true)
	assert.Equal(t, 2, r.Holders(1))
	assert.True(t, locked())

	r.SetLocked(ctx, 1, false)
	assert.Equal(t, 1, r.Holders(1))
	assert.True(t, locked())

	r.SetLocked(ctx, 1, false)
	assert.Equal(t, 0, r.Holders(1))
	assert.False(t, locked())

	// an unmatched release is ignored
	r.SetLocked(ctx, 1, false)
	assert.Equal(t, 0, r.Holders(1))
}
