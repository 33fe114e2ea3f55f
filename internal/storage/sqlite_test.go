package storage

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hikari-project/FD-Reid/internal/config"
)

func newTestStore(t *testing.T, dim int) *SQLiteFeatureStore {
	t.Helper()
	pools := NewPoolRegistry(2, 5*time.Second)
	s, err := NewSQLiteFeatureStore(context.Background(), pools, filepath.Join(t.TempDir(), "features.db"), dim)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func randomFeature(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

func TestSQLiteAddLoadAllRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 64)
	r := rand.New(rand.NewSource(7))

	want := randomFeature(r, 64)
	require.NoError(t, s.Add(ctx, 42, want))

	recs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(42), recs[0].IdentityID)
	assert.Equal(t, want, recs[0].Feature)
	assert.False(t, recs[0].Locked)
}

func TestSQLiteAddDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	require.NoError(t, s.Add(ctx, 1, []float32{1, 2}))
	err := s.Add(ctx, 1, []float32{3, 4})
	assert.ErrorIs(t, err, ErrIdentityExists)

	rec, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, rec.Feature)
}

func TestSQLiteDimensionCheck(t *testing.T) {
	s := newTestStore(t, 4)
	assert.ErrorIs(t, s.Add(context.Background(), 1, []float32{1}), ErrDimension)
}

func TestSQLiteUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	require.NoError(t, s.Add(ctx, 1, []float32{1, 2}))
	require.NoError(t, s.Update(ctx, 1, []float32{5, 6}))

	rec, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6}, rec.Feature)

	// unknown identity is a warning, not an error
	assert.NoError(t, s.Update(ctx, 99, []float32{0, 0}))
	_, err = s.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestSQLiteDeleteAndMax(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	maxID, err := s.MaxIdentityID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxID)

	for _, id := range []int64{3, 1, 7} {
		require.NoError(t, s.Add(ctx, id, []float32{float32(id)}))
	}
	maxID, err = s.MaxIdentityID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), maxID)

	require.NoError(t, s.Delete(ctx, 7))
	assert.ErrorIs(t, s.Delete(ctx, 7), ErrIdentityNotFound)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].IdentityID)
	assert.Equal(t, int64(3), recs[1].IdentityID)
}

func TestSQLiteSweepUnused(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	require.NoError(t, s.Add(ctx, 1, []float32{1}))
	require.NoError(t, s.Add(ctx, 2, []float32{2}))
	require.NoError(t, s.Add(ctx, 3, []float32{3}))
	require.NoError(t, s.SetLocked(ctx, 2, true))

	now = now.Add(48 * time.Hour)
	require.NoError(t, s.Touch(ctx, 3))

	now = now.Add(48 * time.Hour)
	deleted, err := s.SweepUnused(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, deleted)

	recs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Locked)
	assert.Equal(t, int64(3), recs[1].IdentityID)
}

func TestSQLiteConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := int64(w*10 + i + 1)
				assert.NoError(t, s.Add(ctx, id, []float32{float32(id)}))
				assert.NoError(t, s.Update(ctx, id, []float32{float32(-id)}))
			}
		}(w)
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, n)
}

func TestOpenFeatureStore(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{}
	cfg.FeatureStore = config.FeatureStoreConfig{
		Driver:         "sqlite",
		Path:           filepath.Join(t.TempDir(), "features.db"),
		PoolSize:       2,
		AcquireTimeout: time.Second,
	}
	cfg.Vision.EmbeddingDim = 2

	s, err := OpenFeatureStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Add(ctx, 1, []float32{1, 0}))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cfg.FeatureStore.Driver = "redis"
	_, err = OpenFeatureStore(ctx, cfg)
	assert.Error(t, err)
}
