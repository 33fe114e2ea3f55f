package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hikari-project/FD-Reid/internal/config"
)

// FeatureStore is implemented by both identity backends.
type FeatureStore interface {
	Add(ctx context.Context, id int64, feature []float32) error
	Update(ctx context.Context, id int64, feature []float32) error
	Delete(ctx context.Context, id int64) error
	Touch(ctx context.Context, id int64) error
	SetLocked(ctx context.Context, id int64, locked bool) error
	Get(ctx context.Context, id int64) (*FeatureRecord, error)
	LoadAll(ctx context.Context) ([]FeatureRecord, error)
	MaxIdentityID(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)
	SweepUnused(ctx context.Context, idle time.Duration) ([]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ FeatureStore = (*SQLiteFeatureStore)(nil)
	_ FeatureStore = (*PostgresFeatureStore)(nil)
)

// OpenFeatureStore opens the backend selected by cfg.FeatureStore.Driver.
func OpenFeatureStore(ctx context.Context, cfg *config.Config) (FeatureStore, error) {
	dim := cfg.Vision.EmbeddingDim
	switch cfg.FeatureStore.Driver {
	case "sqlite":
		pools := NewPoolRegistry(cfg.FeatureStore.PoolSize, cfg.FeatureStore.AcquireTimeout)
		slog.Info("opening sqlite feature store", "path", cfg.FeatureStore.Path, "pool_size", cfg.FeatureStore.PoolSize)
		s, err := NewSQLiteFeatureStore(ctx, pools, cfg.FeatureStore.Path, dim)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		slog.Info("opening postgres feature store", "host", cfg.Database.Host, "db", cfg.Database.Name)
		s, err := NewPostgresFeatureStore(ctx, cfg.Database, dim)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown feature store driver %q", cfg.FeatureStore.Driver)
	}
}
