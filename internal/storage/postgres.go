package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/Hikari-project/FD-Reid/internal/config"
)

// PostgresFeatureStore keeps identity features in a pgvector column. The
// pgx pool is bounded by database.max_conns and pings a connection before
// handing it out.
type PostgresFeatureStore struct {
	pool *pgxpool.Pool
	dim  int
	now  func() time.Time
}

func NewPostgresFeatureStore(ctx context.Context, cfg config.DatabaseConfig, dim int) (*PostgresFeatureStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		if err := conn.Ping(ctx); err != nil {
			slog.Warn("discarded dead postgres connection", "error", err)
			return false
		}
		return true
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresFeatureStore{pool: pool, dim: dim, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresFeatureStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS person_features (
			person_id      BIGINT PRIMARY KEY,
			feature_vector vector(%d) NOT NULL,
			last_used      TIMESTAMPTZ NOT NULL,
			is_locked      BOOLEAN NOT NULL DEFAULT FALSE
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_person_features_last_used ON person_features (last_used)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate feature store: %w", err)
		}
	}
	return nil
}

func (s *PostgresFeatureStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresFeatureStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresFeatureStore) Add(ctx context.Context, id int64, feature []float32) error {
	if err := checkDim(s.dim, feature); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO person_features (person_id, feature_vector, last_used) VALUES ($1, $2, $3)`,
		id, pgvector.NewVector(feature), s.now())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("add identity %d: %w", id, ErrIdentityExists)
	}
	if err != nil {
		return fmt.Errorf("add identity %d: %w", id, err)
	}
	return nil
}

func (s *PostgresFeatureStore) Update(ctx context.Context, id int64, feature []float32) error {
	if err := checkDim(s.dim, feature); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE person_features SET feature_vector = $1, last_used = $2 WHERE person_id = $3`,
		pgvector.NewVector(feature), s.now(), id)
	if err != nil {
		return fmt.Errorf("update identity %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("update of unknown identity ignored", "identity", id)
	}
	return nil
}

func (s *PostgresFeatureStore) Delete(ctx context.Context, id int64) error {
	return s.exec(ctx, "delete", id, `DELETE FROM person_features WHERE person_id = $1`, id)
}

func (s *PostgresFeatureStore) Touch(ctx context.Context, id int64) error {
	return s.exec(ctx, "touch", id, `UPDATE person_features SET last_used = $1 WHERE person_id = $2`, s.now(), id)
}

func (s *PostgresFeatureStore) SetLocked(ctx context.Context, id int64, locked bool) error {
	return s.exec(ctx, "lock", id, `UPDATE person_features SET is_locked = $1 WHERE person_id = $2`, locked, id)
}

func (s *PostgresFeatureStore) exec(ctx context.Context, op string, id int64, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s identity %d: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s identity %d: %w", op, id, ErrIdentityNotFound)
	}
	return nil
}

func (s *PostgresFeatureStore) Get(ctx context.Context, id int64) (*FeatureRecord, error) {
	var (
		rec FeatureRecord
		vec pgvector.Vector
	)
	err := s.pool.QueryRow(ctx,
		`SELECT person_id, feature_vector, last_used, is_locked FROM person_features WHERE person_id = $1`, id,
	).Scan(&rec.IdentityID, &vec, &rec.LastUsed, &rec.Locked)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("get identity %d: %w", id, err)
	}
	rec.Feature = vec.Slice()
	return &rec, nil
}

func (s *PostgresFeatureStore) LoadAll(ctx context.Context) ([]FeatureRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT person_id, feature_vector, last_used, is_locked FROM person_features ORDER BY person_id`)
	if err != nil {
		return nil, fmt.Errorf("load features: %w", err)
	}
	defer rows.Close()

	var out []FeatureRecord
	for rows.Next() {
		var (
			rec FeatureRecord
			vec pgvector.Vector
		)
		if err := rows.Scan(&rec.IdentityID, &vec, &rec.LastUsed, &rec.Locked); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		rec.Feature = vec.Slice()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresFeatureStore) MaxIdentityID(ctx context.Context) (int64, error) {
	var maxID int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(person_id), 0) FROM person_features`).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max identity id: %w", err)
	}
	return maxID, nil
}

func (s *PostgresFeatureStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM person_features`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

func (s *PostgresFeatureStore) SweepUnused(ctx context.Context, idle time.Duration) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM person_features WHERE last_used < $1 AND is_locked = FALSE RETURNING person_id`,
		s.now().Add(-idle))
	if err != nil {
		return nil, fmt.Errorf("sweep unused identities: %w", err)
	}
	defer rows.Close()

	var deleted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swept identity: %w", err)
		}
		deleted = append(deleted, id)
	}
	return deleted, rows.Err()
}
