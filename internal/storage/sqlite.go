package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS person_features (
	person_id      INTEGER PRIMARY KEY,
	feature_vector BLOB    NOT NULL,
	last_used      INTEGER NOT NULL,
	is_locked      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_person_features_last_used ON person_features(last_used);
`

// SQLiteFeatureStore persists identity features in a single SQLite file.
type SQLiteFeatureStore struct {
	pool *Pool
	dim  int
	now  func() time.Time
}

// NewSQLiteFeatureStore opens (or shares) the pool for path and applies
// the schema. dim of 0 accepts vectors of any length.
func NewSQLiteFeatureStore(ctx context.Context, pools *PoolRegistry, path string, dim int) (*SQLiteFeatureStore, error) {
	pool, err := pools.Open(path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteFeatureStore{pool: pool, dim: dim, now: time.Now}

	err = pool.Write(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx, sqliteSchema)
		return err
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate feature store: %w", err)
	}
	return s, nil
}

// SetClock replaces the time source used for last_used stamps.
func (s *SQLiteFeatureStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteFeatureStore) Close() error { return s.pool.Close() }

func (s *SQLiteFeatureStore) Ping(ctx context.Context) error {
	return s.pool.Read(ctx, func(c *sql.Conn) error { return c.PingContext(ctx) })
}

func (s *SQLiteFeatureStore) Add(ctx context.Context, id int64, feature []float32) error {
	if err := checkDim(s.dim, feature); err != nil {
		return err
	}
	err := s.pool.Write(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx,
			`INSERT INTO person_features (person_id, feature_vector, last_used, is_locked) VALUES (?, ?, ?, 0)`,
			id, encodeFeature(feature), s.now().UnixMilli())
		return err
	})
	if isConstraint(err) {
		return fmt.Errorf("add identity %d: %w", id, ErrIdentityExists)
	}
	if err != nil {
		return fmt.Errorf("add identity %d: %w", id, err)
	}
	return nil
}

// Update overwrites the stored vector. A missing identity is logged and ignored.
func (s *SQLiteFeatureStore) Update(ctx context.Context, id int64, feature []float32) error {
	if err := checkDim(s.dim, feature); err != nil {
		return err
	}
	var affected int64
	err := s.pool.Write(ctx, func(c *sql.Conn) error {
		res, err := c.ExecContext(ctx,
			`UPDATE person_features SET feature_vector = ?, last_used = ? WHERE person_id = ?`,
			encodeFeature(feature), s.now().UnixMilli(), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update identity %d: %w", id, err)
	}
	if affected == 0 {
		slog.Warn("update of unknown identity ignored", "identity", id)
	}
	return nil
}

func (s *SQLiteFeatureStore) Delete(ctx context.Context, id int64) error {
	return s.exec(ctx, "delete", id, `DELETE FROM person_features WHERE person_id = ?`, id)
}

// Touch refreshes last_used so the identity survives the next sweep.
func (s *SQLiteFeatureStore) Touch(ctx context.Context, id int64) error {
	return s.exec(ctx, "touch", id,
		`UPDATE person_features SET last_used = ? WHERE person_id = ?`, s.now().UnixMilli(), id)
}

// SetLocked protects (or releases) an identity from SweepUnused.
func (s *SQLiteFeatureStore) SetLocked(ctx context.Context, id int64, locked bool) error {
	v := 0
	if locked {
		v = 1
	}
	return s.exec(ctx, "lock", id,
		`UPDATE person_features SET is_locked = ? WHERE person_id = ?`, v, id)
}

func (s *SQLiteFeatureStore) exec(ctx context.Context, op string, id int64, query string, args ...any) error {
	var affected int64
	err := s.pool.Write(ctx, func(c *sql.Conn) error {
		res, err := c.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("%s identity %d: %w", op, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s identity %d: %w", op, id, ErrIdentityNotFound)
	}
	return nil
}

func (s *SQLiteFeatureStore) Get(ctx context.Context, id int64) (*FeatureRecord, error) {
	var rec *FeatureRecord
	err := s.pool.Read(ctx, func(c *sql.Conn) error {
		row := c.QueryRowContext(ctx,
			`SELECT person_id, feature_vector, last_used, is_locked FROM person_features WHERE person_id = ?`, id)
		r, err := scanRecord(row)
		rec = r
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity %d: %w", id, err)
	}
	return rec, nil
}

// LoadAll returns every identity ordered by id.
func (s *SQLiteFeatureStore) LoadAll(ctx context.Context) ([]FeatureRecord, error) {
	var out []FeatureRecord
	err := s.pool.Read(ctx, func(c *sql.Conn) error {
		out = out[:0]
		rows, err := c.QueryContext(ctx,
			`SELECT person_id, feature_vector, last_used, is_locked FROM person_features ORDER BY person_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, *rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load features: %w", err)
	}
	return out, nil
}

// MaxIdentityID returns the highest stored id, or 0 for an empty store.
func (s *SQLiteFeatureStore) MaxIdentityID(ctx context.Context) (int64, error) {
	var maxID int64
	err := s.pool.Read(ctx, func(c *sql.Conn) error {
		return c.QueryRowContext(ctx, `SELECT COALESCE(MAX(person_id), 0) FROM person_features`).Scan(&maxID)
	})
	if err != nil {
		return 0, fmt.Errorf("max identity id: %w", err)
	}
	return maxID, nil
}

func (s *SQLiteFeatureStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.Read(ctx, func(c *sql.Conn) error {
		return c.QueryRowContext(ctx, `SELECT COUNT(*) FROM person_features`).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return n, nil
}

// SweepUnused deletes unlocked identities not used within idle and
// returns their ids.
func (s *SQLiteFeatureStore) SweepUnused(ctx context.Context, idle time.Duration) ([]int64, error) {
	cutoff := s.now().Add(-idle).UnixMilli()
	var deleted []int64

	err := s.pool.Write(ctx, func(c *sql.Conn) error {
		deleted = deleted[:0]
		tx, err := c.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx,
			`SELECT person_id FROM person_features WHERE last_used < ? AND is_locked = 0 ORDER BY person_id`, cutoff)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			deleted = append(deleted, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM person_features WHERE last_used < ? AND is_locked = 0`, cutoff); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("sweep unused identities: %w", err)
	}
	if len(deleted) > 0 {
		slog.Info("swept unused identities", "count", len(deleted), "path", s.pool.Path())
	}
	return deleted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*FeatureRecord, error) {
	var (
		rec      FeatureRecord
		blob     []byte
		lastUsed int64
		locked   int
	)
	if err := row.Scan(&rec.IdentityID, &blob, &lastUsed, &locked); err != nil {
		return nil, err
	}
	v, err := decodeFeature(blob)
	if err != nil {
		return nil, fmt.Errorf("identity %d: %w", rec.IdentityID, err)
	}
	rec.Feature = v
	rec.LastUsed = time.UnixMilli(lastUsed)
	rec.Locked = locked != 0
	return &rec, nil
}
