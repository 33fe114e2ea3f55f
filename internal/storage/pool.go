package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrPoolClosed    = errors.New("connection pool closed")
	errPoolExhausted = errors.New("connection pool exhausted")
)

// PoolRegistry hands out exactly one Pool per physical database path.
// Opening the same path twice returns the same Pool with its reference
// count raised; the database closes when the last holder closes it.
type PoolRegistry struct {
	mu             sync.Mutex
	pools          map[string]*Pool
	size           int
	acquireTimeout time.Duration
}

func NewPoolRegistry(size int, acquireTimeout time.Duration) *PoolRegistry {
	if size < 1 {
		size = 1
	}
	return &PoolRegistry{
		pools:          make(map[string]*Pool),
		size:           size,
		acquireTimeout: acquireTimeout,
	}
}

// Open returns the pool for path, creating it on first use.
func (r *PoolRegistry) Open(path string) (*Pool, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[key]; ok {
		p.refs++
		return p, nil
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", key)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", key, err)
	}
	db.SetMaxOpenConns(r.size)
	db.SetMaxIdleConns(r.size)

	p := &Pool{
		path:           key,
		db:             db,
		slots:          make(chan struct{}, r.size),
		acquireTimeout: r.acquireTimeout,
		registry:       r,
		refs:           1,
	}
	r.pools[key] = p
	slog.Debug("feature store pool opened", "path", key, "size", r.size)
	return p, nil
}

// Len reports how many distinct paths are open.
func (r *PoolRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

func (r *PoolRegistry) release(p *Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.refs--
	if p.refs > 0 {
		return nil
	}
	delete(r.pools, p.path)
	p.closed = true
	return p.db.Close()
}

// Pool is a bounded set of connections to one SQLite file. Writers are
// serialized by a single mutex so concurrent sources never interleave
// row updates on the same store.
type Pool struct {
	path           string
	db             *sql.DB
	slots          chan struct{}
	acquireTimeout time.Duration
	writeMu        sync.Mutex

	registry *PoolRegistry
	refs     int  // guarded by registry.mu
	closed   bool // guarded by registry.mu
}

func (p *Pool) Path() string { return p.path }

func (p *Pool) isClosed() bool {
	p.registry.mu.Lock()
	defer p.registry.mu.Unlock()
	return p.closed
}

// Acquire blocks with exponential backoff until a slot is free and a
// live connection is available, or ctx ends. Connections that fail the
// liveness check are discarded instead of being returned to the pool.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, func(), error) {
	if p.isClosed() {
		return nil, nil, ErrPoolClosed
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = p.acquireTimeout

	var conn *sql.Conn
	op := func() error {
		if p.isClosed() {
			return backoff.Permanent(ErrPoolClosed)
		}
		select {
		case p.slots <- struct{}{}:
		default:
			return errPoolExhausted
		}

		c, err := p.db.Conn(ctx)
		if err != nil {
			<-p.slots
			return fmt.Errorf("get connection: %w", err)
		}
		if err := c.PingContext(ctx); err != nil {
			discard(c)
			<-p.slots
			slog.Warn("discarded dead feature store connection", "path", p.path, "error", err)
			return fmt.Errorf("ping connection: %w", err)
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, nil, fmt.Errorf("acquire connection %s: %w", p.path, err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			conn.Close()
			<-p.slots
		})
	}
	return conn, release, nil
}

// discard makes database/sql drop the connection rather than reuse it.
func discard(c *sql.Conn) {
	_ = c.Raw(func(any) error { return driver.ErrBadConn })
	_ = c.Close()
}

// Read runs fn on a pooled connection.
func (p *Pool) Read(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return retryBusy(ctx, func() error { return fn(conn) })
}

// Write runs fn on a pooled connection while holding the store's write lock.
func (p *Pool) Write(ctx context.Context, fn func(*sql.Conn) error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.Read(ctx, fn)
}

// Close drops this holder's reference.
func (p *Pool) Close() error {
	return p.registry.release(p)
}

// retryBusy retries fn while SQLite reports the database busy or locked.
// Any other error is returned immediately.
func retryBusy(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		err := fn()
		if err == nil || isBusy(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
