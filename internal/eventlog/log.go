package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hikari-project/FD-Reid/internal/flow"
	"github.com/Hikari-project/FD-Reid/internal/models"
	"github.com/Hikari-project/FD-Reid/internal/observability"
)

type Config struct {
	Dir           string
	FlushSize     int
	FlushAge      time.Duration
	CheckInterval time.Duration
	MaxBufferAge  time.Duration
	Cooldown      time.Duration
}

// Sink receives every recorded business event, e.g. a NATS publisher.
type Sink interface {
	PublishEvent(ctx context.Context, ev models.BusinessEvent) error
}

// Archiver stores copies of flushed batches off-host.
type Archiver interface {
	Archive(ctx context.Context, key string, lines []byte) error
}

type entry struct {
	at   time.Time
	kind string
	line []byte
}

// Log buffers business and system events and appends them in batches to
// day files under Dir/<type>/permanent/<type>_YYYYMMDD.log. Counters are
// updated synchronously on Record; durability lags until the next flush.
type Log struct {
	cfg      Config
	counters *Counters
	sinks    []Sink
	archiver Archiver
	now      func() time.Time
	log      *slog.Logger

	mu  sync.Mutex
	buf []entry

	writeMu sync.Mutex
}

type Option func(*Log)

func WithSink(s Sink) Option         { return func(l *Log) { l.sinks = append(l.sinks, s) } }
func WithArchiver(a Archiver) Option { return func(l *Log) { l.archiver = a } }
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

func New(cfg Config, opts ...Option) (*Log, error) {
	l := &Log{
		cfg: cfg,
		now: time.Now,
		log: slog.Default().With("component", "eventlog"),
	}
	for _, o := range opts {
		o(l)
	}
	l.counters = NewCounters(cfg.Cooldown)

	for _, kind := range []string{models.LineBusiness, models.LineSystem} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, kind, "permanent"), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return l, nil
}

// Record appends a business event, updates the counters and forwards the
// event to every sink. It returns the persisted form.
func (l *Log) Record(ctx context.Context, ev flow.Event) models.BusinessEvent {
	h := ev.Header()
	at := h.At
	if at.IsZero() {
		at = l.now()
	}

	rec := models.BusinessEvent{
		ID:             uuid.New(),
		Timestamp:      at,
		EventType:      string(ev.Kind()),
		TrackID:        h.TrackID,
		ReidID:         h.IdentityID,
		CameraID:       h.CameraID,
		OldState:       string(h.From),
		NewState:       string(h.To),
		TriggerReason:  flow.TriggerReason(ev),
		CountStatus:    "new",
		ExpirationTime: at.Add(l.cfg.Cooldown),
	}
	if re, ok := ev.(flow.ReEnter); ok {
		rec.Distance = re.Distance
	}
	if !l.counters.Add(ev.Kind(), h.IdentityID, at) {
		rec.CountStatus = "duplicate"
	}
	observability.BusinessEvents.WithLabelValues(h.CameraID, rec.EventType).Inc()

	l.append(models.LineBusiness, at, rec)

	for _, s := range l.sinks {
		if err := s.PublishEvent(ctx, rec); err != nil {
			l.log.Warn("publish business event failed", "event", rec.ID, "error", err)
		}
	}
	return rec
}

// RecordSystem appends an operational anomaly. System events are never
// counted or published.
func (l *Log) RecordSystem(kind string, details map[string]any) {
	now := l.now()
	l.append(models.LineSystem, now, models.SystemEvent{
		Timestamp: now,
		ErrorType: kind,
		Details:   details,
	})
}

func (l *Log) append(kind string, at time.Time, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		l.log.Error("marshal log entry", "type", kind, "error", err)
		return
	}
	line, err := json.Marshal(models.LogLine{Timestamp: at, Type: kind, Data: payload})
	if err != nil {
		l.log.Error("marshal log line", "type", kind, "error", err)
		return
	}

	l.mu.Lock()
	l.buf = append(l.buf, entry{at: at, kind: kind, line: line})
	flush := l.dueLocked(l.now())
	l.mu.Unlock()

	if flush {
		if err := l.Flush(); err != nil {
			l.log.Error("event log flush failed", "error", err)
		}
	}
}

// dueLocked reports whether the buffer should be flushed now.
func (l *Log) dueLocked(now time.Time) bool {
	if len(l.buf) == 0 {
		return false
	}
	if len(l.buf) >= l.cfg.FlushSize {
		return true
	}
	return now.Sub(l.oldestLocked()) > l.cfg.FlushAge
}

func (l *Log) oldestLocked() time.Time {
	oldest := l.buf[0].at
	for _, e := range l.buf[1:] {
		if e.at.Before(oldest) {
			oldest = e.at
		}
	}
	return oldest
}

func (l *Log) Counts() Counts { return l.counters.Snapshot() }

func (l *Log) ResetCounts() { l.counters.Reset() }

// Pending reports how many entries are waiting to be flushed.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Flush writes the whole buffer as one batch. Either every line of the
// batch lands in its day file or none does; on failure the entries stay
// buffered for the next attempt.
func (l *Log) Flush() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := l.writeBatch(batch); err != nil {
		observability.LogFlushes.WithLabelValues("error").Inc()
		l.mu.Lock()
		l.buf = append(batch, l.buf...)
		l.mu.Unlock()
		return err
	}
	observability.LogFlushes.WithLabelValues("ok").Inc()

	if l.archiver != nil {
		l.archive(batch)
	}
	return nil
}

func (l *Log) path(kind string, day time.Time) string {
	return logPath(l.cfg.Dir, kind, day)
}

func logPath(dir, kind string, day time.Time) string {
	name := fmt.Sprintf("%s_%s.log", kind, day.Format("20060102"))
	return filepath.Join(dir, kind, "permanent", name)
}

type appended struct {
	f    *os.File
	size int64
}

func (l *Log) writeBatch(batch []entry) error {
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].at.Before(batch[j].at) })

	groups := make(map[string]*bytes.Buffer)
	var order []string
	for _, e := range batch {
		p := l.path(e.kind, e.at)
		b, ok := groups[p]
		if !ok {
			b = &bytes.Buffer{}
			groups[p] = b
			order = append(order, p)
		}
		b.Write(e.line)
		b.WriteByte('\n')
	}

	var done []appended
	rollback := func() {
		for _, a := range done {
			if err := a.f.Truncate(a.size); err != nil {
				l.log.Error("roll back partial log batch", "file", a.f.Name(), "error", err)
			}
			a.f.Close()
		}
	}

	for _, p := range order {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			rollback()
			return fmt.Errorf("open log file: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			rollback()
			return fmt.Errorf("stat log file: %w", err)
		}
		done = append(done, appended{f: f, size: info.Size()})

		if _, err := f.Write(groups[p].Bytes()); err != nil {
			rollback()
			return fmt.Errorf("append %s: %w", p, err)
		}
		if err := f.Sync(); err != nil {
			rollback()
			return fmt.Errorf("sync %s: %w", p, err)
		}
	}

	for _, a := range done {
		a.f.Close()
	}
	return nil
}

func (l *Log) archive(batch []entry) {
	var buf bytes.Buffer
	for _, e := range batch {
		buf.Write(e.line)
		buf.WriteByte('\n')
	}
	key := fmt.Sprintf("logs/%s/%s.jsonl", batch[0].at.Format("2006/01/02"), uuid.NewString())

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.archiver.Archive(ctx, key, buf.Bytes()); err != nil {
			l.log.Warn("archive log batch failed", "key", key, "error", err)
		}
	}()
}

// Run flushes aged buffers every CheckInterval until ctx is done, then
// flushes whatever is left.
func (l *Log) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.Flush(); err != nil {
				l.log.Error("final event log flush failed", "error", err)
			}
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Log) tick() {
	now := l.now()

	l.mu.Lock()
	due := l.dueLocked(now)
	l.mu.Unlock()

	if due {
		if err := l.Flush(); err != nil {
			l.log.Error("event log flush failed", "error", err)
			l.dropExpired(now)
		}
	}
	l.counters.Prune(now)
}

// dropExpired discards buffered entries that have failed to flush for
// longer than MaxBufferAge.
func (l *Log) dropExpired(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.buf[:0]
	dropped := 0
	for _, e := range l.buf {
		if now.Sub(e.at) > l.cfg.MaxBufferAge {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	l.buf = kept
	if dropped > 0 {
		l.log.Error("dropped unflushable log entries", "count", dropped)
	}
}
