package reid

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/Hikari-project/FD-Reid/internal/observability"
	"github.com/Hikari-project/FD-Reid/internal/storage"
)

// NewIdentity is the identity reported by Match when nothing is close enough.
const NewIdentity int64 = -1

// ErrLowConfidence means the detection is not trustworthy enough to
// resolve; the caller should try again on a later frame.
var ErrLowConfidence = errors.New("detection confidence below resolution floor")

// ErrFeatureLength means an extracted feature does not have the length of
// the indexed identities.
var ErrFeatureLength = errors.New("feature length differs from index")

// FeatureStore is the durable side of the resolver.
type FeatureStore interface {
	Add(ctx context.Context, id int64, feature []float32) error
	Update(ctx context.Context, id int64, feature []float32) error
	Touch(ctx context.Context, id int64) error
	SetLocked(ctx context.Context, id int64, locked bool) error
	LoadAll(ctx context.Context) ([]storage.FeatureRecord, error)
	MaxIdentityID(ctx context.Context) (int64, error)
	SweepUnused(ctx context.Context, idle time.Duration) ([]int64, error)
}

// Extractor turns a person crop into an appearance vector.
type Extractor interface {
	Extract(crop image.Image) ([]float32, error)
}

// Scorer rates how complete a person crop is, in [0, 1].
type Scorer interface {
	Score(crop image.Image) (float64, error)
}

// Reporter receives operational anomalies as system events.
type Reporter interface {
	RecordSystem(kind string, details map[string]any)
}

type Config struct {
	MatchThreshold   float64
	ConfidenceFloor  float64
	ConfidenceWeight float64
	QualityMargin    float64
	IdleThreshold    time.Duration
}

func DefaultConfig() Config {
	return Config{
		MatchThreshold:   0.15,
		ConfidenceFloor:  0.8,
		ConfidenceWeight: 0.5,
		QualityMargin:    0.1,
		IdleThreshold:    72 * time.Hour,
	}
}

// Match is the result of a nearest-neighbour lookup.
type Match struct {
	IdentityID int64
	Distance   float64
}

func (m Match) IsNew() bool { return m.IdentityID == NewIdentity }

// Request describes one resolution attempt for a track.
type Request struct {
	TrackID    int
	Confidence float64
	Crop       image.Image
}

// Result is the identity a track was bound to.
type Result struct {
	IdentityID int64
	// Returning is set when the track matched an identity that already
	// existed, i.e. the person has been seen before.
	Returning bool
	Distance  float64
	Quality   float64
	Feature   []float32
}

// Resolver owns the in-memory search index over all known identities and
// is shared by every source. mu is always taken before any store call.
type Resolver struct {
	mu     sync.Mutex
	store  FeatureStore
	ext    Extractor
	scorer Scorer
	rep    Reporter
	cfg    Config
	log    *slog.Logger

	labels []int64
	vecs   [][]float32
	index  *Index
	maxID  int64
	locks  map[int64]int // live tracks bound per identity
}

type Option func(*Resolver)

// WithScorer sets the completeness scorer. Without one, quality is
// derived from detector confidence alone.
func WithScorer(s Scorer) Option { return func(r *Resolver) { r.scorer = s } }

func WithReporter(rep Reporter) Option { return func(r *Resolver) { r.rep = rep } }

// NewResolver loads every stored identity and builds the index.
func NewResolver(ctx context.Context, store FeatureStore, ext Extractor, cfg Config, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		store: store,
		ext:   ext,
		cfg:   cfg,
		log:   slog.Default().With("component", "resolver"),
		index: &Index{},
		locks: make(map[int64]int),
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the in-memory identity set with the store's contents.
func (r *Resolver) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reload(ctx)
}

func (r *Resolver) reload(ctx context.Context) error {
	recs, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("reload identities: %w", err)
	}

	r.labels = r.labels[:0]
	r.vecs = r.vecs[:0]
	dim := 0
	for _, rec := range recs {
		if dim == 0 {
			dim = len(rec.Feature)
		}
		if len(rec.Feature) != dim {
			r.log.Warn("skipping identity with mismatched feature length",
				"identity", rec.IdentityID, "len", len(rec.Feature), "want", dim)
			continue
		}
		r.labels = append(r.labels, rec.IdentityID)
		r.vecs = append(r.vecs, rec.Feature)
		if rec.IdentityID > r.maxID {
			r.maxID = rec.IdentityID
		}
	}
	r.rebuild()
	return nil
}

func (r *Resolver) rebuild() {
	r.index = BuildIndex(r.vecs)
	observability.KnownIdentities.Set(float64(len(r.labels)))
}

// Len reports the number of indexed identities.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.labels)
}

// Match finds the nearest stored identity. Distances are squared L2 and
// a match requires distance < threshold.
func (r *Resolver) Match(feature []float32, threshold float64) Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.match(feature, threshold)
}

func (r *Resolver) match(feature []float32, threshold float64) Match {
	pos, dist, ok := r.index.Search(feature)
	if !ok || dist >= threshold {
		return Match{IdentityID: NewIdentity, Distance: 1.0}
	}
	if pos >= len(r.labels) {
		r.log.Warn("search index points past known identities, treating as new",
			"position", pos, "known", len(r.labels))
		r.report("stale_index", map[string]any{"position": pos, "known": len(r.labels)})
		observability.ResolverOutcomes.WithLabelValues("stale").Inc()
		return Match{IdentityID: NewIdentity, Distance: 1.0}
	}
	return Match{IdentityID: r.labels[pos], Distance: dist}
}

// Quality combines completeness and detector confidence.
func (r *Resolver) Quality(crop image.Image, confidence float64) float64 {
	q := confidence * r.cfg.ConfidenceWeight
	if r.scorer == nil {
		return q
	}
	s, err := r.scorer.Score(crop)
	if err != nil {
		r.log.Debug("completeness scoring failed", "error", err)
		return q
	}
	return s + q
}

// ResolveOnEnter binds a track that just entered to an identity, minting
// a new one when no stored identity is within the match threshold.
func (r *Resolver) ResolveOnEnter(ctx context.Context, req Request) (Result, error) {
	if req.Confidence <= r.cfg.ConfidenceFloor {
		return Result{}, ErrLowConfidence
	}

	start := time.Now()
	feature, err := r.ext.Extract(req.Crop)
	observability.InferenceDuration.WithLabelValues("extract").Observe(time.Since(start).Seconds())
	if err != nil {
		return Result{}, fmt.Errorf("extract feature for track %d: %w", req.TrackID, err)
	}
	quality := r.Quality(req.Crop, req.Confidence)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLength(req.TrackID, feature); err != nil {
		return Result{}, err
	}

	m := r.match(feature, r.cfg.MatchThreshold)
	if !m.IsNew() {
		if err := r.store.Touch(ctx, m.IdentityID); err != nil {
			r.storeFailure("touch", m.IdentityID, err)
		}
		observability.ResolverOutcomes.WithLabelValues("matched").Inc()
		return Result{
			IdentityID: m.IdentityID,
			Returning:  true,
			Distance:   m.Distance,
			Quality:    quality,
			Feature:    feature,
		}, nil
	}

	id, err := r.mint(ctx, feature)
	if err != nil {
		return Result{}, err
	}
	observability.ResolverOutcomes.WithLabelValues("new").Inc()
	r.log.Info("new identity", "identity", id, "track", req.TrackID, "quality", quality)
	return Result{IdentityID: id, Distance: m.Distance, Quality: quality, Feature: feature}, nil
}

// mint allocates the next sequential id and persists the feature. A
// store write failure keeps the identity in memory; only a failure to
// read the current maximum prevents minting.
func (r *Resolver) mint(ctx context.Context, feature []float32) (int64, error) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		stored, err := r.store.MaxIdentityID(ctx)
		if err != nil {
			r.storeFailure("max_identity_id", NewIdentity, err)
			return NewIdentity, fmt.Errorf("mint identity: %w", err)
		}
		id := max(stored, r.maxID) + 1

		err = r.store.Add(ctx, id, feature)
		if errors.Is(err, storage.ErrIdentityExists) {
			r.maxID = id
			continue
		}
		if err != nil {
			r.storeFailure("add", id, err)
		}
		r.maxID = id
		r.labels = append(r.labels, id)
		r.vecs = append(r.vecs, feature)
		r.rebuild()
		return id, nil
	}
	return NewIdentity, fmt.Errorf("mint identity: %w after %d attempts", storage.ErrIdentityExists, attempts)
}

// Refresh replaces the stored feature of id when the new crop's combined
// quality beats current by more than the configured margin. It returns
// the quality now on record for the track.
func (r *Resolver) Refresh(ctx context.Context, id int64, req Request, current float64) (float64, bool, error) {
	quality := r.Quality(req.Crop, req.Confidence)
	if quality <= current+r.cfg.QualityMargin {
		return current, false, nil
	}

	feature, err := r.ext.Extract(req.Crop)
	if err != nil {
		return current, false, fmt.Errorf("extract feature for track %d: %w", req.TrackID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLength(req.TrackID, feature); err != nil {
		return current, false, err
	}

	if err := r.store.Update(ctx, id, feature); err != nil {
		r.storeFailure("update", id, err)
	}
	for i, label := range r.labels {
		if label == id {
			r.vecs[i] = feature
			r.rebuild()
			break
		}
	}
	observability.ResolverOutcomes.WithLabelValues("refreshed").Inc()
	r.log.Debug("identity feature refreshed", "identity", id, "quality", quality, "previous", current)
	return quality, true, nil
}

// checkLength rejects a feature that the index could not hold next to
// the known identities. Callers hold mu.
func (r *Resolver) checkLength(trackID int, feature []float32) error {
	if len(r.vecs) == 0 || len(feature) == len(r.vecs[0]) {
		return nil
	}
	want := len(r.vecs[0])
	r.log.Warn("rejecting feature of unexpected length",
		"track", trackID, "len", len(feature), "want", want)
	r.report("feature_length_mismatch", map[string]any{"track": trackID, "len": len(feature), "want": want})
	observability.ResolverOutcomes.WithLabelValues("rejected").Inc()
	return fmt.Errorf("track %d: %w: got %d, want %d", trackID, ErrFeatureLength, len(feature), want)
}

// SetLocked pins an identity against aging while a track is bound to it.
// Locks are counted per identity: the stored flag clears only when the
// last bound track releases it.
func (r *Resolver) SetLocked(ctx context.Context, id int64, locked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.locks[id]
	if locked {
		r.locks[id] = n + 1
		if n > 0 {
			return
		}
	} else {
		if n == 0 {
			return
		}
		if n > 1 {
			r.locks[id] = n - 1
			return
		}
		delete(r.locks, id)
	}

	if err := r.store.SetLocked(ctx, id, locked); err != nil && !errors.Is(err, storage.ErrIdentityNotFound) {
		r.storeFailure("lock", id, err)
	}
}

// Holders reports how many live tracks hold the lock on id.
func (r *Resolver) Holders(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[id]
}

// Sweep deletes identities idle past the configured threshold and
// rebuilds the index from the store when anything was removed.
func (r *Resolver) Sweep(ctx context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted, err := r.store.SweepUnused(ctx, r.cfg.IdleThreshold)
	if err != nil {
		r.storeFailure("sweep", NewIdentity, err)
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, nil
	}
	return deleted, r.reload(ctx)
}

func (r *Resolver) storeFailure(op string, id int64, err error) {
	r.log.Error("feature store operation failed", "op", op, "identity", id, "error", err)
	r.report("feature_store_error", map[string]any{"op": op, "identity": id, "error": err.Error()})
}

func (r *Resolver) report(kind string, details map[string]any) {
	if r.rep != nil {
		r.rep.RecordSystem(kind, details)
	}
}
