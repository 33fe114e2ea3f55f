package tracking

import (
	"image"
	"sort"
	"sync"
	"time"

	"github.com/golang/geo/r2"
)

// Unresolved is the identity of a track that has not been matched to a person yet.
const Unresolved int64 = -1

// Track is the per-session state of one tracker id.
type Track struct {
	ID         int
	IdentityID int64
	Quality    float64
	Confidence float64
	LastSeen   time.Time
	Feature    []float32
	Resolved   bool
}

// SubjectID is the id events are attributed to: the identity when known,
// otherwise the raw track id.
func (t Track) SubjectID() int64 {
	if t.IdentityID != Unresolved {
		return t.IdentityID
	}
	return int64(t.ID)
}

// Field is a partial update applied by Registry.Update.
type Field func(*Track)

// WithQuality sets the quality score.
func WithQuality(q float64) Field { return func(t *Track) { t.Quality = q } }

// WithConfidence sets the latest detector confidence.
func WithConfidence(c float64) Field { return func(t *Track) { t.Confidence = c } }

// WithFeature replaces the appearance feature.
func WithFeature(f []float32) Field {
	return func(t *Track) { t.Feature = append([]float32(nil), f...) }
}

// WithIdentity binds the track to an identity and marks it resolved.
func WithIdentity(id int64) Field {
	return func(t *Track) {
		t.IdentityID = id
		t.Resolved = true
	}
}

// Seen records the time the track was last observed.
func Seen(at time.Time) Field { return func(t *Track) { t.LastSeen = at } }

// Registry holds the tracks of one source. All methods are safe for
// concurrent use; a single mutex guards the map.
type Registry struct {
	mu     sync.Mutex
	tracks map[int]*Track
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tracks: make(map[int]*Track)}
}

// Sync makes the registry match the ids reported for the current frame:
// tracks not in ids are removed and returned, new ids get blank entries.
func (r *Registry) Sync(ids []int, now time.Time) []Track {
	current := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		current[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Track
	for id, t := range r.tracks {
		if _, ok := current[id]; !ok {
			removed = append(removed, *t)
			delete(r.tracks, id)
		}
	}
	for id := range current {
		if _, ok := r.tracks[id]; !ok {
			r.tracks[id] = &Track{ID: id, IdentityID: Unresolved, LastSeen: now}
		}
	}
	sortTracks(removed)
	return removed
}

// Update applies fields to an existing track. Unknown ids are ignored and
// reported with false.
func (r *Registry) Update(id int, fields ...Field) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tracks[id]
	if !ok {
		return false
	}
	for _, f := range fields {
		f(t)
	}
	return true
}

// Get returns a copy of the track.
func (r *Registry) Get(id int) (Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tracks[id]
	if !ok {
		return Track{}, false
	}
	return *t, true
}

// SweepIdle removes and returns tracks not seen for longer than maxAge.
func (r *Registry) SweepIdle(now time.Time, maxAge time.Duration) []Track {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Track
	for id, t := range r.tracks {
		if now.Sub(t.LastSeen) > maxAge {
			removed = append(removed, *t)
			delete(r.tracks, id)
		}
	}
	sortTracks(removed)
	return removed
}

// Drain removes and returns every track.
func (r *Registry) Drain() []Track {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Track, 0, len(r.tracks))
	for _, t := range r.tracks {
		out = append(out, *t)
	}
	r.tracks = make(map[int]*Track)
	sortTracks(out)
	return out
}

// Len returns the number of live tracks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}

func sortTracks(ts []Track) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

// Detection is one tracked person in a frame, as reported by the
// detector and tracker.
type Detection struct {
	TrackID    int
	Box        image.Rectangle
	Confidence float64
}

// Anchor is the bottom-center of the box, where the person stands.
func (d Detection) Anchor() r2.Point {
	return r2.Point{
		X: float64(d.Box.Min.X+d.Box.Max.X) / 2,
		Y: float64(d.Box.Max.Y),
	}
}
