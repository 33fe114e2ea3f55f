package flow

import (
	"sort"
	"sync"
	"time"

	"github.com/Hikari-project/FD-Reid/internal/geometry"
)

// Observation is the zone a track occupies in one frame.
type Observation struct {
	TrackID    int
	IdentityID int64 // -1 while unresolved
	Zone       geometry.Zone
	At         time.Time
}

type trackState struct {
	zone        geometry.Zone
	subject     int64
	inPass      bool
	passCounted bool
	lastSeen    time.Time
}

// Engine is the per-source zone transition state machine. It keeps its
// own table of track zones, separate from the track registry, so that a
// pass pending on a track the tracker has dropped is still counted.
type Engine struct {
	mu     sync.Mutex
	camera string
	tracks map[int]*trackState
}

func NewEngine(camera string) *Engine {
	return &Engine{camera: camera, tracks: make(map[int]*trackState)}
}

// Observe applies one frame's zone for a track and returns the business
// event it triggers, or nil. The first observation of a track only
// records its zone.
func (e *Engine) Observe(o Observation) Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.tracks[o.TrackID]
	if !ok {
		e.tracks[o.TrackID] = &trackState{
			zone:     o.Zone,
			subject:  o.IdentityID,
			inPass:   o.Zone == geometry.PassArea,
			lastSeen: o.At,
		}
		return nil
	}

	from := st.zone
	st.zone = o.Zone
	st.subject = o.IdentityID
	st.lastSeen = o.At
	if from == o.Zone {
		return nil
	}

	base := Base{
		TrackID:    o.TrackID,
		IdentityID: o.IdentityID,
		CameraID:   e.camera,
		From:       from,
		To:         o.Zone,
		At:         o.At,
	}
	return transition(st, base)
}

// transition implements the zone transition table.
func transition(st *trackState, b Base) Event {
	switch b.From {
	case geometry.Outside:
		switch b.To {
		case geometry.Inside:
			return Enter{b}
		case geometry.PassArea:
			st.inPass = true
			return nil
		}
	case geometry.Inside:
		switch b.To {
		case geometry.Outside:
			return Exit{b}
		case geometry.PassArea:
			st.inPass = true
			return Exit{b}
		}
	case geometry.PassArea:
		switch b.To {
		case geometry.Inside:
			st.inPass = false
			return Enter{b}
		case geometry.Outside:
			if st.inPass && !st.passCounted {
				st.inPass = false
				st.passCounted = true
				return Pass{Base: b}
			}
			return nil
		}
	}
	return nil
}

// Sweep evicts tracks not observed within maxAge. A track evicted while
// a corridor traversal is pending yields a deferred Pass.
func (e *Engine) Sweep(now time.Time, maxAge time.Duration) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := now.Add(-maxAge)
	var ids []int
	for id, st := range e.tracks {
		if st.lastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return e.evict(ids, now)
}

// Drain evicts every track, emitting deferred passes. Used on source
// shutdown and when the zone configuration changes.
func (e *Engine) Drain(now time.Time) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]int, 0, len(e.tracks))
	for id := range e.tracks {
		ids = append(ids, id)
	}
	return e.evict(ids, now)
}

func (e *Engine) evict(ids []int, now time.Time) []Event {
	sort.Ints(ids)
	var events []Event
	for _, id := range ids {
		st := e.tracks[id]
		if st.inPass && !st.passCounted {
			st.passCounted = true
			st.inPass = false
			events = append(events, Pass{
				Base: Base{
					TrackID:    id,
					IdentityID: st.subject,
					CameraID:   e.camera,
					From:       geometry.PassArea,
					To:         geometry.Outside,
					At:         now,
				},
				Deferred: true,
			})
		}
		delete(e.tracks, id)
	}
	return events
}

// Zone returns the last zone recorded for a track.
func (e *Engine) Zone(trackID int) (geometry.Zone, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.tracks[trackID]
	if !ok {
		return "", false
	}
	return st.zone, true
}

// Presence counts the tracks currently in each zone.
func (e *Engine) Presence() map[geometry.Zone]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[geometry.Zone]int{
		geometry.Inside:   0,
		geometry.Outside:  0,
		geometry.PassArea: 0,
	}
	for _, st := range e.tracks {
		out[st.zone]++
	}
	return out
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracks)
}
