package flow

import (
	"time"

	"github.com/Hikari-project/FD-Reid/internal/geometry"
)

// Kind names a business event type as it appears in logs and counters.
type Kind string

const (
	KindEnter   Kind = "enter"
	KindExit    Kind = "exit"
	KindPass    Kind = "pass"
	KindReEnter Kind = "re_enter"
)

// Kinds lists every business event type in counter order.
var Kinds = []Kind{KindEnter, KindExit, KindPass, KindReEnter}

// Base carries the fields every business event has.
type Base struct {
	TrackID    int
	IdentityID int64 // -1 while unresolved
	CameraID   string
	From       geometry.Zone
	To         geometry.Zone
	At         time.Time
}

// Subject is the id the event is attributed to: the identity when
// resolved, otherwise the raw track id.
func (b Base) Subject() int64 {
	if b.IdentityID < 0 {
		return int64(b.TrackID)
	}
	return b.IdentityID
}

// Event is one of Enter, Exit, Pass or ReEnter.
type Event interface {
	Kind() Kind
	Header() Base
	isEvent()
}

// Enter is a first entry of a person not seen before (or not yet resolved).
type Enter struct{ Base }

// Exit is a move from inside to the corridor or the street.
type Exit struct{ Base }

// Pass is a full traversal of the pass corridor without entering.
type Pass struct {
	Base
	// Deferred is set when the track vanished mid-corridor and the pass
	// was synthesized by the idle sweep.
	Deferred bool
}

// ReEnter is an entry by a person matched to a stored identity.
type ReEnter struct {
	Base
	Distance float64
}

func (Enter) Kind() Kind   { return KindEnter }
func (Exit) Kind() Kind    { return KindExit }
func (Pass) Kind() Kind    { return KindPass }
func (ReEnter) Kind() Kind { return KindReEnter }

func (e Enter) Header() Base   { return e.Base }
func (e Exit) Header() Base    { return e.Base }
func (e Pass) Header() Base    { return e.Base }
func (e ReEnter) Header() Base { return e.Base }

func (Enter) isEvent()   {}
func (Exit) isEvent()    {}
func (Pass) isEvent()    {}
func (ReEnter) isEvent() {}

// TriggerReason describes what produced the event.
func TriggerReason(ev Event) string {
	switch e := ev.(type) {
	case Pass:
		if e.Deferred {
			return "idle_timeout"
		}
		return "corridor_traversal"
	case ReEnter:
		return "reid_match"
	case Enter, Exit:
		return "zone_transition"
	default:
		return "unknown"
	}
}

// WithIdentity returns a copy of ev attributed to id.
func WithIdentity(ev Event, id int64) Event {
	switch e := ev.(type) {
	case Enter:
		e.IdentityID = id
		return e
	case Exit:
		e.IdentityID = id
		return e
	case Pass:
		e.IdentityID = id
		return e
	case ReEnter:
		e.IdentityID = id
		return e
	}
	return ev
}
