package session

import (
	"context"
	"image"
	"time"

	"github.com/Hikari-project/FD-Reid/internal/flow"
	"github.com/Hikari-project/FD-Reid/internal/ingest"
	"github.com/Hikari-project/FD-Reid/internal/models"
	"github.com/Hikari-project/FD-Reid/internal/reid"
	"github.com/Hikari-project/FD-Reid/internal/tracking"
)

// FrameSource delivers decoded frames until ctx ends or the stream stops.
type FrameSource interface {
	Stream(ctx context.Context, fn func(ingest.Frame) error) error
}

// Tracker turns a frame into tracked person detections with stable ids.
type Tracker interface {
	Track(img image.Image) ([]tracking.Detection, error)
}

// Resolver binds entering tracks to durable identities.
type Resolver interface {
	ResolveOnEnter(ctx context.Context, req reid.Request) (reid.Result, error)
	Refresh(ctx context.Context, id int64, req reid.Request, current float64) (float64, bool, error)
	SetLocked(ctx context.Context, id int64, locked bool)
}

// Recorder is the event log.
type Recorder interface {
	Record(ctx context.Context, ev flow.Event) models.BusinessEvent
	RecordSystem(kind string, details map[string]any)
}

// SnapshotStore keeps the crop an identity was resolved from.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, jpeg []byte) error
}

// Policy holds the per-source timing and gating knobs.
type Policy struct {
	TrackMaxAge time.Duration // registry idle eviction
	ZoneMaxAge  time.Duration // transition engine idle eviction
	ExpandedROI bool
	ROIScale    float64
}

func DefaultPolicy() Policy {
	return Policy{
		TrackMaxAge: 10 * time.Second,
		ZoneMaxAge:  5 * time.Second,
		ROIScale:    1.3,
	}
}

// Deps is built once per process and shared by every source. Resolver and
// Log are required; Snapshots may be nil.
type Deps struct {
	Resolver  Resolver
	Log       Recorder
	Snapshots SnapshotStore
	Policy    Policy
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
