package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hikari-project/FD-Reid/internal/flow"
	"github.com/Hikari-project/FD-Reid/internal/geometry"
	"github.com/Hikari-project/FD-Reid/internal/ingest"
	"github.com/Hikari-project/FD-Reid/internal/models"
	"github.com/Hikari-project/FD-Reid/internal/observability"
	"github.com/Hikari-project/FD-Reid/internal/reid"
	"github.com/Hikari-project/FD-Reid/internal/tracking"
)

const maxStreamRetries = 5

// Source runs the per-frame pipeline for one camera: sync tracks,
// classify, transition, resolve, record.
//
// Lock order: Source.mu is never held while calling into the registry,
// engine or resolver. The registry lock is released before any resolver
// call, so the resolver (and the feature store behind it) is always
// entered without holding a registry lock.
type Source struct {
	id      string
	url     string
	frames  FrameSource
	tracker Tracker
	deps    Deps
	log     *slog.Logger

	registry *tracking.Registry
	engine   *flow.Engine

	mu         sync.Mutex
	zone       geometry.ZoneConfig
	classifier *geometry.Classifier
	roi        geometry.Polygon
	pending    map[int]flow.Enter // enters waiting for a confident frame
	status     models.SourceStatus
	lastErr    string
	startedAt  time.Time

	frameCount atomic.Int64
}

// NewSource validates the zone and prepares a source. It does not start
// reading frames.
func NewSource(id, url string, zone geometry.ZoneConfig, frames FrameSource, tracker Tracker, deps Deps) (*Source, error) {
	s := &Source{
		id:       id,
		url:      url,
		frames:   frames,
		tracker:  tracker,
		deps:     deps,
		log:      slog.Default().With("camera", id),
		registry: tracking.NewRegistry(),
		engine:   flow.NewEngine(id),
		pending:  make(map[int]flow.Enter),
		status:   models.SourceStatusStarting,
	}
	if err := s.applyZone(zone); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) ID() string { return s.id }

func (s *Source) applyZone(zone geometry.ZoneConfig) error {
	classifier, err := zone.Classifier()
	if err != nil {
		return err
	}
	scale := s.deps.Policy.ROIScale
	if scale < 1 {
		scale = 1
	}

	s.mu.Lock()
	s.zone = zone
	s.classifier = classifier
	s.roi = zone.Region().Scale(scale)
	s.mu.Unlock()
	return nil
}

// SetZone replaces the zone configuration and resets the transition
// state. Pending passes and enters are recorded before the reset.
func (s *Source) SetZone(zone geometry.ZoneConfig) error {
	if err := s.applyZone(zone); err != nil {
		return err
	}
	ctx := context.Background()
	for _, ev := range s.drainPending() {
		s.emit(ctx, ev)
	}
	for _, ev := range s.engine.Drain(s.deps.now()) {
		s.emit(ctx, ev)
	}
	s.log.Info("zone configuration applied")
	return nil
}

func (s *Source) Zone() geometry.ZoneConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zone
}

func (s *Source) currentZone() (*geometry.Classifier, geometry.Polygon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classifier, s.roi
}

// Run streams frames until ctx is cancelled, reconnecting with backoff
// when the stream fails. Before returning it drains every track so
// pending passes and enters are recorded.
func (s *Source) Run(ctx context.Context) error {
	s.setStatus(models.SourceStatusRunning, "")
	s.mu.Lock()
	s.startedAt = s.deps.now()
	s.mu.Unlock()

	maintainCtx, stopMaintain := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintain(maintainCtx)
	}()

	err := s.stream(ctx)

	stopMaintain()
	wg.Wait()
	s.finalize(context.WithoutCancel(ctx))

	if err != nil {
		s.setStatus(models.SourceStatusError, err.Error())
		return err
	}
	s.setStatus(models.SourceStatusStopped, "")
	return nil
}

func (s *Source) stream(ctx context.Context) error {
	failures := 0
	for {
		before := s.frameCount.Load()
		err := s.frames.Stream(ctx, func(f ingest.Frame) error {
			start := time.Now()
			dets, err := s.tracker.Track(f.Image)
			observability.InferenceDuration.WithLabelValues("track").Observe(time.Since(start).Seconds())
			if err != nil {
				return fmt.Errorf("track frame %d: %w", f.Seq, err)
			}
			s.ProcessFrame(ctx, f, dets)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			s.log.Info("stream ended")
			return nil
		}

		if s.frameCount.Load() > before {
			failures = 0
		}
		failures++
		s.log.Error("stream failed", "attempt", failures, "error", err)
		s.deps.Log.RecordSystem("source_error", map[string]any{
			"camera_id": s.id,
			"attempt":   failures,
			"error":     err.Error(),
		})
		if failures > maxStreamRetries {
			return fmt.Errorf("source %s failed after %d attempts: %w", s.id, maxStreamRetries, err)
		}

		delay := time.Duration(1<<uint(failures)) * time.Second
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// ProcessFrame runs one frame of tracked detections through the pipeline.
// An error on one track skips only that track.
func (s *Source) ProcessFrame(ctx context.Context, f ingest.Frame, dets []tracking.Detection) {
	s.frameCount.Add(1)
	observability.FramesProcessed.WithLabelValues(s.id).Inc()
	observability.PersonsDetected.WithLabelValues(s.id).Add(float64(len(dets)))

	classifier, roi := s.currentZone()

	ids := make([]int, len(dets))
	for i, d := range dets {
		ids[i] = d.TrackID
	}
	for _, gone := range s.registry.Sync(ids, f.At) {
		s.release(ctx, gone)
	}

	sorted := append([]tracking.Detection(nil), dets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TrackID < sorted[j].TrackID })
	for _, d := range sorted {
		if err := s.processTrack(ctx, f, d, classifier, roi); err != nil {
			s.log.Warn("track skipped", "track", d.TrackID, "error", err)
		}
	}
}

func (s *Source) processTrack(ctx context.Context, f ingest.Frame, d tracking.Detection, classifier *geometry.Classifier, roi geometry.Polygon) error {
	s.registry.Update(d.TrackID, tracking.Seen(f.At), tracking.WithConfidence(d.Confidence))

	p := d.Anchor()
	if s.deps.Policy.ExpandedROI && !roi.Contains(p) {
		return nil
	}
	zone := classifier.Classify(p.X, p.Y)

	t, ok := s.registry.Get(d.TrackID)
	if !ok {
		return fmt.Errorf("track %d missing after sync", d.TrackID)
	}

	cropImg, err := crop(f.Image, d.Box)
	if err != nil {
		return err
	}
	req := reid.Request{TrackID: d.TrackID, Confidence: d.Confidence, Crop: cropImg}

	ev := s.engine.Observe(flow.Observation{
		TrackID:    d.TrackID,
		IdentityID: t.IdentityID,
		Zone:       zone,
		At:         f.At,
	})
	if ev == nil {
		if zone == geometry.Inside {
			return s.whileInside(ctx, f, t, req)
		}
		return nil
	}

	if held, ok := s.takePending(d.TrackID); ok {
		s.emit(ctx, held)
	}
	if enter, ok := ev.(flow.Enter); ok && !t.Resolved {
		s.resolve(ctx, f, enter, req)
		return nil
	}
	s.emit(ctx, ev)
	return nil
}

// resolve binds the entering track to an identity and records the enter
// (or re-enter). Low confidence holds the enter for a later frame; any
// other failure records it against the fallback id.
func (s *Source) resolve(ctx context.Context, f ingest.Frame, enter flow.Enter, req reid.Request) {
	res, err := s.deps.Resolver.ResolveOnEnter(ctx, req)
	if errors.Is(err, reid.ErrLowConfidence) {
		s.hold(enter)
		return
	}
	if err != nil {
		s.log.Warn("identity resolution failed", "track", enter.TrackID, "error", err)
		s.emit(ctx, enter)
		return
	}

	s.registry.Update(enter.TrackID,
		tracking.WithIdentity(res.IdentityID),
		tracking.WithQuality(res.Quality),
		tracking.WithFeature(res.Feature),
	)
	s.deps.Resolver.SetLocked(ctx, res.IdentityID, true)
	s.snapshot(res.IdentityID, f.At, req.Crop)

	base := enter.Base
	base.IdentityID = res.IdentityID
	if res.Returning {
		s.emit(ctx, flow.ReEnter{Base: base, Distance: res.Distance})
		return
	}
	s.emit(ctx, flow.Enter{Base: base})
}

func (s *Source) whileInside(ctx context.Context, f ingest.Frame, t tracking.Track, req reid.Request) error {
	if held, ok := s.takePending(t.ID); ok {
		s.resolve(ctx, f, held, req)
		return nil
	}
	if !t.Resolved || t.IdentityID == tracking.Unresolved {
		return nil
	}
	q, updated, err := s.deps.Resolver.Refresh(ctx, t.IdentityID, req, t.Quality)
	if err != nil {
		return fmt.Errorf("refresh identity %d: %w", t.IdentityID, err)
	}
	if updated {
		s.registry.Update(t.ID, tracking.WithQuality(q))
	}
	return nil
}

func (s *Source) hold(e flow.Enter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[e.TrackID] = e
}

func (s *Source) takePending(trackID int) (flow.Enter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[trackID]
	if ok {
		delete(s.pending, trackID)
	}
	return e, ok
}

func (s *Source) drainPending() []flow.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]flow.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.pending[id])
		delete(s.pending, id)
	}
	return out
}

// release handles a track leaving the registry.
func (s *Source) release(ctx context.Context, t tracking.Track) {
	if held, ok := s.takePending(t.ID); ok {
		s.emit(ctx, held)
	}
	if t.Resolved && t.IdentityID != tracking.Unresolved {
		s.deps.Resolver.SetLocked(ctx, t.IdentityID, false)
	}
}

func (s *Source) emit(ctx context.Context, ev flow.Event) {
	s.deps.Log.Record(ctx, ev)
}

// maintain runs the idle sweeps every half engine max age.
func (s *Source) maintain(ctx context.Context) {
	interval := s.deps.Policy.ZoneMaxAge / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep evicts idle tracks: deferred passes from the engine are recorded
// and identities of tracks gone from the registry are unlocked.
func (s *Source) Sweep(ctx context.Context) {
	now := s.deps.now()
	for _, ev := range s.engine.Sweep(now, s.deps.Policy.ZoneMaxAge) {
		s.emit(ctx, ev)
	}
	for _, t := range s.registry.SweepIdle(now, s.deps.Policy.TrackMaxAge) {
		s.release(ctx, t)
	}
}

// finalize is the teardown sweep: every pending event is recorded and
// every track released.
func (s *Source) finalize(ctx context.Context) {
	for _, ev := range s.drainPending() {
		s.emit(ctx, ev)
	}
	for _, ev := range s.engine.Drain(s.deps.now()) {
		s.emit(ctx, ev)
	}
	for _, t := range s.registry.Drain() {
		s.release(ctx, t)
	}
	s.log.Info("source drained", "frames", s.frameCount.Load())
}

func (s *Source) setStatus(status models.SourceStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.lastErr = errMsg
}

// Info reports the source status and current per-zone presence.
func (s *Source) Info() models.SourceInfo {
	s.mu.Lock()
	info := models.SourceInfo{
		ID:        s.id,
		URL:       s.url,
		Status:    s.status,
		Error:     s.lastErr,
		StartedAt: s.startedAt,
	}
	s.mu.Unlock()

	info.Presence = s.engine.Presence()
	info.Frames = s.frameCount.Load()
	return info
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func crop(img image.Image, box image.Rectangle) (image.Image, error) {
	r := box.Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("box %v outside frame %v", box, img.Bounds())
	}
	si, ok := img.(subImager)
	if !ok {
		return nil, fmt.Errorf("frame type %T cannot be cropped", img)
	}
	return si.SubImage(r), nil
}
