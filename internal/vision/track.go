package vision

import (
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/LdDl/mot-go/mot"
	"github.com/google/uuid"

	"github.com/Hikari-project/FD-Reid/internal/tracking"
)

// PersonDetector finds people in a frame.
type PersonDetector interface {
	Detect(img image.Image) ([]Box, error)
}

// TrackerConfig holds the ByteTrack association parameters.
type TrackerConfig struct {
	MaxDisappeared int     // frames a track may go unmatched
	MinIoU         float64 // minimum overlap to associate a detection
	HighThresh     float64 // first-stage confidence
	LowThresh      float64 // second-stage confidence
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{MaxDisappeared: 5, MinIoU: 0.3, HighThresh: 0.5, LowThresh: 0.3}
}

// Tracker assigns stable integer track ids to person detections across
// frames of one camera. It is not shared between sources.
type Tracker struct {
	mu       sync.Mutex
	detector PersonDetector
	bt       *mot.ByteTracker[*mot.BlobBBox]
	ids      map[uuid.UUID]int
	nextID   int
}

// NewTracker creates a tracker fed by detector. detector may be nil when
// boxes are supplied through Update.
func NewTracker(detector PersonDetector, cfg TrackerConfig) *Tracker {
	return &Tracker{
		detector: detector,
		bt: mot.NewByteTracker[*mot.BlobBBox](
			cfg.MaxDisappeared, cfg.MinIoU, cfg.HighThresh, cfg.LowThresh, mot.MatchingAlgorithmHungarian,
		),
		ids: make(map[uuid.UUID]int),
	}
}

// Track detects people in img and associates them with existing tracks.
func (t *Tracker) Track(img image.Image) ([]tracking.Detection, error) {
	if t.detector == nil {
		return nil, fmt.Errorf("tracker has no detector")
	}
	boxes, err := t.detector.Detect(img)
	if err != nil {
		return nil, err
	}
	return t.Update(boxes)
}

// Update associates boxes with existing tracks. Only tracks matched or
// created in this frame are returned, each with the box and confidence of
// the detection it was associated with, ordered by track id.
func (t *Tracker) Update(boxes []Box) ([]tracking.Detection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	blobs := make([]*mot.BlobBBox, len(boxes))
	confs := make([]float64, len(boxes))
	for i, b := range boxes {
		blobs[i] = mot.NewBlobBBox(mot.NewRectFrom(b.Rect()))
		confs[i] = float64(b.Confidence)
	}
	if err := t.bt.MatchObjects(blobs, confs); err != nil {
		return nil, fmt.Errorf("associate detections: %w", err)
	}

	out := make([]tracking.Detection, 0, len(boxes))
	claimed := make(map[int]bool, len(boxes))
	created := make(map[uuid.UUID]bool)

	// Unmatched high-confidence detections become tracks as-is.
	for i, b := range blobs {
		if obj, ok := t.bt.Objects[b.GetID()]; ok && obj == b {
			claimed[i] = true
			created[b.GetID()] = true
			out = append(out, detection(t.idFor(b.GetID()), boxes[i]))
		}
	}

	for id, obj := range t.bt.Objects {
		if created[id] || obj.GetNoMatchTimes() != 0 {
			continue
		}
		best := bestMatch(rectBox(obj.GetBBox()), boxes, claimed)
		if best < 0 {
			continue
		}
		claimed[best] = true
		out = append(out, detection(t.idFor(id), boxes[best]))
	}

	t.prune()
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out, nil
}

// idFor maps a tracker uuid to a small stable integer id.
func (t *Tracker) idFor(id uuid.UUID) int {
	if n, ok := t.ids[id]; ok {
		return n
	}
	t.nextID++
	t.ids[id] = t.nextID
	return t.nextID
}

func (t *Tracker) prune() {
	for id := range t.ids {
		if _, ok := t.bt.Objects[id]; !ok {
			delete(t.ids, id)
		}
	}
}

// Len returns the number of live tracks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bt.Objects)
}

func detection(id int, b Box) tracking.Detection {
	return tracking.Detection{TrackID: id, Box: b.Rect(), Confidence: float64(b.Confidence)}
}

func rectBox(r mot.Rectangle) [4]float32 {
	return [4]float32{
		float32(r.X),
		float32(r.Y),
		float32(r.X + r.Width),
		float32(r.Y + r.Height),
	}
}

// bestMatch returns the unclaimed box overlapping ref the most, or -1.
func bestMatch(ref [4]float32, boxes []Box, claimed map[int]bool) int {
	best, bestIoU := -1, float32(0)
	for i, b := range boxes {
		if claimed[i] {
			continue
		}
		if v := iou(ref, b.BBox); v > bestIoU {
			best, bestIoU = i, v
		}
	}
	return best
}
