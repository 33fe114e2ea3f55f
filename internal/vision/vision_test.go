package vision

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(x1, y1, x2, y2, conf float32) Box {
	return Box{BBox: [4]float32{x1, y1, x2, y2}, Confidence: conf}
}

func TestIoU(t *testing.T) {
	a := [4]float32{0, 0, 10, 10}
	assert.Equal(t, float32(1), iou(a, a))
	assert.Equal(t, float32(0), iou(a, [4]float32{20, 20, 30, 30}))
	assert.InDelta(t, 25.0/175.0, iou(a, [4]float32{5, 5, 15, 15}), 1e-6)
	assert.Equal(t, float32(0), iou([4]float32{0, 0, 0, 0}, [4]float32{0, 0, 0, 0}))
}

func TestNMS(t *testing.T) {
	boxes := []Box{
		box(0, 0, 100, 200, 0.6),
		box(2, 2, 102, 202, 0.9),
		box(300, 0, 400, 200, 0.7),
	}
	kept := nms(boxes, 0.45)
	require.Len(t, kept, 2)
	assert.Equal(t, float32(0.9), kept[0].Confidence)
	assert.Equal(t, float32(0.7), kept[1].Confidence)
}

func TestDecodeYOLO(t *testing.T) {
	const anchors, classes = 3, 2
	out := make([]float32, (4+classes)*anchors)
	set := func(row, anchor int, v float32) { out[row*anchors+anchor] = v }

	// anchor 0: confident person
	set(0, 0, 100)
	set(1, 0, 200)
	set(2, 0, 40)
	set(3, 0, 80)
	set(4, 0, 0.8)
	// anchor 1: below threshold
	set(4, 1, 0.2)
	// anchor 2: confident, but not a person
	set(5, 2, 0.95)

	boxes := decodeYOLO(out, anchors, classes, 0.5, 2, 0.5)
	require.Len(t, boxes, 1)
	assert.Equal(t, [4]float32{160, 80, 240, 120}, boxes[0].BBox)
	assert.Equal(t, float32(0.8), boxes[0].Confidence)

	assert.Nil(t, decodeYOLO(out[:5], anchors, classes, 0.5, 1, 1))
}

func TestOffsetBoxClamps(t *testing.T) {
	bounds := image.Rect(10, 20, 110, 220)
	got := offsetBox([4]float32{-5, 10, 50, 500}, bounds)
	assert.Equal(t, [4]float32{10, 30, 60, 220}, got)
}

func TestBoxRect(t *testing.T) {
	assert.Equal(t, image.Rect(10, 21, 50, 100), box(10.2, 20.6, 49.5, 100.4, 0.9).Rect())
}

func TestCompleteness(t *testing.T) {
	full := make([]float64, numLandmarks)
	for i := range full {
		full[i] = 1
	}
	// group weights sum to 1.05
	assert.InDelta(t, 0.6+0.4*1.05, completeness(full), 1e-9)

	none := make([]float64, numLandmarks)
	assert.Equal(t, 0.0, completeness(none))

	upper := make([]float64, numLandmarks)
	for i := 0; i <= 24; i++ {
		upper[i] = 0.9
	}
	got := completeness(upper)
	assert.Greater(t, got, completeness(none))
	assert.Less(t, got, completeness(full))

	assert.Equal(t, 0.0, completeness(full[:10]))
}

func TestImageToFloat32CHW(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 127, B: 0, A: 255})
		}
	}
	data := imageToFloat32CHW(img, 2, 2, [3]float32{0, 0, 0}, [3]float32{255, 255, 255})
	require.Len(t, data, 12)
	assert.Equal(t, float32(1), data[0])
	assert.InDelta(t, 127.0/255.0, data[4], 1e-6)
	assert.Equal(t, float32(0), data[8])

	hwc := imageToFloat32HWC(img, 2, 2)
	require.Len(t, hwc, 12)
	assert.Equal(t, []float32{1, 127.0 / 255, 0}, hwc[:3])
}

func TestResizeEmptyImage(t *testing.T) {
	dst := resizeImage(image.NewRGBA(image.Rectangle{}), 8, 8)
	assert.Equal(t, image.Rect(0, 0, 8, 8), dst.Bounds())
}

type scriptedDetector struct {
	frames [][]Box
	err    error
}

func (d *scriptedDetector) Detect(image.Image) ([]Box, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.frames) == 0 {
		return nil, nil
	}
	f := d.frames[0]
	d.frames = d.frames[1:]
	return f, nil
}

func TestTrackerKeepsIDsAcrossFrames(t *testing.T) {
	det := &scriptedDetector{frames: [][]Box{
		{box(10, 20, 40, 60, 0.9), box(100, 200, 130, 240, 0.8)},
		{box(12, 22, 43, 63, 0.85), box(102, 202, 131, 241, 0.75)},
	}}
	tr := NewTracker(det, DefaultTrackerConfig())
	frame := image.NewRGBA(image.Rect(0, 0, 320, 320))

	first, err := tr.Track(frame)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 1, first[0].TrackID)
	assert.Equal(t, image.Rect(10, 20, 40, 60), first[0].Box)
	assert.Equal(t, 2, first[1].TrackID)
	assert.InDelta(t, 0.8, first[1].Confidence, 1e-6)

	second, err := tr.Track(frame)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, 1, second[0].TrackID)
	assert.Equal(t, image.Rect(12, 22, 43, 63), second[0].Box)
	assert.InDelta(t, 0.85, second[0].Confidence, 1e-6)
	assert.Equal(t, 2, second[1].TrackID)
	assert.Equal(t, 2, tr.Len())
}

func TestTrackerSkipsUnmatchedTracks(t *testing.T) {
	tr := NewTracker(nil, DefaultTrackerConfig())

	out, err := tr.Update([]Box{box(10, 20, 40, 60, 0.9)})
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = tr.Update(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, tr.Len())

	// below the second-stage threshold nothing is created
	out, err = tr.Update([]Box{box(300, 300, 330, 340, 0.1)})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTrackerForgetsExpiredTracks(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.MaxDisappeared = 2
	tr := NewTracker(nil, cfg)

	out, err := tr.Update([]Box{box(10, 20, 40, 60, 0.9)})
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, err = tr.Update(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Len())

	out, err = tr.Update([]Box{box(10, 20, 40, 60, 0.9)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].TrackID)
}

func TestTrackerErrors(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 8, 8))

	_, err := NewTracker(nil, DefaultTrackerConfig()).Track(frame)
	assert.Error(t, err)

	boom := errors.New("inference failed")
	_, err = NewTracker(&scriptedDetector{err: boom}, DefaultTrackerConfig()).Track(frame)
	assert.ErrorIs(t, err, boom)
}
