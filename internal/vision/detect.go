package vision

import (
	"fmt"
	"image"
	"math"
	"sort"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Hikari-project/FD-Reid/internal/observability"
)

// personClass is the COCO class index for "person".
const personClass = 0

// Box is one person detection.
type Box struct {
	BBox       [4]float32 // x1, y1, x2, y2 (pixel coordinates)
	Confidence float32
}

// Rect returns the box as integer pixel bounds.
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(float64(b.BBox[0]))),
		int(math.Round(float64(b.BBox[1]))),
		int(math.Round(float64(b.BBox[2]))),
		int(math.Round(float64(b.BBox[3]))),
	)
}

// Detector runs a YOLOv8 person detector using ONNX Runtime. The session
// shares its tensors between calls, so Detect is serialized.
type Detector struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	threshold    float32
	inputW       int
	inputH       int
	anchors      int
	classes      int
}

// NewDetector loads the YOLOv8 ONNX model.
// opts may be nil (ORT defaults) or a pre-configured *ort.SessionOptions.
func NewDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*Detector, error) {
	inputW, inputH := 640, 640
	// yolov8 output0: [1, 4+classes, anchors]
	// 8400 = 80*80 + 40*40 + 20*20 (strides 8, 16, 32)
	anchors, classes := 8400, 80

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(4+classes), int64(anchors))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &Detector{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		threshold:    threshold,
		inputW:       inputW,
		inputH:       inputH,
		anchors:      anchors,
		classes:      classes,
	}, nil
}

// Detect returns the people found in img, in original image coordinates.
func (d *Detector) Detect(img image.Image) ([]Box, error) {
	bounds := img.Bounds()

	start := time.Now()
	input := preprocessForDetection(img, d.inputW, d.inputH)
	observability.InferenceDuration.WithLabelValues("preprocess").Observe(time.Since(start).Seconds())

	d.mu.Lock()
	defer d.mu.Unlock()

	start = time.Now()
	copy(d.inputTensor.GetData(), input)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	boxes := decodeYOLO(d.outputTensor.GetData(), d.anchors, d.classes, d.threshold,
		float32(bounds.Dx())/float32(d.inputW), float32(bounds.Dy())/float32(d.inputH))
	for i := range boxes {
		boxes[i].BBox = offsetBox(boxes[i].BBox, bounds)
	}
	return nms(boxes, 0.45), nil
}

// decodeYOLO reads the person rows of a [4+classes, anchors] YOLOv8 output.
// Box columns are center x, center y, width, height in model input pixels.
func decodeYOLO(out []float32, anchors, classes int, threshold, scaleW, scaleH float32) []Box {
	if len(out) < (4+classes)*anchors {
		return nil
	}
	scores := out[(4+personClass)*anchors:]

	var boxes []Box
	for i := 0; i < anchors; i++ {
		score := scores[i]
		if score < threshold {
			continue
		}
		cx, cy := out[i], out[anchors+i]
		w, h := out[2*anchors+i], out[3*anchors+i]
		boxes = append(boxes, Box{
			BBox: [4]float32{
				(cx - w/2) * scaleW,
				(cy - h/2) * scaleH,
				(cx + w/2) * scaleW,
				(cy + h/2) * scaleH,
			},
			Confidence: score,
		})
	}
	return boxes
}

func offsetBox(b [4]float32, bounds image.Rectangle) [4]float32 {
	minX, minY := float32(bounds.Min.X), float32(bounds.Min.Y)
	maxX, maxY := float32(bounds.Max.X), float32(bounds.Max.Y)
	return [4]float32{
		clampF(b[0]+minX, minX, maxX),
		clampF(b[1]+minY, minY, maxY),
		clampF(b[2]+minX, minX, maxX),
		clampF(b[3]+minY, minY, maxY),
	}
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
	}
}

// nms performs Non-Maximum Suppression on detections.
func nms(boxes []Box, iouThreshold float32) []Box {
	if len(boxes) == 0 {
		return boxes
	}

	sort.Slice(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	keep := make([]bool, len(boxes))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(boxes); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(boxes); j++ {
			if keep[j] && iou(boxes[i].BBox, boxes[j].BBox) > iouThreshold {
				keep[j] = false
			}
		}
	}

	var result []Box
	for i, b := range boxes {
		if keep[i] {
			result = append(result, b)
		}
	}
	return result
}

func iou(a, b [4]float32) float32 {
	x1 := max(a[0], b[0])
	y1 := max(a[1], b[1])
	x2 := min(a[2], b[2])
	y2 := min(a[3], b[3])

	intersection := max(0, x2-x1) * max(0, y2-y1)

	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}

func clampF(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
