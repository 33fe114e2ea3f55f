package vision

import (
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Hikari-project/FD-Reid/internal/observability"
)

// numLandmarks is the BlazePose body landmark count.
const numLandmarks = 33

// Landmark groups and their share of the pose score.
var landmarkGroups = []struct {
	name    string
	weight  float64
	indices []int
}{
	{"head", 0.3, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
	{"torso", 0.35, []int{11, 12, 23, 24}},
	{"arms", 0.2, []int{13, 14, 15, 16, 17, 18, 19, 20}},
	{"legs", 0.2, []int{25, 26, 27, 28, 29, 30, 31, 32}},
}

// PoseScorer rates how completely a person is visible in a crop, using a
// BlazePose landmark model. Scores are in [0, 1].
type PoseScorer struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputSize    int
	stride       int // values per landmark in the output
}

// NewPoseScorer loads the pose landmark model: NHWC [1,256,256,3] input in
// [0,1], 39 landmarks of (x, y, z, visibility, presence) out.
func NewPoseScorer(modelPath string, opts *ort.SessionOptions) (*PoseScorer, error) {
	size, stride, landmarks := 256, 5, 39

	inputShape := ort.NewShape(1, int64(size), int64(size), 3)
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(landmarks*stride))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input_1"},
		[]string{"Identity"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create pose session: %w", err)
	}

	return &PoseScorer{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputSize:    size,
		stride:       stride,
	}, nil
}

// Score runs the landmark model on a crop and returns its completeness.
func (p *PoseScorer) Score(crop image.Image) (float64, error) {
	input := imageToFloat32HWC(crop, p.inputSize, p.inputSize)

	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	copy(p.inputTensor.GetData(), input)
	if err := p.session.Run(); err != nil {
		return 0, fmt.Errorf("run pose: %w", err)
	}
	observability.InferenceDuration.WithLabelValues("pose").Observe(time.Since(start).Seconds())

	out := p.outputTensor.GetData()
	if len(out) < numLandmarks*p.stride {
		return 0, fmt.Errorf("unexpected output size: %d", len(out))
	}
	vis := make([]float64, numLandmarks)
	for i := range vis {
		vis[i] = sigmoid(float64(out[i*p.stride+3]))
	}
	return completeness(vis), nil
}

func (p *PoseScorer) Close() {
	if p.session != nil {
		p.session.Destroy()
	}
	if p.inputTensor != nil {
		p.inputTensor.Destroy()
	}
	if p.outputTensor != nil {
		p.outputTensor.Destroy()
	}
}

// completeness combines the share of clearly visible landmarks (0.6) with
// the group-weighted mean visibility (0.4).
func completeness(vis []float64) float64 {
	if len(vis) < numLandmarks {
		return 0
	}
	visible := 0
	for _, v := range vis[:numLandmarks] {
		if v > 0.5 {
			visible++
		}
	}

	var pose float64
	for _, g := range landmarkGroups {
		var sum float64
		for _, i := range g.indices {
			sum += vis[i]
		}
		pose += g.weight * sum / float64(len(g.indices))
	}

	return 0.6*float64(visible)/numLandmarks + 0.4*pose
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
