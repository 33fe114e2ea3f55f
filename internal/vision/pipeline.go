package vision

import (
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Hikari-project/FD-Reid/internal/config"
	"github.com/Hikari-project/FD-Reid/internal/reid"
)

// Models holds the ONNX sessions shared by every source in the process.
// Pose is nil when no pose model is configured.
type Models struct {
	Detector *Detector
	Embedder *Embedder
	Pose     *PoseScorer
}

// LoadModels initialises the detector, ReID extractor and optional pose
// scorer from cfg.ModelsDir.
func LoadModels(cfg config.VisionConfig, opts *ort.SessionOptions) (*Models, error) {
	detPath := filepath.Join(cfg.ModelsDir, cfg.DetectorModel)
	embPath := filepath.Join(cfg.ModelsDir, cfg.ExtractorModel)

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.DetectionThreshold), opts)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading reid model", "path", embPath, "dim", cfg.EmbeddingDim)
	emb, err := NewEmbedder(embPath, cfg.EmbeddingDim, opts)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	m := &Models{Detector: det, Embedder: emb}
	if cfg.PoseModel != "" {
		posePath := filepath.Join(cfg.ModelsDir, cfg.PoseModel)
		slog.Info("loading pose model", "path", posePath)
		pose, err := NewPoseScorer(posePath, opts)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("load pose scorer: %w", err)
		}
		m.Pose = pose
	}

	slog.Info("vision models ready")
	return m, nil
}

// Scorer returns the pose scorer, or nil when none is loaded.
func (m *Models) Scorer() reid.Scorer {
	if m.Pose == nil {
		return nil
	}
	return m.Pose
}

// NewTracker creates a per-source tracker backed by the shared detector.
func (m *Models) NewTracker(cfg config.TrackingConfig) *Tracker {
	tc := DefaultTrackerConfig()
	if cfg.MaxDisappeared > 0 {
		tc.MaxDisappeared = cfg.MaxDisappeared
	}
	if cfg.MinIoU > 0 {
		tc.MinIoU = cfg.MinIoU
	}
	if cfg.HighThresh > 0 {
		tc.HighThresh = cfg.HighThresh
	}
	if cfg.LowThresh > 0 {
		tc.LowThresh = cfg.LowThresh
	}
	return NewTracker(m.Detector, tc)
}

// Close releases all ONNX sessions.
func (m *Models) Close() {
	if m.Detector != nil {
		m.Detector.Close()
	}
	if m.Embedder != nil {
		m.Embedder.Close()
	}
	if m.Pose != nil {
		m.Pose.Close()
	}
}

// --- Image preprocessing helpers ---

func preprocessForDetection(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(img, targetW, targetH, [3]float32{0, 0, 0}, [3]float32{255, 255, 255})
}

func preprocessForEmbedding(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(img, targetW, targetH, [3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})
}

// imageToFloat32CHW converts an image to CHW float32 format with normalization:
//
//	pixel = (pixel - mean) / std
func imageToFloat32CHW(img image.Image, targetW, targetH int, mean, std [3]float32) []float32 {
	resized := resizeImage(img, targetW, targetH)
	w, h := targetW, targetH

	data := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()

			// CHW layout: [C][H][W]
			idx := y*w + x
			data[0*h*w+idx] = (float32(r>>8) - mean[0]) / std[0]
			data[1*h*w+idx] = (float32(g>>8) - mean[1]) / std[1]
			data[2*h*w+idx] = (float32(b>>8) - mean[2]) / std[2]
		}
	}
	return data
}

// imageToFloat32HWC converts an image to HWC float32 scaled to [0, 1].
func imageToFloat32HWC(img image.Image, targetW, targetH int) []float32 {
	resized := resizeImage(img, targetW, targetH)

	data := make([]float32, 0, 3*targetW*targetH)
	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			data = append(data, float32(r>>8)/255, float32(g>>8)/255, float32(b>>8)/255)
		}
	}
	return data
}

// resizeImage performs nearest-neighbour resize (fast, good enough for ML input).
func resizeImage(img image.Image, targetW, targetH int) image.Image {
	bounds := img.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	if srcW == 0 || srcH == 0 {
		return dst
	}
	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			srcY := bounds.Min.Y + y*srcH/targetH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}
