package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/golang/geo/r2"
)

// ErrInvalidZone is returned for malformed zone configurations.
var ErrInvalidZone = errors.New("invalid zone configuration")

// ZoneConfig is the boundary setup of one camera. Points are [x, y] pairs in
// frame pixel coordinates. The JSON keys match the zone files written by the
// annotation UI.
type ZoneConfig struct {
	Entry   [][]float64 `json:"b1" yaml:"b1"`
	Pass1   [][]float64 `json:"b2" yaml:"b2"`
	Pass2   [][]float64 `json:"g2" yaml:"g2"`
	Polygon [][]float64 `json:"points" yaml:"points"`
}

// DefaultZone returns the layout used when a source has no zone file.
func DefaultZone() ZoneConfig {
	return ZoneConfig{
		Entry:   [][]float64{{100, 400}, {500, 400}},
		Pass1:   [][]float64{{150, 300}, {550, 300}},
		Pass2:   [][]float64{{200, 200}, {600, 200}},
		Polygon: [][]float64{{100, 200}, {600, 200}, {600, 400}, {100, 400}},
	}
}

// LoadZoneFile reads and validates a JSON zone file.
func LoadZoneFile(path string) (ZoneConfig, error) {
	var z ZoneConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return z, fmt.Errorf("read zone file: %w", err)
	}
	if err := json.Unmarshal(data, &z); err != nil {
		return z, fmt.Errorf("%w: parse %s: %v", ErrInvalidZone, path, err)
	}
	if err := z.Validate(); err != nil {
		return z, err
	}
	return z, nil
}

// Validate checks that the polygon has at least three points and every
// boundary line exactly two distinct points.
func (z ZoneConfig) Validate() error {
	if len(z.Polygon) < 3 {
		return fmt.Errorf("%w: polygon needs at least 3 points, got %d", ErrInvalidZone, len(z.Polygon))
	}
	for i, p := range z.Polygon {
		if err := checkPoint(p); err != nil {
			return fmt.Errorf("%w: polygon point %d: %v", ErrInvalidZone, i, err)
		}
	}
	lines := []struct {
		name string
		pts  [][]float64
	}{
		{"entry line (b1)", z.Entry},
		{"pass line (b2)", z.Pass1},
		{"pass line (g2)", z.Pass2},
	}
	for _, l := range lines {
		if len(l.pts) != 2 {
			return fmt.Errorf("%w: %s needs exactly 2 points, got %d", ErrInvalidZone, l.name, len(l.pts))
		}
		for _, p := range l.pts {
			if err := checkPoint(p); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidZone, l.name, err)
			}
		}
		if l.pts[0][0] == l.pts[1][0] && l.pts[0][1] == l.pts[1][1] {
			return fmt.Errorf("%w: %s endpoints coincide", ErrInvalidZone, l.name)
		}
	}
	return nil
}

func checkPoint(p []float64) error {
	if len(p) != 2 {
		return fmt.Errorf("point needs 2 coordinates, got %d", len(p))
	}
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("coordinate is not finite")
		}
	}
	return nil
}

// Classifier validates z and builds its classifier.
func (z ZoneConfig) Classifier() (*Classifier, error) {
	if err := z.Validate(); err != nil {
		return nil, err
	}
	return NewClassifier(lineOf(z.Entry), lineOf(z.Pass1), lineOf(z.Pass2)), nil
}

// Region returns the store polygon.
func (z ZoneConfig) Region() Polygon {
	poly := make(Polygon, 0, len(z.Polygon))
	for _, p := range z.Polygon {
		poly = append(poly, point(p))
	}
	return poly
}

func lineOf(pts [][]float64) Line {
	return NewLine(point(pts[0]), point(pts[1]))
}

func point(p []float64) r2.Point {
	return r2.Point{X: p[0], Y: p[1]}
}
