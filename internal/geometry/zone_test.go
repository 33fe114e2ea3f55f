package geometry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZoneConfigValidate(t *testing.T) {
	valid := DefaultZone()

	tests := []struct {
		name   string
		mutate func(z *ZoneConfig)
		ok     bool
	}{
		{"default", func(z *ZoneConfig) {}, true},
		{"triangle polygon", func(z *ZoneConfig) { z.Polygon = z.Polygon[:3] }, true},
		{"two point polygon", func(z *ZoneConfig) { z.Polygon = z.Polygon[:2] }, false},
		{"entry with three points", func(z *ZoneConfig) { z.Entry = append(z.Entry, []float64{1, 1}) }, false},
		{"pass line with one point", func(z *ZoneConfig) { z.Pass1 = z.Pass1[:1] }, false},
		{"missing g2", func(z *ZoneConfig) { z.Pass2 = nil }, false},
		{"point with three coordinates", func(z *ZoneConfig) { z.Polygon[0] = []float64{1, 2, 3} }, false},
		{"degenerate entry", func(z *ZoneConfig) { z.Entry = [][]float64{{5, 5}, {5, 5}} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			z := clone(valid)
			tt.mutate(&z)
			err := z.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidZone)
			_, cerr := z.Classifier()
			assert.ErrorIs(t, cerr, ErrInvalidZone)
		})
	}
}

func TestLoadZoneFile(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "cam1.json")
	require.NoError(t, os.WriteFile(good, []byte(`{
		"b1": [[100, 400], [500, 400]],
		"b2": [[100, 450], [500, 450]],
		"g2": [[100, 550], [500, 550]],
		"points": [[100, 400], [500, 400], [500, 200], [100, 200]]
	}`), 0o644))

	z, err := LoadZoneFile(good)
	require.NoError(t, err)
	assert.Len(t, z.Polygon, 4)
	assert.Equal(t, []float64{500, 550}, z.Pass2[1])

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"b1": [[0, 0]], "b2": [], "g2": [], "points": []}`), 0o644))
	_, err = LoadZoneFile(bad)
	assert.ErrorIs(t, err, ErrInvalidZone)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte(`{"b1": `), 0o644))
	_, err = LoadZoneFile(broken)
	assert.ErrorIs(t, err, ErrInvalidZone)

	_, err = LoadZoneFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestPolygonScale(t *testing.T) {
	square := Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
	assert.Equal(t, r2.Point{X: 5, Y: 5}, square.Centroid())

	assert.True(t, square.Contains(r2.Point{X: 5, Y: 5}))
	assert.False(t, square.Contains(r2.Point{X: 11, Y: 11}))

	grown := square.Scale(1.3)
	assert.InDelta(t, -1.5, grown[0].X, 1e-9)
	assert.InDelta(t, 11.5, grown[2].Y, 1e-9)
	assert.True(t, grown.Contains(r2.Point{X: 11, Y: 11}))
	assert.False(t, grown.Contains(r2.Point{X: 12, Y: 12}))

	assert.False(t, Polygon{{X: 0, Y: 0}, {X: 1, Y: 1}}.Contains(r2.Point{}))
}

func TestRegion(t *testing.T) {
	poly := DefaultZone().Region()
	require.Len(t, poly, 4)
	assert.True(t, poly.Contains(r2.Point{X: 300, Y: 300}))
}

func clone(z ZoneConfig) ZoneConfig {
	cp := func(in [][]float64) [][]float64 {
		out := make([][]float64, len(in))
		for i, p := range in {
			out[i] = append([]float64(nil), p...)
		}
		return out
	}
	return ZoneConfig{Entry: cp(z.Entry), Pass1: cp(z.Pass1), Pass2: cp(z.Pass2), Polygon: cp(z.Polygon)}
}
