package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrIdentityExists   = errors.New("identity already exists")
	ErrIdentityNotFound = errors.New("identity not found")
	ErrDimension        = errors.New("feature dimension mismatch")
)

// FeatureRecord is one persisted identity.
type FeatureRecord struct {
	IdentityID int64
	Feature    []float32
	LastUsed   time.Time
	Locked     bool
}

func checkDim(dim int, feature []float32) error {
	if dim > 0 && len(feature) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, len(feature), dim)
	}
	return nil
}

// encodeFeature packs a vector as little-endian float32, the same layout
// numpy's tobytes produces for float32 arrays.
func encodeFeature(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFeature(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("feature blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
