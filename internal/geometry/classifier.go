package geometry

import "github.com/golang/geo/r2"

// Zone is the label assigned to a position.
type Zone string

const (
	Outside  Zone = "outside"
	Inside   Zone = "inside"
	PassArea Zone = "pass_area"
)

// Valid reports whether z is one of the known labels.
func (z Zone) Valid() bool {
	switch z {
	case Outside, Inside, PassArea:
		return true
	}
	return false
}

// Classifier maps a point to a Zone using the entry line and the two pass lines.
//
// The inward side of the entry line is fixed at construction: the midpoint of the
// first pass line lies on the outward side. A point between the two pass lines is
// in the pass corridor unless it is already inside. Degenerate lines give
// unspecified labels; ZoneConfig.Validate rejects them before a classifier is built.
type Classifier struct {
	entry Line
	pass1 Line
	pass2 Line
	sign  float64
}

// NewClassifier builds a classifier from the three boundary lines.
func NewClassifier(entry, pass1, pass2 Line) *Classifier {
	sign := -1.0
	if entry.Eval(pass1.Midpoint()) > 0 {
		sign = 1.0
	}
	return &Classifier{entry: entry, pass1: pass1, pass2: pass2, sign: sign}
}

// Classify returns the zone of (x, y). Inside wins over the pass corridor.
func (c *Classifier) Classify(x, y float64) Zone {
	p := r2.Point{X: x, Y: y}
	if c.IsInside(p) {
		return Inside
	}
	if c.InPassArea(p) {
		return PassArea
	}
	return Outside
}

// IsInside reports whether p is on the inward side of the entry line.
func (c *Classifier) IsInside(p r2.Point) bool {
	return c.entry.Eval(p)*c.sign < 0
}

// InPassArea reports whether p lies strictly between the two pass lines.
func (c *Classifier) InPassArea(p r2.Point) bool {
	return c.pass1.Eval(p)*c.pass2.Eval(p) < 0
}
