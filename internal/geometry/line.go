package geometry

import "github.com/golang/geo/r2"

// Line is a boundary line kept in general form A*x + B*y + C = 0.
type Line struct {
	P1, P2  r2.Point
	A, B, C float64
}

// NewLine builds the general-form equation through two endpoints.
func NewLine(p1, p2 r2.Point) Line {
	return Line{
		P1: p1,
		P2: p2,
		A:  p2.Y - p1.Y,
		B:  p1.X - p2.X,
		C:  p2.X*p1.Y - p1.X*p2.Y,
	}
}

// Eval returns the signed (unnormalized) distance of p from the line.
func (l Line) Eval(p r2.Point) float64 {
	return l.A*p.X + l.B*p.Y + l.C
}

// Midpoint returns the middle of the segment used to define the line.
func (l Line) Midpoint() r2.Point {
	return l.P1.Add(l.P2).Mul(0.5)
}

// Degenerate reports whether both endpoints coincide.
func (l Line) Degenerate() bool {
	return l.A == 0 && l.B == 0
}
