package geometry

import "github.com/golang/geo/r2"

// Polygon is a closed region given by its vertices in order.
type Polygon []r2.Point

// Contains checks if pt is inside the polygon using ray casting.
func (p Polygon) Contains(pt r2.Point) bool {
	n := len(p)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := p[i].X, p[i].Y
		xj, yj := p[j].X, p[j].Y
		if (yi > pt.Y) != (yj > pt.Y) &&
			pt.X < (xj-xi)*(pt.Y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// Centroid returns the mean of the vertices.
func (p Polygon) Centroid() r2.Point {
	var c r2.Point
	if len(p) == 0 {
		return c
	}
	for _, v := range p {
		c = c.Add(v)
	}
	return c.Mul(1 / float64(len(p)))
}

// Scale returns a copy of p grown (factor > 1) or shrunk about its centroid.
func (p Polygon) Scale(factor float64) Polygon {
	c := p.Centroid()
	out := make(Polygon, len(p))
	for i, v := range p {
		out[i] = c.Add(v.Sub(c).Mul(factor))
	}
	return out
}
