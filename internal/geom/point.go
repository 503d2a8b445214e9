// Package geom holds the planar primitives shared by the solver: points,
// affine and polynomial transforms, least-squares fitting and a grid
// spatial index.
package geom

import "math"

// Point is a 2-D position, either in pixels or in tangent-plane degrees.
type Point struct {
	X, Y float64
}

func (p Point) Add(q Point) Point     { return Point{p.X + q.X, p.Y + q.Y} }
func (p Point) Sub(q Point) Point     { return Point{p.X - q.X, p.Y - q.Y} }
func (p Point) Scale(k float64) Point { return Point{p.X * k, p.Y * k} }
func (p Point) Mirror() Point         { return Point{p.X, -p.Y} }
func (p Point) Norm() float64         { return math.Hypot(p.X, p.Y) }
func (p Point) Dist(q Point) float64  { return math.Sqrt(p.Dist2(q)) }

func (p Point) Dist2(q Point) float64 {
	dx, dy := p.X-q.X, p.Y-q.Y
	return dx*dx + dy*dy
}

// IsFinite reports whether both coordinates are finite.
func (p Point) IsFinite() bool { return isFinite(p.X) && isFinite(p.Y) }

func isFinite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Centroid returns the mean position and the RMS distance of pts from it.
func Centroid(pts []Point) (Point, float64) {
	if len(pts) == 0 {
		return Point{}, 0
	}
	var c Point
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Scale(1 / float64(len(pts)))
	var ss float64
	for _, p := range pts {
		ss += p.Dist2(c)
	}
	return c, math.Sqrt(ss / float64(len(pts)))
}
