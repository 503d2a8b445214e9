// Package quad builds similarity-invariant descriptors for groups of four
// stars.
//
// For a quad, the two most separated points A and B define a frame in which
// A sits at (0,0) and B at (1,1). The other two points C and D are expressed
// in that frame and the descriptor is (xC, yC, xD, yD). Swapping A and B
// maps every coordinate v to 1-v, so the construction breaks that symmetry
// by requiring xC+xD <= 1, and breaks the C/D symmetry by requiring
// xC <= xD.
package quad

import (
	"iter"
	"math"

	"platesolver/internal/geom"
)

// Code is a quad descriptor.
type Code [4]float64

// Dist2 is the squared Euclidean distance between two codes.
func (c Code) Dist2(o Code) float64 {
	var s float64
	for i := range c {
		d := c[i] - o[i]
		s += d * d
	}
	return s
}

// Quad is four point indices in canonical order A, B, C, D and their code.
type Quad struct {
	Idx  [4]int
	Code Code
}

// Config controls quad enumeration.
type Config struct {
	// Neighbors is K, the neighbourhood size searched around each point.
	Neighbors int `json:"neighbors"`
	// CollinearTolerance is the distance from line AB, in units of |AB|,
	// below which C and D count as collinear with it. Coincident points
	// are rejected with the same tolerance.
	CollinearTolerance float64 `json:"collinear_tolerance"`
}

// DefaultConfig returns K=8 and a 1% collinearity tolerance.
func DefaultConfig() Config {
	return Config{Neighbors: 8, CollinearTolerance: 0.01}
}

// Describe computes the descriptor of pts. order holds the positions in pts
// of A, B, C and D. ok is false for degenerate quads: coincident or
// collinear points, or C or D falling outside the unit square of the frame.
func Describe(pts [4]geom.Point, tol float64) (code Code, order [4]int, ok bool) {
	a, b := 0, 1
	best := -1.0
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			if d := pts[i].Dist2(pts[j]); d > best {
				a, b, best = i, j, d
			}
		}
	}
	if best <= 0 {
		return Code{}, order, false
	}
	ref2 := best
	minSep2 := tol * tol * ref2
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			if pts[i].Dist2(pts[j]) <= minSep2 {
				return Code{}, order, false
			}
		}
	}

	var c, d int
	rest := make([]int, 0, 2)
	for i := 0; i < 4; i++ {
		if i != a && i != b {
			rest = append(rest, i)
		}
	}
	c, d = rest[0], rest[1]

	ab := pts[b].Sub(pts[a])
	frame := func(p geom.Point) (float64, float64) {
		v := p.Sub(pts[a])
		// complex v / ab, then rotate by 45 degrees and scale by sqrt 2
		re := (v.X*ab.X + v.Y*ab.Y) / ref2
		im := (v.Y*ab.X - v.X*ab.Y) / ref2
		return re - im, re + im
	}
	xc, yc := frame(pts[c])
	xd, yd := frame(pts[d])

	// |im| = |y-x|/2 is the distance from AB relative to |AB|
	if math.Abs(yc-xc)/2 < tol && math.Abs(yd-xd)/2 < tol {
		return Code{}, order, false
	}

	if xc+xd > 1 {
		a, b = b, a
		xc, yc, xd, yd = 1-xc, 1-yc, 1-xd, 1-yd
	}
	if xc > xd {
		c, d = d, c
		xc, yc, xd, yd = xd, yd, xc, yc
	}
	code = Code{xc, yc, xd, yd}
	for _, v := range code {
		if v < 0 || v > 1 {
			return Code{}, order, false
		}
	}
	return code, [4]int{a, b, c, d}, true
}

// Mirrored reflects the points (y -> -y) and describes them. It produces
// the code the same quad would have in an image of opposite parity.
func Mirrored(pts [4]geom.Point, tol float64) (Code, [4]int, bool) {
	var m [4]geom.Point
	for i, p := range pts {
		m[i] = p.Mirror()
	}
	return Describe(m, tol)
}

// Builder enumerates quads over local neighbourhoods.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder, filling unset fields from DefaultConfig.
func NewBuilder(cfg Config) *Builder {
	def := DefaultConfig()
	if cfg.Neighbors < 3 {
		cfg.Neighbors = def.Neighbors
	}
	if cfg.CollinearTolerance <= 0 {
		cfg.CollinearTolerance = def.CollinearTolerance
	}
	return &Builder{cfg: cfg}
}

// Config returns the effective configuration.
func (b *Builder) Config() Config { return b.cfg }

// All lazily yields the non-degenerate quads formed by each point and
// three of its K nearest neighbours. Points earlier in pts anchor their
// quads first, so brightness-ordered input yields bright quads first. Each
// set of four points is yielded at most once.
func (b *Builder) All(pts []geom.Point) iter.Seq[Quad] {
	return func(yield func(Quad) bool) {
		if len(pts) < 4 {
			return
		}
		grid := geom.NewGrid(pts, 0)
		seen := make(map[[4]int]struct{})
		for i := range pts {
			nb := grid.KNearest(i, b.cfg.Neighbors)
			for x := 0; x < len(nb); x++ {
				for y := x + 1; y < len(nb); y++ {
					for z := y + 1; z < len(nb); z++ {
						members := [4]int{i, nb[x], nb[y], nb[z]}
						key := sortedKey(members)
						if _, dup := seen[key]; dup {
							continue
						}
						seen[key] = struct{}{}
						q, ok := b.describe(pts, members)
						if !ok {
							continue
						}
						if !yield(q) {
							return
						}
					}
				}
			}
		}
	}
}

// describe computes the quad for four indices into pts.
func (b *Builder) describe(pts []geom.Point, members [4]int) (Quad, bool) {
	var p [4]geom.Point
	for k, m := range members {
		p[k] = pts[m]
	}
	code, order, ok := Describe(p, b.cfg.CollinearTolerance)
	if !ok {
		return Quad{}, false
	}
	var q Quad
	q.Code = code
	for k, o := range order {
		q.Idx[k] = members[o]
	}
	return q, true
}

// MirrorOf returns the opposite-parity version of q over the same points.
func (b *Builder) MirrorOf(pts []geom.Point, q Quad) (Quad, bool) {
	var p [4]geom.Point
	for k, m := range q.Idx {
		p[k] = pts[m]
	}
	code, order, ok := Mirrored(p, b.cfg.CollinearTolerance)
	if !ok {
		return Quad{}, false
	}
	out := Quad{Code: code}
	for k, o := range order {
		out.Idx[k] = q.Idx[o]
	}
	return out, true
}

func sortedKey(m [4]int) [4]int {
	for i := 1; i < 4; i++ {
		for j := i; j > 0 && m[j] < m[j-1]; j-- {
			m[j], m[j-1] = m[j-1], m[j]
		}
	}
	return m
}
