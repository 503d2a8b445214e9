package geom

import (
	"math"

	"platesolver/internal/errors"
)

// Affine maps (x, y) to (A*x + B*y + TX, C*x + D*y + TY).
type Affine struct {
	A, B, TX float64
	C, D, TY float64
}

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{A: 1, D: 1}
}

// Similarity builds a transform with uniform scale, rotation in degrees and
// parity (-1 mirrors y before rotating), followed by translation t.
func Similarity(scale, rotationDeg float64, parity int, t Point) Affine {
	s, c := math.Sincos(rotationDeg * math.Pi / 180)
	a := Affine{
		A: scale * c, B: -scale * s, TX: t.X,
		C: scale * s, D: scale * c, TY: t.Y,
	}
	if parity < 0 {
		a.B, a.D = -a.B, -a.D
	}
	return a
}

// Apply transforms p.
func (a Affine) Apply(p Point) Point {
	return Point{
		X: a.A*p.X + a.B*p.Y + a.TX,
		Y: a.C*p.X + a.D*p.Y + a.TY,
	}
}

// Compose returns the transform that applies b first, then a.
func (a Affine) Compose(b Affine) Affine {
	return Affine{
		A:  a.A*b.A + a.B*b.C,
		B:  a.A*b.B + a.B*b.D,
		TX: a.A*b.TX + a.B*b.TY + a.TX,
		C:  a.C*b.A + a.D*b.C,
		D:  a.C*b.B + a.D*b.D,
		TY: a.C*b.TX + a.D*b.TY + a.TY,
	}
}

// Det is the determinant of the linear part.
func (a Affine) Det() float64 { return a.A*a.D - a.B*a.C }

// Inverse returns the inverse transform. It fails for a singular linear part.
func (a Affine) Inverse() (Affine, error) {
	det := a.Det()
	if det == 0 || !isFinite(det) {
		return Affine{}, errors.Newf("singular transform (det=%g)", det)
	}
	inv := Affine{
		A: a.D / det, B: -a.B / det,
		C: -a.C / det, D: a.A / det,
	}
	inv.TX = -(inv.A*a.TX + inv.B*a.TY)
	inv.TY = -(inv.C*a.TX + inv.D*a.TY)
	return inv, nil
}

// Scale is the geometric mean scale factor, sqrt(|det|).
func (a Affine) Scale() float64 { return math.Sqrt(math.Abs(a.Det())) }

// Parity is 1 for a proper transform and -1 when it mirrors.
func (a Affine) Parity() int {
	if a.Det() < 0 {
		return -1
	}
	return 1
}

// RotationDeg is the rotation of the x axis in degrees, in [0, 360).
func (a Affine) RotationDeg() float64 {
	return NormalizeDeg(math.Atan2(a.C, a.A) * 180 / math.Pi)
}

// Translation returns the image of the origin.
func (a Affine) Translation() Point { return Point{a.TX, a.TY} }

// NormalizeDeg folds an angle into [0, 360).
func NormalizeDeg(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// AngleDiffDeg is the signed smallest difference a-b in (-180, 180].
func AngleDiffDeg(a, b float64) float64 {
	d := NormalizeDeg(a - b)
	if d > 180 {
		d -= 360
	}
	return d
}

// SimilarityFromPairs returns the similarity taking p1 to q1 and p2 to q2.
// With mirror set, the source points are reflected (y -> -y) first and the
// result includes that reflection.
func SimilarityFromPairs(p1, p2, q1, q2 Point, mirror bool) (Affine, error) {
	if mirror {
		p1, p2 = p1.Mirror(), p2.Mirror()
	}
	dp := p2.Sub(p1)
	dq := q2.Sub(q1)
	den := dp.X*dp.X + dp.Y*dp.Y
	if den == 0 || dq.X*dq.X+dq.Y*dq.Y == 0 {
		return Affine{}, errors.New("coincident reference points")
	}
	// complex division dq/dp
	re := (dq.X*dp.X + dq.Y*dp.Y) / den
	im := (dq.Y*dp.X - dq.X*dp.Y) / den
	s := Affine{A: re, B: -im, C: im, D: re}
	s.TX = q1.X - (s.A*p1.X + s.B*p1.Y)
	s.TY = q1.Y - (s.C*p1.X + s.D*p1.Y)
	if mirror {
		s.B, s.D = -s.B, -s.D
	}
	return s, nil
}
