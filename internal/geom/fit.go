package geom

import (
	"gonum.org/v1/gonum/mat"

	"platesolver/internal/errors"
)

// Poly is a polynomial map of order 1 (affine) or 2 (quadratic). It is
// evaluated on normalised coordinates so the least-squares system stays
// well conditioned whatever the units of the two point sets.
type Poly struct {
	Order int

	srcC, dstC Point
	srcS, dstS float64
	x, y       []float64
}

func termCount(order int) int {
	if order == 2 {
		return 6
	}
	return 3
}

func terms(order int, u, v float64, out []float64) {
	out[0], out[1], out[2] = 1, u, v
	if order == 2 {
		out[3], out[4], out[5] = u*u, u*v, v*v
	}
}

// MinPairs is the smallest number of correspondences FitPoly accepts.
func MinPairs(order int) int { return termCount(order) }

// FitPoly returns the least-squares polynomial of the given order mapping
// src[i] onto dst[i].
func FitPoly(src, dst []Point, order int) (*Poly, error) {
	if order != 1 && order != 2 {
		return nil, errors.Inputf("unsupported fit order %d", order)
	}
	if len(src) != len(dst) {
		return nil, errors.Newf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	nt := termCount(order)
	n := len(src)
	if n < nt {
		return nil, errors.Newf("order %d fit needs at least %d points, got %d", order, nt, n)
	}

	p := &Poly{Order: order}
	p.srcC, p.srcS = Centroid(src)
	p.dstC, p.dstS = Centroid(dst)
	if p.srcS == 0 || p.dstS == 0 {
		return nil, errors.New("degenerate point set")
	}

	a := mat.NewDense(n, nt, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	row := make([]float64, nt)
	for i := range src {
		u, v := p.normSrc(src[i])
		terms(order, u, v, row)
		a.SetRow(i, row)
		bx.SetVec(i, (dst[i].X-p.dstC.X)/p.dstS)
		by.SetVec(i, (dst[i].Y-p.dstC.Y)/p.dstS)
	}

	var qr mat.QR
	qr.Factorize(a)
	var cx, cy mat.VecDense
	if err := qr.SolveVecTo(&cx, false, bx); err != nil {
		return nil, errors.Wrap(err, "solve x coefficients")
	}
	if err := qr.SolveVecTo(&cy, false, by); err != nil {
		return nil, errors.Wrap(err, "solve y coefficients")
	}
	p.x = mat.Col(nil, 0, &cx)
	p.y = mat.Col(nil, 0, &cy)
	return p, nil
}

// FitAffine is FitPoly of order 1 returned as an Affine.
func FitAffine(src, dst []Point) (Affine, error) {
	p, err := FitPoly(src, dst, 1)
	if err != nil {
		return Affine{}, err
	}
	return p.LinearAt(Point{}), nil
}

func (p *Poly) normSrc(q Point) (float64, float64) {
	return (q.X - p.srcC.X) / p.srcS, (q.Y - p.srcC.Y) / p.srcS
}

// Apply evaluates the polynomial at q.
func (p *Poly) Apply(q Point) Point {
	var buf [6]float64
	t := buf[:termCount(p.Order)]
	u, v := p.normSrc(q)
	terms(p.Order, u, v, t)
	var x, y float64
	for k := range t {
		x += p.x[k] * t[k]
		y += p.y[k] * t[k]
	}
	return Point{x*p.dstS + p.dstC.X, y*p.dstS + p.dstC.Y}
}

// Coefficients re-expresses the polynomial in raw offsets d = q - origin:
//
//	out = c[0] + c[1]*dx + c[2]*dy + c[3]*dx² + c[4]*dx*dy + c[5]*dy²
//
// Quadratic terms are zero for order 1.
func (p *Poly) Coefficients(origin Point) (xc, yc [6]float64) {
	k := 1 / p.srcS
	u0, v0 := p.normSrc(origin)
	// expansion of each normalised term in powers of (dx, dy)
	exp := [6][6]float64{
		{1},
		{u0, k},
		{v0, 0, k},
		{u0 * u0, 2 * u0 * k, 0, k * k},
		{u0 * v0, v0 * k, u0 * k, 0, k * k},
		{v0 * v0, 0, 2 * v0 * k, 0, 0, k * k},
	}
	for t := 0; t < termCount(p.Order); t++ {
		for j := 0; j < 6; j++ {
			xc[j] += p.x[t] * exp[t][j]
			yc[j] += p.y[t] * exp[t][j]
		}
	}
	for j := range xc {
		xc[j] *= p.dstS
		yc[j] *= p.dstS
	}
	xc[0] += p.dstC.X
	yc[0] += p.dstC.Y
	return xc, yc
}

// LinearAt returns the first-order approximation of the polynomial around q.
func (p *Poly) LinearAt(q Point) Affine {
	xc, yc := p.Coefficients(q)
	a := Affine{A: xc[1], B: xc[2], C: yc[1], D: yc[2]}
	a.TX = xc[0] - a.A*q.X - a.B*q.Y
	a.TY = yc[0] - a.C*q.X - a.D*q.Y
	return a
}

// PolyFromAffine wraps a as an order 1 polynomial.
func PolyFromAffine(a Affine) *Poly {
	return &Poly{
		Order: 1,
		srcS:  1,
		dstS:  1,
		x:     []float64{a.TX, a.A, a.B},
		y:     []float64{a.TY, a.C, a.D},
	}
}
