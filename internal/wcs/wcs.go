// Package wcs describes a solved image: the tangent point, the linear CD
// matrix and optional quadratic distortion, with conversions in both
// directions and FITS header cards.
package wcs

import (
	"fmt"
	"math"
	"strings"

	"platesolver/internal/errors"
	"platesolver/internal/geom"
	"platesolver/internal/sky"
)

// Distortion holds second-order terms in degrees, applied to pixel offsets
// from CRPix: xi += X[0]*dx² + X[1]*dx*dy + X[2]*dy², likewise eta with Y.
type Distortion struct {
	X [3]float64 `json:"x"`
	Y [3]float64 `json:"y"`
}

func (d *Distortion) eval(dx, dy float64) (float64, float64) {
	if d == nil {
		return 0, 0
	}
	return d.X[0]*dx*dx + d.X[1]*dx*dy + d.X[2]*dy*dy,
		d.Y[0]*dx*dx + d.Y[1]*dx*dy + d.Y[2]*dy*dy
}

// WCS maps zero-based pixel coordinates onto the sky.
type WCS struct {
	// CRPix is the reference pixel (zero based); CRVal its sky position.
	CRPix      geom.Point     `json:"crpix"`
	CRVal      sky.Coord      `json:"crval"`
	CD         [2][2]float64  `json:"cd"`
	Distortion *Distortion    `json:"distortion,omitempty"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Derived    DerivedQuality `json:"derived"`
}

// DerivedQuality is the human-facing summary of the CD matrix.
type DerivedQuality struct {
	ScaleArcsec float64 `json:"scale_arcsec"`
	RotationDeg float64 `json:"rotation_deg"`
	Parity      int     `json:"parity"`
}

// Linear returns the CD matrix as a transform of pixel offsets.
func (w *WCS) Linear() geom.Affine {
	return geom.Affine{A: w.CD[0][0], B: w.CD[0][1], C: w.CD[1][0], D: w.CD[1][1]}
}

// ScaleArcsec is the mean pixel scale.
func (w *WCS) ScaleArcsec() float64 { return w.Derived.ScaleArcsec }

// RotationDeg is the rotation of the pixel axes on the tangent plane.
func (w *WCS) RotationDeg() float64 { return w.Derived.RotationDeg }

// Parity is +1 or -1 for mirrored images.
func (w *WCS) Parity() int { return w.Derived.Parity }

func (w *WCS) plane(p geom.Point) geom.Point {
	d := p.Sub(w.CRPix)
	q := w.Linear().Apply(d)
	ex, ey := w.Distortion.eval(d.X, d.Y)
	return geom.Point{X: q.X + ex, Y: q.Y + ey}
}

// PixelToSky converts a pixel position to RA/Dec.
func (w *WCS) PixelToSky(p geom.Point) sky.Coord {
	return sky.Deproject(w.CRVal, w.plane(p))
}

// SkyToPixel converts a sky position to a pixel. ok is false for positions
// behind the tangent plane or when the distortion cannot be inverted.
func (w *WCS) SkyToPixel(c sky.Coord) (geom.Point, bool) {
	target, ok := sky.Project(w.CRVal, c)
	if !ok {
		return geom.Point{}, false
	}
	inv, err := w.Linear().Inverse()
	if err != nil {
		return geom.Point{}, false
	}
	d := inv.Apply(target)
	if w.Distortion == nil {
		return d.Add(w.CRPix), true
	}
	// Newton iterations on plane(d) = target.
	q := w.Distortion
	for i := 0; i < 20; i++ {
		lin := w.Linear().Apply(d)
		ex, ey := q.eval(d.X, d.Y)
		fx, fy := lin.X+ex-target.X, lin.Y+ey-target.Y
		j := geom.Affine{
			A: w.CD[0][0] + 2*q.X[0]*d.X + q.X[1]*d.Y,
			B: w.CD[0][1] + q.X[1]*d.X + 2*q.X[2]*d.Y,
			C: w.CD[1][0] + 2*q.Y[0]*d.X + q.Y[1]*d.Y,
			D: w.CD[1][1] + q.Y[1]*d.X + 2*q.Y[2]*d.Y,
		}
		ji, err := j.Inverse()
		if err != nil {
			return geom.Point{}, false
		}
		step := ji.Apply(geom.Point{X: fx, Y: fy})
		d = d.Sub(step)
		if step.Norm() < 1e-9 {
			return d.Add(w.CRPix), true
		}
	}
	return geom.Point{}, false
}

// Corners returns the sky positions of the four image corners, clockwise
// from pixel (0, 0).
func (w *WCS) Corners() [4]sky.Coord {
	x1, y1 := float64(w.Width-1), float64(w.Height-1)
	return [4]sky.Coord{
		w.PixelToSky(geom.Point{}),
		w.PixelToSky(geom.Point{X: x1}),
		w.PixelToSky(geom.Point{X: x1, Y: y1}),
		w.PixelToSky(geom.Point{Y: y1}),
	}
}

// Fit builds a WCS from matched pixel/sky pairs. tangent is any point near
// the field; the tangent point is moved onto the image centre by refitting
// so that the constant term of the fit vanishes. order is 1 or 2.
func Fit(pixels []geom.Point, stars []sky.Coord, tangent sky.Coord, width, height, order int) (*WCS, error) {
	if len(pixels) != len(stars) {
		return nil, errors.Newf("wcs: %d pixels for %d stars", len(pixels), len(stars))
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Inputf("wcs: image size %dx%d", width, height)
	}
	if order != 2 || len(pixels) < 12 {
		order = 1
	}
	crpix := geom.Point{X: float64(width) / 2, Y: float64(height) / 2}
	center := tangent
	plane := make([]geom.Point, len(stars))
	var xc, yc [6]float64
	for pass := 0; pass < 3; pass++ {
		for i, s := range stars {
			p, ok := sky.Project(center, s)
			if !ok {
				return nil, errors.Newf("wcs: star %d is behind the tangent plane", i)
			}
			plane[i] = p
		}
		fit, err := geom.FitPoly(pixels, plane, order)
		if err != nil {
			return nil, errors.Wrap(err, "wcs fit")
		}
		xc, yc = fit.Coefficients(crpix)
		if math.Hypot(xc[0], yc[0]) < 1e-12 {
			break
		}
		center = sky.Deproject(center, geom.Point{X: xc[0], Y: yc[0]})
	}

	w := &WCS{
		CRPix:  crpix,
		CRVal:  center,
		CD:     [2][2]float64{{xc[1], xc[2]}, {yc[1], yc[2]}},
		Width:  width,
		Height: height,
	}
	if order == 2 {
		w.Distortion = &Distortion{X: [3]float64{xc[3], xc[4], xc[5]}, Y: [3]float64{yc[3], yc[4], yc[5]}}
	}
	lin := w.Linear()
	if lin.Det() == 0 {
		return nil, errors.New("wcs: singular CD matrix")
	}
	w.Derived = DerivedQuality{
		ScaleArcsec: lin.Scale() * 3600,
		RotationDeg: lin.RotationDeg(),
		Parity:      lin.Parity(),
	}
	return w, nil
}

// Card is one FITS header keyword.
type Card struct {
	Key     string
	Value   any
	Comment string
}

// String formats the card as an 80 column FITS header record.
func (c Card) String() string {
	var v string
	switch x := c.Value.(type) {
	case string:
		v = fmt.Sprintf("'%-8s'", strings.ReplaceAll(x, "'", "''"))
	case bool:
		v = fmt.Sprintf("%20s", map[bool]string{true: "T", false: "F"}[x])
	case int:
		v = fmt.Sprintf("%20d", x)
	case float64:
		v = fmt.Sprintf("%20s", strings.ToUpper(fmt.Sprintf("%.15G", x)))
	default:
		v = fmt.Sprintf("%20v", x)
	}
	s := fmt.Sprintf("%-8s= %s", c.Key, v)
	if c.Comment != "" {
		s += " / " + c.Comment
	}
	if len(s) > 80 {
		return s[:80]
	}
	return fmt.Sprintf("%-80s", s)
}

// FITSHeader returns the WCS keywords. Quadratic distortion is written in
// the SIP convention.
func (w *WCS) FITSHeader() []Card {
	ctype := "TAN"
	if w.Distortion != nil {
		ctype = "TAN-SIP"
	}
	cards := []Card{
		{"WCSAXES", 2, "number of WCS axes"},
		{"CTYPE1", "RA---" + ctype, "gnomonic projection"},
		{"CTYPE2", "DEC--" + ctype, "gnomonic projection"},
		{"EQUINOX", 2000.0, ""},
		{"CUNIT1", "deg", ""},
		{"CUNIT2", "deg", ""},
		{"CRVAL1", w.CRVal.RA, "RA of reference point"},
		{"CRVAL2", w.CRVal.Dec, "Dec of reference point"},
		{"CRPIX1", w.CRPix.X + 1, "reference pixel x"},
		{"CRPIX2", w.CRPix.Y + 1, "reference pixel y"},
		{"CD1_1", w.CD[0][0], ""},
		{"CD1_2", w.CD[0][1], ""},
		{"CD2_1", w.CD[1][0], ""},
		{"CD2_2", w.CD[1][1], ""},
		{"IMAGEW", w.Width, "image width"},
		{"IMAGEH", w.Height, "image height"},
	}
	if a, b, ok := w.sip(); ok {
		names := [3]string{"2_0", "1_1", "0_2"}
		cards = append(cards, Card{"A_ORDER", 2, "SIP polynomial order"})
		for i, n := range names {
			cards = append(cards, Card{"A_" + n, a[i], ""})
		}
		cards = append(cards, Card{"B_ORDER", 2, "SIP polynomial order"})
		for i, n := range names {
			cards = append(cards, Card{"B_" + n, b[i], ""})
		}
	}
	return cards
}

// sip converts the plane distortion into pixel-space SIP coefficients:
// CD * (u + f(u,v), v + g(u,v)).
func (w *WCS) sip() (a, b [3]float64, ok bool) {
	if w.Distortion == nil {
		return a, b, false
	}
	inv, err := w.Linear().Inverse()
	if err != nil {
		return a, b, false
	}
	for i := 0; i < 3; i++ {
		p := inv.Apply(geom.Point{X: w.Distortion.X[i], Y: w.Distortion.Y[i]})
		a[i], b[i] = p.X, p.Y
	}
	return a, b, true
}
