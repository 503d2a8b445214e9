// Package synth generates synthetic star fields with a known pointing, for
// tests and for the end-to-end check binary.
package synth

import (
	"math"
	"math/rand"

	"platesolver/internal/catalog"
	"platesolver/internal/extract"
	"platesolver/internal/geom"
	"platesolver/internal/sky"
)

// Field describes the true geometry of a synthetic image.
type Field struct {
	Center      sky.Coord
	ScaleArcsec float64
	// RotationDeg and Parity describe the pixel to tangent-plane map.
	RotationDeg float64
	Parity      int
	Width       int
	Height      int
	// Reference is the pixel that maps onto Center. Zero means the image
	// centre (Width/2, Height/2).
	Reference geom.Point
	// NoisePx is the standard deviation of centroid noise.
	NoisePx float64
	// Margin keeps image stars this many pixels away from the edges.
	Margin float64
	Seed   int64
}

func (f Field) reference() geom.Point {
	if f.Reference == (geom.Point{}) {
		return geom.Point{X: float64(f.Width) / 2, Y: float64(f.Height) / 2}
	}
	return f.Reference
}

// Truth is the pixel to tangent-plane (degrees) transform of the field.
func (f Field) Truth() geom.Affine {
	parity := f.Parity
	if parity == 0 {
		parity = 1
	}
	a := geom.Similarity(f.ScaleArcsec/3600, f.RotationDeg, parity, geom.Point{})
	c := a.Apply(f.reference())
	a.TX, a.TY = -c.X, -c.Y
	return a
}

// PixelToSky maps an image pixel to the sky through the true geometry.
func (f Field) PixelToSky(p geom.Point) sky.Coord {
	return sky.Deproject(f.Center, f.Truth().Apply(p))
}

// SkyToPixel maps a sky position to its true pixel.
func (f Field) SkyToPixel(c sky.Coord) (geom.Point, bool) {
	p, ok := sky.Project(f.Center, c)
	if !ok {
		return geom.Point{}, false
	}
	inv, err := f.Truth().Inverse()
	if err != nil {
		return geom.Point{}, false
	}
	return inv.Apply(p), true
}

func (f Field) inFrame(p geom.Point) bool {
	return p.X >= f.Margin && p.Y >= f.Margin &&
		p.X <= float64(f.Width-1)-f.Margin && p.Y <= float64(f.Height-1)-f.Margin
}

// Catalog returns inside stars scattered uniformly over the image footprint
// plus outside stars scattered over a patchDeg square on the tangent plane
// but beyond the frame. Magnitudes are uniform in [6, 11).
func (f Field) Catalog(inside, outside int, patchDeg float64) []catalog.Star {
	r := rand.New(rand.NewSource(f.Seed))
	stars := make([]catalog.Star, 0, inside+outside)
	add := func(c sky.Coord) {
		stars = append(stars, catalog.Star{
			ID:  int64(len(stars) + 1),
			RA:  c.RA,
			Dec: c.Dec,
			Mag: 6 + 5*r.Float64(),
		})
	}
	for len(stars) < inside {
		p := geom.Point{
			X: f.Margin + r.Float64()*(float64(f.Width-1)-2*f.Margin),
			Y: f.Margin + r.Float64()*(float64(f.Height-1)-2*f.Margin),
		}
		add(f.PixelToSky(p))
	}
	inv, _ := f.Truth().Inverse()
	for tries := 0; len(stars) < inside+outside && tries < 100*(outside+1); tries++ {
		p := geom.Point{X: (r.Float64() - 0.5) * patchDeg, Y: (r.Float64() - 0.5) * patchDeg}
		if f.inFrame(inv.Apply(p)) {
			continue
		}
		add(sky.Deproject(f.Center, p))
	}
	return stars
}

// Flux converts a catalog magnitude into a synthetic detector flux.
func Flux(mag float64) float64 { return math.Pow(10, -0.4*(mag-20)) }

// Stars returns the image-domain stars of cat that fall inside the frame,
// with Gaussian centroid noise, brightest first.
func (f Field) Stars(cat []catalog.Star) []extract.Star {
	r := rand.New(rand.NewSource(f.Seed + 1))
	var out []extract.Star
	for _, s := range cat {
		p, ok := f.SkyToPixel(s.Coord())
		if !ok || !f.inFrame(p) {
			continue
		}
		out = append(out, extract.Star{
			X:    p.X + r.NormFloat64()*f.NoisePx,
			Y:    p.Y + r.NormFloat64()*f.NoisePx,
			Flux: Flux(s.Mag),
		})
	}
	extract.SortByFlux(out)
	return out
}

// Render draws stars as Gaussian profiles of width psfSigma on a constant
// background with Gaussian read noise. Peak amplitude is proportional to
// flux, with the brightest star at peak.
func (f Field) Render(stars []extract.Star, psfSigma, background, readNoise, peak float64) *extract.Image {
	r := rand.New(rand.NewSource(f.Seed + 2))
	im := &extract.Image{Width: f.Width, Height: f.Height, Pix: make([]float64, f.Width*f.Height)}
	for i := range im.Pix {
		im.Pix[i] = background + r.NormFloat64()*readNoise
	}
	maxFlux := 0.0
	for _, s := range stars {
		maxFlux = math.Max(maxFlux, s.Flux)
	}
	if maxFlux == 0 {
		return im
	}
	reach := int(math.Ceil(5 * psfSigma))
	for _, s := range stars {
		amp := peak * s.Flux / maxFlux
		cx, cy := int(math.Round(s.X)), int(math.Round(s.Y))
		for y := max(0, cy-reach); y <= min(f.Height-1, cy+reach); y++ {
			for x := max(0, cx-reach); x <= min(f.Width-1, cx+reach); x++ {
				dx, dy := float64(x)-s.X, float64(y)-s.Y
				im.Pix[y*f.Width+x] += amp * math.Exp(-(dx*dx+dy*dy)/(2*psfSigma*psfSigma))
			}
		}
	}
	return im
}
