// Package extract detects stars in a grayscale intensity image.
package extract

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"platesolver/internal/errors"
	"platesolver/internal/geom"
)

// Image is a row-major grid of intensities. Pixel (x, y) sits at
// Pix[y*Width+x] and its centre has coordinates (x, y).
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// At returns the intensity at (x, y).
func (im *Image) At(x, y int) float64 { return im.Pix[y*im.Width+x] }

// Validate reports malformed images as input errors.
func (im *Image) Validate() error {
	if im == nil {
		return errors.Inputf("nil image")
	}
	if im.Width <= 0 || im.Height <= 0 {
		return errors.Inputf("image dimensions %dx%d", im.Width, im.Height)
	}
	if len(im.Pix) != im.Width*im.Height {
		return errors.Inputf("image %dx%d has %d samples", im.Width, im.Height, len(im.Pix))
	}
	return nil
}

// Star is a detected source in pixel coordinates.
type Star struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Flux   float64 `json:"flux"`
	Peak   float64 `json:"peak,omitempty"`
	Pixels int     `json:"pixels,omitempty"`
}

// Point returns the centroid.
func (s Star) Point() geom.Point { return geom.Point{X: s.X, Y: s.Y} }

// Points returns the centroids of stars in order.
func Points(stars []Star) []geom.Point {
	out := make([]geom.Point, len(stars))
	for i, s := range stars {
		out[i] = s.Point()
	}
	return out
}

// Config controls detection.
type Config struct {
	// Sigma is k in the background + k*noise threshold.
	Sigma float64 `json:"sigma"`
	// GridSize is the side in pixels of a background estimation cell.
	GridSize int `json:"grid_size"`
	// MinPixels rejects smaller blobs as noise spikes.
	MinPixels int `json:"min_pixels"`
	// MaxPixels rejects larger blobs as extended objects; 0 disables.
	MaxPixels int `json:"max_pixels"`
	// Saturation rejects blobs whose peak reaches it; 0 disables.
	Saturation float64 `json:"saturation"`
	// MaxStars caps the returned list to the brightest stars.
	MaxStars int `json:"max_stars"`
}

// DefaultConfig returns conservative detection settings.
func DefaultConfig() Config {
	return Config{
		Sigma:     5,
		GridSize:  64,
		MinPixels: 3,
		MaxPixels: 1000,
		MaxStars:  200,
	}
}

// Rejections counts blobs discarded per rule.
type Rejections struct {
	Border    int `json:"border"`
	Small     int `json:"small"`
	Large     int `json:"large"`
	Saturated int `json:"saturated"`
}

// Result is the outcome of one extraction.
type Result struct {
	Stars      []Star     `json:"stars"`
	Background float64    `json:"background"`
	Noise      float64    `json:"noise"`
	Threshold  float64    `json:"threshold"`
	Blobs      int        `json:"blobs"`
	Rejected   Rejections `json:"rejected"`
}

// Extractor runs detection with a fixed configuration.
type Extractor struct {
	cfg Config
}

// New returns an Extractor, filling unset fields from DefaultConfig.
func New(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.Sigma <= 0 {
		cfg.Sigma = def.Sigma
	}
	if cfg.GridSize <= 0 {
		cfg.GridSize = def.GridSize
	}
	if cfg.MinPixels <= 0 {
		cfg.MinPixels = 1
	}
	if cfg.MaxStars <= 0 {
		cfg.MaxStars = def.MaxStars
	}
	return &Extractor{cfg: cfg}
}

// Extract finds stars in im. An image with nothing above threshold yields
// an empty list and no error.
func (e *Extractor) Extract(ctx context.Context, im *Image) (Result, error) {
	if err := im.Validate(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	bg := estimateBackground(im, e.cfg.GridSize)
	res := Result{Background: bg.level, Noise: bg.noise}
	if bg.noise <= 0 {
		// flat image, nothing can stand out
		return res, nil
	}
	res.Threshold = bg.level + e.cfg.Sigma*bg.noise

	w, h := im.Width, im.Height
	above := make([]bool, len(im.Pix))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			v := im.Pix[i]
			if !math.IsNaN(v) && v > bg.at(x, y)+e.cfg.Sigma*bg.noise {
				above[i] = true
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	visited := make([]bool, len(im.Pix))
	stack := make([]int, 0, 64)
	for start := range above {
		if !above[start] || visited[start] {
			continue
		}
		res.Blobs++
		b := blob{peak: math.Inf(-1)}
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			b.add(x, y, im.Pix[i]-bg.at(x, y), im.Pix[i])
			if x == 0 || y == 0 || x == w-1 || y == h-1 {
				b.border = true
			}
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					j := ny*w + nx
					if above[j] && !visited[j] {
						visited[j] = true
						stack = append(stack, j)
					}
				}
			}
		}

		switch {
		case b.border:
			res.Rejected.Border++
		case b.n < e.cfg.MinPixels:
			res.Rejected.Small++
		case e.cfg.MaxPixels > 0 && b.n > e.cfg.MaxPixels:
			res.Rejected.Large++
		case e.cfg.Saturation > 0 && b.peak >= e.cfg.Saturation:
			res.Rejected.Saturated++
		case b.flux > 0:
			res.Stars = append(res.Stars, Star{
				X:      b.sx / b.flux,
				Y:      b.sy / b.flux,
				Flux:   b.flux,
				Peak:   b.peak,
				Pixels: b.n,
			})
		}
	}

	SortByFlux(res.Stars)
	if len(res.Stars) > e.cfg.MaxStars {
		res.Stars = res.Stars[:e.cfg.MaxStars]
	}
	return res, nil
}

// SortByFlux orders stars brightest first; ties fall back to position so
// the order is reproducible.
func SortByFlux(stars []Star) {
	sort.SliceStable(stars, func(i, j int) bool {
		if stars[i].Flux != stars[j].Flux {
			return stars[i].Flux > stars[j].Flux
		}
		if stars[i].Y != stars[j].Y {
			return stars[i].Y < stars[j].Y
		}
		return stars[i].X < stars[j].X
	})
}

type blob struct {
	n      int
	flux   float64
	sx, sy float64
	peak   float64
	border bool
}

func (b *blob) add(x, y int, signal, raw float64) {
	b.n++
	if raw > b.peak {
		b.peak = raw
	}
	if signal <= 0 {
		return
	}
	b.flux += signal
	b.sx += signal * float64(x)
	b.sy += signal * float64(y)
}

// background is a coarse grid of cell medians interpolated bilinearly
// between cell centres, plus one global noise figure.
type background struct {
	cell    int
	nx, ny  int
	medians []float64
	level   float64
	noise   float64
}

func estimateBackground(im *Image, cell int) *background {
	cell = min(cell, max(im.Width, im.Height))
	nx := (im.Width + cell - 1) / cell
	ny := (im.Height + cell - 1) / cell
	bg := &background{cell: cell, nx: nx, ny: ny, medians: make([]float64, nx*ny)}

	var mads, valid []float64
	empty := make([]bool, nx*ny)
	buf := make([]float64, 0, cell*cell)
	for cy := 0; cy < ny; cy++ {
		for cx := 0; cx < nx; cx++ {
			buf = buf[:0]
			for y := cy * cell; y < min((cy+1)*cell, im.Height); y++ {
				for x := cx * cell; x < min((cx+1)*cell, im.Width); x++ {
					if v := im.At(x, y); !math.IsNaN(v) {
						buf = append(buf, v)
					}
				}
			}
			if len(buf) == 0 {
				empty[cy*nx+cx] = true
				continue
			}
			med, mad := medianMAD(buf)
			bg.medians[cy*nx+cx] = med
			valid = append(valid, med)
			mads = append(mads, mad)
		}
	}

	if len(valid) > 0 {
		sort.Float64s(valid)
		bg.level = stat.Quantile(0.5, stat.Empirical, valid, nil)
	}
	// cells without a finite pixel take the global level
	for i, e := range empty {
		if e {
			bg.medians[i] = bg.level
		}
	}
	if len(mads) > 0 {
		sort.Float64s(mads)
		bg.noise = 1.4826 * stat.Quantile(0.5, stat.Empirical, mads, nil)
	}
	if bg.noise == 0 {
		// noiseless data: fall back to a fraction of the dynamic range
		peak := math.Inf(-1)
		for _, v := range im.Pix {
			if v > peak {
				peak = v
			}
		}
		if peak > bg.level {
			bg.noise = (peak - bg.level) * 1e-3
		}
	}
	return bg
}

func medianMAD(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	sort.Float64s(v)
	med := stat.Quantile(0.5, stat.Empirical, v, nil)
	dev := make([]float64, len(v))
	for i, x := range v {
		dev[i] = math.Abs(x - med)
	}
	sort.Float64s(dev)
	return med, stat.Quantile(0.5, stat.Empirical, dev, nil)
}

// at interpolates the background at pixel (x, y).
func (b *background) at(x, y int) float64 {
	if b.nx == 1 && b.ny == 1 {
		return b.medians[0]
	}
	half := float64(b.cell) / 2
	fx := (float64(x) + 0.5 - half) / float64(b.cell)
	fy := (float64(y) + 0.5 - half) / float64(b.cell)
	fx = math.Max(0, math.Min(fx, float64(b.nx-1)))
	fy = math.Max(0, math.Min(fy, float64(b.ny-1)))
	x0, y0 := int(fx), int(fy)
	x1, y1 := min(x0+1, b.nx-1), min(y0+1, b.ny-1)
	tx, ty := fx-float64(x0), fy-float64(y0)
	m := func(cx, cy int) float64 { return b.medians[cy*b.nx+cx] }
	top := m(x0, y0)*(1-tx) + m(x1, y0)*tx
	bot := m(x0, y1)*(1-tx) + m(x1, y1)*tx
	return top*(1-ty) + bot*ty
}
