// Package refine turns a coarse transform into a least-squares fit over
// all matched stars, narrowing the association radius each iteration so
// that spurious pairs drop out.
package refine

import (
	"context"
	"math"
	"sort"

	"platesolver/internal/errors"
	"platesolver/internal/geom"
)

// Config controls refinement.
type Config struct {
	InitialTolerancePx float64 `json:"initial_tolerance_px"`
	FinalTolerancePx   float64 `json:"final_tolerance_px"`
	// Shrink multiplies the tolerance each iteration until it reaches
	// FinalTolerancePx.
	Shrink        float64 `json:"shrink"`
	MinMatches    int     `json:"min_matches"`
	MinIterations int     `json:"min_iterations"`
	MaxIterations int     `json:"max_iterations"`
	// MaxResidualPx fails the refinement when the final mean residual
	// exceeds it.
	MaxResidualPx float64 `json:"max_residual_px"`
	// Order is 1 for affine, 2 for quadratic distortion. Order 2 is only
	// fitted once there are QuadraticMinPairs pairs.
	Order             int `json:"order"`
	QuadraticMinPairs int `json:"quadratic_min_pairs"`
}

// DefaultConfig returns the refinement defaults.
func DefaultConfig() Config {
	return Config{
		InitialTolerancePx: 8,
		FinalTolerancePx:   2,
		Shrink:             0.25,
		MinMatches:         6,
		MinIterations:      2,
		MaxIterations:      10,
		MaxResidualPx:      1.5,
		Order:              1,
		QuadraticMinPairs:  12,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InitialTolerancePx <= 0 {
		c.InitialTolerancePx = def.InitialTolerancePx
	}
	if c.FinalTolerancePx <= 0 {
		c.FinalTolerancePx = def.FinalTolerancePx
	}
	c.FinalTolerancePx = math.Min(c.FinalTolerancePx, c.InitialTolerancePx)
	if c.Shrink <= 0 || c.Shrink >= 1 {
		c.Shrink = def.Shrink
	}
	if c.MinMatches <= 0 {
		c.MinMatches = def.MinMatches
	}
	if c.MinIterations <= 0 {
		c.MinIterations = def.MinIterations
	}
	if c.MaxIterations < c.MinIterations {
		c.MaxIterations = max(def.MaxIterations, c.MinIterations)
	}
	if c.MaxResidualPx <= 0 {
		c.MaxResidualPx = def.MaxResidualPx
	}
	if c.Order != 2 {
		c.Order = 1
	}
	if c.QuadraticMinPairs < geom.MinPairs(2) {
		c.QuadraticMinPairs = def.QuadraticMinPairs
	}
	return c
}

// Pair associates image star Image with catalog star Catalog.
type Pair struct {
	Image      int     `json:"image"`
	Catalog    int     `json:"catalog"`
	ResidualPx float64 `json:"residual_px"`
}

// Iteration records one pass.
type Iteration struct {
	TolerancePx    float64 `json:"tolerance_px"`
	Matches        int     `json:"matches"`
	MeanResidualPx float64 `json:"mean_residual_px"`
}

// Result is a converged refinement.
type Result struct {
	Transform      *geom.Poly
	Pairs          []Pair
	Iterations     []Iteration
	MeanResidualPx float64
	RMSResidualPx  float64
}

// Refine iterates association and fitting starting from initial, which
// maps image pixels onto the catalog plane. It fails with
// ErrInsufficientMatches when fewer than MinMatches pairs survive or the
// final residual is too large.
func Refine(ctx context.Context, initial geom.Affine, image, cat []geom.Point, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()
	if len(image) == 0 || len(cat) == 0 {
		return Result{}, errors.Wrapf(errors.ErrInsufficientMatches, "%d image stars, %d catalog stars", len(image), len(cat))
	}
	grid := geom.NewGrid(cat, 0)
	ref, _ := geom.Centroid(image)

	current := geom.PolyFromAffine(initial)
	tol := cfg.InitialTolerancePx
	var res Result
	prevMatches, prevResidual := -1, math.Inf(1)
	for k := 0; k < cfg.MaxIterations; k++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		scale := current.LinearAt(ref).Scale()
		pairs := associate(current, image, grid, tol*scale)
		if len(pairs) < cfg.MinMatches {
			return res, errors.Wrapf(errors.ErrInsufficientMatches,
				"%d pairs within %.2f px, need %d", len(pairs), tol, cfg.MinMatches)
		}

		order := cfg.Order
		if order == 2 && len(pairs) < cfg.QuadraticMinPairs {
			order = 1
		}
		src := make([]geom.Point, len(pairs))
		dst := make([]geom.Point, len(pairs))
		for i, p := range pairs {
			src[i], dst[i] = image[p.Image], cat[p.Catalog]
		}
		fit, err := geom.FitPoly(src, dst, order)
		if err != nil {
			return res, errors.Wrap(errors.Mark(err, errors.ErrInsufficientMatches), "fit transform")
		}
		current = fit
		mean, _ := residuals(current, image, cat, pairs, current.LinearAt(ref).Scale())
		res.Iterations = append(res.Iterations, Iteration{TolerancePx: tol, Matches: len(pairs), MeanResidualPx: mean})

		atFinal := tol <= cfg.FinalTolerancePx
		improved := len(pairs) > prevMatches || mean < prevResidual*(1-1e-9)-1e-12
		if atFinal && k+1 >= cfg.MinIterations && !improved {
			break
		}
		prevMatches, prevResidual = len(pairs), mean
		tol = math.Max(cfg.FinalTolerancePx, tol*cfg.Shrink)
	}

	scale := current.LinearAt(ref).Scale()
	pairs := associate(current, image, grid, cfg.FinalTolerancePx*scale)
	if len(pairs) < cfg.MinMatches {
		return res, errors.Wrapf(errors.ErrInsufficientMatches,
			"%d pairs after convergence, need %d", len(pairs), cfg.MinMatches)
	}
	res.Transform = current
	res.MeanResidualPx, res.RMSResidualPx = residuals(current, image, cat, pairs, scale)
	res.Pairs = pairs
	if res.MeanResidualPx > cfg.MaxResidualPx {
		return res, errors.Wrapf(errors.ErrInsufficientMatches,
			"mean residual %.3f px exceeds %.3f px", res.MeanResidualPx, cfg.MaxResidualPx)
	}
	return res, nil
}

// associate pairs each image star with its nearest catalog star within
// radius (plane units), one to one, closest pairs first.
func associate(t *geom.Poly, image []geom.Point, grid *geom.Grid, radius float64) []Pair {
	type cand struct {
		img, cat int
		d        float64
	}
	var cands []cand
	for i, p := range image {
		q := t.Apply(p)
		for _, j := range grid.Within(q, radius) {
			cands = append(cands, cand{i, j, grid.Point(j).Dist(q)})
		}
	}
	sort.Slice(cands, func(a, b int) bool {
		if cands[a].d != cands[b].d {
			return cands[a].d < cands[b].d
		}
		if cands[a].img != cands[b].img {
			return cands[a].img < cands[b].img
		}
		return cands[a].cat < cands[b].cat
	})
	usedImg := make(map[int]bool)
	usedCat := make(map[int]bool)
	var pairs []Pair
	for _, c := range cands {
		if usedImg[c.img] || usedCat[c.cat] {
			continue
		}
		usedImg[c.img], usedCat[c.cat] = true, true
		pairs = append(pairs, Pair{Image: c.img, Catalog: c.cat})
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].Image < pairs[b].Image })
	return pairs
}

// residuals fills in pair residuals in pixels and returns mean and RMS.
func residuals(t *geom.Poly, image, cat []geom.Point, pairs []Pair, scale float64) (float64, float64) {
	if len(pairs) == 0 || scale == 0 {
		return 0, 0
	}
	var sum, ss float64
	for i := range pairs {
		d := t.Apply(image[pairs[i].Image]).Dist(cat[pairs[i].Catalog]) / scale
		pairs[i].ResidualPx = d
		sum += d
		ss += d * d
	}
	n := float64(len(pairs))
	return sum / n, math.Sqrt(ss / n)
}
