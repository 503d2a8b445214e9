// Package match finds the dominant image-to-catalog transform by pairing
// image quads with catalog quads of similar code and voting over the
// similarity transforms they imply.
package match

import (
	"context"
	"math"

	"platesolver/internal/errors"
	"platesolver/internal/geom"
	"platesolver/internal/index"
	"platesolver/internal/quad"
)

// Config controls matching and voting.
type Config struct {
	// CodeTolerance is the descriptor search radius.
	CodeTolerance float64 `json:"code_tolerance"`
	// MinVotes is the vote total a bin needs to be accepted.
	MinVotes float64 `json:"min_votes"`
	// VerifyTolerancePx is the radius, in image pixels, within which a
	// projected image star counts as landing on a catalog star.
	VerifyTolerancePx float64 `json:"verify_tolerance_px"`
	// VerifyWeight scales the votes a hypothesis earns per verified star
	// beyond the four of its own quad.
	VerifyWeight float64 `json:"verify_weight"`
	// Vote bin resolution.
	RotationBinDeg   float64 `json:"rotation_bin_deg"`
	ScaleBinFraction float64 `json:"scale_bin_fraction"`
	TranslationBinPx float64 `json:"translation_bin_px"`
	// ScaleMin and ScaleMax bound the plausible scale in degrees per pixel.
	// Zero leaves that side open.
	ScaleMin float64 `json:"scale_min"`
	ScaleMax float64 `json:"scale_max"`
	// QuadBudget caps the image quads examined; 0 means no cap.
	QuadBudget int `json:"quad_budget"`
	// BatchSize is how many image quads run between cancellation checks.
	BatchSize int `json:"batch_size"`
	// EarlyStopFraction stops the search once an accepted bin's best
	// hypothesis verifies this fraction of the smaller star list.
	EarlyStopFraction float64 `json:"early_stop_fraction"`
	// Center is the image point whose projection keys translation bins,
	// normally the image centre.
	Center geom.Point `json:"-"`
}

// DefaultConfig returns conservative matcher defaults.
func DefaultConfig() Config {
	return Config{
		CodeTolerance:     0.01,
		MinVotes:          8,
		VerifyTolerancePx: 3,
		VerifyWeight:      1,
		RotationBinDeg:    1,
		ScaleBinFraction:  0.01,
		TranslationBinPx:  10,
		BatchSize:         64,
		EarlyStopFraction: 0.5,
	}
}

// Hypothesis is a candidate pixel to tangent-plane transform.
type Hypothesis struct {
	Transform geom.Affine
	// Votes is the total of the hypothesis' bin.
	Votes float64
	// QuadPairs is how many quad pairs voted for the bin.
	QuadPairs int
	// Matched is the number of one-to-one image/catalog star pairs found
	// within the verify tolerance.
	Matched int
	// MeanResidualPx is the mean pair distance in image pixels.
	MeanResidualPx float64
	// Pairs holds image and catalog indices of the verified stars.
	Pairs [][2]int
}

// Better orders hypotheses by votes, then matched stars, then lower mean
// residual.
func (h Hypothesis) Better(o Hypothesis) bool {
	if h.Votes != o.Votes {
		return h.Votes > o.Votes
	}
	if h.Matched != o.Matched {
		return h.Matched > o.Matched
	}
	return h.MeanResidualPx < o.MeanResidualPx
}

// Stats reports the work a Match call did.
type Stats struct {
	ImageQuads  int
	QuadPairs   int
	Hypotheses  int
	Bins        int
	EarlyStop   bool
	BudgetSpent bool
}

// Matcher runs the vote for one region attempt. It holds no state between
// calls and is safe for concurrent use.
type Matcher struct {
	cfg     Config
	builder *quad.Builder
}

// New returns a Matcher, filling unset fields from DefaultConfig.
func New(cfg Config, qcfg quad.Config) *Matcher {
	def := DefaultConfig()
	if cfg.CodeTolerance <= 0 {
		cfg.CodeTolerance = def.CodeTolerance
	}
	if cfg.MinVotes <= 0 {
		cfg.MinVotes = def.MinVotes
	}
	if cfg.VerifyTolerancePx <= 0 {
		cfg.VerifyTolerancePx = def.VerifyTolerancePx
	}
	if cfg.VerifyWeight < 0 {
		cfg.VerifyWeight = def.VerifyWeight
	}
	if cfg.RotationBinDeg <= 0 {
		cfg.RotationBinDeg = def.RotationBinDeg
	}
	if cfg.ScaleBinFraction <= 0 {
		cfg.ScaleBinFraction = def.ScaleBinFraction
	}
	if cfg.TranslationBinPx <= 0 {
		cfg.TranslationBinPx = def.TranslationBinPx
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.EarlyStopFraction <= 0 {
		cfg.EarlyStopFraction = def.EarlyStopFraction
	}
	return &Matcher{cfg: cfg, builder: quad.NewBuilder(qcfg)}
}

type binKey struct {
	logScale int64
	rotation int64
	parity   int8
	tx, ty   int64
}

type bin struct {
	votes float64
	pairs int
	best  Hypothesis
}

// Match votes over image quads against ix. On success it returns the best
// hypothesis of the winning bin. When no bin reaches MinVotes it returns
// ErrNoConsistentMatch along with the best sub-threshold hypothesis, if
// any, for diagnostics.
func (m *Matcher) Match(ctx context.Context, image []geom.Point, ix *index.Index) (Hypothesis, Stats, error) {
	var stats Stats
	if len(image) < 4 || ix == nil || ix.Len() == 0 {
		return Hypothesis{}, stats, errors.Wrapf(errors.ErrNoConsistentMatch,
			"%d image stars, %d catalog quads", len(image), indexLen(ix))
	}

	bins := make(map[binKey]*bin)
	var winner *bin
	stopAt := int(math.Ceil(m.cfg.EarlyStopFraction * float64(min(len(image), len(ix.Points)))))
	stopAt = max(stopAt, 4)

	for iq := range m.builder.All(image) {
		if stats.ImageQuads%m.cfg.BatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return Hypothesis{}, stats, err
			}
		}
		if m.cfg.QuadBudget > 0 && stats.ImageQuads >= m.cfg.QuadBudget {
			stats.BudgetSpent = true
			break
		}
		stats.ImageQuads++

		for _, mirror := range []bool{false, true} {
			q := iq
			if mirror {
				var ok bool
				if q, ok = m.builder.MirrorOf(image, iq); !ok {
					continue
				}
			}
			for _, ci := range ix.Query(q.Code, m.cfg.CodeTolerance) {
				stats.QuadPairs++
				cq := ix.Quads[ci]
				h, ok := m.hypothesis(image, ix, q, cq, mirror)
				if !ok {
					continue
				}
				stats.Hypotheses++
				key := m.key(h.Transform)
				b := bins[key]
				if b == nil {
					b = &bin{}
					bins[key] = b
				}
				b.votes += 1 + m.cfg.VerifyWeight*float64(max(0, h.Matched-4))
				b.pairs++
				if b.pairs == 1 || h.Matched > b.best.Matched ||
					(h.Matched == b.best.Matched && h.MeanResidualPx < b.best.MeanResidualPx) {
					b.best = h
				}
				if b.votes >= m.cfg.MinVotes && (winner == nil || m.binBetter(b, winner)) {
					winner = b
				}
			}
		}
		if winner != nil && winner.best.Matched >= stopAt {
			stats.EarlyStop = true
			break
		}
	}
	stats.Bins = len(bins)

	if winner == nil {
		var best *bin
		for _, b := range bins {
			if best == nil || m.binBetter(b, best) {
				best = b
			}
		}
		var h Hypothesis
		if best != nil {
			h = m.finish(best)
		}
		return h, stats, errors.Wrapf(errors.ErrNoConsistentMatch,
			"best bin has %.1f votes, need %.1f", h.Votes, m.cfg.MinVotes)
	}
	return m.finish(winner), stats, nil
}

func indexLen(ix *index.Index) int {
	if ix == nil {
		return 0
	}
	return ix.Len()
}

func (m *Matcher) finish(b *bin) Hypothesis {
	h := b.best
	h.Votes = b.votes
	h.QuadPairs = b.pairs
	return h
}

// binBetter applies the hypothesis ordering to whole bins.
func (m *Matcher) binBetter(a, b *bin) bool {
	return m.finish(a).Better(m.finish(b))
}

// hypothesis derives and verifies the similarity that maps image quad iq
// onto catalog quad cq.
func (m *Matcher) hypothesis(image []geom.Point, ix *index.Index, iq, cq quad.Quad, mirror bool) (Hypothesis, bool) {
	t, err := geom.SimilarityFromPairs(
		image[iq.Idx[0]], image[iq.Idx[1]],
		ix.Points[cq.Idx[0]], ix.Points[cq.Idx[1]],
		mirror)
	if err != nil {
		return Hypothesis{}, false
	}
	scale := t.Scale()
	if (m.cfg.ScaleMin > 0 && scale < m.cfg.ScaleMin) || (m.cfg.ScaleMax > 0 && scale > m.cfg.ScaleMax) {
		return Hypothesis{}, false
	}
	tol := m.cfg.VerifyTolerancePx * scale
	// the remaining two quad stars must land on their partners
	for k := 2; k < 4; k++ {
		if t.Apply(image[iq.Idx[k]]).Dist(ix.Points[cq.Idx[k]]) > 2*tol {
			return Hypothesis{}, false
		}
	}

	h := Hypothesis{Transform: t}
	used := make(map[int]bool)
	var sum float64
	for i, p := range image {
		j, d, ok := ix.Nearest(t.Apply(p), tol, func(c int) bool { return used[c] })
		if !ok {
			continue
		}
		used[j] = true
		h.Pairs = append(h.Pairs, [2]int{i, j})
		sum += d / scale
	}
	h.Matched = len(h.Pairs)
	if h.Matched > 0 {
		h.MeanResidualPx = sum / float64(h.Matched)
	}
	return h, true
}

func (m *Matcher) key(t geom.Affine) binKey {
	scale := t.Scale()
	c := t.Apply(m.cfg.Center).Scale(1 / scale)
	return binKey{
		logScale: int64(math.Floor(math.Log(scale) / m.cfg.ScaleBinFraction)),
		rotation: int64(math.Floor(t.RotationDeg() / m.cfg.RotationBinDeg)),
		parity:   int8(t.Parity()),
		tx:       int64(math.Floor(c.X / m.cfg.TranslationBinPx)),
		ty:       int64(math.Floor(c.Y / m.cfg.TranslationBinPx)),
	}
}
