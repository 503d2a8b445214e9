package solver

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"platesolver/internal/catalog"
	"platesolver/internal/errors"
	"platesolver/internal/geom"
	"platesolver/internal/index"
	"platesolver/internal/match"
	"platesolver/internal/refine"
	"platesolver/internal/sky"
	"platesolver/internal/wcs"
)

// reasonCancelled marks attempts stopped because an earlier attempt
// already solved the image.
const reasonCancelled = "cancelled"

type runOutput struct {
	solution  *Solution
	candidate *Candidate
	reports   []AttemptReport
}

// slot holds the lowest-index solution found so far and the cancel
// functions of running attempts.
type slot struct {
	mu        sync.Mutex
	best      int
	solution  *Solution
	candidate *Candidate
	running   map[int]context.CancelFunc
}

// run executes attempts on Parallelism workers. Workers take attempts in
// plan order. A success at index i cancels running attempts above i and
// skips unstarted ones, while attempts below i still finish, so the
// outcome equals that of a sequential run.
func (s *Solver) run(ctx context.Context, attempts []attempt, in *input) (runOutput, error) {
	st := &slot{best: len(attempts), running: make(map[int]context.CancelFunc)}
	reports := make([]AttemptReport, len(attempts))
	var next atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	workers := min(s.cfg.Parallelism, len(attempts))
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1) - 1)
				if i >= len(attempts) || gctx.Err() != nil {
					return nil
				}
				st.mu.Lock()
				if i > st.best {
					st.mu.Unlock()
					continue
				}
				actx, cancel := context.WithCancel(gctx)
				st.running[i] = cancel
				st.mu.Unlock()

				rep, sol, hyp, err := s.attempt(actx, attempts[i], in)
				cancel()
				reports[i] = rep
				if s.obs != nil {
					s.obs.AttemptFinished(rep)
				}
				s.log.Debug("attempt finished",
					"attempt", rep.Index,
					"ra", rep.Region.Center.RA,
					"dec", rep.Region.Center.Dec,
					"mag_limit", rep.MagLimit,
					"state", rep.State.String(),
					"reason", rep.Reason,
					"matched", rep.Matched,
					"duration_ms", rep.Duration.Milliseconds(),
				)

				st.mu.Lock()
				delete(st.running, i)
				if sol != nil && i < st.best {
					st.best, st.solution = i, sol
					for j, c := range st.running {
						if j > i {
							c()
						}
					}
				}
				if hyp != nil && sol == nil {
					c := &Candidate{
						Attempt:        i,
						Region:         attempts[i].Region,
						MagLimit:       attempts[i].MagLimit,
						Transform:      hyp.Transform,
						Votes:          hyp.Votes,
						Matched:        hyp.Matched,
						MeanResidualPx: hyp.MeanResidualPx,
						Unconfirmed:    true,
					}
					if st.candidate == nil || betterCandidate(c, st.candidate) {
						st.candidate = c
					}
				}
				st.mu.Unlock()
				if err != nil {
					return err
				}
			}
		})
	}
	err := g.Wait()

	out := runOutput{solution: st.solution, candidate: st.candidate}
	for _, r := range reports {
		if r.State != Idle {
			out.reports = append(out.reports, r)
		}
	}
	if out.solution != nil {
		out.candidate = nil
	}
	return out, err
}

func betterCandidate(a, b *Candidate) bool {
	ha := match.Hypothesis{Votes: a.Votes, Matched: a.Matched, MeanResidualPx: a.MeanResidualPx}
	hb := match.Hypothesis{Votes: b.Votes, Matched: b.Matched, MeanResidualPx: b.MeanResidualPx}
	if ha.Better(hb) {
		return true
	}
	if hb.Better(ha) {
		return false
	}
	return a.Attempt < b.Attempt
}

// attempt runs one (region, magnitude) unit. The returned error is only
// set for faults that must abort the whole solve; negative outcomes are
// reported through the AttemptReport.
func (s *Solver) attempt(ctx context.Context, a attempt, in *input) (rep AttemptReport, sol *Solution, hyp *match.Hypothesis, err error) {
	start := time.Now()
	rep = AttemptReport{Index: a.Index, Region: a.Region, MagLimit: a.MagLimit, State: TryingRegion}
	defer func() { rep.Duration = time.Since(start) }()

	fail := func(cause error) {
		rep.State = Unmatched
		rep.Reason = reasonOf(cause)
	}
	if cerr := ctx.Err(); cerr != nil {
		fail(cerr)
		return rep, nil, nil, nil
	}

	stars, err := s.source.Stars(ctx, catalog.Cone{Center: a.Region.Center, RadiusDeg: a.Region.RadiusDeg}, a.MagLimit)
	if err != nil {
		if ctx.Err() != nil {
			fail(ctx.Err())
			return rep, nil, nil, nil
		}
		fail(err)
		return rep, nil, nil, errors.Wrapf(err, "catalog query at ra=%.4f dec=%.4f", a.Region.Center.RA, a.Region.Center.Dec)
	}
	if len(stars) > s.cfg.MaxCatalogStars {
		stars = stars[:s.cfg.MaxCatalogStars]
	}
	rep.CatalogStars = len(stars)
	if len(stars) < s.cfg.MinMatches {
		fail(errors.Wrapf(errors.ErrInsufficientMatches, "%d catalog stars", len(stars)))
		return rep, nil, nil, nil
	}

	ix, err := index.Build(ctx, stars, a.Region.Center, s.cfg.Quad)
	if err != nil {
		fail(err)
		return rep, nil, nil, nil
	}
	rep.CatalogQuads = ix.Len()

	h, _, err := in.matcher.Match(ctx, in.points, ix)
	rep.Votes, rep.Matched = h.Votes, h.Matched
	if h.QuadPairs > 0 {
		hyp = &h
	}
	if err != nil {
		fail(err)
		return rep, nil, hyp, nil
	}
	rep.State = Matched

	rr, err := refine.Refine(ctx, h.Transform, in.points, ix.Points, in.refine)
	if err != nil {
		fail(err)
		return rep, nil, hyp, nil
	}
	rep.Matched = len(rr.Pairs)

	center := geom.Point{X: float64(in.width) / 2, Y: float64(in.height) / 2}
	if scale := rr.Transform.LinearAt(center).Scale(); scale < in.scaleMin*0.95 || scale > in.scaleMax*1.05 {
		fail(errors.Wrapf(errors.ErrNoConsistentMatch, "refined scale %.3f\"/px outside hint", scale*3600))
		return rep, nil, hyp, nil
	}

	pixels := make([]geom.Point, len(rr.Pairs))
	coords := make([]sky.Coord, len(rr.Pairs))
	for k, p := range rr.Pairs {
		pixels[k] = in.points[p.Image]
		coords[k] = ix.Stars[p.Catalog].Coord()
	}
	w, err := wcs.Fit(pixels, coords, a.Region.Center, in.width, in.height, s.cfg.FitOrder)
	if err != nil {
		fail(errors.Mark(err, errors.ErrInsufficientMatches))
		return rep, nil, hyp, nil
	}

	sol = &Solution{
		WCS:      w,
		Region:   a.Region,
		MagLimit: a.MagLimit,
		Attempt:  a.Index,
		Confidence: Confidence{
			Votes:          h.Votes,
			QuadPairs:      h.QuadPairs,
			Matches:        len(rr.Pairs),
			MeanResidualPx: rr.MeanResidualPx,
			RMSResidualPx:  rr.RMSResidualPx,
			Score:          float64(len(rr.Pairs)) / float64(len(in.points)),
		},
	}
	for _, p := range rr.Pairs {
		cs := ix.Stars[p.Catalog]
		sol.Pairs = append(sol.Pairs, MatchPair{
			ImageIndex: p.Image,
			X:          in.points[p.Image].X,
			Y:          in.points[p.Image].Y,
			CatalogID:  cs.ID,
			RA:         cs.RA,
			Dec:        cs.Dec,
			Mag:        cs.Mag,
			ResidualPx: p.ResidualPx,
		})
	}
	if math.IsNaN(sol.Confidence.MeanResidualPx) {
		fail(errors.New("non-finite residual"))
		return rep, nil, hyp, nil
	}
	rep.State = Solved
	return rep, sol, hyp, nil
}

// reasonOf names why an attempt ended. A deadline is the time budget; a
// plain cancellation comes from an earlier attempt's success or the caller.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Reason(errors.ErrBudgetExhausted)
	case errors.Is(err, context.Canceled):
		return reasonCancelled
	}
	return errors.Reason(err)
}
