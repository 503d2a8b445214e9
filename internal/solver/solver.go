// Package solver runs the blind solve: it extracts stars, plans the
// (region, magnitude limit) attempts, runs them on a worker pool and keeps
// the first successful attempt in plan order.
package solver

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"time"

	"platesolver/internal/catalog"
	"platesolver/internal/errors"
	"platesolver/internal/extract"
	"platesolver/internal/geom"
	"platesolver/internal/match"
	"platesolver/internal/quad"
	"platesolver/internal/refine"
	"platesolver/internal/wcs"
)

// State is a step of the solve state machine.
type State int

const (
	Idle State = iota
	TryingRegion
	Matched
	Unmatched
	Solved
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TryingRegion:
		return "trying_region"
	case Matched:
		return "matched"
	case Unmatched:
		return "unmatched"
	case Solved:
		return "solved"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Pointing is an optional hint of where the image lies.
type Pointing struct {
	RA        float64 `json:"ra"`
	Dec       float64 `json:"dec"`
	RadiusDeg float64 `json:"radius_deg"`
}

// Request is one image to solve. Either Image or Stars must be set; with
// Stars, Width and Height give the frame size.
type Request struct {
	Image  *extract.Image
	Stars  []extract.Star
	Width  int
	Height int
	// ScaleHint is the expected pixel scale in arcsec/px; zero searches the
	// configured scale range.
	ScaleHint float64
	Pointing  *Pointing
}

// Config controls the orchestration. The embedded stage configs are passed
// to their packages.
type Config struct {
	Extract extract.Config `json:"-"`
	Quad    quad.Config    `json:"quad"`
	Match   match.Config   `json:"match"`
	Refine  refine.Config  `json:"refine"`

	MinStars int `json:"min_stars"`
	// MaxStars caps the image stars used for matching, brightest first.
	MaxStars   int `json:"max_stars"`
	MinMatches int `json:"min_matches"`
	// MagnitudeLadder lists catalog limits tried in each region, ascending.
	MagnitudeLadder []float64 `json:"magnitude_ladder"`
	// RegionStepDeg spaces region centres; zero uses the field radius.
	RegionStepDeg float64 `json:"region_step_deg"`
	// ScaleTolerance is the relative slack around ScaleHint.
	ScaleTolerance float64 `json:"scale_tolerance"`
	// ScaleMinArcsec and ScaleMaxArcsec bound the search without a hint.
	ScaleMinArcsec  float64       `json:"scale_min_arcsec"`
	ScaleMaxArcsec  float64       `json:"scale_max_arcsec"`
	MaxCatalogStars int           `json:"max_catalog_stars"`
	TimeBudget      time.Duration `json:"time_budget_ns"`
	// MaxAttempts caps the attempts run; 0 means all planned attempts.
	MaxAttempts int `json:"max_attempts"`
	Parallelism int `json:"parallelism"`
	// FitOrder is 1 (affine) or 2 (quadratic distortion).
	FitOrder int `json:"fit_order"`
}

// DefaultConfig returns the solver defaults.
func DefaultConfig() Config {
	return Config{
		Extract:         extract.DefaultConfig(),
		Quad:            quad.DefaultConfig(),
		Match:           match.DefaultConfig(),
		Refine:          refine.DefaultConfig(),
		MinStars:        8,
		MaxStars:        100,
		MinMatches:      6,
		MagnitudeLadder: []float64{12, 14, 16},
		ScaleTolerance:  0.1,
		ScaleMinArcsec:  0.3,
		ScaleMaxArcsec:  30,
		MaxCatalogStars: 400,
		TimeBudget:      2 * time.Minute,
		Parallelism:     runtime.NumCPU(),
		FitOrder:        1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinStars <= 0 {
		c.MinStars = def.MinStars
	}
	c.MinStars = max(c.MinStars, 4)
	if c.MaxStars <= 0 {
		c.MaxStars = def.MaxStars
	}
	if c.MinMatches <= 0 {
		c.MinMatches = def.MinMatches
	}
	if len(c.MagnitudeLadder) == 0 {
		c.MagnitudeLadder = def.MagnitudeLadder
	}
	if c.ScaleTolerance <= 0 || c.ScaleTolerance >= 1 {
		c.ScaleTolerance = def.ScaleTolerance
	}
	if c.ScaleMinArcsec <= 0 {
		c.ScaleMinArcsec = def.ScaleMinArcsec
	}
	if c.ScaleMaxArcsec <= c.ScaleMinArcsec {
		c.ScaleMaxArcsec = math.Max(def.ScaleMaxArcsec, c.ScaleMinArcsec*2)
	}
	if c.MaxCatalogStars <= 0 {
		c.MaxCatalogStars = def.MaxCatalogStars
	}
	if c.TimeBudget <= 0 {
		c.TimeBudget = def.TimeBudget
	}
	if c.Parallelism <= 0 {
		c.Parallelism = def.Parallelism
	}
	if c.FitOrder != 2 {
		c.FitOrder = 1
	}
	c.Refine.MinMatches = c.MinMatches
	c.Refine.Order = c.FitOrder
	return c
}

// Validate reports configuration a solve cannot run with.
func (c Config) Validate() error {
	for i := 1; i < len(c.MagnitudeLadder); i++ {
		if c.MagnitudeLadder[i] < c.MagnitudeLadder[i-1] {
			return errors.Inputf("magnitude ladder must ascend, got %v", c.MagnitudeLadder)
		}
	}
	if c.RegionStepDeg < 0 || c.MaxAttempts < 0 || c.TimeBudget < 0 {
		return errors.Inputf("negative region step, attempt cap or time budget")
	}
	return nil
}

// MatchPair is one image star matched to a catalog star.
type MatchPair struct {
	ImageIndex int     `json:"image_index"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	CatalogID  int64   `json:"catalog_id"`
	RA         float64 `json:"ra"`
	Dec        float64 `json:"dec"`
	Mag        float64 `json:"mag"`
	ResidualPx float64 `json:"residual_px"`
}

// Confidence summarises how well a solution is supported.
type Confidence struct {
	Votes          float64 `json:"votes"`
	QuadPairs      int     `json:"quad_pairs"`
	Matches        int     `json:"matches"`
	MeanResidualPx float64 `json:"mean_residual_px"`
	RMSResidualPx  float64 `json:"rms_residual_px"`
	// Score is the fraction of the image stars used that were matched.
	Score float64 `json:"score"`
}

// Solution is an accepted solve.
type Solution struct {
	WCS        *wcs.WCS    `json:"wcs"`
	Confidence Confidence  `json:"confidence"`
	Pairs      []MatchPair `json:"pairs"`
	Region     Region      `json:"region"`
	MagLimit   float64     `json:"mag_limit"`
	Attempt    int         `json:"attempt"`
}

// Candidate is the strongest hypothesis of a failed solve. It was never
// confirmed and must not be used as a solution.
type Candidate struct {
	Attempt        int         `json:"attempt"`
	Region         Region      `json:"region"`
	MagLimit       float64     `json:"mag_limit"`
	Transform      geom.Affine `json:"transform"`
	Votes          float64     `json:"votes"`
	Matched        int         `json:"matched"`
	MeanResidualPx float64     `json:"mean_residual_px"`
	Unconfirmed    bool        `json:"unconfirmed"`
}

// AttemptReport is the diagnostic record of one attempt.
type AttemptReport struct {
	Index        int           `json:"index"`
	Region       Region        `json:"region"`
	MagLimit     float64       `json:"mag_limit"`
	State        State         `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	CatalogStars int           `json:"catalog_stars"`
	CatalogQuads int           `json:"catalog_quads"`
	Votes        float64       `json:"votes"`
	Matched      int           `json:"matched"`
	Duration     time.Duration `json:"duration"`
}

// Result is the outcome of Solve. It is filled in on failure too.
type Result struct {
	State     State           `json:"state"`
	Solution  *Solution       `json:"solution,omitempty"`
	Stars     []extract.Star  `json:"-"`
	Extracted *extract.Result `json:"-"`
	Attempts  []AttemptReport `json:"attempts"`
	Planned   int             `json:"planned"`
	Candidate *Candidate      `json:"candidate,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Observer receives attempt reports as attempts finish. It is called from
// worker goroutines.
type Observer interface {
	AttemptFinished(AttemptReport)
}

// Option customises a Solver.
type Option func(*Solver)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Solver) { s.log = l } }

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option { return func(s *Solver) { s.obs = o } }

// Solver solves images against one catalog source. It is safe for
// concurrent use.
type Solver struct {
	cfg    Config
	source catalog.Source
	log    *slog.Logger
	obs    Observer
}

// New returns a Solver for source.
func New(cfg Config, source catalog.Source, opts ...Option) *Solver {
	s := &Solver{cfg: cfg.withDefaults(), source: source, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Solver) Config() Config { return s.cfg }

// Solve determines the WCS of req. Failures carry a reason from the
// errors package taxonomy; Result is returned either way.
func (s *Solver) Solve(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{State: Idle}

	if s.source == nil {
		return res, errors.Inputf("no catalog source")
	}
	if err := s.cfg.Validate(); err != nil {
		return res, err
	}
	in, err := s.prepare(ctx, req, &res)
	if err != nil {
		res.State = Exhausted
		res.Duration = time.Since(start)
		return res, err
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.TimeBudget)
	defer cancel()

	attempts := plan(regions(req.Pointing, in.step), in.coneRadius, s.cfg.MagnitudeLadder)
	res.Planned = len(attempts)
	truncated := false
	if s.cfg.MaxAttempts > 0 && len(attempts) > s.cfg.MaxAttempts {
		attempts = attempts[:s.cfg.MaxAttempts]
		truncated = true
	}
	s.log.Debug("solve planned",
		"attempts", len(attempts),
		"planned", res.Planned,
		"cone_radius_deg", in.coneRadius,
		"image_stars", len(in.points),
	)

	out, err := s.run(budgetCtx, attempts, in)
	res.Attempts = out.reports
	res.Candidate = out.candidate
	res.Duration = time.Since(start)
	if err != nil {
		res.State = Exhausted
		return res, err
	}
	if out.solution != nil {
		res.State = Solved
		res.Solution = out.solution
		return res, nil
	}

	res.State = Exhausted
	switch {
	case ctx.Err() != nil:
		return res, errors.Wrap(ctx.Err(), "solve")
	case budgetCtx.Err() != nil:
		return res, errors.Wrapf(errors.ErrBudgetExhausted, "time budget %s spent after %d attempts", s.cfg.TimeBudget, len(res.Attempts))
	case truncated:
		return res, errors.Wrapf(errors.ErrBudgetExhausted, "attempt budget %d of %d planned", s.cfg.MaxAttempts, res.Planned)
	}
	for _, a := range res.Attempts {
		if a.Reason == errors.Reason(errors.ErrInsufficientMatches) {
			return res, errors.Wrapf(errors.ErrInsufficientMatches, "no attempt of %d kept enough matched stars", len(res.Attempts))
		}
	}
	return res, errors.Wrapf(errors.ErrNoConsistentMatch, "no attempt of %d found a consistent match", len(res.Attempts))
}

// input is the per-solve state shared read-only by all attempts.
type input struct {
	stars      []extract.Star
	points     []geom.Point
	width      int
	height     int
	scaleMin   float64 // deg/px
	scaleMax   float64
	fovRadius  float64 // deg
	step       float64
	coneRadius float64
	matcher    *match.Matcher
	refine     refine.Config
}

func (s *Solver) prepare(ctx context.Context, req Request, res *Result) (*input, error) {
	if req.ScaleHint < 0 || math.IsNaN(req.ScaleHint) {
		return nil, errors.Inputf("scale hint %g", req.ScaleHint)
	}
	if p := req.Pointing; p != nil {
		if p.Dec < -90 || p.Dec > 90 || p.RadiusDeg < 0 || math.IsNaN(p.RA) {
			return nil, errors.Inputf("pointing ra=%g dec=%g radius=%g", p.RA, p.Dec, p.RadiusDeg)
		}
	}

	in := &input{width: req.Width, height: req.Height}
	stars := req.Stars
	if req.Image != nil {
		r, err := extract.New(s.cfg.Extract).Extract(ctx, req.Image)
		if err != nil {
			return nil, errors.Wrap(err, "extract stars")
		}
		res.Extracted = &r
		stars = r.Stars
		in.width, in.height = req.Image.Width, req.Image.Height
	} else {
		if in.width <= 0 || in.height <= 0 {
			return nil, errors.Inputf("star list without frame size (%dx%d)", in.width, in.height)
		}
		for i, st := range stars {
			if !st.Point().IsFinite() || st.Flux < 0 {
				return nil, errors.Inputf("star %d at (%g, %g) flux %g", i, st.X, st.Y, st.Flux)
			}
		}
		stars = append([]extract.Star(nil), stars...)
		extract.SortByFlux(stars)
	}
	if len(stars) > s.cfg.MaxStars {
		stars = stars[:s.cfg.MaxStars]
	}
	res.Stars = stars
	if len(stars) < s.cfg.MinStars {
		return nil, errors.WithDetailf(
			errors.Wrapf(errors.ErrNoStarsDetected, "%d stars detected, need %d", len(stars), s.cfg.MinStars),
			"image %dx%d", in.width, in.height)
	}
	in.stars = stars
	in.points = extract.Points(stars)

	if req.ScaleHint > 0 {
		in.scaleMin = req.ScaleHint * (1 - s.cfg.ScaleTolerance) / 3600
		in.scaleMax = req.ScaleHint * (1 + s.cfg.ScaleTolerance) / 3600
	} else {
		in.scaleMin = s.cfg.ScaleMinArcsec / 3600
		in.scaleMax = s.cfg.ScaleMaxArcsec / 3600
	}
	in.fovRadius = 0.5 * math.Hypot(float64(in.width), float64(in.height)) * in.scaleMax
	in.step = s.cfg.RegionStepDeg
	if in.step <= 0 {
		in.step = in.fovRadius
	}
	in.coneRadius = in.fovRadius + in.step*math.Sqrt2/2

	mc := s.cfg.Match
	mc.ScaleMin, mc.ScaleMax = in.scaleMin, in.scaleMax
	mc.Center = geom.Point{X: float64(in.width) / 2, Y: float64(in.height) / 2}
	in.matcher = match.New(mc, s.cfg.Quad)
	in.refine = s.cfg.Refine
	return in, nil
}
