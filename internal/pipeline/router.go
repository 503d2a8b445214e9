package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"platesolver/internal/catalog"
	"platesolver/internal/errors"
	"platesolver/internal/extract"
	"platesolver/internal/fsutil"
	"platesolver/internal/logging"
	"platesolver/internal/observability"
	"platesolver/internal/solver"
	"platesolver/internal/storage"
)

// RouterConfig wires the solve and extract handlers.
type RouterConfig struct {
	Solver  solver.Config
	Source  catalog.Source
	Store   *storage.Store
	Metrics *observability.SolverCollector
	Logger  *slog.Logger
	// LoadImage decodes image inputs; nil disables image jobs.
	LoadImage func(path string) (*extract.Image, error)
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	metrics   *observability.SolverCollector
	cfg       solver.Config
	source    catalog.Source
	loadImage func(path string) (*extract.Image, error)
}

// NewRouter returns the Processor for solve and extract jobs.
func NewRouter(cfg RouterConfig) Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:       logger,
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		cfg:       cfg.Solver,
		source:    cfg.Source,
		loadImage: cfg.LoadImage,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobSolve:
		return r.handleSolve(ctx, job)
	case JobExtract:
		return r.handleExtract(ctx, job)
	default:
		return Result{Job: job, Error: errors.Inputf("unknown job type: %s", job.Type)}
	}
}

// attemptObserver fans attempt reports out to the debug log and metrics.
type attemptObserver struct {
	log     *slog.Logger
	jobID   string
	metrics *observability.SolverCollector
}

func (o attemptObserver) AttemptFinished(a solver.AttemptReport) {
	logging.LogAttempt(o.log, o.jobID, a.Index, a.Region.Center.RA, a.Region.Center.Dec,
		a.MagLimit, a.State.String(), a.Reason, a.Matched, a.Duration)
	o.metrics.AttemptFinished(a)
}

func (r *router) handleSolve(ctx context.Context, job Job) Result {
	req, err := r.request(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	s := solver.New(r.cfg, r.source,
		solver.WithLogger(r.log.With("job", job.ID)),
		solver.WithObserver(attemptObserver{log: r.log, jobID: job.ID, metrics: r.metrics}),
	)
	res, err := s.Solve(ctx, req)
	meta := map[string]any{
		"state":       res.State.String(),
		"stars":       len(res.Stars),
		"attempts":    len(res.Attempts),
		"planned":     res.Planned,
		"duration_ms": res.Duration.Milliseconds(),
	}
	out := Result{Job: job, Error: err, Meta: meta, Solve: &res}
	if err != nil {
		if res.Candidate != nil {
			meta["candidate_votes"] = res.Candidate.Votes
			meta["candidate_matched"] = res.Candidate.Matched
		}
		return out
	}

	sol := res.Solution
	meta["ra"] = sol.WCS.CRVal.RA
	meta["dec"] = sol.WCS.CRVal.Dec
	meta["scale_arcsec"] = sol.WCS.ScaleArcsec()
	meta["rotation_deg"] = sol.WCS.RotationDeg()
	meta["parity"] = sol.WCS.Parity()
	meta["matches"] = sol.Confidence.Matches
	meta["rms_residual_px"] = sol.Confidence.RMSResidualPx

	if err := r.recordSolution(job.ID, sol); err != nil {
		r.log.Warn("record solution", "job", job.ID, "error", err)
	}
	if path := outputPath(job, ".wcs.json"); path != "" {
		if err := WriteSolution(path, sol); err != nil {
			out.Error = err
			return out
		}
		meta["output"] = path
	}
	return out
}

func (r *router) handleExtract(ctx context.Context, job Job) Result {
	if fsutil.Classify(job.InputPath) != fsutil.KindImage {
		return Result{Job: job, Error: errors.Inputf("extract needs an image, got %q", job.InputPath)}
	}
	im, err := r.image(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	res, err := extract.New(r.cfg.Extract).Extract(ctx, im)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"stars":      len(res.Stars),
		"background": res.Background,
		"noise":      res.Noise,
		"threshold":  res.Threshold,
		"blobs":      res.Blobs,
		"width":      im.Width,
		"height":     im.Height,
	}
	if path := outputPath(job, ".stars.csv"); path != "" {
		if err := writeStarList(path, res.Stars); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["output"] = path
	}
	return Result{Job: job, Meta: meta}
}

// request builds the solver input from in-memory stars, a star list or
// an image file.
func (r *router) request(job Job) (solver.Request, error) {
	req := solver.Request{
		Width:     job.Params.Width,
		Height:    job.Params.Height,
		ScaleHint: job.Params.ScaleHint,
		Pointing:  job.Params.Pointing,
	}
	if job.Params.Stars != nil {
		req.Stars = job.Params.Stars
		return req, nil
	}
	switch fsutil.Classify(job.InputPath) {
	case fsutil.KindStarList:
		f, err := os.Open(job.InputPath)
		if err != nil {
			return req, errors.Wrapf(errors.Mark(err, errors.ErrInput), "open star list")
		}
		defer f.Close()
		stars, err := extract.ReadStarList(f)
		if err != nil {
			return req, errors.Wrapf(err, "read %s", job.InputPath)
		}
		req.Stars = stars
	case fsutil.KindImage:
		im, err := r.image(job.InputPath)
		if err != nil {
			return req, err
		}
		req.Image = im
	default:
		return req, errors.WithHint(
			errors.Inputf("unsupported input %q", job.InputPath),
			"pass a FITS/PNG/TIFF/JPEG image or a .csv star list")
	}
	return req, nil
}

func (r *router) image(path string) (*extract.Image, error) {
	if r.loadImage == nil {
		return nil, errors.Inputf("image decoding is not available for %s", path)
	}
	return r.loadImage(path)
}

func (r *router) recordSolution(jobID string, sol *solver.Solution) error {
	if r.store == nil {
		return nil
	}
	wcsJSON, err := json.Marshal(sol.WCS)
	if err != nil {
		return errors.Wrap(err, "encode wcs")
	}
	rec := storage.SolutionRecord{
		JobID:          jobID,
		RA:             sol.WCS.CRVal.RA,
		Dec:            sol.WCS.CRVal.Dec,
		ScaleArcsec:    sol.WCS.ScaleArcsec(),
		RotationDeg:    sol.WCS.RotationDeg(),
		Parity:         sol.WCS.Parity(),
		Width:          sol.WCS.Width,
		Height:         sol.WCS.Height,
		Votes:          sol.Confidence.Votes,
		Matches:        sol.Confidence.Matches,
		MeanResidualPx: sol.Confidence.MeanResidualPx,
		RMSResidualPx:  sol.Confidence.RMSResidualPx,
		WCS:            wcsJSON,
	}
	pairs := make([]storage.PairRecord, len(sol.Pairs))
	for i, p := range sol.Pairs {
		pairs[i] = storage.PairRecord(p)
	}
	return r.store.RecordSolution(rec, pairs)
}

// outputPath is job.Output, or a sidecar next to a file input.
func outputPath(job Job, suffix string) string {
	if job.Output != "" {
		return job.Output
	}
	if job.Params.Stars != nil || job.InputPath == "" {
		return ""
	}
	return fsutil.SidecarPath(job.InputPath, suffix)
}

// SolutionDocument is the sidecar written next to solved inputs.
type SolutionDocument struct {
	Solution   *solver.Solution `json:"solution"`
	FITSHeader []string         `json:"fits_header"`
}

// WriteSolution writes sol with its FITS header cards as a JSON document.
func WriteSolution(path string, sol *solver.Solution) error {
	doc := SolutionDocument{Solution: sol}
	for _, c := range sol.WCS.FITSHeader() {
		doc.FITSHeader = append(doc.FITSHeader, c.String())
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode solution")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

func writeStarList(path string, stars []extract.Star) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := extract.WriteStarList(f, stars); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(f.Close(), "close %s", path)
}
