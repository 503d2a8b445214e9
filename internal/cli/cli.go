package cli

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"platesolver/internal/config"
	"platesolver/internal/errors"
	"platesolver/internal/grpcserver"
	"platesolver/internal/observability"
	"platesolver/internal/pipeline"
	"platesolver/internal/server"
	"platesolver/internal/storage"
	"platesolver/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// serveOptions selects the long-running surfaces of serve and grpc.
type serveOptions struct {
	HTTPAddr  string
	GRPCAddr  string
	WatchDirs []string
	Params    pipeline.Params
}

type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

// defaultServe runs the HTTP server, the gRPC server and the directory
// watcher that opts asks for until ctx is cancelled or one of them fails.
func defaultServe(ctx context.Context, r *Root, opts serveOptions) error {
	pipe, ok := r.pipeline.(*pipeline.Pipeline)
	if !ok {
		return errors.New("pipeline does not support server operation")
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts.HTTPAddr != "" {
		srv := server.NewServer(opts.HTTPAddr, r.store, pipe, r.metrics, r.log)
		g.Go(func() error { return srv.Start(ctx) })
	}
	if opts.GRPCAddr != "" {
		srv := grpcserver.NewServer(pipe, r.store, r.metrics, r.log)
		g.Go(func() error { return srv.Start(ctx, opts.GRPCAddr) })
	}
	if len(opts.WatchDirs) > 0 {
		w, err := r.newWatcher(opts.WatchDirs, opts.Params)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	metrics  *observability.SolverCollector
	serveFn  serverFunc
}

// NewRoot returns a Root over the running pipeline.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store, metrics *observability.SolverCollector) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		metrics:  metrics,
		serveFn:  defaultServe,
	}
}

func (r *Root) newWatcher(dirs []string, params pipeline.Params) (*watch.Watcher, error) {
	return watch.New(watch.Options{
		Dirs:   dirs,
		Params: params,
		Rate:   r.cfg.Server.WatchRate,
		Burst:  r.cfg.Server.WatchBurst,
	}, r.pipeline, r.log)
}

// enqueueAndWait submits job and blocks until its result is broadcast.
// The returned error is the job's error.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{Job: job, Error: err}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{Job: job, Error: ctx.Err()}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				err := errors.New("pipeline stopped before completion")
				return pipeline.Result{Job: job, Error: err}, err
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Debug("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// formatHMS renders an RA in degrees as hours, minutes and seconds.
func formatHMS(ra float64) string {
	h := math.Mod(ra, 360) / 15
	if h < 0 {
		h += 24
	}
	hh := math.Floor(h)
	m := (h - hh) * 60
	mm := math.Floor(m)
	ss := (m - mm) * 60
	if ss >= 59.995 {
		ss = 0
		mm++
	}
	if mm >= 60 {
		mm = 0
		hh = math.Mod(hh+1, 24)
	}
	return fmt.Sprintf("%02.0fh%02.0fm%05.2fs", hh, mm, ss)
}

// formatDMS renders a declination in degrees as degrees, arcminutes and
// arcseconds.
func formatDMS(dec float64) string {
	sign := "+"
	if dec < 0 {
		sign = "-"
		dec = -dec
	}
	d := math.Floor(dec)
	m := (dec - d) * 60
	mm := math.Floor(m)
	ss := (m - mm) * 60
	if ss >= 59.95 {
		ss = 0
		mm++
	}
	if mm >= 60 {
		mm = 0
		d++
	}
	return fmt.Sprintf("%s%02.0f°%02.0f'%04.1f\"", sign, d, mm, ss)
}
