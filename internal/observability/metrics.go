// Package observability exposes Prometheus metrics for solves, solver
// attempts and the gRPC surface.
package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"platesolver/internal/errors"
	"platesolver/internal/solver"
)

// SolverCollector bundles the solver metrics. It implements
// solver.Observer so a Solver can report attempts directly.
type SolverCollector struct {
	gatherer prometheus.Gatherer

	Solves        *prometheus.CounterVec
	Attempts      *prometheus.CounterVec
	SolveDuration prometheus.Histogram
	MatchedStars  prometheus.Histogram
	JobsInFlight  prometheus.Gauge
	RPCRequests   *prometheus.CounterVec
}

// NewSolverCollector registers the metrics against reg, defaulting to the
// global registry when nil. Registering twice returns the existing
// collectors.
func NewSolverCollector(reg prometheus.Registerer) (*SolverCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	solves, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "platesolver_solves_total",
		Help: "Finished solves, labeled by outcome (solved or failure reason).",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	attempts, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "platesolver_attempts_total",
		Help: "Finished region attempts, labeled by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "platesolver_solve_duration_seconds",
		Help:    "Wall time of a solve in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}))
	if err != nil {
		return nil, err
	}
	matched, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "platesolver_matched_stars",
		Help:    "Matched star pairs of accepted solutions.",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	}))
	if err != nil {
		return nil, err
	}
	inflight, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "platesolver_jobs_in_flight",
		Help: "Jobs currently being processed.",
	}))
	if err != nil {
		return nil, err
	}
	rpcs, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "platesolver_rpc_requests_total",
		Help: "Handled gRPC requests, labeled by method and status code.",
	}, []string{"method", "code"}))
	if err != nil {
		return nil, err
	}

	return &SolverCollector{
		gatherer:      gatherer,
		Solves:        solves,
		Attempts:      attempts,
		SolveDuration: duration,
		MatchedStars:  matched,
		JobsInFlight:  inflight,
		RPCRequests:   rpcs,
	}, nil
}

// AttemptFinished implements solver.Observer.
func (c *SolverCollector) AttemptFinished(a solver.AttemptReport) {
	if c == nil {
		return
	}
	outcome := a.Reason
	if a.State == solver.Solved {
		outcome = "solved"
	}
	if outcome == "" {
		outcome = a.State.String()
	}
	c.Attempts.WithLabelValues(outcome).Inc()
}

// ObserveSolve records a finished solve. err nil means solved.
func (c *SolverCollector) ObserveSolve(d time.Duration, matched int, err error) {
	if c == nil {
		return
	}
	outcome := "solved"
	if err != nil {
		outcome = errors.Reason(err)
	} else {
		c.MatchedStars.Observe(float64(matched))
	}
	c.Solves.WithLabelValues(outcome).Inc()
	c.SolveDuration.Observe(d.Seconds())
}

// UnaryServerInterceptor counts gRPC requests by method and status code.
func (c *SolverCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}
		method := "unknown"
		if info != nil {
			if i := strings.LastIndex(info.FullMethod, "/"); i >= 0 && i+1 < len(info.FullMethod) {
				method = info.FullMethod[i+1:]
			}
		}
		c.RPCRequests.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SolverCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return c, errors.Newf("collector already registered with incompatible type: %v", err)
		}
		return c, errors.Wrap(err, "register collector")
	}
	return c, nil
}
