package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"platesolver/internal/errors"
	"platesolver/internal/solver"
)

func newCollector(t *testing.T) (*SolverCollector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewSolverCollector(reg)
	if err != nil {
		t.Fatalf("NewSolverCollector: %v", err)
	}
	return c, reg
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_HISTOGRAM {
			continue
		}
		var n uint64
		for _, m := range mf.GetMetric() {
			n += m.GetHistogram().GetSampleCount()
		}
		return n
	}
	return 0
}

func TestObserveSolve(t *testing.T) {
	c, reg := newCollector(t)
	c.ObserveSolve(2*time.Second, 48, nil)
	c.ObserveSolve(time.Second, 0, errors.Wrap(errors.ErrBudgetExhausted, "slow"))
	c.ObserveSolve(time.Second, 0, errors.Inputf("bad"))

	if got := testutil.ToFloat64(c.Solves.WithLabelValues("solved")); got != 1 {
		t.Fatalf("solved = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Solves.WithLabelValues("budget_exhausted")); got != 1 {
		t.Fatalf("budget_exhausted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Solves.WithLabelValues("input_error")); got != 1 {
		t.Fatalf("input_error = %v, want 1", got)
	}
	if n := histogramCount(t, reg, "platesolver_solve_duration_seconds"); n != 3 {
		t.Fatalf("duration samples = %d, want 3", n)
	}
	if n := histogramCount(t, reg, "platesolver_matched_stars"); n != 1 {
		t.Fatalf("matched samples = %d, want 1", n)
	}
}

func TestAttemptFinished(t *testing.T) {
	c, _ := newCollector(t)
	var obs solver.Observer = c
	obs.AttemptFinished(solver.AttemptReport{State: solver.Solved})
	obs.AttemptFinished(solver.AttemptReport{State: solver.Unmatched, Reason: "no_consistent_match"})
	obs.AttemptFinished(solver.AttemptReport{State: solver.Unmatched, Reason: "no_consistent_match"})

	if got := testutil.ToFloat64(c.Attempts.WithLabelValues("no_consistent_match")); got != 2 {
		t.Fatalf("no_consistent_match = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Attempts.WithLabelValues("solved")); got != 1 {
		t.Fatalf("solved = %v, want 1", got)
	}

	var nilCollector *SolverCollector
	nilCollector.AttemptFinished(solver.AttemptReport{})
	nilCollector.ObserveSolve(time.Second, 1, nil)
}

func TestRegisterTwiceReturnsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewSolverCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSolverCollector(reg)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	if a.Solves != b.Solves {
		t.Fatal("expected the existing counter vector")
	}
}

func TestInterceptorAndHandler(t *testing.T) {
	c, _ := newCollector(t)
	intercept := c.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/platesolver.v1.Solver/Solve"}
	_, _ = intercept(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "no stars")
	})
	if got := testutil.ToFloat64(c.RPCRequests.WithLabelValues("Solve", "InvalidArgument")); got != 1 {
		t.Fatalf("rpc count = %v, want 1", got)
	}

	c.ObserveSolve(time.Second, 10, nil)
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `platesolver_solves_total{outcome="solved"} 1`) {
		t.Fatalf("metrics output missing solves counter:\n%s", body)
	}
}
