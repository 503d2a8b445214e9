package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"platesolver/internal/catalog"
	"platesolver/internal/errors"
	"platesolver/internal/extract"
	"platesolver/internal/geom"
	"platesolver/internal/observability"
	"platesolver/internal/sky"
	"platesolver/internal/solver"
	"platesolver/internal/storage"
	"platesolver/internal/synth"
)

func field(seed int64) synth.Field {
	return synth.Field{
		Center:      sky.Coord{RA: 150.2, Dec: 2.1},
		ScaleArcsec: 2,
		RotationDeg: 40,
		Width:       800,
		Height:      600,
		Reference:   geom.Point{X: 400, Y: 300},
		NoisePx:     0.1,
		Margin:      10,
		Seed:        seed,
	}
}

func testRouter(t *testing.T, cat []catalog.Star, store *storage.Store) *router {
	t.Helper()
	src, err := catalog.NewMemorySource(cat)
	if err != nil {
		t.Fatalf("memory source: %v", err)
	}
	cfg := solver.DefaultConfig()
	cfg.Parallelism = 2
	cfg.TimeBudget = time.Minute
	return NewRouter(RouterConfig{Solver: cfg, Source: src, Store: store, Logger: slog.Default()}).(*router)
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRouterSolveInMemoryStars(t *testing.T) {
	f := field(1)
	cat := f.Catalog(40, 100, 2)
	store := openStore(t)
	r := testRouter(t, cat, store)

	job := Job{
		ID:   "solve-1",
		Type: JobSolve,
		Params: Params{
			Stars:     f.Stars(cat),
			Width:     f.Width,
			Height:    f.Height,
			ScaleHint: 2,
			Pointing:  &solver.Pointing{RA: 150, Dec: 2, RadiusDeg: 1},
		},
	}
	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Status() != "completed" {
		t.Fatalf("unexpected status %q", res.Status())
	}
	if _, ok := res.Meta["output"]; ok {
		t.Fatalf("in-memory jobs must not write a sidecar")
	}
	if d := geom.AngleDiffDeg(40, res.Meta["rotation_deg"].(float64)); d > 0.05 || d < -0.05 {
		t.Fatalf("rotation off by %v", d)
	}

	rec, err := store.Solution("solve-1")
	if err != nil {
		t.Fatalf("stored solution: %v", err)
	}
	if sep := sky.Separation(f.Center, sky.Coord{RA: rec.RA, Dec: rec.Dec}) * 3600; sep > 1 {
		t.Fatalf("stored centre %v arcsec off", sep)
	}
	pairs, err := store.MatchPairs("solve-1")
	if err != nil || len(pairs) != res.Solve.Solution.Confidence.Matches {
		t.Fatalf("stored %d pairs (err %v), want %d", len(pairs), err, res.Solve.Solution.Confidence.Matches)
	}
}

func TestRouterSolveStarListWritesSidecar(t *testing.T) {
	f := field(2)
	cat := f.Catalog(40, 100, 2)
	r := testRouter(t, cat, nil)

	dir := t.TempDir()
	input := filepath.Join(dir, "frame.csv")
	fh, err := os.Create(input)
	if err != nil {
		t.Fatal(err)
	}
	if err := extract.WriteStarList(fh, f.Stars(cat)); err != nil {
		t.Fatal(err)
	}
	fh.Close()

	res := r.Process(context.Background(), Job{
		ID:        "solve-2",
		Type:      JobSolve,
		InputPath: input,
		Params: Params{
			Width: f.Width, Height: f.Height, ScaleHint: 2,
			Pointing: &solver.Pointing{RA: f.Center.RA, Dec: f.Center.Dec, RadiusDeg: 0.5},
		},
	})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	out := filepath.Join(dir, "frame.wcs.json")
	if res.Meta["output"] != out {
		t.Fatalf("unexpected output meta: %v", res.Meta["output"])
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var doc SolutionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode sidecar: %v", err)
	}
	if doc.Solution == nil || len(doc.FITSHeader) == 0 {
		t.Fatalf("sidecar missing solution or header: %s", data)
	}
}

func TestRouterFailures(t *testing.T) {
	f := field(3)
	cat := f.Catalog(40, 0, 1)
	r := testRouter(t, cat[:3], nil)

	res := r.Process(context.Background(), Job{
		ID:   "few",
		Type: JobSolve,
		Params: Params{
			Stars: f.Stars(cat), Width: f.Width, Height: f.Height, ScaleHint: 2,
			Pointing: &solver.Pointing{RA: f.Center.RA, Dec: f.Center.Dec},
		},
	})
	if !errors.Is(res.Error, errors.ErrInsufficientMatches) {
		t.Fatalf("expected insufficient matches, got %v", res.Error)
	}
	if res.Status() != "unsolved" {
		t.Fatalf("negative outcome should be unsolved, got %q", res.Status())
	}

	res = r.Process(context.Background(), Job{ID: "bad", Type: JobSolve, InputPath: "notes.txt"})
	if !errors.Is(res.Error, errors.ErrInput) || res.Status() != "failed" {
		t.Fatalf("expected input failure, got %v (%s)", res.Error, res.Status())
	}

	res = r.Process(context.Background(), Job{ID: "img", Type: JobExtract, InputPath: "frame.fits"})
	if !errors.Is(res.Error, errors.ErrInput) {
		t.Fatalf("expected input error without an image loader, got %v", res.Error)
	}

	res = r.Process(context.Background(), Job{ID: "odd", Type: "stack"})
	if !errors.Is(res.Error, errors.ErrInput) {
		t.Fatalf("expected unknown job type error, got %v", res.Error)
	}
}

func TestRouterExtractUsesLoader(t *testing.T) {
	f := field(4)
	cat := f.Catalog(30, 0, 1)
	im := f.Render(f.Stars(cat), 1.5, 100, 3, 4000)
	r := testRouter(t, cat, nil)
	loads := 0
	r.loadImage = func(path string) (*extract.Image, error) {
		loads++
		return im, nil
	}

	out := filepath.Join(t.TempDir(), "stars.csv")
	res := r.Process(context.Background(), Job{ID: "x", Type: JobExtract, InputPath: "frame.fits", Output: out})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if loads != 1 {
		t.Fatalf("expected one image load, got %d", loads)
	}
	fh, err := os.Open(out)
	if err != nil {
		t.Fatalf("open star list: %v", err)
	}
	defer fh.Close()
	stars, err := extract.ReadStarList(fh)
	if err != nil {
		t.Fatalf("read star list: %v", err)
	}
	if len(stars) != res.Meta["stars"].(int) || len(stars) < 25 {
		t.Fatalf("wrote %d stars, meta says %v", len(stars), res.Meta["stars"])
	}
}

func TestPipelineRecordsAndBroadcasts(t *testing.T) {
	f := field(5)
	cat := f.Catalog(40, 100, 2)
	store := openStore(t)
	metrics, err := observability.NewSolverCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	r := testRouter(t, cat, store)
	r.metrics = metrics

	p := New(context.Background(), Options{Concurrency: 2, QueueSize: 4, Metrics: metrics}, slog.Default(), store, r)
	defer p.Stop()
	results, unsubscribe := p.Subscribe()
	defer unsubscribe()

	job := Job{
		ID:   "p-1",
		Type: JobSolve,
		Params: Params{
			Stars: f.Stars(cat), Width: f.Width, Height: f.Height, ScaleHint: 2,
			Pointing: &solver.Pointing{RA: f.Center.RA, Dec: f.Center.Dec, RadiusDeg: 0.5},
		},
	}
	if err := p.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case res := <-results:
		if res.Job.ID != "p-1" || res.Error != nil {
			t.Fatalf("unexpected result %+v", res)
		}
		payload, err := json.Marshal(res)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		var view map[string]any
		_ = json.Unmarshal(payload, &view)
		if view["status"] != "completed" || view["solution"] == nil {
			t.Fatalf("unexpected result JSON %s", payload)
		}
	case <-time.After(time.Minute):
		t.Fatal("timed out waiting for result")
	}

	rec, err := store.Job("p-1")
	if err != nil {
		t.Fatalf("job record: %v", err)
	}
	if rec.Status != "completed" {
		t.Fatalf("stored status %q", rec.Status)
	}
	if got := testutil.ToFloat64(metrics.Solves.WithLabelValues("solved")); got != 1 {
		t.Fatalf("solves metric = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Attempts.WithLabelValues("solved")); got < 1 {
		t.Fatalf("attempt metric = %v", got)
	}
}

func TestPipelineSubmitAfterStop(t *testing.T) {
	p := New(context.Background(), Options{}, slog.Default(), nil, NewRouter(RouterConfig{}))
	p.Stop()
	if err := p.Submit(Job{ID: "late", Type: JobSolve}); err == nil {
		t.Fatal("expected an error after Stop")
	}
	ch, _ := p.Subscribe()
	if _, ok := <-ch; ok {
		t.Fatal("subscription after Stop should be closed")
	}
}
