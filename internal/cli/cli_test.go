package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"platesolver/internal/config"
	"platesolver/internal/errors"
	"platesolver/internal/pipeline"
	"platesolver/internal/sky"
	"platesolver/internal/solver"
	"platesolver/internal/storage"
	"platesolver/internal/wcs"
)

func TestSolveCommandSubmitsJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	input := filepath.Join(t.TempDir(), "m42.fits")
	touch(t, input)
	fakePipe.respond = func(job pipeline.Job) pipeline.Result {
		return pipeline.Result{
			Job:   job,
			Meta:  map[string]any{"output": "m42.wcs.json"},
			Solve: solvedResult(),
		}
	}

	out, err := execute(t, root, "solve", input, "--scale", "1.5", "--ra", "83.82", "--dec", "-5.39", "--radius", "2")
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobSolve || job.InputPath != input {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Params.ScaleHint != 1.5 {
		t.Fatalf("expected scale hint 1.5, got %g", job.Params.ScaleHint)
	}
	p := job.Params.Pointing
	if p == nil || p.RA != 83.82 || p.Dec != -5.39 || p.RadiusDeg != 2 {
		t.Fatalf("unexpected pointing %+v", p)
	}
	for _, want := range []string{"Solved:", "05h35m16.80s", "-05°23'24.0\"", "1.5000 arcsec/px", "m42.wcs.json"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
}

func TestSolveCommandValidatesArguments(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	input := filepath.Join(t.TempDir(), "a.png")
	touch(t, input)

	cases := [][]string{
		{"solve"},
		{"solve", filepath.Join(t.TempDir(), "missing.png")},
		{"solve", input, "--ra", "10"},
		{"solve", input, "--ra", "10", "--dec", "95"},
		{"solve", input, "--scale", "-1"},
	}
	for _, args := range cases {
		if _, err := execute(t, root, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("expected no jobs submitted, got %d", len(fakePipe.jobs))
	}
}

func TestSolveCommandReportsUnsolved(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	input := filepath.Join(t.TempDir(), "field.csv")
	touch(t, input)
	fakePipe.respond = func(job pipeline.Job) pipeline.Result {
		return pipeline.Result{
			Job:   job,
			Error: errors.Wrap(errors.ErrNoConsistentMatch, "all attempts"),
			Solve: &solver.Result{State: solver.Exhausted, Planned: 12, Attempts: make([]solver.AttemptReport, 12)},
		}
	}

	out, err := execute(t, root, "solve", input, "--width", "640", "--height", "480")
	if !errors.Is(err, errors.ErrNoConsistentMatch) {
		t.Fatalf("expected no consistent match error, got %v", err)
	}
	if fakePipe.jobs[0].Params.Width != 640 || fakePipe.jobs[0].Params.Pointing != nil {
		t.Fatalf("unexpected params %+v", fakePipe.jobs[0].Params)
	}
	for _, want := range []string{"Unsolved", "no_consistent_match", "12 of 12 planned"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
}

func TestExtractCommand(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	input := filepath.Join(t.TempDir(), "frame.tif")
	touch(t, input)
	fakePipe.respond = func(job pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: job, Meta: map[string]any{"stars": 42, "output": "frame.stars.csv"}}
	}

	out, err := execute(t, root, "extract", input, "-o", "frame.stars.csv")
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if fakePipe.jobs[0].Type != pipeline.JobExtract || fakePipe.jobs[0].Output != "frame.stars.csv" {
		t.Fatalf("unexpected job %+v", fakePipe.jobs[0])
	}
	if !strings.Contains(out, "Extracted 42 stars") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCatalogImportAndQuery(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "stars.csv")
	data := "id,ra,dec,mag\n1,10.0,20.0,5.5\n2,10.5,20.2,7.1\n3,200.0,-30.0,4.0\n4,10.1,19.9,13.5\n"
	if err := os.WriteFile(src, []byte(data), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	db := filepath.Join(dir, "catalog.sqlite")

	out, err := execute(t, root, "catalog", "import", src, "--db", db)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !strings.Contains(out, "Imported 4 stars") {
		t.Fatalf("unexpected import output %q", out)
	}

	root.cfg.Catalog = config.Catalog{Path: db, Format: "sqlite"}
	out, err = execute(t, root, "catalog", "query", "--ra", "10.2", "--dec", "20", "--radius", "1", "--mag", "10")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two stars, got %q", out)
	}
	if !strings.HasPrefix(lines[1], "1 ") || !strings.HasPrefix(lines[2], "2 ") {
		t.Fatalf("expected stars 1 and 2 brightest first, got %q", out)
	}

	if _, err := execute(t, root, "catalog", "query", "--radius", "0"); err == nil {
		t.Fatalf("expected error for zero radius")
	}
}

func TestCatalogImportNeedsDatabase(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.Catalog = config.Catalog{Path: "hyg.csv"}
	if _, err := execute(t, root, "catalog", "import", "stars.csv"); !errors.Is(err, errors.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestJobsCommandListsStore(t *testing.T) {
	root, _ := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	root.store = store

	if err := store.RecordJobQueued(storage.JobRecord{ID: "solve-1", JobType: "solve", Status: "queued", InputPath: "a.fits"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordJobResult("solve-1", "unsolved", "no_consistent_match", nil, "no match"); err != nil {
		t.Fatalf("record result: %v", err)
	}

	out, err := execute(t, root, "jobs", "--limit", "5")
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	for _, want := range []string{"solve-1", "unsolved", "no_consistent_match", "a.fits"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _ := newTestRoot(t)
	watchDir := t.TempDir()
	var got serveOptions
	var called bool
	root.serveFn = func(ctx context.Context, r *Root, opts serveOptions) error {
		called = true
		got = opts
		return nil
	}

	if _, err := execute(t, root, "serve", "--addr", ":9999", "--grpc", ":9998", "--watch", watchDir, "--scale", "2"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
	if got.HTTPAddr != ":9999" || got.GRPCAddr != ":9998" {
		t.Fatalf("unexpected addresses %+v", got)
	}
	if len(got.WatchDirs) != 1 || got.WatchDirs[0] != watchDir || got.Params.ScaleHint != 2 {
		t.Fatalf("unexpected watch options %+v", got)
	}

	if _, err := execute(t, root, "grpc", "--addr", ":7000"); err != nil {
		t.Fatalf("grpc failed: %v", err)
	}
	if got.GRPCAddr != ":7000" || got.HTTPAddr != "" {
		t.Fatalf("unexpected grpc options %+v", got)
	}
}

func TestServeDefaultsToConfiguredWatchDirs(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.Server.WatchDirs = []string{"/data/captures"}
	var got serveOptions
	root.serveFn = func(ctx context.Context, r *Root, opts serveOptions) error {
		got = opts
		return nil
	}
	if _, err := execute(t, root, "serve"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if got.HTTPAddr != root.cfg.Server.HTTPAddr || len(got.WatchDirs) != 1 {
		t.Fatalf("unexpected options %+v", got)
	}
}

func TestWatchCommandSubmitsNewFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("filesystem watcher test")
	}
	root, fakePipe := newTestRoot(t)
	dir := t.TempDir()
	fakePipe.respond = func(job pipeline.Job) pipeline.Result {
		return pipeline.Result{Job: job, Solve: solvedResult()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := newRootCmd(root)
	var buf syncBuffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"watch", dir})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	time.Sleep(100 * time.Millisecond)
	touch(t, filepath.Join(dir, "light_001.fits"))

	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(buf.String(), "solved ") {
		if time.Now().After(deadline) {
			t.Fatalf("no solve reported, output %q", buf.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
	if fakePipe.jobCount() != 1 {
		t.Fatalf("expected one job, got %d", fakePipe.jobCount())
	}
}

func TestConfigCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	showOut, err := execute(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(showOut, `"magnitude_ladder"`) || !strings.Contains(showOut, "Config file:") {
		t.Fatalf("expected configuration output, got %q", showOut)
	}

	if _, err := execute(t, root, "config", "validate"); err != nil {
		t.Fatalf("config validate failed: %v", err)
	}
	root.cfg.Processing.ParallelJobs = 0
	if _, err := execute(t, root, "config", "validate"); !errors.Is(err, errors.ErrInput) {
		t.Fatalf("expected input error for invalid config, got %v", err)
	}
	root.cfg.Processing.ParallelJobs = 2

	path := filepath.Join(t.TempDir(), "cfg", "config.json")
	if _, err := execute(t, root, "config", "init", path); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	loaded, err := config.LoadFrom(path)
	if err != nil {
		t.Fatalf("reload written config: %v", err)
	}
	if loaded.Processing.ParallelJobs != 2 {
		t.Fatalf("unexpected reloaded config %+v", loaded.Processing)
	}
	if _, err := execute(t, root, "config", "init", path); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if _, err := execute(t, root, "config", "init", path, "--force"); err != nil {
		t.Fatalf("forced init failed: %v", err)
	}

	versionOut, err := execute(t, root, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(versionOut, "platesolver "+Version) {
		t.Fatalf("expected version string, got %q", versionOut)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobSolve}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if _, err := root.enqueueAndWait(context.Background(), job); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected error from pipeline result, got %v", err)
	}

	fakePipe.submitErr = pipeline.ErrQueueFull
	if _, err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "full"}); !errors.Is(err, pipeline.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

func TestSexagesimal(t *testing.T) {
	cases := []struct {
		ra, dec float64
		hms     string
		dms     string
	}{
		{0, 0, "00h00m00.00s", "+00°00'00.0\""},
		{83.82, -5.39, "05h35m16.80s", "-05°23'24.0\""},
		{359.9999999, 89.99999999, "00h00m00.00s", "+90°00'00.0\""},
		{-15, -0.5, "23h00m00.00s", "-00°30'00.0\""},
	}
	for _, tc := range cases {
		if got := formatHMS(tc.ra); got != tc.hms {
			t.Fatalf("formatHMS(%g) = %s, want %s", tc.ra, got, tc.hms)
		}
		if got := formatDMS(tc.dec); got != tc.dms {
			t.Fatalf("formatDMS(%g) = %s, want %s", tc.dec, got, tc.dms)
		}
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "platesolver.db")
	t.Setenv(config.EnvConfig, filepath.Join(tmp, "config.json"))

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		serveFn: func(context.Context, *Root, serveOptions) error {
			t.Fatalf("unexpected serve")
			return nil
		},
	}
	return root, pipe
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func solvedResult() *solver.Result {
	return &solver.Result{
		State:   solver.Solved,
		Planned: 4,
		Solution: &solver.Solution{
			WCS: &wcs.WCS{
				CRVal:   sky.Coord{RA: 83.82, Dec: -5.39},
				Width:   1024,
				Height:  768,
				Derived: wcs.DerivedQuality{ScaleArcsec: 1.5, RotationDeg: 12, Parity: 1},
			},
			Confidence: solver.Confidence{Matches: 31, RMSResidualPx: 0.2, Score: 0.8},
			Attempt:    1,
		},
	}
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
	submitErr error
	respond   func(pipeline.Job) pipeline.Result
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.jobs = append(f.jobs, job)

	res := pipeline.Result{Job: job, Meta: map[string]any{"ok": true}}
	if f.respond != nil {
		res = f.respond(job)
	}
	if err, ok := f.jobErrors[job.ID]; ok {
		res.Error = err
	}
	go f.deliver(res)
	return nil
}

func (f *fakePipeline) deliver(res pipeline.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 4)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) jobCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
