package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"platesolver/internal/catalog"
	"platesolver/internal/errors"
	"platesolver/internal/extract"
	"platesolver/internal/geom"
	"platesolver/internal/grpcserver"
	"platesolver/internal/pipeline"
	"platesolver/internal/sky"
	"platesolver/internal/solver"
	"platesolver/internal/synth"
)

// startRemote serves a real solver over gRPC on a loopback port and
// writes the field's star list into a temp dir.
func startRemote(t *testing.T, cat []catalog.Star) string {
	t.Helper()
	src, err := catalog.NewMemorySource(cat)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	cfg := solver.DefaultConfig()
	cfg.Parallelism = 2
	cfg.TimeBudget = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	proc := pipeline.NewRouter(pipeline.RouterConfig{Solver: cfg, Source: src})
	pipe := pipeline.New(ctx, pipeline.Options{Concurrency: 1}, slog.Default(), nil, proc)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpcserver.NewServer(pipe, nil, nil, slog.Default())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
		pipe.Stop()
	})
	return lis.Addr().String()
}

func remoteField() synth.Field {
	return synth.Field{
		Center: sky.Coord{RA: 150.1, Dec: 2.2}, ScaleArcsec: 2, RotationDeg: 300,
		Width: 800, Height: 600, Reference: geom.Point{X: 400, Y: 300},
		NoisePx: 0.1, Margin: 10, Seed: 33,
	}
}

func writeStars(t *testing.T, stars []extract.Star) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "field.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create star list: %v", err)
	}
	defer f.Close()
	if err := extract.WriteStarList(f, stars); err != nil {
		t.Fatalf("write star list: %v", err)
	}
	return path
}

func TestSolveRemoteStarList(t *testing.T) {
	f := remoteField()
	cat := f.Catalog(40, 100, 3)
	addr := startRemote(t, cat)
	input := writeStars(t, f.Stars(cat))
	output := filepath.Join(t.TempDir(), "out", "field.wcs.json")

	root, fakePipe := newTestRoot(t)
	out, err := execute(t, root, "solve", input, "--remote", addr, "--insecure",
		"--width", "800", "--height", "600", "--scale", "2", "--ra", "150", "--dec", "2", "--radius", "1", "-o", output)
	if err != nil {
		t.Fatalf("remote solve failed: %v\n%s", err, out)
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("remote solve must not use the local pipeline")
	}
	if !strings.Contains(out, "Solved: "+input) || !strings.Contains(out, output) {
		t.Fatalf("unexpected output %q", out)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var doc pipeline.SolutionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode sidecar: %v", err)
	}
	if sep := sky.Separation(f.Center, doc.Solution.WCS.CRVal) * 3600; sep > 2 {
		t.Fatalf("centre off by %.2f arcsec", sep)
	}
	if len(doc.FITSHeader) == 0 {
		t.Fatalf("expected FITS header cards")
	}
}

func TestSolveRemoteUnsolved(t *testing.T) {
	f := remoteField()
	cat := f.Catalog(40, 100, 3)
	addr := startRemote(t, cat[:3])
	input := writeStars(t, f.Stars(cat))

	root, _ := newTestRoot(t)
	out, err := execute(t, root, "solve", input, "--remote", addr, "--insecure",
		"--width", "800", "--height", "600", "--scale", "2", "--ra", "150", "--dec", "2", "--radius", "1")
	if err == nil || errors.IsUsageFault(err) {
		t.Fatalf("expected an ordinary solve failure, got %v", err)
	}
	if !strings.Contains(out, "Unsolved") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSolveRemoteRejectsMalformedRequest(t *testing.T) {
	f := remoteField()
	cat := f.Catalog(40, 100, 3)
	addr := startRemote(t, cat)
	input := writeStars(t, f.Stars(cat))

	root, _ := newTestRoot(t)
	// a star list without a frame size
	_, err := execute(t, root, "solve", input, "--remote", addr, "--insecure")
	if !errors.Is(err, errors.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestDialRequiresKeyWithCert(t *testing.T) {
	_, err := grpcserver.Dial("localhost:1", grpcserver.DialOptions{CertPath: "client.pem"})
	if !errors.Is(err, errors.ErrInput) {
		t.Fatalf("expected input error, got %v", err)
	}
	_, err = grpcserver.Dial("localhost:1", grpcserver.DialOptions{CACertPath: filepath.Join(t.TempDir(), "missing.pem")})
	if !errors.Is(err, errors.ErrInput) {
		t.Fatalf("expected input error for missing CA, got %v", err)
	}
}
