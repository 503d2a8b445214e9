package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"platesolver/internal/catalog"
	"platesolver/internal/cli"
	"platesolver/internal/config"
	"platesolver/internal/errors"
	"platesolver/internal/imageio"
	"platesolver/internal/logging"
	"platesolver/internal/observability"
	"platesolver/internal/pipeline"
	"platesolver/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath, err := config.ExpandUser(cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("resolve database path", "error", err)
		return 2
	}
	store, err := storage.New(dbPath)
	if err != nil {
		log.Error("open job store", "path", dbPath, "error", err)
		return 2
	}
	defer store.Close()

	// Commands that do not solve still work without a catalog; solves fail
	// with an input error naming the missing catalog.
	var source catalog.Source
	if path, err := config.ExpandUser(cfg.Catalog.Path); err == nil {
		src, closer, err := catalog.Open(path, catalog.Format(cfg.Catalog.Format))
		if err != nil {
			log.Debug("catalog unavailable", "path", path, "error", err)
		} else {
			source = src
			defer closer.Close()
		}
	}

	metrics, err := observability.NewSolverCollector(nil)
	if err != nil {
		log.Error("register metrics", "error", err)
		return 2
	}

	router := pipeline.NewRouter(pipeline.RouterConfig{
		Solver:    cfg.SolverConfig(),
		Source:    source,
		Store:     store,
		Metrics:   metrics,
		Logger:    log,
		LoadImage: imageio.Load,
	})
	pipe := pipeline.New(ctx, pipeline.Options{
		Concurrency: cfg.Processing.ParallelJobs,
		QueueSize:   cfg.Processing.QueueSize,
		Metrics:     metrics,
	}, log, store, router)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, log, store, pipe, metrics).ExecuteContext(ctx); err != nil {
		return exitCode(log, err)
	}
	return 0
}

// exitCode reports err and maps it to the process status: 1 for an image
// that could not be solved, 2 for usage faults.
func exitCode(log *slog.Logger, err error) int {
	if errors.IsUsageFault(err) {
		log.Error("command failed", "reason", errors.Reason(err), "error", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		return 2
	}
	log.Info("command finished without a solution", "reason", errors.Reason(err), "error", err)
	return 1
}
