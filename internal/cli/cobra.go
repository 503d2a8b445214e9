package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"platesolver/internal/catalog"
	"platesolver/internal/config"
	"platesolver/internal/errors"
	"platesolver/internal/grpcserver"
	"platesolver/internal/observability"
	"platesolver/internal/pipeline"
	"platesolver/internal/sky"
	"platesolver/internal/solver"
	"platesolver/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline, metrics *observability.SolverCollector) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, metrics))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "platesolver",
		Short: "Blind astrometric plate solver",
		Long: `platesolver finds where an image points on the sky by matching its stars
against a reference catalog, with no prior knowledge of pointing, scale or
rotation. It runs one-off solves, or serves solves over HTTP and gRPC and
from watched directories.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newExtractCmd(root))
	rootCmd.AddCommand(newCatalogCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newGRPCCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// hintFlags are the per-image solve hints shared by solve and watch.
type hintFlags struct {
	scale, ra, dec, radius float64
	width, height          int
}

func (h *hintFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&h.scale, "scale", 0, "expected pixel scale in arcsec/px (0 searches the configured range)")
	cmd.Flags().Float64Var(&h.ra, "ra", 0, "approximate RA of the field centre in degrees")
	cmd.Flags().Float64Var(&h.dec, "dec", 0, "approximate Dec of the field centre in degrees")
	cmd.Flags().Float64Var(&h.radius, "radius", 0, "search radius around --ra/--dec in degrees (0 uses the field size)")
	cmd.Flags().IntVar(&h.width, "width", 0, "frame width in pixels (star-list inputs)")
	cmd.Flags().IntVar(&h.height, "height", 0, "frame height in pixels (star-list inputs)")
}

func (h *hintFlags) params(cmd *cobra.Command) (pipeline.Params, error) {
	params := pipeline.Params{ScaleHint: h.scale, Width: h.width, Height: h.height}
	if h.scale < 0 || h.radius < 0 || h.width < 0 || h.height < 0 {
		return params, errors.Inputf("--scale, --radius, --width and --height must not be negative")
	}
	raSet, decSet := cmd.Flags().Changed("ra"), cmd.Flags().Changed("dec")
	if raSet != decSet {
		return params, errors.Inputf("--ra and --dec must be given together")
	}
	if raSet {
		if h.dec < -90 || h.dec > 90 {
			return params, errors.Inputf("--dec %g is outside [-90, 90]", h.dec)
		}
		params.Pointing = &solver.Pointing{RA: sky.NormalizeRA(h.ra), Dec: h.dec, RadiusDeg: h.radius}
	}
	return params, nil
}

func newSolveCmd(root *Root) *cobra.Command {
	var (
		hints  hintFlags
		output string
		asJSON bool
		remote string
		dial   grpcserver.DialOptions
	)

	cmd := &cobra.Command{
		Use:   "solve <image|star-list>",
		Short: "Solve an image or star list against the configured catalog",
		Long: `Solve an image (FITS, PNG, JPEG, TIFF, PGM) or a pre-extracted star list
(CSV of x, y, flux) and write the WCS next to the input as <name>.wcs.json.

Examples:
  # Blind solve
  platesolver solve m42.fits

  # Solve with hints
  platesolver solve m42.fits --scale 1.5 --ra 83.8 --dec -5.4 --radius 2

  # Solve a star list
  platesolver solve field.stars.csv --width 1024 --height 768

  # Solve on a remote server; images must be readable by the server
  platesolver solve field.stars.csv --width 1024 --height 768 --remote solver:9090 --insecure`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := hints.params(cmd)
			if err != nil {
				return err
			}
			if _, err := os.Stat(args[0]); err != nil {
				return errors.Wrapf(errors.Mark(err, errors.ErrInput), "input %s", args[0])
			}

			var res pipeline.Result
			if remote != "" {
				res, err = root.solveRemote(cmd.Context(), remote, dial, args[0], output, params)
				if res.Job.ID == "" {
					return err
				}
			} else {
				job := pipeline.Job{
					ID:        newID("solve"),
					Type:      pipeline.JobSolve,
					InputPath: args[0],
					Output:    output,
					Params:    params,
				}
				res, err = root.enqueueAndWait(cmd.Context(), job)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
				return err
			}
			printSolve(cmd.OutOrStdout(), res)
			return err
		},
	}

	hints.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "solution file (default: <input>.wcs.json)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().StringVar(&remote, "remote", "", "solve on the platesolver gRPC server at this address")
	cmd.Flags().BoolVar(&dial.Insecure, "insecure", false, "connect to --remote without TLS")
	cmd.Flags().StringVar(&dial.CACertPath, "ca-cert", "", "CA bundle for verifying --remote")
	cmd.Flags().StringVar(&dial.CertPath, "tls-cert", "", "client certificate for --remote")
	cmd.Flags().StringVar(&dial.KeyPath, "tls-key", "", "client key for --remote")

	return cmd
}

func printSolve(w io.Writer, res pipeline.Result) {
	if res.Solve == nil || res.Solve.Solution == nil {
		fmt.Fprintf(w, "Unsolved: %s\n", res.Job.InputPath)
		if res.Error != nil {
			fmt.Fprintf(w, "  Reason:   %s\n", errors.Reason(res.Error))
		}
		if res.Solve != nil {
			fmt.Fprintf(w, "  Stars:    %d\n", len(res.Solve.Stars))
			fmt.Fprintf(w, "  Attempts: %d of %d planned\n", len(res.Solve.Attempts), res.Solve.Planned)
			if c := res.Solve.Candidate; c != nil {
				fmt.Fprintf(w, "  Best unconfirmed candidate: attempt %d, %.1f votes, %d matched\n", c.Attempt, c.Votes, c.Matched)
			}
		}
		return
	}

	sol := res.Solve.Solution
	center := sol.WCS.CRVal
	fmt.Fprintf(w, "Solved: %s\n", res.Job.InputPath)
	fmt.Fprintf(w, "  Center:   %s %s (%.5f, %+.5f)\n", formatHMS(center.RA), formatDMS(center.Dec), center.RA, center.Dec)
	fmt.Fprintf(w, "  Scale:    %.4f arcsec/px\n", sol.WCS.ScaleArcsec())
	fmt.Fprintf(w, "  Rotation: %.3f deg\n", sol.WCS.RotationDeg())
	fmt.Fprintf(w, "  Parity:   %+d\n", sol.WCS.Parity())
	fmt.Fprintf(w, "  Field:    %.3f x %.3f deg\n",
		float64(sol.WCS.Width)*sol.WCS.ScaleArcsec()/3600, float64(sol.WCS.Height)*sol.WCS.ScaleArcsec()/3600)
	fmt.Fprintf(w, "  Matches:  %d (rms %.3f px, score %.2f)\n",
		sol.Confidence.Matches, sol.Confidence.RMSResidualPx, sol.Confidence.Score)
	fmt.Fprintf(w, "  Attempt:  %d of %d planned, %s\n", sol.Attempt, res.Solve.Planned, res.Solve.Duration.Round(time.Millisecond))
	if out, ok := res.Meta["output"].(string); ok {
		fmt.Fprintf(w, "  Output:   %s\n", out)
	}
}

func newExtractCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "extract <image>",
		Short: "Detect stars in an image and write them as a star list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return errors.Wrapf(errors.Mark(err, errors.ErrInput), "input %s", args[0])
			}
			job := pipeline.Job{
				ID:        newID("extract"),
				Type:      pipeline.JobExtract,
				InputPath: args[0],
				Output:    output,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Extracted %v stars from %s\n", res.Meta["stars"], args[0])
			if out, ok := res.Meta["output"].(string); ok {
				fmt.Fprintf(w, "  Output: %s\n", out)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "star list file (default: <input>.stars.csv)")
	return cmd
}

func newCatalogCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Import and inspect reference catalogs",
	}
	cmd.AddCommand(newCatalogImportCmd(root), newCatalogQueryCmd(root))
	return cmd
}

func newCatalogImportCmd(root *Root) *cobra.Command {
	var (
		db     string
		format string
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a HYG, Gaia binary or CSV catalog into a catalog database",
		Long: `Read a catalog file and insert its stars into a SQLite catalog database,
which solves then query per sky region instead of loading the whole catalog.

Example:
  platesolver catalog import hygdata_v3.csv --db ~/.local/share/platesolver/catalog.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if db == "" {
				if catalog.Format(root.cfg.Catalog.Format) != catalog.FormatSQLite &&
					catalog.DetectFormat(root.cfg.Catalog.Path) != catalog.FormatSQLite {
					return errors.WithHint(errors.Inputf("no catalog database given"),
						"pass --db or configure catalog.path with format sqlite")
				}
				db = root.cfg.Catalog.Path
			}
			dbPath, err := config.ExpandUser(db)
			if err != nil {
				return err
			}

			f := catalog.Format(format)
			if f == "" {
				f = catalog.DetectFormat(args[0])
			}
			stars, err := catalog.ReadFile(args[0], f)
			if err != nil {
				return err
			}
			src, err := catalog.OpenSQLite(dbPath)
			if err != nil {
				return err
			}
			defer src.Close()

			n, err := src.Import(cmd.Context(), stars)
			if err != nil {
				return err
			}
			total, err := src.Count(cmd.Context())
			if err != nil {
				return err
			}
			root.log.Info("catalog imported", "file", args[0], "db", dbPath, "stars", n, "total", total)
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d stars into %s (%d total)\n", n, dbPath, total)
			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "catalog database (default: catalog.path when it is a sqlite catalog)")
	cmd.Flags().StringVar(&format, "format", "", "input format (hyg|gaia|csv; default: detect from the file name)")
	return cmd
}

func newCatalogQueryCmd(root *Root) *cobra.Command {
	var (
		ra, dec, radius, mag float64
		limit                int
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List catalog stars inside a cone, brightest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if radius <= 0 || dec < -90 || dec > 90 {
				return errors.Inputf("need a positive --radius and --dec in [-90, 90]")
			}
			path, err := config.ExpandUser(root.cfg.Catalog.Path)
			if err != nil {
				return err
			}
			src, closer, err := catalog.Open(path, catalog.Format(root.cfg.Catalog.Format))
			if err != nil {
				return err
			}
			defer closer.Close()

			cone := catalog.Cone{Center: sky.Coord{RA: sky.NormalizeRA(ra), Dec: dec}, RadiusDeg: radius}
			stars, err := src.Stars(cmd.Context(), cone, mag)
			if err != nil {
				return err
			}
			if limit > 0 && len(stars) > limit {
				stars = stars[:limit]
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRA\tDEC\tMAG\tSEP")
			for _, s := range stars {
				fmt.Fprintf(tw, "%d\t%.5f\t%+.5f\t%.2f\t%.4f\n", s.ID, s.RA, s.Dec, s.Mag, sky.Separation(cone.Center, s.Coord()))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().Float64Var(&ra, "ra", 0, "cone centre RA in degrees")
	cmd.Flags().Float64Var(&dec, "dec", 0, "cone centre Dec in degrees")
	cmd.Flags().Float64Var(&radius, "radius", 1, "cone radius in degrees")
	cmd.Flags().Float64Var(&mag, "mag", 12, "faintest magnitude")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum stars to list (0 lists all)")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs and their outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return errors.New("job store unavailable")
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tREASON\tINPUT\tCREATED")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.Reason,
					rec.InputPath, rec.CreatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to list")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		grpcAddr   string
		watchPaths []string
		hints      hintFlags
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, optionally with gRPC and directory watching",
		Long: `Start an HTTP server for submitting solves and following results
(/solve, /jobs, /stream, /ws, /metrics). Optionally serve gRPC alongside and
solve new files that appear in watched directories.

Examples:
  # Basic server
  platesolver serve --addr :8080

  # Server with gRPC and a watched capture directory
  platesolver serve --addr :8080 --grpc :9090 --watch /data/captures --scale 1.2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := hints.params(cmd)
			if err != nil {
				return err
			}
			if len(watchPaths) == 0 {
				watchPaths = root.cfg.Server.WatchDirs
			}
			opts := serveOptions{HTTPAddr: addr, GRPCAddr: grpcAddr, WatchDirs: watchPaths, Params: params}
			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr, "watch_paths", watchPaths)
			return root.serveFn(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "server address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "also serve gRPC on this address")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories to watch for new images (default: server.watch_dirs)")
	hints.register(cmd)

	return cmd
}

func newGRPCCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "grpc",
		Short: "Serve the platesolver.v1.Solver gRPC service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting grpc server", "addr", addr)
			return root.serveFn(cmd.Context(), root, serveOptions{GRPCAddr: addr})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.GRPCAddr, "server address (host:port)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var hints hintFlags

	cmd := &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Solve new images as they appear in directories",
		Long: `Watch directories and solve every image that appears in them, printing
each outcome. Star lists are picked up when --width and --height are given.
Without arguments the directories in server.watch_dirs are watched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := hints.params(cmd)
			if err != nil {
				return err
			}
			dirs := args
			if len(dirs) == 0 {
				dirs = root.cfg.Server.WatchDirs
			}
			w, err := root.newWatcher(dirs, params)
			if err != nil {
				return err
			}

			resCh, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()

			ctx := cmd.Context()
			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()

			out := cmd.OutOrStdout()
			for {
				select {
				case err := <-done:
					return err
				case ev := <-w.Events:
					fmt.Fprintf(out, "queued %s (%s)\n", ev.Path, ev.JobID)
				case res, ok := <-resCh:
					if !ok {
						return <-done
					}
					printWatchResult(out, res)
				}
			}
		},
	}

	hints.register(cmd)
	return cmd
}

func printWatchResult(w io.Writer, res pipeline.Result) {
	if res.Error != nil {
		fmt.Fprintf(w, "%s %s: %s\n", res.Status(), res.Job.InputPath, errors.Reason(res.Error))
		return
	}
	if res.Solve != nil && res.Solve.Solution != nil {
		c := res.Solve.Solution.WCS.CRVal
		fmt.Fprintf(w, "solved %s: %s %s, %.3f arcsec/px\n", res.Job.InputPath,
			formatHMS(c.RA), formatDMS(c.Dec), res.Solve.Solution.WCS.ScaleArcsec())
		return
	}
	fmt.Fprintf(w, "%s %s\n", res.Status(), res.Job.InputPath)
}
