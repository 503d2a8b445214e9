// Command synthetic-solve generates star fields with a known pointing,
// solves them blind and reports how often the solver recovers the truth.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"platesolver/internal/catalog"
	"platesolver/internal/config"
	"platesolver/internal/errors"
	"platesolver/internal/geom"
	"platesolver/internal/imageio"
	"platesolver/internal/logging"
	"platesolver/internal/sky"
	"platesolver/internal/solver"
	"platesolver/internal/synth"
)

type options struct {
	ra, dec, scale, rotation float64
	width, height            int
	mirrored                 bool
	stars, distractors       int
	noise                    float64
	trials                   int
	seed                     int64
	render                   bool
	saveDir                  string
	blind                    bool
	minRate                  float64
	maxErrArcsec             float64
	verbose                  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "synthetic-solve: %v\n", err)
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:   "synthetic-solve",
		Short: "Solve generated star fields and check the recovered geometry",
		Long: `Generate star fields with a known centre, scale, rotation and parity,
solve each against its generated catalog and compare the result with the
truth. Rotation is spread evenly over 360 degrees across trials.

Examples:
  synthetic-solve --trials 20
  synthetic-solve --render --save /tmp/fields --scale 1.2 --mirrored`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o)
		},
	}

	f := cmd.Flags()
	f.Float64Var(&o.ra, "ra", 83.8, "field centre RA in degrees")
	f.Float64Var(&o.dec, "dec", -5.4, "field centre Dec in degrees")
	f.Float64Var(&o.scale, "scale", 1.5, "pixel scale in arcsec/px")
	f.Float64Var(&o.rotation, "rotation", 17, "rotation of the first trial in degrees")
	f.IntVar(&o.width, "width", 1024, "frame width in pixels")
	f.IntVar(&o.height, "height", 1024, "frame height in pixels")
	f.BoolVar(&o.mirrored, "mirrored", false, "generate flipped (parity -1) fields")
	f.IntVar(&o.stars, "stars", 50, "catalog stars inside the frame")
	f.IntVar(&o.distractors, "distractors", 200, "catalog stars around the frame")
	f.Float64Var(&o.noise, "noise", 0.1, "centroid noise in pixels")
	f.IntVar(&o.trials, "trials", 10, "number of fields")
	f.Int64Var(&o.seed, "seed", 1, "random seed of the first trial")
	f.BoolVar(&o.render, "render", false, "render pixels and extract stars instead of using the star list")
	f.StringVar(&o.saveDir, "save", "", "write rendered fields as 16-bit PNG into this directory")
	f.BoolVar(&o.blind, "blind", false, "solve without scale or pointing hints")
	f.Float64Var(&o.minRate, "min-rate", 0.95, "fail unless this fraction of trials is solved correctly")
	f.Float64Var(&o.maxErrArcsec, "max-error", 2, "largest accepted centre error in arcsec")
	f.BoolVar(&o.verbose, "verbose", false, "log solver attempts")
	return cmd
}

type outcome struct {
	trial      int
	rotation   float64
	ok         bool
	reason     string
	centreErr  float64
	scaleErr   float64
	rotErr     float64
	matches    int
	duration   time.Duration
	attempts   int
	parityGood bool
}

func run(cmd *cobra.Command, o options) error {
	if o.trials < 1 || o.width < 16 || o.height < 16 || o.scale <= 0 {
		return errors.Inputf("need at least one trial, a frame of 16 px or more and a positive scale")
	}
	if o.saveDir != "" {
		o.render = true
		if err := os.MkdirAll(o.saveDir, 0o755); err != nil {
			return errors.Wrap(err, "create save directory")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	log := logging.NewWriter(cmd.ErrOrStderr(), level, "text")
	solverCfg := cfg.SolverConfig()

	parity := 1
	if o.mirrored {
		parity = -1
	}

	var results []outcome
	for i := 0; i < o.trials; i++ {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		field := synth.Field{
			Center:      sky.Coord{RA: sky.NormalizeRA(o.ra), Dec: o.dec},
			ScaleArcsec: o.scale,
			RotationDeg: geom.NormalizeDeg(o.rotation + float64(i)*360/float64(o.trials)),
			Parity:      parity,
			Width:       o.width,
			Height:      o.height,
			NoisePx:     o.noise,
			Margin:      10,
			Seed:        o.seed + int64(i),
		}
		patch := 3 * math.Hypot(float64(o.width), float64(o.height)) * o.scale / 3600
		cat := field.Catalog(o.stars, o.distractors, patch)
		src, err := catalog.NewMemorySource(cat)
		if err != nil {
			return err
		}

		req := solver.Request{Width: o.width, Height: o.height}
		stars := field.Stars(cat)
		if o.render {
			req.Image = field.Render(stars, 1.5, 100, 5, 5000)
			if o.saveDir != "" {
				path := filepath.Join(o.saveDir, fmt.Sprintf("field-%03d.png", i))
				if err := imageio.Save(path, req.Image); err != nil {
					return err
				}
			}
		} else {
			req.Stars = stars
		}
		if !o.blind {
			req.ScaleHint = o.scale
			req.Pointing = &solver.Pointing{RA: field.Center.RA, Dec: field.Center.Dec, RadiusDeg: 1}
		}

		s := solver.New(solverCfg, src, solver.WithLogger(log.With("trial", i)))
		res, err := s.Solve(cmd.Context(), req)
		results = append(results, check(i, field, res, err, o.maxErrArcsec))
	}

	return report(cmd, results, o.minRate)
}

func check(i int, field synth.Field, res solver.Result, err error, maxErr float64) outcome {
	out := outcome{trial: i, rotation: field.RotationDeg, duration: res.Duration, attempts: len(res.Attempts)}
	if err != nil {
		out.reason = errors.Reason(err)
		return out
	}
	w := res.Solution.WCS
	out.centreErr = sky.Separation(field.PixelToSky(w.CRPix), w.CRVal) * 3600
	out.scaleErr = math.Abs(w.ScaleArcsec()/field.ScaleArcsec - 1)
	out.rotErr = math.Abs(geom.AngleDiffDeg(field.RotationDeg, w.RotationDeg()))
	out.matches = res.Solution.Confidence.Matches
	out.parityGood = w.Parity() == field.Parity
	out.ok = out.centreErr <= maxErr && out.scaleErr <= 0.001 && out.rotErr <= 0.05 && out.parityGood
	if !out.ok {
		out.reason = "wrong_solution"
	}
	return out
}

func report(cmd *cobra.Command, results []outcome, minRate float64) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIAL\tROTATION\tRESULT\tCENTRE ERR\"\tSCALE ERR\tROT ERR\tMATCHES\tATTEMPTS\tTIME")
	solved := 0
	for _, r := range results {
		result := "ok"
		if !r.ok {
			result = r.reason
		} else {
			solved++
		}
		fmt.Fprintf(tw, "%d\t%.1f\t%s\t%.3f\t%.5f\t%.4f\t%d\t%d\t%s\n", r.trial, r.rotation, result,
			r.centreErr, r.scaleErr, r.rotErr, r.matches, r.attempts, r.duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	rate := float64(solved) / float64(len(results))
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d/%d solved correctly (%.0f%%)\n", solved, len(results), 100*rate)
	if rate < minRate {
		return errors.Newf("success rate %.2f below %.2f", rate, minRate)
	}
	return nil
}
