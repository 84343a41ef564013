// Package main is an offline tool for pivot calibration, body fusion and stereo triangulation.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/urfave/cli/v2"
	"go.viam.com/rdk/logging"

	"surgicalnav/body"
	"surgicalnav/fusion"
	pivotcalibrators "surgicalnav/pivot-calibrators"
	"surgicalnav/stereo"
	"surgicalnav/utils"
)

const (
	flagSamples      = "samples"
	flagMinSamples   = "min-samples"
	flagBody         = "body"
	flagObservations = "observations"
	flagMaxError     = "max-error"
	flagRig          = "rig"
	flagLeft         = "left"
	flagRight        = "right"
	flagDebug        = "debug"
)

func main() {
	err := realMain(os.Args, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain(args []string, out io.Writer) error {
	logger := logging.NewLogger("cli")

	app := &cli.App{
		Name:   "surgicalnav",
		Usage:  "offline marker navigation tools",
		Writer: out,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = logging.NewDebugLogger("cli")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "pivot",
				Usage: "solve the tip offset of a tool from recorded pivot samples",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagSamples,
						Required: true,
						Usage:    "JSON list of {\"T_reference_tool\": 4x4} samples",
					},
					&cli.IntFlag{
						Name:  flagMinSamples,
						Value: pivotcalibrators.PivotMinSamples,
					},
				},
				Action: func(c *cli.Context) error {
					return pivotAction(c, logger)
				},
			},
			{
				Name:  "fuse",
				Usage: "fuse marker observations into a rigid body pose",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagBody, Required: true, Usage: "rigid body model JSON"},
					&cli.StringFlag{Name: flagObservations, Required: true, Usage: "JSON list of marker observations"},
					&cli.Float64Flag{Name: flagMaxError, Value: fusion.DefaultMaxReprojectionError, Usage: "reprojection error threshold in pixels"},
				},
				Action: func(c *cli.Context) error {
					return fuseAction(c, logger)
				},
			},
			{
				Name:  "triangulate",
				Usage: "triangulate a point seen by both cameras of a stereo rig",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagRig, Required: true, Usage: "stereo calibration JSON"},
					&cli.StringFlag{Name: flagLeft, Required: true, Usage: "left pixel as `X,Y`"},
					&cli.StringFlag{Name: flagRight, Required: true, Usage: "right pixel as `X,Y`"},
				},
				Action: triangulateAction,
			},
		},
	}
	return app.Run(args)
}

func pivotAction(c *cli.Context, logger logging.Logger) error {
	samples, err := pivotcalibrators.LoadSamples(c.String(flagSamples))
	if err != nil {
		return err
	}
	quality := utils.ValidatePivotSamples(samples, logger)
	res, err := pivotcalibrators.NewCalibrator(logger, c.Int(flagMinSamples)).Solve(samples)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, map[string]interface{}{
		"tip_offset":  utils.VectorToMap(res.TipOffset),
		"pivot_point": utils.VectorToMap(res.PivotPoint),
		"residual":    res.Residual,
		"rms":         res.RMS,
		"samples":     res.Samples,
		"quality":     quality,
	})
}

func fuseAction(c *cli.Context, logger logging.Logger) error {
	model, err := body.Load(c.String(flagBody))
	if err != nil {
		return err
	}
	observations, err := fusion.LoadObservations(c.String(flagObservations))
	if err != nil {
		return err
	}
	fused, err := fusion.NewFuser(logger, c.Float64(flagMaxError)).Fuse(model, observations)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, map[string]interface{}{
		"body":             fused.Body,
		"camera_from_body": utils.TransformToMap(fused.CameraFromBody),
		"markers_total":    fused.MarkersTotal,
		"markers_used":     fused.MarkersUsed,
		"mean_error":       fused.MeanError,
		"rejected":         fused.Rejected,
	})
}

func triangulateAction(c *cli.Context) error {
	rig, err := stereo.LoadRig(c.String(flagRig))
	if err != nil {
		return err
	}
	left, err := parsePoint(c.String(flagLeft))
	if err != nil {
		return fmt.Errorf("--%s: %w", flagLeft, err)
	}
	right, err := parsePoint(c.String(flagRight))
	if err != nil {
		return fmt.Errorf("--%s: %w", flagRight, err)
	}
	p, err := stereo.NewTriangulator(rig).Triangulate(left, right)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, utils.VectorToMap(p))
}

func parsePoint(s string) (r2.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return r2.Point{}, fmt.Errorf("expected X,Y, got %q", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return r2.Point{}, err
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return r2.Point{}, err
	}
	return r2.Point{X: x, Y: y}, nil
}

func printJSON(w io.Writer, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}
