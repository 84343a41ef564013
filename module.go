// Package surgicalnav wires marker pose estimation, rigid-body fusion, reference-frame tracking,
// smoothing and unit scaling into a per-frame navigation pipeline.
package surgicalnav

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/rimage/transform"

	"surgicalnav/body"
	"surgicalnav/fusion"
	"surgicalnav/markerpose"
	pivotcalibrators "surgicalnav/pivot-calibrators"
	"surgicalnav/pose"
	"surgicalnav/stereo"
	"surgicalnav/trackers"
	"surgicalnav/utils"
)

type Config struct {
	ReferenceBodyPath      string  `json:"reference_body_path"`
	ToolBodyPath           string  `json:"tool_body_path"`
	MaxReprojectionErrorPx float64 `json:"max_reprojection_error_px"`
	SmoothingAlpha         float64 `json:"smoothing_alpha"`
	SmoothingMode          string  `json:"smoothing_mode"` // "slerp" or "elementwise"
	DisableSmoothing       bool    `json:"disable_smoothing"`
	GapPolicy              string  `json:"gap_policy"` // "skip", "hold" or "signal"
	ScaleConfigPath        string  `json:"scale_config_path,omitempty"`
	PivotMinSamples        int     `json:"pivot_min_samples"`
	PivotManualCollect     bool    `json:"pivot_manual_collect"`
	DiscardSamplesOnSolve  bool    `json:"discard_samples_on_solve"`
	StereoRigPath          string  `json:"stereo_rig_path,omitempty"`
	MinRayConditioning     float64 `json:"min_ray_conditioning,omitempty"`

	// Camera components whose reported properties stand in for a rig file or inline intrinsics.
	// A right camera makes a stereo pair with the left one and needs T_right_left.
	LeftCamera    string        `json:"left_camera,omitempty"`
	RightCamera   string        `json:"right_camera,omitempty"`
	RightFromLeft *pose.Matrix4 `json:"T_right_left,omitempty"`

	// Camera used to estimate marker poses from raw corner detections when no stereo rig is set.
	Intrinsics             *transform.PinholeCameraIntrinsics `json:"intrinsic_parameters,omitempty"`
	DistortionCoefficients []float64                          `json:"distortion_coefficients,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
// Returns implicit required (first return) and optional (second return) dependencies based on the config.
// The path is the JSON path in your robot's config (not the `Config` struct) to the
// resource being validated; e.g. "services.0".
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	var errs error
	if cfg.ReferenceBodyPath == "" {
		errs = multierr.Append(errs, errors.New("reference_body_path is required"))
	}
	if cfg.ToolBodyPath == "" {
		errs = multierr.Append(errs, errors.New("tool_body_path is required"))
	}
	if cfg.MaxReprojectionErrorPx < 0 || math.IsNaN(cfg.MaxReprojectionErrorPx) {
		errs = multierr.Append(errs, errors.New("max_reprojection_error_px must be greater than or equal to 0"))
	} else if cfg.MaxReprojectionErrorPx == 0 {
		cfg.MaxReprojectionErrorPx = fusion.DefaultMaxReprojectionError
	}
	if cfg.SmoothingAlpha == 0 {
		cfg.SmoothingAlpha = trackers.DefaultAlpha
	}
	if !(cfg.SmoothingAlpha > 0 && cfg.SmoothingAlpha <= 1) {
		errs = multierr.Append(errs, errors.New("smoothing_alpha must be in (0, 1]"))
	}
	if cfg.SmoothingMode == "" {
		cfg.SmoothingMode = string(trackers.SmoothSlerp)
	}
	if cfg.SmoothingMode != string(trackers.SmoothSlerp) && cfg.SmoothingMode != string(trackers.SmoothElementwise) {
		errs = multierr.Append(errs, fmt.Errorf("smoothing_mode must be either '%s' or '%s'", trackers.SmoothSlerp, trackers.SmoothElementwise))
	}
	if _, err := trackers.ParseGapPolicy(cfg.GapPolicy); err != nil {
		errs = multierr.Append(errs, err)
	}
	if cfg.PivotMinSamples < 0 {
		errs = multierr.Append(errs, errors.New("pivot_min_samples must be greater than or equal to 0"))
	} else if cfg.PivotMinSamples == 0 {
		cfg.PivotMinSamples = pivotcalibrators.PivotMinSamples
	}
	if cfg.Intrinsics != nil {
		if err := cfg.Intrinsics.CheckValid(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("intrinsic_parameters: %w", err))
		}
	}
	if len(cfg.DistortionCoefficients) > 5 {
		errs = multierr.Append(errs, errors.New("distortion_coefficients must have at most 5 entries (k1, k2, p1, p2, k3)"))
	}
	if len(cfg.DistortionCoefficients) > 0 && cfg.Intrinsics == nil {
		errs = multierr.Append(errs, errors.New("distortion_coefficients requires intrinsic_parameters"))
	}
	if cfg.MinRayConditioning < 0 || math.IsNaN(cfg.MinRayConditioning) {
		errs = multierr.Append(errs, errors.New("min_ray_conditioning must be greater than or equal to 0"))
	} else if cfg.MinRayConditioning == 0 {
		cfg.MinRayConditioning = stereo.DefaultMinRayConditioning
	}

	var deps []string
	if cfg.LeftCamera != "" {
		if cfg.StereoRigPath != "" || cfg.Intrinsics != nil {
			errs = multierr.Append(errs, errors.New("left_camera cannot be combined with stereo_rig_path or intrinsic_parameters"))
		}
		deps = append(deps, cfg.LeftCamera)
	}
	if cfg.RightCamera != "" {
		if cfg.LeftCamera == "" {
			errs = multierr.Append(errs, errors.New("right_camera requires left_camera"))
		}
		if cfg.RightFromLeft == nil {
			errs = multierr.Append(errs, errors.New("right_camera requires T_right_left"))
		}
		deps = append(deps, cfg.RightCamera)
	}
	if cfg.RightFromLeft != nil {
		if _, err := pose.FromMatrix(*cfg.RightFromLeft); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("T_right_left: %w", err))
		}
	}
	if errs != nil {
		return nil, nil, errs
	}
	return deps, nil, nil
}

// CameraProperties holds what the left_camera and right_camera components reported. Either may be nil.
type CameraProperties struct {
	Left, Right *camera.Properties
}

// NewPipelineFromConfig loads the files named in cfg and builds a pipeline. cfg must have been validated.
func NewPipelineFromConfig(cfg *Config, cams CameraProperties, logger logging.Logger) (*Pipeline, error) {
	reference, err := body.Load(cfg.ReferenceBodyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load reference body: %w", err)
	}
	tool, err := body.Load(cfg.ToolBodyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool body: %w", err)
	}
	tracker, err := trackers.NewReferenceFrameTracker(logger, trackers.GapPolicy(cfg.GapPolicy))
	if err != nil {
		return nil, err
	}

	c := Components{
		Reference: reference,
		Tool:      tool,
		Fuser:     fusion.NewFuser(logger, cfg.MaxReprojectionErrorPx),
		Tracker:   tracker,
		Session: pivotcalibrators.NewSession(
			pivotcalibrators.NewCalibrator(logger, cfg.PivotMinSamples), cfg.DiscardSamplesOnSolve),
		ManualPivotCollect: cfg.PivotManualCollect,
	}
	if !cfg.DisableSmoothing {
		smoother, err := trackers.NewTemporalSmoother(cfg.SmoothingAlpha, trackers.SmoothingMode(cfg.SmoothingMode))
		if err != nil {
			return nil, err
		}
		c.Smoother = smoother
	}
	if cfg.ScaleConfigPath != "" {
		scale, err := utils.LoadScaleConverter(cfg.ScaleConfigPath, logger)
		if err != nil {
			return nil, err
		}
		c.Scale = &scale
	}
	switch {
	case cfg.StereoRigPath != "":
		rig, err := stereo.LoadRig(cfg.StereoRigPath)
		if err != nil {
			return nil, err
		}
		c.useRig(rig, cfg.MinRayConditioning)
	case cams.Left != nil && cams.Right != nil:
		if cfg.RightFromLeft == nil {
			return nil, errors.New("right_camera requires T_right_left")
		}
		rightFromLeft, err := pose.FromMatrix(*cfg.RightFromLeft)
		if err != nil {
			return nil, fmt.Errorf("T_right_left: %w", err)
		}
		rig, err := stereo.RigFromProperties(*cams.Left, *cams.Right, rightFromLeft)
		if err != nil {
			return nil, err
		}
		c.useRig(rig, cfg.MinRayConditioning)
	case cams.Left != nil:
		cam, err := markerpose.CameraFromProperties(*cams.Left)
		if err != nil {
			return nil, fmt.Errorf("left camera: %w", err)
		}
		c.Camera = &cam
		c.Estimator = markerpose.NewPlanarEstimator()
	case cfg.Intrinsics != nil:
		cam, err := markerpose.NewCamera(cfg.Intrinsics.GetCameraMatrix(), cfg.Intrinsics.Width, cfg.Intrinsics.Height,
			cfg.DistortionCoefficients)
		if err != nil {
			return nil, err
		}
		c.Camera = &cam
		c.Estimator = markerpose.NewPlanarEstimator()
	}
	logger.Infof("navigation pipeline: reference=%q (%d markers) tool=%q (%d markers) gap_policy=%s smoothing=%t",
		reference.Name, len(reference.MarkerIDs()), tool.Name, len(tool.MarkerIDs()), cfg.GapPolicy, c.Smoother != nil)
	return NewPipeline(logger, c)
}

func (c *Components) useRig(rig *stereo.Rig, minConditioning float64) {
	c.Triangulator = stereo.NewTriangulator(rig)
	if minConditioning > 0 {
		c.Triangulator.SetMinConditioning(minConditioning)
	}
	c.Camera = &rig.Left
	c.Estimator = markerpose.NewPlanarEstimator()
}
