package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r2"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	genericservice "go.viam.com/rdk/services/generic"

	"surgicalnav"
	"surgicalnav/fusion"
	"surgicalnav/markerpose"
	pivotcalibrators "surgicalnav/pivot-calibrators"
	"surgicalnav/pose"
	"surgicalnav/trackers"
	"surgicalnav/utils"
)

var (
	NavigationTracker = resource.NewModel("surgicalnav", "navigation", "navigation-tracker")
)

// ReferenceFrameName names the frame tracked tool poses are reported in.
const ReferenceFrameName = "reference"

func init() {
	resource.RegisterService(genericservice.API, NavigationTracker,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newNavigationTracker,
		},
	)
}

type Config = surgicalnav.Config

type navigationTracker struct {
	resource.AlwaysRebuild
	name resource.Name

	logger logging.Logger
	cfg    *Config

	pipeline *surgicalnav.Pipeline
}

// Close implements resource.Resource.
func (s *navigationTracker) Close(ctx context.Context) error {
	return nil
}

func newNavigationTracker(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewNavigationTracker(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewNavigationTracker(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	configJSON, _ := json.MarshalIndent(conf, "", "  ")
	logger.Debugf("Creating navigation tracker with the following config:\n%s", configJSON)

	cams, err := cameraProperties(ctx, deps, conf)
	if err != nil {
		return nil, err
	}
	pipeline, err := surgicalnav.NewPipelineFromConfig(conf, cams, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build navigation pipeline: %w", err)
	}
	return &navigationTracker{
		name:     name,
		logger:   logger,
		cfg:      conf,
		pipeline: pipeline,
	}, nil
}

// cameraProperties reads intrinsics and distortion from the camera components named in conf.
func cameraProperties(ctx context.Context, deps resource.Dependencies, conf *Config) (surgicalnav.CameraProperties, error) {
	var cams surgicalnav.CameraProperties
	for _, c := range []struct {
		name string
		dst  **camera.Properties
	}{
		{conf.LeftCamera, &cams.Left},
		{conf.RightCamera, &cams.Right},
	} {
		if c.name == "" {
			continue
		}
		cam, err := camera.FromDependencies(deps, c.name)
		if err != nil {
			return cams, fmt.Errorf("failed to get camera %q: %w", c.name, err)
		}
		props, err := cam.Properties(ctx)
		if err != nil {
			return cams, fmt.Errorf("failed to get properties of camera %q: %w", c.name, err)
		}
		*c.dst = &props
	}
	return cams, nil
}

func (s *navigationTracker) Name() resource.Name {
	return s.name
}

type detectionRequest struct {
	ID      int          `json:"id"`
	Corners [][2]float64 `json:"corners"`
}

type trackRequest struct {
	Observations    []fusion.ObservationRecord `json:"observations"`
	Detections      []detectionRequest         `json:"detections"`
	RightDetections []detectionRequest         `json:"right_detections"`
}

type triangulateRequest struct {
	Left  [2]float64 `json:"left"`
	Right [2]float64 `json:"right"`
}

func decodeCommand(input, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: out})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func (t *navigationTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	t.logger.Debugf("DoCommand: %+v", cmd)
	switch cmd["command"] {
	case "track":
		var req trackRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, fmt.Errorf("invalid track request: %w", err)
		}
		frame, err := req.frame()
		if err != nil {
			return nil, err
		}
		res, err := t.pipeline.ProcessFrame(frame)
		if errors.Is(err, trackers.ErrRelativePoseUnavailable) {
			return map[string]interface{}{
				"status":    "lost",
				"error":     err.Error(),
				"reference": fusedToMap(res.Reference),
				"tool":      fusedToMap(res.Tool),
			}, nil
		}
		if err != nil {
			return nil, err
		}
		return trackResponse(res), nil

	case "start-pivot":
		t.pipeline.StartPivot()
		state, n := t.pipeline.PivotState()
		return map[string]interface{}{"status": string(state), "samples": n}, nil

	case "push-sample":
		sample, n, err := t.pipeline.PushSample()
		if err != nil {
			return nil, err
		}
		t.logger.Infof("Sample %d: (%.4f, %.4f, %.4f)", n, sample.Translation().X, sample.Translation().Y, sample.Translation().Z)
		return map[string]interface{}{
			"sample_number": n,
			"sample":        utils.TransformToMap(sample),
		}, nil

	case "pop-sample":
		n, err := t.pipeline.PopSample()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "removed", "index": n}, nil

	case "get-calibration-samples":
		samples := t.pipeline.PivotSamples()
		out := make([]interface{}, len(samples))
		for i, s := range samples {
			out[i] = map[string]interface{}{"T_reference_tool": matrixRows(s.Matrix())}
		}
		return map[string]interface{}{
			"calibration-samples": out,
		}, nil

	case "load-calibration-samples":
		samplesRaw, ok := cmd["calibration-samples"]
		if !ok {
			return nil, errors.New("calibration-samples field is required")
		}
		var entries []pivotcalibrators.SampleEntry
		if err := decodeCommand(samplesRaw, &entries); err != nil {
			return nil, fmt.Errorf("calibration-samples must be a list of {T_reference_tool}: %w", err)
		}
		samples, err := pivotcalibrators.SamplesFromEntries(entries)
		if err != nil {
			return nil, err
		}
		t.pipeline.LoadPivotSamples(samples)
		return map[string]interface{}{
			"status":  "success",
			"samples": len(samples),
		}, nil

	case "clear-calibration":
		t.pipeline.ClearPivot()
		return map[string]interface{}{"status": "cleared"}, nil

	case "calibrate":
		report, err := t.pipeline.SolvePivot()
		if err != nil {
			return map[string]interface{}{
				"status":   "error",
				"error":    err.Error(),
				"warnings": report.Quality.Warnings,
			}, nil
		}
		resp := map[string]interface{}{
			"status":       "success",
			"samples_used": report.Samples,
			"tip_offset":   utils.VectorToMap(report.TipOffset),
			"pivot_point":  utils.VectorToMap(report.PivotPoint),
			"residual":     report.Residual,
			"rms":          report.RMS,
			"spread_deg":   report.Quality.SpreadDeg,
			"warnings":     report.Quality.Warnings,
		}
		if scale := t.pipeline.Scale(); scale != nil {
			resp["tip_offset_scaled"] = utils.VectorToMap(scale.ApplyVector(report.TipOffset))
			resp["pivot_point_scaled"] = utils.VectorToMap(scale.ApplyVector(report.PivotPoint))
			resp["rms_scaled"] = report.RMS * scale.Factor
		}
		return resp, nil

	case "reset-filter":
		t.pipeline.ResetFilter()
		return map[string]interface{}{"status": "reset"}, nil

	case "triangulate":
		tri := t.pipeline.Triangulator()
		if tri == nil {
			return nil, errors.New("stereo_rig_path is not configured")
		}
		var req triangulateRequest
		if err := decodeCommand(cmd, &req); err != nil {
			return nil, fmt.Errorf("invalid triangulate request: %w", err)
		}
		p, err := tri.Triangulate(r2.Point{X: req.Left[0], Y: req.Left[1]}, r2.Point{X: req.Right[0], Y: req.Right[1]})
		if err != nil {
			return nil, err
		}
		resp := map[string]interface{}{"status": "success", "point": utils.VectorToMap(p)}
		if scale := t.pipeline.Scale(); scale != nil {
			resp["point_scaled"] = utils.VectorToMap(scale.ApplyVector(p))
		}
		return resp, nil

	case "get-status":
		state, n := t.pipeline.PivotState()
		resp := map[string]interface{}{"pivot_state": string(state), "samples": n}
		if res, ok := t.pipeline.PivotResult(); ok {
			resp["tip_offset"] = utils.VectorToMap(res.TipOffset)
		}
		return resp, nil

	default:
		return nil, fmt.Errorf("invalid command: %v", cmd["command"])
	}
}

func (r trackRequest) frame() (surgicalnav.Frame, error) {
	var f surgicalnav.Frame
	var err error
	if f.Observations, err = fusion.Observations(r.Observations); err != nil {
		return f, err
	}
	if f.Detections, err = detections(r.Detections); err != nil {
		return f, err
	}
	if f.RightDetections, err = detections(r.RightDetections); err != nil {
		return f, err
	}
	return f, nil
}

func detections(in []detectionRequest) ([]markerpose.Detection, error) {
	var out []markerpose.Detection
	for _, d := range in {
		if len(d.Corners) != 4 {
			return nil, fmt.Errorf("marker %d: expected 4 corners, got %d", d.ID, len(d.Corners))
		}
		det := markerpose.Detection{ID: d.ID}
		for i, c := range d.Corners {
			det.Corners[i] = r2.Point{X: c[0], Y: c[1]}
		}
		out = append(out, det)
	}
	return out, nil
}

func trackResponse(res surgicalnav.FrameResult) map[string]interface{} {
	status := "tracking"
	switch {
	case res.Gap:
		status = "gap"
	case res.Held:
		status = "held"
	}
	resp := map[string]interface{}{
		"status":     status,
		"held":       res.Held,
		"gap":        res.Gap,
		"reacquired": res.Reacquired,
		"reference":  fusedToMap(res.Reference),
		"tool":       fusedToMap(res.Tool),
	}
	if res.Gap {
		return resp
	}
	resp["reference_from_tool"] = utils.TransformToMap(res.Scaled)
	resp["raw"] = utils.TransformToMap(res.Raw)
	resp["pose_in_frame"] = poseInFrameToMap(referenceframe.NewPoseInFrame(ReferenceFrameName, res.Scaled.Pose()))
	return resp
}

func fusedToMap(f *fusion.FusedBodyPose) map[string]interface{} {
	if f == nil {
		return nil
	}
	rejected := make([]interface{}, len(f.Rejected))
	for i, id := range f.Rejected {
		rejected[i] = id
	}
	return map[string]interface{}{
		"body":          f.Body,
		"markers_total": f.MarkersTotal,
		"markers_used":  f.MarkersUsed,
		"mean_error":    f.MeanError,
		"rejected":      rejected,
	}
}

// poseInFrameToMap uses the orientation vector convention of robot frame systems.
func poseInFrameToMap(pif *referenceframe.PoseInFrame) map[string]interface{} {
	p := pif.Pose()
	pt := p.Point()
	ov := p.Orientation().OrientationVectorDegrees()
	return map[string]interface{}{
		"reference_frame": pif.FrameName(),
		"pose": map[string]float64{
			"x":     pt.X,
			"y":     pt.Y,
			"z":     pt.Z,
			"o_x":   ov.OX,
			"o_y":   ov.OY,
			"o_z":   ov.OZ,
			"theta": ov.Theta,
		},
	}
}

func matrixRows(m pose.Matrix4) []interface{} {
	rows := make([]interface{}, 4)
	for i := range m {
		row := make([]interface{}, 4)
		for j, v := range m[i] {
			row[j] = v
		}
		rows[i] = row
	}
	return rows
}
