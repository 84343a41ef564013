package surgicalnav

import (
	"errors"
	"fmt"
	"sync"

	"go.viam.com/rdk/logging"

	"surgicalnav/body"
	"surgicalnav/fusion"
	"surgicalnav/markerpose"
	pivotcalibrators "surgicalnav/pivot-calibrators"
	"surgicalnav/pose"
	"surgicalnav/stereo"
	"surgicalnav/trackers"
	"surgicalnav/utils"
)

var errNoRelativePose = errors.New("no relative pose has been tracked yet")

// Components are the stages of a Pipeline. Reference, Tool, Fuser and Tracker are required.
type Components struct {
	Reference *body.Model
	Tool      *body.Model
	Fuser     *fusion.Fuser
	Tracker   trackers.Tracker

	// Smoother is optional; without it Smoothed equals Raw.
	Smoother trackers.Smoother
	// Scale is optional; without it Scaled equals Smoothed.
	Scale *utils.ScaleConverter

	// Estimator and Camera turn raw corner detections into observations.
	Estimator markerpose.Estimator
	Camera    *markerpose.Camera
	// Triangulator, when set, replaces the monocular depth of markers also detected by the right camera.
	Triangulator *stereo.Triangulator

	// Session receives pivot samples. A session with default settings is created when nil.
	Session *pivotcalibrators.Session
	// ManualPivotCollect disables pushing every tracked pose into a collecting session.
	ManualPivotCollect bool
}

// Frame is the input for one camera frame. Observations are used as given; Detections are
// estimated with the configured Estimator and appended to them.
type Frame struct {
	Observations []fusion.Observation
	Detections   []markerpose.Detection
	// RightDetections are the right-camera corners of a stereo pair, matched to Detections by id.
	RightDetections []markerpose.Detection
}

// FrameResult is the pipeline output for one frame. Reference and Tool are nil when the body was
// not visible.
type FrameResult struct {
	Reference *fusion.FusedBodyPose
	Tool      *fusion.FusedBodyPose
	// Raw is the unfiltered tool pose in the reference frame.
	Raw      pose.Transform
	Smoothed pose.Transform
	// Scaled is Smoothed in output units.
	Scaled pose.Transform

	Held       bool
	Gap        bool
	Reacquired bool
}

// Pipeline runs fuse, relative pose, smoothing and scaling for each frame. Calls are serialized,
// so frames may be produced from several goroutines as long as they arrive in order.
type Pipeline struct {
	mu     sync.Mutex
	logger logging.Logger
	c      Components

	frames       int
	lastRaw      pose.Transform
	hasLastRaw   bool
	lastSmoothed pose.Transform
}

// NewPipeline checks the required components and returns a pipeline.
func NewPipeline(logger logging.Logger, c Components) (*Pipeline, error) {
	switch {
	case c.Reference == nil:
		return nil, errors.New("reference body model is required")
	case c.Tool == nil:
		return nil, errors.New("tool body model is required")
	case c.Fuser == nil:
		return nil, errors.New("fuser is required")
	case c.Tracker == nil:
		return nil, errors.New("tracker is required")
	case c.Estimator != nil && c.Camera == nil:
		return nil, errors.New("estimator requires a camera")
	}
	if c.Session == nil {
		c.Session = pivotcalibrators.NewSession(pivotcalibrators.NewCalibrator(logger, 0), false)
	}
	return &Pipeline{logger: logger, c: c}, nil
}

// ProcessFrame runs one frame through the pipeline. With GapSkip a frame without a relative pose
// returns an error wrapping trackers.ErrRelativePoseUnavailable; the fused body poses are still
// returned.
func (p *Pipeline) ProcessFrame(f Frame) (FrameResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames++

	observations, err := p.observations(f)
	if err != nil {
		return FrameResult{}, err
	}

	var res FrameResult
	res.Reference = p.fuse(p.c.Reference, observations)
	res.Tool = p.fuse(p.c.Tool, observations)

	rel, err := p.c.Tracker.Update(res.Reference, res.Tool)
	if err != nil {
		return res, fmt.Errorf("frame %d: %w", p.frames, err)
	}
	if rel.Gap {
		res.Gap = true
		return res, nil
	}

	res.Raw = rel.ReferenceFromTool
	res.Held = rel.Held
	res.Reacquired = rel.Reacquired
	switch {
	case rel.Held:
		if p.c.Smoother != nil {
			res.Smoothed = p.lastSmoothed
		} else {
			res.Smoothed = res.Raw
		}
	default:
		p.lastRaw, p.hasLastRaw = res.Raw, true
		if p.c.Session.State() == pivotcalibrators.StateCollecting && !p.c.ManualPivotCollect {
			// only fails when the session is not collecting
			_ = p.c.Session.Add(res.Raw)
		}
		res.Smoothed = res.Raw
		if p.c.Smoother != nil {
			if rel.Reacquired {
				p.c.Smoother.Reset()
			}
			res.Smoothed = p.c.Smoother.Update(res.Raw)
			p.lastSmoothed = res.Smoothed
		}
	}

	res.Scaled = res.Smoothed
	if p.c.Scale != nil {
		res.Scaled = p.c.Scale.Apply(res.Smoothed)
	}
	return res, nil
}

func (p *Pipeline) fuse(model *body.Model, observations []fusion.Observation) *fusion.FusedBodyPose {
	fused, err := p.c.Fuser.Fuse(model, observations)
	if err != nil {
		p.logger.Debugf("frame %d: %s: %v", p.frames, model.Name, err)
		return nil
	}
	return &fused
}

// observations appends estimated poses for raw detections to the given observations.
// Markers whose estimation fails are left out.
func (p *Pipeline) observations(f Frame) ([]fusion.Observation, error) {
	if len(f.Detections) == 0 {
		return f.Observations, nil
	}
	if p.c.Estimator == nil {
		return nil, errors.New("frame has corner detections but no marker pose estimator is configured")
	}
	rightCorners := make(map[int]markerpose.Detection, len(f.RightDetections))
	for _, d := range f.RightDetections {
		rightCorners[d.ID] = d
	}

	out := append([]fusion.Observation(nil), f.Observations...)
	for _, d := range f.Detections {
		size, ok := p.markerSize(d.ID)
		if !ok {
			continue
		}
		est, err := p.c.Estimator.Estimate(d.Corners, size, *p.c.Camera)
		if err != nil {
			p.logger.Debugf("frame %d: marker %d: %v", p.frames, d.ID, err)
			continue
		}
		if rd, ok := rightCorners[d.ID]; ok && p.c.Triangulator != nil {
			stereoEst, err := p.c.Triangulator.MarkerPose(est, d.Corners, rd.Corners)
			if err != nil {
				p.logger.Debugf("frame %d: marker %d: keeping monocular estimate: %v", p.frames, d.ID, err)
			} else {
				est = stereoEst
			}
		}
		out = append(out, fusion.Observation{
			ID:                d.ID,
			CameraFromMarker:  est.CameraFromMarker,
			ReprojectionError: est.ReprojectionError,
		})
	}
	return out, nil
}

func (p *Pipeline) markerSize(id int) (float64, bool) {
	switch {
	case p.c.Reference.Has(id):
		return p.c.Reference.MarkerSize, true
	case p.c.Tool.Has(id):
		return p.c.Tool.MarkerSize, true
	default:
		return 0, false
	}
}

// ResetFilter clears the tracker and smoother state.
func (p *Pipeline) ResetFilter() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c.Tracker.Reset()
	if p.c.Smoother != nil {
		p.c.Smoother.Reset()
	}
	p.hasLastRaw = false
}

// Scale returns the output scale converter, if any.
func (p *Pipeline) Scale() *utils.ScaleConverter {
	return p.c.Scale
}

// Triangulator returns the stereo triangulator, if any.
func (p *Pipeline) Triangulator() *stereo.Triangulator {
	return p.c.Triangulator
}
