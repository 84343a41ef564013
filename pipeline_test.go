package surgicalnav

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"surgicalnav/body"
	"surgicalnav/fusion"
	"surgicalnav/markerpose"
	pivotcalibrators "surgicalnav/pivot-calibrators"
	"surgicalnav/pose"
	"surgicalnav/trackers"
	"surgicalnav/utils"
)

var (
	cameraFromReference = pose.FromRodrigues(r3.Vector{X: 0.1, Y: -0.2, Z: 0.05}, r3.Vector{X: -0.08, Y: 0.02, Z: 0.6})
	cameraFromTool      = pose.FromRodrigues(r3.Vector{X: -0.15, Y: 0.1, Z: 0.3}, r3.Vector{X: 0.07, Y: -0.03, Z: 0.5})
)

func testModels(t *testing.T) (*body.Model, *body.Model) {
	t.Helper()
	reference, err := body.NewModel("reference", 0.04, map[int]pose.Transform{
		1: pose.Identity(),
		2: pose.FromTranslation(r3.Vector{X: 0.05}),
	})
	test.That(t, err, test.ShouldBeNil)
	tool, err := body.NewModel("tool", 0.04, map[int]pose.Transform{
		10: pose.Identity(),
		11: pose.FromRodrigues(r3.Vector{Y: 0.3}, r3.Vector{X: 0.04, Z: -0.01}),
	})
	test.That(t, err, test.ShouldBeNil)
	return reference, tool
}

func testPipeline(t *testing.T, policy trackers.GapPolicy, smoother trackers.Smoother, scale *utils.ScaleConverter) *Pipeline {
	t.Helper()
	logger := logging.NewTestLogger(t)
	reference, tool := testModels(t)
	tracker, err := trackers.NewReferenceFrameTracker(logger, policy)
	test.That(t, err, test.ShouldBeNil)
	p, err := NewPipeline(logger, Components{
		Reference: reference,
		Tool:      tool,
		Fuser:     fusion.NewFuser(logger, 0),
		Tracker:   tracker,
		Smoother:  smoother,
		Scale:     scale,
	})
	test.That(t, err, test.ShouldBeNil)
	return p
}

// observeBody returns perfect observations of every marker of m with the body at cameraFromBody.
func observeBody(m *body.Model, cameraFromBody pose.Transform) []fusion.Observation {
	var obs []fusion.Observation
	for _, id := range m.MarkerIDs() {
		bm, _ := m.BodyFromMarker(id)
		obs = append(obs, fusion.Observation{ID: id, CameraFromMarker: pose.Compose(cameraFromBody, bm), ReprojectionError: 0.2})
	}
	return obs
}

func frameOf(p *Pipeline, cameraFromRef, cameraFromTool *pose.Transform) Frame {
	var f Frame
	if cameraFromRef != nil {
		f.Observations = append(f.Observations, observeBody(p.c.Reference, *cameraFromRef)...)
	}
	if cameraFromTool != nil {
		f.Observations = append(f.Observations, observeBody(p.c.Tool, *cameraFromTool)...)
	}
	return f
}

func TestProcessFrameRelativePose(t *testing.T) {
	scale, err := utils.NewScaleConverter(1000)
	test.That(t, err, test.ShouldBeNil)
	p := testPipeline(t, trackers.GapSkip, nil, &scale)

	res, err := p.ProcessFrame(frameOf(p, &cameraFromReference, &cameraFromTool))
	test.That(t, err, test.ShouldBeNil)
	want := pose.Compose(pose.Invert(cameraFromReference), cameraFromTool)

	test.That(t, res.Reference, test.ShouldNotBeNil)
	test.That(t, res.Tool, test.ShouldNotBeNil)
	test.That(t, res.Reference.MarkersUsed, test.ShouldEqual, 2)
	test.That(t, pose.FrobeniusDistance(res.Raw, want), test.ShouldBeLessThan, 1e-9)
	test.That(t, pose.FrobeniusDistance(res.Smoothed, res.Raw), test.ShouldBeLessThan, 1e-12)
	test.That(t, res.Scaled.Translation().Sub(want.Translation().Mul(1000)).Norm(), test.ShouldBeLessThan, 1e-6)
	test.That(t, res.Scaled.Rotation(), test.ShouldResemble, res.Raw.Rotation())
	test.That(t, res.Held || res.Gap || res.Reacquired, test.ShouldBeFalse)
}

func TestProcessFrameGapPolicies(t *testing.T) {
	t.Run("skip", func(t *testing.T) {
		p := testPipeline(t, trackers.GapSkip, nil, nil)
		res, err := p.ProcessFrame(frameOf(p, &cameraFromReference, nil))
		test.That(t, errors.Is(err, trackers.ErrRelativePoseUnavailable), test.ShouldBeTrue)
		test.That(t, res.Reference, test.ShouldNotBeNil)
		test.That(t, res.Tool, test.ShouldBeNil)
	})

	t.Run("signal", func(t *testing.T) {
		p := testPipeline(t, trackers.GapSignal, nil, nil)
		res, err := p.ProcessFrame(frameOf(p, nil, &cameraFromTool))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Gap, test.ShouldBeTrue)
		test.That(t, res.Reference, test.ShouldBeNil)
	})

	t.Run("hold", func(t *testing.T) {
		smoother, err := trackers.NewTemporalSmoother(0.5, trackers.SmoothSlerp)
		test.That(t, err, test.ShouldBeNil)
		p := testPipeline(t, trackers.GapHoldLast, smoother, nil)

		_, err = p.ProcessFrame(frameOf(p, &cameraFromReference, nil))
		test.That(t, errors.Is(err, trackers.ErrRelativePoseUnavailable), test.ShouldBeTrue)

		first, err := p.ProcessFrame(frameOf(p, &cameraFromReference, &cameraFromTool))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, first.Reacquired, test.ShouldBeTrue)

		held, err := p.ProcessFrame(frameOf(p, &cameraFromReference, nil))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, held.Held, test.ShouldBeTrue)
		test.That(t, held.Raw, test.ShouldResemble, first.Raw)
		test.That(t, held.Smoothed, test.ShouldResemble, first.Smoothed)
	})
}

func TestProcessFrameResetsSmootherOnReacquisition(t *testing.T) {
	smoother, err := trackers.NewTemporalSmoother(0.5, trackers.SmoothSlerp)
	test.That(t, err, test.ShouldBeNil)
	p := testPipeline(t, trackers.GapSignal, smoother, nil)

	_, err = p.ProcessFrame(frameOf(p, &cameraFromReference, &cameraFromTool))
	test.That(t, err, test.ShouldBeNil)

	moved := pose.Compose(cameraFromTool, pose.FromTranslation(r3.Vector{X: 0.03}))
	blended, err := p.ProcessFrame(frameOf(p, &cameraFromReference, &moved))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose.FrobeniusDistance(blended.Smoothed, blended.Raw), test.ShouldBeGreaterThan, 1e-3)

	gap, err := p.ProcessFrame(frameOf(p, &cameraFromReference, nil))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gap.Gap, test.ShouldBeTrue)

	back, err := p.ProcessFrame(frameOf(p, &cameraFromReference, &cameraFromTool))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Reacquired, test.ShouldBeTrue)
	test.That(t, pose.FrobeniusDistance(back.Smoothed, back.Raw), test.ShouldBeLessThan, 1e-12)
}

func TestProcessFrameFromDetections(t *testing.T) {
	logger := logging.NewTestLogger(t)
	reference, tool := testModels(t)
	tracker, err := trackers.NewReferenceFrameTracker(logger, trackers.GapSkip)
	test.That(t, err, test.ShouldBeNil)
	cam, err := markerpose.NewCamera(mat.NewDense(3, 3, []float64{800, 0, 320, 0, 800, 240, 0, 0, 1}), 640, 480, nil)
	test.That(t, err, test.ShouldBeNil)

	withoutEstimator := testPipeline(t, trackers.GapSkip, nil, nil)
	_, err = withoutEstimator.ProcessFrame(Frame{Detections: []markerpose.Detection{{ID: 1}}})
	test.That(t, err, test.ShouldNotBeNil)

	p, err := NewPipeline(logger, Components{
		Reference: reference,
		Tool:      tool,
		Fuser:     fusion.NewFuser(logger, 0),
		Tracker:   tracker,
		Estimator: markerpose.NewPlanarEstimator(),
		Camera:    &cam,
	})
	test.That(t, err, test.ShouldBeNil)

	var detections []markerpose.Detection
	for _, o := range append(observeBody(reference, cameraFromReference), observeBody(tool, cameraFromTool)...) {
		var corners [4]r2.Point
		for i, c := range markerpose.MarkerCorners(0.04) {
			px, ok := cam.Project(o.CameraFromMarker.Apply(c))
			test.That(t, ok, test.ShouldBeTrue)
			corners[i] = px
		}
		detections = append(detections, markerpose.Detection{ID: o.ID, Corners: corners})
	}
	// unknown markers are ignored
	detections = append(detections, markerpose.Detection{ID: 99, Corners: detections[0].Corners})

	res, err := p.ProcessFrame(Frame{Detections: detections})
	test.That(t, err, test.ShouldBeNil)
	want := pose.Compose(pose.Invert(cameraFromReference), cameraFromTool)
	test.That(t, pose.FrobeniusDistance(res.Raw, want), test.ShouldBeLessThan, 1e-5)
	test.That(t, res.Tool.MarkersUsed, test.ShouldEqual, 2)
}

func TestPipelinePivotCollection(t *testing.T) {
	p := testPipeline(t, trackers.GapSkip, nil, nil)
	_, _, err := p.PushSample()
	test.That(t, err, test.ShouldNotBeNil)

	tip := r3.Vector{Z: -0.12}
	pivot := r3.Vector{X: 0.02, Y: 0.01, Z: 0.05}
	rng := rand.New(rand.NewSource(3))
	relative := func() pose.Transform {
		axis := r3.Vector{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1, Z: rng.Float64() - 0.5}
		rot := pose.FromRodrigues(axis.Normalize().Mul(0.2+0.4*rng.Float64()), r3.Vector{})
		return rot.WithTranslation(pivot.Sub(rot.Apply(tip)))
	}

	// frames before Start are not collected
	tool := pose.Compose(cameraFromReference, relative())
	_, err = p.ProcessFrame(frameOf(p, &cameraFromReference, &tool))
	test.That(t, err, test.ShouldBeNil)
	state, n := p.PivotState()
	test.That(t, state, test.ShouldEqual, pivotcalibrators.StateIdle)
	test.That(t, n, test.ShouldEqual, 0)

	p.StartPivot()
	for i := 0; i < 24; i++ {
		tool := pose.Compose(cameraFromReference, relative())
		_, err := p.ProcessFrame(frameOf(p, &cameraFromReference, &tool))
		test.That(t, err, test.ShouldBeNil)
	}
	// a lost frame adds nothing
	_, err = p.ProcessFrame(frameOf(p, nil, &tool))
	test.That(t, err, test.ShouldNotBeNil)

	_, n = p.PivotState()
	test.That(t, n, test.ShouldEqual, 24)
	n, err = p.PopSample()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 23)

	report, err := p.SolvePivot()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.TipOffset.Sub(tip).Norm(), test.ShouldBeLessThan, 1e-6)
	test.That(t, report.PivotPoint.Sub(pivot).Norm(), test.ShouldBeLessThan, 1e-6)
	test.That(t, report.Quality.Warnings, test.ShouldBeEmpty)
	state, _ = p.PivotState()
	test.That(t, state, test.ShouldEqual, pivotcalibrators.StateSolved)

	samples := p.PivotSamples()
	p.ClearPivot()
	state, n = p.PivotState()
	test.That(t, state, test.ShouldEqual, pivotcalibrators.StateIdle)
	test.That(t, n, test.ShouldEqual, 0)
	p.LoadPivotSamples(samples)
	_, n = p.PivotState()
	test.That(t, n, test.ShouldEqual, 23)
}

func TestPipelineManualPivotCollect(t *testing.T) {
	logger := logging.NewTestLogger(t)
	reference, tool := testModels(t)
	tracker, err := trackers.NewReferenceFrameTracker(logger, trackers.GapSkip)
	test.That(t, err, test.ShouldBeNil)
	p, err := NewPipeline(logger, Components{
		Reference:          reference,
		Tool:               tool,
		Fuser:              fusion.NewFuser(logger, 0),
		Tracker:            tracker,
		ManualPivotCollect: true,
	})
	test.That(t, err, test.ShouldBeNil)

	p.StartPivot()
	res, err := p.ProcessFrame(frameOf(p, &cameraFromReference, &cameraFromTool))
	test.That(t, err, test.ShouldBeNil)
	_, n := p.PivotState()
	test.That(t, n, test.ShouldEqual, 0)

	sample, n, err := p.PushSample()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 1)
	test.That(t, sample, test.ShouldResemble, res.Raw)
}

func TestNewPipelineRequiresComponents(t *testing.T) {
	logger := logging.NewTestLogger(t)
	reference, tool := testModels(t)
	_, err := NewPipeline(logger, Components{Reference: reference, Tool: tool})
	test.That(t, err, test.ShouldNotBeNil)

	tracker, err := trackers.NewReferenceFrameTracker(logger, trackers.GapSkip)
	test.That(t, err, test.ShouldBeNil)
	_, err = NewPipeline(logger, Components{
		Reference: reference,
		Tool:      tool,
		Fuser:     fusion.NewFuser(logger, 0),
		Tracker:   tracker,
		Estimator: markerpose.NewPlanarEstimator(),
	})
	test.That(t, err, test.ShouldNotBeNil)
}
