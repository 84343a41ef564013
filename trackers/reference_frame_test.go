package trackers

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"

	"surgicalnav/fusion"
	"surgicalnav/pose"
)

func vectorsAlmostEqual(v1, v2 r3.Vector, tol float64) bool {
	return math.Abs(v1.X-v2.X) < tol && math.Abs(v1.Y-v2.Y) < tol && math.Abs(v1.Z-v2.Z) < tol
}

func fused(t pose.Transform) *fusion.FusedBodyPose {
	return &fusion.FusedBodyPose{CameraFromBody: t, MarkersTotal: 1, MarkersUsed: 1}
}

func TestRelativePose(t *testing.T) {
	cameraFromRef := pose.FromRodrigues(r3.Vector{Y: 0.4}, r3.Vector{X: 0.1, Z: 0.8})
	refFromTool := pose.FromRodrigues(r3.Vector{X: -0.2, Z: 1.1}, r3.Vector{X: 0.03, Y: -0.07, Z: 0.02})
	cameraFromTool := pose.Compose(cameraFromRef, refFromTool)

	got, err := RelativePose(fused(cameraFromRef), fused(cameraFromTool))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d := pose.FrobeniusDistance(got, refFromTool); d > 1e-9 {
		t.Errorf("relative pose off by %g", d)
	}

	// the tool's position in the reference frame does not depend on where the camera is
	moved := pose.FromRodrigues(r3.Vector{Z: 0.9}, r3.Vector{Y: 0.3})
	got2, err := RelativePose(fused(pose.Compose(moved, cameraFromRef)), fused(pose.Compose(moved, cameraFromTool)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !vectorsAlmostEqual(got2.Translation(), refFromTool.Translation(), 1e-9) {
		t.Errorf("got %v, want %v", got2.Translation(), refFromTool.Translation())
	}
}

func TestRelativePoseUnavailable(t *testing.T) {
	p := fused(pose.Identity())
	for name, pair := range map[string][2]*fusion.FusedBodyPose{
		"no reference": {nil, p},
		"no tool":      {p, nil},
		"neither":      {nil, nil},
	} {
		_, err := RelativePose(pair[0], pair[1])
		if !errors.Is(err, ErrRelativePoseUnavailable) {
			t.Errorf("%s: expected ErrRelativePoseUnavailable, got %v", name, err)
		}
	}
}

func TestGapPolicies(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ref := fused(pose.Identity())
	first := fused(pose.FromTranslation(r3.Vector{X: 1}))
	second := fused(pose.FromTranslation(r3.Vector{X: 2}))

	t.Run("skip", func(t *testing.T) {
		tr, err := NewReferenceFrameTracker(logger, GapSkip)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tr.Update(ref, first); err != nil {
			t.Fatal(err)
		}
		if _, err := tr.Update(ref, nil); !errors.Is(err, ErrRelativePoseUnavailable) {
			t.Fatalf("expected ErrRelativePoseUnavailable, got %v", err)
		}
		if tr.MissingFrames() != 1 {
			t.Errorf("expected 1 missing frame, got %d", tr.MissingFrames())
		}
		rel, err := tr.Update(ref, second)
		if err != nil {
			t.Fatal(err)
		}
		if !rel.Reacquired || rel.Held || rel.Gap {
			t.Errorf("unexpected flags %+v", rel)
		}
		if rel.ReferenceFromTool.Translation().X != 2 {
			t.Errorf("expected the new pose, got %v", rel.ReferenceFromTool)
		}
	})

	t.Run("hold", func(t *testing.T) {
		tr, err := NewReferenceFrameTracker(logger, GapHoldLast)
		if err != nil {
			t.Fatal(err)
		}
		// nothing to hold yet
		if _, err := tr.Update(nil, first); !errors.Is(err, ErrRelativePoseUnavailable) {
			t.Fatalf("expected ErrRelativePoseUnavailable before any good frame, got %v", err)
		}
		if _, err := tr.Update(ref, first); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 3; i++ {
			rel, err := tr.Update(nil, second)
			if err != nil {
				t.Fatal(err)
			}
			if !rel.Held || rel.ReferenceFromTool.Translation().X != 1 {
				t.Errorf("expected held first pose, got %+v", rel)
			}
		}
		tr.Reset()
		if _, err := tr.Update(nil, second); err == nil {
			t.Errorf("expected an error after reset")
		}
	})

	t.Run("signal", func(t *testing.T) {
		tr, err := NewReferenceFrameTracker(logger, GapSignal)
		if err != nil {
			t.Fatal(err)
		}
		rel, err := tr.Update(ref, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !rel.Gap || rel.Held {
			t.Errorf("expected gap, got %+v", rel)
		}
	})
}

func TestParseGapPolicy(t *testing.T) {
	for _, s := range []string{"skip", "hold", "signal"} {
		if _, err := ParseGapPolicy(s); err != nil {
			t.Errorf("%s: %v", s, err)
		}
	}
	if _, err := ParseGapPolicy(""); err == nil {
		t.Errorf("empty policy must be rejected")
	}
	if _, err := NewReferenceFrameTracker(logging.NewTestLogger(t), "later"); err == nil {
		t.Errorf("unknown policy must be rejected")
	}
}
