package trackers

import (
	"errors"
	"fmt"

	"go.viam.com/rdk/logging"

	"surgicalnav/fusion"
	"surgicalnav/pose"
)

// ErrRelativePoseUnavailable means the reference or the tool was not visible this frame.
var ErrRelativePoseUnavailable = errors.New("relative pose unavailable")

// GapPolicy says what the tracker reports for a frame without a relative pose.
type GapPolicy string

const (
	// GapSkip returns ErrRelativePoseUnavailable; the caller drops the frame.
	GapSkip GapPolicy = "skip"
	// GapHoldLast repeats the last good pose flagged as held. Before any good pose it behaves like GapSkip.
	GapHoldLast GapPolicy = "hold"
	// GapSignal returns a result flagged as a gap so consumers can show the loss of tracking.
	GapSignal GapPolicy = "signal"
)

// ParseGapPolicy validates a configured policy name.
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch p := GapPolicy(s); p {
	case GapSkip, GapHoldLast, GapSignal:
		return p, nil
	default:
		return "", fmt.Errorf("gap_policy must be one of %q, %q or %q, got %q", GapSkip, GapHoldLast, GapSignal, s)
	}
}

// Relative is the tool pose in the reference frame for one frame.
type Relative struct {
	ReferenceFromTool pose.Transform
	// Held is set when ReferenceFromTool is a repeat of an earlier frame.
	Held bool
	// Gap is set when no pose is available and the policy is GapSignal.
	Gap bool
	// Reacquired is set on the first good frame after one or more missing frames.
	Reacquired bool
}

// RelativePose computes T_ref_tool = inv(T_cam_ref)·T_cam_tool.
func RelativePose(reference, tool *fusion.FusedBodyPose) (pose.Transform, error) {
	switch {
	case reference == nil && tool == nil:
		return pose.Transform{}, fmt.Errorf("%w: reference and tool not visible", ErrRelativePoseUnavailable)
	case reference == nil:
		return pose.Transform{}, fmt.Errorf("%w: reference not visible", ErrRelativePoseUnavailable)
	case tool == nil:
		return pose.Transform{}, fmt.Errorf("%w: tool not visible", ErrRelativePoseUnavailable)
	}
	return pose.Compose(pose.Invert(reference.CameraFromBody), tool.CameraFromBody), nil
}

// ReferenceFrameTracker applies a caller-chosen GapPolicy over successive frames.
type ReferenceFrameTracker struct {
	logger  logging.Logger
	policy  GapPolicy
	last    pose.Transform
	hasLast bool
	missing int
}

// NewReferenceFrameTracker requires an explicit policy.
func NewReferenceFrameTracker(logger logging.Logger, policy GapPolicy) (*ReferenceFrameTracker, error) {
	if _, err := ParseGapPolicy(string(policy)); err != nil {
		return nil, err
	}
	return &ReferenceFrameTracker{logger: logger, policy: policy}, nil
}

// Policy returns the configured gap policy.
func (t *ReferenceFrameTracker) Policy() GapPolicy {
	return t.policy
}

// Update implements Tracker.
func (t *ReferenceFrameTracker) Update(reference, tool *fusion.FusedBodyPose) (Relative, error) {
	rel, err := RelativePose(reference, tool)
	if err == nil {
		out := Relative{ReferenceFromTool: rel, Reacquired: t.missing > 0}
		if out.Reacquired {
			t.logger.Infof("tracking reacquired after %d missing frames", t.missing)
		}
		t.last, t.hasLast, t.missing = rel, true, 0
		return out, nil
	}

	t.missing++
	if t.missing == 1 {
		t.logger.Warnf("lost tracking: %v", err)
	}
	switch t.policy {
	case GapHoldLast:
		if t.hasLast {
			return Relative{ReferenceFromTool: t.last, Held: true}, nil
		}
	case GapSignal:
		return Relative{Gap: true}, nil
	case GapSkip:
	}
	return Relative{}, err
}

// Reset forgets the last good pose.
func (t *ReferenceFrameTracker) Reset() {
	t.last, t.hasLast, t.missing = pose.Transform{}, false, 0
}

// MissingFrames is the number of consecutive frames without a relative pose.
func (t *ReferenceFrameTracker) MissingFrames() int {
	return t.missing
}
