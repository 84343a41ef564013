package trackers

import (
	"fmt"

	"surgicalnav/pose"
)

// DefaultAlpha weights the newest sample.
const DefaultAlpha = 0.3

// SmoothingMode selects how poses are blended.
type SmoothingMode string

const (
	// SmoothSlerp blends rotations along the geodesic and translations linearly, so every
	// output is a proper rigid transform.
	SmoothSlerp SmoothingMode = "slerp"
	// SmoothElementwise blends the 4x4 matrices entry by entry. The rotation block of the output
	// drifts from orthonormal when consecutive rotations differ a lot.
	SmoothElementwise SmoothingMode = "elementwise"
)

// TemporalSmoother is an exponential moving average over transforms.
// It is owned by one stream and must be fed in frame order.
type TemporalSmoother struct {
	alpha   float64
	mode    SmoothingMode
	state   pose.Transform
	started bool
}

// NewTemporalSmoother requires alpha in (0, 1]. An empty mode selects SmoothSlerp.
func NewTemporalSmoother(alpha float64, mode SmoothingMode) (*TemporalSmoother, error) {
	if !(alpha > 0 && alpha <= 1) {
		return nil, fmt.Errorf("smoothing alpha must be in (0, 1], got %f", alpha)
	}
	switch mode {
	case "":
		mode = SmoothSlerp
	case SmoothSlerp, SmoothElementwise:
	default:
		return nil, fmt.Errorf("smoothing_mode must be %q or %q, got %q", SmoothSlerp, SmoothElementwise, mode)
	}
	return &TemporalSmoother{alpha: alpha, mode: mode}, nil
}

// Update returns alpha·x + (1−alpha)·previous. The first sample after construction or Reset is
// returned unchanged.
func (s *TemporalSmoother) Update(x pose.Transform) pose.Transform {
	if !s.started {
		s.state, s.started = x, true
		return x
	}
	switch s.mode {
	case SmoothElementwise:
		prev, cur := s.state.Matrix(), x.Matrix()
		var m pose.Matrix4
		for i := range 4 {
			for j := range 4 {
				m[i][j] = s.alpha*cur[i][j] + (1-s.alpha)*prev[i][j]
			}
		}
		s.state = pose.FromMatrixUnchecked(m)
	default:
		q := pose.Slerp(s.state.Quaternion(), x.Quaternion(), s.alpha)
		t := x.Translation().Mul(s.alpha).Add(s.state.Translation().Mul(1 - s.alpha))
		s.state = pose.FromQuaternion(q, t)
	}
	return s.state
}

// Reset clears the filter so the next sample starts a new stream.
func (s *TemporalSmoother) Reset() {
	s.state, s.started = pose.Transform{}, false
}

// Started reports whether the filter holds a previous sample.
func (s *TemporalSmoother) Started() bool {
	return s.started
}

// Alpha returns the blend weight of the newest sample.
func (s *TemporalSmoother) Alpha() float64 {
	return s.alpha
}

// Mode returns the blending mode.
func (s *TemporalSmoother) Mode() SmoothingMode {
	return s.mode
}
