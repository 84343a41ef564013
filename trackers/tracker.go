// Package trackers turns per-frame body poses into a stream of tool-in-reference poses.
package trackers

import (
	"surgicalnav/fusion"
	"surgicalnav/pose"
)

// Tracker combines the fused reference and tool poses of one frame. A nil body pose means that
// body could not be fused this frame.
type Tracker interface {
	Update(reference, tool *fusion.FusedBodyPose) (Relative, error)
	Reset()
}

// Smoother filters a transform stream. Calls must arrive in frame order.
type Smoother interface {
	Update(x pose.Transform) pose.Transform
	Reset()
}
