// Package fusion combines the markers of one rigid body seen in a frame into a single body pose.
package fusion

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/num/quat"

	"surgicalnav/body"
	"surgicalnav/pose"
)

// ErrFusionUnavailable means no marker of the body was accepted this frame.
var ErrFusionUnavailable = errors.New("body not visible")

const (
	// DefaultMaxReprojectionError in pixels.
	DefaultMaxReprojectionError = 2.0
	// DefaultEpsilon keeps the inverse-square weight finite for a perfect fit.
	DefaultEpsilon = 1e-9
)

// Observation is one marker's camera-frame pose in the current frame.
type Observation struct {
	ID                int            `json:"id"`
	CameraFromMarker  pose.Transform `json:"-"`
	ReprojectionError float64        `json:"reprojection_error"`
}

// FusedBodyPose is the camera-frame pose of a whole body for one frame.
type FusedBodyPose struct {
	Body           string
	CameraFromBody pose.Transform
	// MarkersTotal counts observations of markers registered to the body.
	MarkersTotal int
	MarkersUsed  int
	// MeanError is the mean reprojection error of the accepted markers.
	MeanError float64
	Rejected  []int
}

// Fuser is stateless apart from its thresholds and may be shared by several bodies.
type Fuser struct {
	logger               logging.Logger
	maxReprojectionError float64
	epsilon              float64
}

// NewFuser returns a fuser rejecting markers whose reprojection error exceeds maxReprojectionError.
// A non-positive threshold selects DefaultMaxReprojectionError.
func NewFuser(logger logging.Logger, maxReprojectionError float64) *Fuser {
	if maxReprojectionError <= 0 {
		maxReprojectionError = DefaultMaxReprojectionError
	}
	return &Fuser{
		logger:               logger,
		maxReprojectionError: maxReprojectionError,
		epsilon:              DefaultEpsilon,
	}
}

// MaxReprojectionError returns the rejection threshold in pixels.
func (f *Fuser) MaxReprojectionError() float64 {
	return f.maxReprojectionError
}

// Fuse estimates the body pose from the markers in observations. Observations of markers that are
// not part of model are ignored. If a marker is observed more than once the lowest-error
// observation is used.
func (f *Fuser) Fuse(model *body.Model, observations []Observation) (FusedBodyPose, error) {
	best := map[int]Observation{}
	for _, o := range observations {
		if !model.Has(o.ID) {
			continue
		}
		if prev, ok := best[o.ID]; ok {
			f.logger.Debugf("%s: marker %d observed twice, keeping the better estimate", model.Name, o.ID)
			if prev.ReprojectionError <= o.ReprojectionError {
				continue
			}
		}
		best[o.ID] = o
	}

	result := FusedBodyPose{Body: model.Name, MarkersTotal: len(best)}
	var candidates []pose.Transform
	var weights []float64
	var errs stats.Float64Data
	for _, id := range model.MarkerIDs() {
		o, ok := best[id]
		if !ok {
			continue
		}
		e := o.ReprojectionError
		if math.IsNaN(e) || e < 0 || e > f.maxReprojectionError {
			f.logger.Debugf("%s: rejecting marker %d, reprojection error %.3f px exceeds %.3f px",
				model.Name, id, e, f.maxReprojectionError)
			result.Rejected = append(result.Rejected, id)
			continue
		}
		bodyFromMarker, _ := model.BodyFromMarker(id)
		candidates = append(candidates, pose.Compose(o.CameraFromMarker, pose.Invert(bodyFromMarker)))
		weights = append(weights, 1/(e*e+f.epsilon))
		errs = append(errs, e)
	}
	if len(candidates) == 0 {
		return result, fmt.Errorf("%w: %s (%d markers seen, none accepted)", ErrFusionUnavailable, model.Name, result.MarkersTotal)
	}

	fused, err := WeightedAverage(candidates, weights)
	if err != nil {
		return result, err
	}
	mean, err := stats.Mean(errs)
	if err != nil {
		return result, err
	}
	result.CameraFromBody = fused
	result.MarkersUsed = len(candidates)
	result.MeanError = mean
	return result, nil
}

// WeightedAverage blends transforms that describe nearly the same pose. Translations are averaged
// linearly. Rotations are averaged as quaternions after flipping each into the hemisphere of the
// first one, which is accurate while the candidates disagree by small angles.
func WeightedAverage(ts []pose.Transform, weights []float64) (pose.Transform, error) {
	if len(ts) == 0 || len(ts) != len(weights) {
		return pose.Transform{}, fmt.Errorf("need matching non-empty transforms and weights, got %d and %d", len(ts), len(weights))
	}
	var wsum float64
	var trans r3.Vector
	var qsum quat.Number
	ref := ts[0].Quaternion()
	for i, t := range ts {
		w := weights[i]
		if w <= 0 || math.IsInf(w, 0) || math.IsNaN(w) {
			return pose.Transform{}, fmt.Errorf("weight %d must be positive and finite, got %f", i, w)
		}
		wsum += w
		trans = trans.Add(t.Translation().Mul(w))
		qsum = quat.Add(qsum, quat.Scale(w, pose.AlignHemisphere(t.Quaternion(), ref)))
	}
	trans = trans.Mul(1 / wsum)
	if quat.Abs(qsum) < 1e-12 {
		return pose.FromQuaternion(ref, trans), nil
	}
	return pose.FromQuaternion(qsum, trans), nil
}
