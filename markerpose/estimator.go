// Package markerpose defines how per-marker camera-frame poses are obtained from detected corners.
package markerpose

import (
	"errors"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"

	"surgicalnav/pose"
)

// ErrEstimationUnavailable means the corner correspondences were degenerate. The marker must be
// treated as absent for the frame; no default pose is substituted.
var ErrEstimationUnavailable = errors.New("marker pose estimation unavailable")

// Estimate is the camera-frame pose of one marker.
type Estimate struct {
	// CameraFromMarker maps marker-local coordinates (origin at the marker centre) into the camera frame.
	CameraFromMarker pose.Transform
	// ReprojectionError is the RMS pixel distance between observed and re-projected corners.
	ReprojectionError float64
}

// Estimator solves the pose of a square planar marker from its four detected corners.
// Corners are ordered top-left, top-right, bottom-right, bottom-left as seen on the printed marker.
type Estimator interface {
	Estimate(corners [4]r2.Point, markerSize float64, cam Camera) (Estimate, error)
}

// Detection is one detected marker in one image.
type Detection struct {
	ID      int         `json:"id"`
	Corners [4]r2.Point `json:"corners"`
}

// MarkerCorners returns the marker's corners in its local frame, in detection order.
func MarkerCorners(size float64) [4]r3.Vector {
	h := size / 2
	return [4]r3.Vector{
		{X: -h, Y: h},
		{X: h, Y: h},
		{X: h, Y: -h},
		{X: -h, Y: -h},
	}
}

// ReprojectionRMS projects the marker corners through cameraFromMarker and returns the RMS
// distance to the observed corners. ok is false if any corner lands behind the camera.
func ReprojectionRMS(cameraFromMarker pose.Transform, corners [4]r2.Point, markerSize float64, cam Camera) (float64, bool) {
	var sq stats.Float64Data
	for i, c := range MarkerCorners(markerSize) {
		px, ok := cam.Project(cameraFromMarker.Apply(c))
		if !ok {
			return 0, false
		}
		d := px.Sub(corners[i])
		sq = append(sq, d.Dot(d))
	}
	mean, err := stats.Mean(sq)
	if err != nil {
		return 0, false
	}
	return math.Sqrt(mean), true
}
