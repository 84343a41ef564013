package markerpose

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/optimize"

	"surgicalnav/pose"
)

// reprojectionCost is the summed squared corner distance for a pose parameterized as
// [tx, ty, tz, rx, ry, rz] with (rx, ry, rz) an axis-angle vector.
type reprojectionCost struct {
	corners    [4]r2.Point
	markerSize float64
	cam        Camera
}

func paramsToTransform(params []float64) pose.Transform {
	return pose.FromRodrigues(
		r3.Vector{X: params[3], Y: params[4], Z: params[5]},
		r3.Vector{X: params[0], Y: params[1], Z: params[2]},
	)
}

func (rc *reprojectionCost) Func(params []float64) float64 {
	cameraFromMarker := paramsToTransform(params)
	var sum float64
	for i, c := range MarkerCorners(rc.markerSize) {
		px, ok := rc.cam.Project(cameraFromMarker.Apply(c))
		if !ok {
			return 1e10 // large penalty for corners behind the camera
		}
		d := px.Sub(rc.corners[i])
		sum += d.Dot(d)
	}
	return sum
}

// Refine polishes an initial estimate by minimizing the corner reprojection error.
// The initial estimate is returned if refinement does not improve it.
func Refine(initial Estimate, corners [4]r2.Point, markerSize float64, cam Camera) (Estimate, error) {
	rc := &reprojectionCost{corners: corners, markerSize: markerSize, cam: cam}
	t0 := initial.CameraFromMarker.Translation()
	r0 := initial.CameraFromMarker.Rodrigues()
	x0 := []float64{t0.X, t0.Y, t0.Z, r0.X, r0.Y, r0.Z}

	settings := &optimize.Settings{
		FuncEvaluations: 20000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-12,
			Iterations: 200,
		},
	}
	result, err := optimize.Minimize(optimize.Problem{Func: rc.Func}, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return initial, fmt.Errorf("refinement failed: %w", err)
	}
	if result.F >= rc.Func(x0) {
		return initial, nil
	}
	refined := paramsToTransform(result.X)
	rms, ok := ReprojectionRMS(refined, corners, markerSize, cam)
	if !ok || rms >= initial.ReprojectionError {
		return initial, nil
	}
	return Estimate{CameraFromMarker: refined, ReprojectionError: rms}, nil
}
