package markerpose

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"surgicalnav/pose"
)

// DefaultMinSingularRatio rejects homographies whose linear system is close to rank deficient.
const DefaultMinSingularRatio = 1e-9

// DefaultMinCornerArea is the smallest accepted marker footprint in squared normalized image units.
const DefaultMinCornerArea = 1e-10

// PlanarEstimator recovers a marker pose from the plane-to-image homography of its four corners.
// It is exact for noise-free corners and is a reasonable initial guess otherwise.
type PlanarEstimator struct {
	MinSingularRatio float64
	MinCornerArea    float64
	// Refine polishes the homography solution against the observed corners.
	Refine bool
}

// NewPlanarEstimator returns an estimator with default degeneracy thresholds.
func NewPlanarEstimator() *PlanarEstimator {
	return &PlanarEstimator{
		MinSingularRatio: DefaultMinSingularRatio,
		MinCornerArea:    DefaultMinCornerArea,
		Refine:           true,
	}
}

// Estimate implements Estimator.
func (e *PlanarEstimator) Estimate(corners [4]r2.Point, markerSize float64, cam Camera) (Estimate, error) {
	if markerSize <= 0 {
		return Estimate{}, fmt.Errorf("marker size must be positive, got %f", markerSize)
	}
	var normalized [4]r2.Point
	for i, c := range corners {
		normalized[i] = cam.Normalized(c)
	}
	if !e.wellSpread(normalized) {
		return Estimate{}, fmt.Errorf("%w: corners are collinear or coincident", ErrEstimationUnavailable)
	}

	// marker plane in units of the marker size keeps the system balanced
	var plane [4]r2.Point
	for i, c := range MarkerCorners(1) {
		plane[i] = r2.Point{X: c.X, Y: c.Y}
	}
	h, err := e.homography(plane, normalized)
	if err != nil {
		return Estimate{}, err
	}

	h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
	h3 := r3.Vector{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}
	scale := (h1.Norm() + h2.Norm()) / 2
	if scale < 1e-12 {
		return Estimate{}, fmt.Errorf("%w: homography has no rotation component", ErrEstimationUnavailable)
	}
	// the marker must be in front of the camera
	if h3.Z < 0 {
		scale = -scale
	}
	r1 := h1.Mul(1 / scale)
	r2v := h2.Mul(1 / scale)
	r3v := r1.Cross(r2v)
	rot := pose.NearestRotation(pose.Matrix3{
		{r1.X, r2v.X, r3v.X},
		{r1.Y, r2v.Y, r3v.Y},
		{r1.Z, r2v.Z, r3v.Z},
	})
	trans := h3.Mul(markerSize / scale)
	cameraFromMarker, err := pose.FromRotationTranslation(rot, trans)
	if err != nil {
		return Estimate{}, fmt.Errorf("%w: %v", ErrEstimationUnavailable, err)
	}

	rms, ok := ReprojectionRMS(cameraFromMarker, corners, markerSize, cam)
	if !ok {
		return Estimate{}, fmt.Errorf("%w: solved pose places corners behind the camera", ErrEstimationUnavailable)
	}
	est := Estimate{CameraFromMarker: cameraFromMarker, ReprojectionError: rms}
	if e.Refine && rms > 0 {
		return Refine(est, corners, markerSize, cam)
	}
	return est, nil
}

// homography solves H (with h22 = 1) mapping plane points p onto image points q.
func (e *PlanarEstimator) homography(p, q [4]r2.Point) (*mat.Dense, error) {
	a := mat.NewDense(8, 8, nil)
	b := mat.NewVecDense(8, nil)
	for i := range 4 {
		X, Y := p[i].X, p[i].Y
		x, y := q[i].X, q[i].Y
		r := 2 * i
		a.SetRow(r, []float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x})
		b.SetVec(r, x)
		a.SetRow(r+1, []float64{0, 0, 0, X, Y, 1, -X * y, -Y * y})
		b.SetVec(r+1, y)
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDNone); !ok {
		return nil, fmt.Errorf("%w: failed to factorize homography system", ErrEstimationUnavailable)
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[len(values)-1]/values[0] < e.MinSingularRatio {
		return nil, fmt.Errorf("%w: homography system is rank deficient", ErrEstimationUnavailable)
	}
	var qr mat.QR
	qr.Factorize(a)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEstimationUnavailable, err)
	}
	return mat.NewDense(3, 3, []float64{
		sol.AtVec(0), sol.AtVec(1), sol.AtVec(2),
		sol.AtVec(3), sol.AtVec(4), sol.AtVec(5),
		sol.AtVec(6), sol.AtVec(7), 1,
	}), nil
}

// wellSpread rejects quadrilaterals where any three corners are nearly collinear.
func (e *PlanarEstimator) wellSpread(q [4]r2.Point) bool {
	for skip := range 4 {
		var tri []r2.Point
		for i := range 4 {
			if i != skip {
				tri = append(tri, q[i])
			}
		}
		area := math.Abs(tri[1].Sub(tri[0]).Cross(tri[2].Sub(tri[0]))) / 2
		if area < e.MinCornerArea {
			return false
		}
	}
	return true
}
