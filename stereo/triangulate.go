package stereo

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"surgicalnav/pose"
)

// ErrTriangulationIllConditioned is returned when the two viewing rays are too close to parallel
// for the intersection to be trusted.
var ErrTriangulationIllConditioned = errors.New("triangulation ill-conditioned")

// DefaultMinRayConditioning is the smallest accepted ratio of the smallest to largest singular value
// of the ray-constraint block. It is roughly the sine of the angle between the two viewing rays.
const DefaultMinRayConditioning = 1e-6

// Triangulator recovers 3D points in the left camera frame from matched image points.
type Triangulator struct {
	rig             *Rig
	pLeft, pRight   *mat.Dense
	minConditioning float64
}

// NewTriangulator builds the projection matrices K_l[I|0] and K_r[R|T] for rig.
func NewTriangulator(rig *Rig) *Triangulator {
	pLeft := mat.NewDense(3, 4, nil)
	pLeft.Mul(rig.Left.Matrix(), extrinsicMatrix(pose.Identity()))
	pRight := mat.NewDense(3, 4, nil)
	pRight.Mul(rig.Right.Matrix(), extrinsicMatrix(rig.RightFromLeft))
	return &Triangulator{
		rig:             rig,
		pLeft:           pLeft,
		pRight:          pRight,
		minConditioning: DefaultMinRayConditioning,
	}
}

// SetMinConditioning overrides DefaultMinRayConditioning.
func (t *Triangulator) SetMinConditioning(v float64) {
	t.minConditioning = v
}

// Triangulate intersects the rays through left and right (raw pixel coordinates; lens distortion
// is removed first) and returns the point in the left camera frame.
func (t *Triangulator) Triangulate(left, right r2.Point) (r3.Vector, error) {
	left = t.rig.Left.Undistort(left)
	right = t.rig.Right.Undistort(right)
	return TriangulateDLT(t.pLeft, t.pRight, left, right, t.minConditioning)
}

// TriangulateDLT solves the linear two-view triangulation for projection matrices p1, p2.
func TriangulateDLT(p1, p2 mat.Matrix, x1, x2 r2.Point, minConditioning float64) (r3.Vector, error) {
	a := mat.NewDense(4, 4, nil)
	setConstraint(a, 0, p1, x1.X, 0)
	setConstraint(a, 1, p1, x1.Y, 1)
	setConstraint(a, 2, p2, x2.X, 0)
	setConstraint(a, 3, p2, x2.Y, 1)

	// each row is scaled so its direction part has unit length, which makes the singular
	// values of that block independent of pixel scale and depth
	for i := 0; i < 4; i++ {
		n := math.Sqrt(a.At(i, 0)*a.At(i, 0) + a.At(i, 1)*a.At(i, 1) + a.At(i, 2)*a.At(i, 2))
		if n == 0 {
			return r3.Vector{}, fmt.Errorf("%w: degenerate projection row", ErrTriangulationIllConditioned)
		}
		for j := 0; j < 4; j++ {
			a.Set(i, j, a.At(i, j)/n)
		}
	}

	var rays mat.SVD
	if ok := rays.Factorize(a.Slice(0, 4, 0, 3), mat.SVDNone); !ok {
		return r3.Vector{}, fmt.Errorf("%w: failed to factorize ray constraints", ErrTriangulationIllConditioned)
	}
	sv := rays.Values(nil)
	if sv[2]/sv[0] < minConditioning {
		return r3.Vector{}, fmt.Errorf("%w: viewing rays nearly parallel (conditioning %.3g)", ErrTriangulationIllConditioned, sv[2]/sv[0])
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, fmt.Errorf("%w: failed to factorize triangulation system", ErrTriangulationIllConditioned)
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, fmt.Errorf("%w: point at infinity", ErrTriangulationIllConditioned)
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, nil
}

// setConstraint writes coord·P[row=2] − P[axis] into row i of a.
func setConstraint(a *mat.Dense, i int, p mat.Matrix, coord float64, axis int) {
	for j := 0; j < 4; j++ {
		a.Set(i, j, coord*p.At(2, j)-p.At(axis, j))
	}
}

func extrinsicMatrix(t pose.Transform) *mat.Dense {
	m := t.Matrix()
	return mat.NewDense(3, 4, []float64{
		m[0][0], m[0][1], m[0][2], m[0][3],
		m[1][0], m[1][1], m[1][2], m[1][3],
		m[2][0], m[2][1], m[2][2], m[2][3],
	})
}
