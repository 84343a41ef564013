// Package pose implements rigid transforms used throughout the tracking pipeline.
package pose

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// DefaultRotationTolerance is how far RᵀR may drift from I before a rotation is rejected.
const DefaultRotationTolerance = 1e-6

var errNotRotation = errors.New("rotation block is not orthonormal with determinant +1")

// Matrix3 is a row-major 3x3 matrix.
type Matrix3 [3][3]float64

// Matrix4 is a row-major homogeneous 4x4 matrix.
type Matrix4 [4][4]float64

// Transform is an immutable rigid motion: a rotation followed by a translation.
type Transform struct {
	rot   Matrix3
	trans r3.Vector
}

// Identity returns the transform that maps every point to itself.
func Identity() Transform {
	return Transform{rot: identity3()}
}

// FromRotationTranslation builds a transform from R and t. R must be a proper rotation.
func FromRotationTranslation(rot Matrix3, trans r3.Vector) (Transform, error) {
	if !IsRotation(rot, DefaultRotationTolerance) {
		return Transform{}, errNotRotation
	}
	return Transform{rot: rot, trans: trans}, nil
}

// FromTranslation returns a pure translation.
func FromTranslation(trans r3.Vector) Transform {
	return Transform{rot: identity3(), trans: trans}
}

// FromMatrix reads a homogeneous matrix. The bottom row must be (0, 0, 0, 1).
func FromMatrix(m Matrix4) (Transform, error) {
	if math.Abs(m[3][0])+math.Abs(m[3][1])+math.Abs(m[3][2])+math.Abs(m[3][3]-1) > DefaultRotationTolerance {
		return Transform{}, fmt.Errorf("bottom row must be [0 0 0 1], got %v", m[3])
	}
	t := FromMatrixUnchecked(m)
	if !IsRotation(t.rot, DefaultRotationTolerance) {
		return Transform{}, errNotRotation
	}
	return t, nil
}

// FromMatrixUnchecked copies the top three rows of m without validating the rotation block.
// Only the elementwise smoother needs this; everything else should use FromMatrix.
func FromMatrixUnchecked(m Matrix4) Transform {
	var t Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.rot[i][j] = m[i][j]
		}
	}
	t.trans = r3.Vector{X: m[0][3], Y: m[1][3], Z: m[2][3]}
	return t
}

// FromQuaternion builds a transform from a (not necessarily unit) quaternion and a translation.
func FromQuaternion(q quat.Number, trans r3.Vector) Transform {
	return Transform{rot: QuaternionToRotation(Normalize(q)), trans: trans}
}

// FromRodrigues builds a transform from an axis-angle rotation vector, the form most
// marker pose solvers report.
func FromRodrigues(rvec, tvec r3.Vector) Transform {
	theta := rvec.Norm()
	if theta < 1e-12 {
		return FromTranslation(tvec)
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	rot := Matrix3{
		{c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s},
		{k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s},
		{k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v},
	}
	return Transform{rot: rot, trans: tvec}
}

// FromPose converts an rdk pose.
func FromPose(p spatialmath.Pose) Transform {
	return FromQuaternion(p.Orientation().Quaternion(), p.Point())
}

// Compose returns the transform that first applies b and then a (a·b).
func Compose(a, b Transform) Transform {
	var out Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.rot[i][j] = a.rot[i][0]*b.rot[0][j] + a.rot[i][1]*b.rot[1][j] + a.rot[i][2]*b.rot[2][j]
		}
	}
	out.trans = a.Apply(b.trans)
	return out
}

// Invert uses the closed form (Rᵗ, −Rᵗt).
func Invert(t Transform) Transform {
	var out Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.rot[i][j] = t.rot[j][i]
		}
	}
	out.trans = out.rotate(t.trans).Mul(-1)
	return out
}

// Rotation returns a copy of the rotation block.
func (t Transform) Rotation() Matrix3 {
	return t.rot
}

// Translation returns the translation part.
func (t Transform) Translation() r3.Vector {
	return t.trans
}

// Apply maps a point through the transform.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return t.rotate(p).Add(t.trans)
}

func (t Transform) rotate(p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.rot[0][0]*p.X + t.rot[0][1]*p.Y + t.rot[0][2]*p.Z,
		Y: t.rot[1][0]*p.X + t.rot[1][1]*p.Y + t.rot[1][2]*p.Z,
		Z: t.rot[2][0]*p.X + t.rot[2][1]*p.Y + t.rot[2][2]*p.Z,
	}
}

// WithTranslation returns a copy of t with its translation replaced.
func (t Transform) WithTranslation(trans r3.Vector) Transform {
	t.trans = trans
	return t
}

// Matrix returns the homogeneous 4x4 encoding.
func (t Transform) Matrix() Matrix4 {
	var m Matrix4
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = t.rot[i][j]
		}
	}
	m[0][3], m[1][3], m[2][3] = t.trans.X, t.trans.Y, t.trans.Z
	m[3][3] = 1
	return m
}

// Quaternion returns the rotation as a unit quaternion with non-negative real part.
func (t Transform) Quaternion() quat.Number {
	return RotationToQuaternion(t.rot)
}

// Pose converts to an rdk pose.
func (t Transform) Pose() spatialmath.Pose {
	aa := spatialmath.QuatToR4AA(t.Quaternion())
	return spatialmath.NewPose(t.trans, &aa)
}

// IsValid reports whether the rotation block is a proper rotation within tol.
func (t Transform) IsValid(tol float64) bool {
	return IsRotation(t.rot, tol)
}

// Orthonormalized returns t with its rotation block replaced by the nearest proper rotation.
func (t Transform) Orthonormalized() Transform {
	t.rot = NearestRotation(t.rot)
	return t
}

// FrobeniusDistance is the Frobenius norm of the difference of the two 4x4 encodings.
func FrobeniusDistance(a, b Transform) float64 {
	ma, mb := a.Matrix(), b.Matrix()
	var sum float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			d := ma[i][j] - mb[i][j]
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}

// AlmostEqual compares two transforms by FrobeniusDistance.
func AlmostEqual(a, b Transform, tol float64) bool {
	return FrobeniusDistance(a, b) <= tol
}

func (t Transform) String() string {
	q := t.Quaternion()
	return fmt.Sprintf("Transform{t=(%.6f, %.6f, %.6f) q=(%.6f, %.6f, %.6f, %.6f)}",
		t.trans.X, t.trans.Y, t.trans.Z, q.Real, q.Imag, q.Jmag, q.Kmag)
}

// IsRotation checks RᵀR ≈ I and det(R) > 0.
func IsRotation(r Matrix3, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := r[0][i]*r[0][j] + r[1][i]*r[1][j] + r[2][i]*r[2][j]
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > tol {
				return false
			}
		}
	}
	return Determinant(r) > 0
}

// Determinant of a 3x3 matrix.
func Determinant(r Matrix3) float64 {
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

// NearestRotation projects r onto SO(3) using the SVD polar factor.
func NearestRotation(r Matrix3) Matrix3 {
	m := r.Dense()
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return identity3()
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var out mat.Dense
	out.Mul(&u, v.T())
	if mat.Det(&out) < 0 {
		// flip the axis of the smallest singular value
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		out.Mul(&u, v.T())
	}
	return Matrix3FromDense(&out)
}

// Dense copies r into a gonum matrix.
func (r Matrix3) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		r[0][0], r[0][1], r[0][2],
		r[1][0], r[1][1], r[1][2],
		r[2][0], r[2][1], r[2][2],
	})
}

// Matrix3FromDense reads the top-left 3x3 block of m.
func Matrix3FromDense(m mat.Matrix) Matrix3 {
	var r Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = m.At(i, j)
		}
	}
	return r
}

func identity3() Matrix3 {
	return Matrix3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
}

// Rodrigues returns the rotation as an axis-angle vector whose length is the angle in radians.
func (t Transform) Rodrigues() r3.Vector {
	q := t.Quaternion()
	v := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := v.Norm()
	if n < 1e-15 {
		return r3.Vector{}
	}
	return v.Mul(2 * math.Atan2(n, q.Real) / n)
}
