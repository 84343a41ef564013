package pose

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// RotationToQuaternion converts a rotation matrix to a unit quaternion (w, x, y, z) with w >= 0.
// The branch is chosen on the largest diagonal term to keep the square root well away from zero.
func RotationToQuaternion(r Matrix3) quat.Number {
	var q quat.Number
	tr := r[0][0] + r[1][1] + r[2][2]
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (r[2][1] - r[1][2]) / s, Jmag: (r[0][2] - r[2][0]) / s, Kmag: (r[1][0] - r[0][1]) / s}
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := math.Sqrt(1+r[0][0]-r[1][1]-r[2][2]) * 2
		q = quat.Number{Real: (r[2][1] - r[1][2]) / s, Imag: 0.25 * s, Jmag: (r[0][1] + r[1][0]) / s, Kmag: (r[0][2] + r[2][0]) / s}
	case r[1][1] > r[2][2]:
		s := math.Sqrt(1+r[1][1]-r[0][0]-r[2][2]) * 2
		q = quat.Number{Real: (r[0][2] - r[2][0]) / s, Imag: (r[0][1] + r[1][0]) / s, Jmag: 0.25 * s, Kmag: (r[1][2] + r[2][1]) / s}
	default:
		s := math.Sqrt(1+r[2][2]-r[0][0]-r[1][1]) * 2
		q = quat.Number{Real: (r[1][0] - r[0][1]) / s, Imag: (r[0][2] + r[2][0]) / s, Jmag: (r[1][2] + r[2][1]) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return Normalize(q)
}

// QuaternionToRotation expects a unit quaternion.
func QuaternionToRotation(q quat.Number) Matrix3 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return Matrix3{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// Normalize scales q to unit length. The zero quaternion maps to identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Dot is the 4-vector inner product.
func Dot(a, b quat.Number) float64 {
	return a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
}

// AlignHemisphere returns q or −q, whichever lies in the same hemisphere as ref.
// Both encode the same rotation, but only same-hemisphere quaternions can be summed.
func AlignHemisphere(q, ref quat.Number) quat.Number {
	if Dot(q, ref) < 0 {
		return quat.Scale(-1, q)
	}
	return q
}

// Slerp interpolates from q0 (t=0) to q1 (t=1) along the shorter arc.
func Slerp(q0, q1 quat.Number, t float64) quat.Number {
	q0, q1 = Normalize(q0), Normalize(q1)
	q1 = AlignHemisphere(q1, q0)
	d := Dot(q0, q1)
	if d > 0.9995 {
		return Normalize(quat.Add(q0, quat.Scale(t, quat.Sub(q1, q0))))
	}
	theta0 := math.Acos(math.Min(d, 1))
	theta := theta0 * t
	ortho := Normalize(quat.Sub(q1, quat.Scale(d, q0)))
	return quat.Add(quat.Scale(math.Cos(theta), q0), quat.Scale(math.Sin(theta), ortho))
}

// AngleBetween is the rotation angle in radians separating a and b.
func AngleBetween(a, b quat.Number) float64 {
	d := quat.Mul(quat.Conj(Normalize(a)), Normalize(b))
	v := math.Sqrt(d.Imag*d.Imag + d.Jmag*d.Jmag + d.Kmag*d.Kmag)
	return 2 * math.Atan2(v, math.Abs(d.Real))
}
