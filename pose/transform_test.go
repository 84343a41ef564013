package pose

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func randomTransform(rng *rand.Rand) Transform {
	rvec := r3.Vector{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1, Z: rng.Float64()*2 - 1}.Mul(math.Pi * rng.Float64())
	tvec := r3.Vector{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1, Z: rng.Float64()*2 - 1}.Mul(500)
	return FromRodrigues(rvec, tvec)
}

func TestComposeWithInverseIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		tf := randomTransform(rng)
		test.That(t, AlmostEqual(Compose(tf, Invert(tf)), Identity(), 1e-9), test.ShouldBeTrue)
		test.That(t, AlmostEqual(Compose(Invert(tf), tf), Identity(), 1e-9), test.ShouldBeTrue)
		test.That(t, AlmostEqual(Invert(Invert(tf)), tf, 1e-9), test.ShouldBeTrue)
	}
}

func TestComposeIsAssociative(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 200; i++ {
		a, b, c := randomTransform(rng), randomTransform(rng), randomTransform(rng)
		left := Compose(Compose(a, b), c)
		right := Compose(a, Compose(b, c))
		test.That(t, FrobeniusDistance(left, right), test.ShouldBeLessThan, 1e-9)
	}
}

func TestComposeIsNotCommutative(t *testing.T) {
	a := FromRodrigues(r3.Vector{Z: math.Pi / 2}, r3.Vector{X: 1})
	b := FromTranslation(r3.Vector{Y: 2})
	test.That(t, AlmostEqual(Compose(a, b), Compose(b, a), 1e-6), test.ShouldBeFalse)

	// b first, then a: (0,2,0) rotated 90° about Z is (-2,0,0), plus (1,0,0).
	p := Compose(a, b).Apply(r3.Vector{})
	test.That(t, p.X, test.ShouldAlmostEqual, -1, 1e-12)
	test.That(t, p.Y, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestFromRotationTranslationRejectsNonRotation(t *testing.T) {
	_, err := FromRotationTranslation(Matrix3{{2, 0, 0}, {0, 1, 0}, {0, 0, 1}}, r3.Vector{})
	test.That(t, err, test.ShouldNotBeNil)

	// reflection
	_, err = FromRotationTranslation(Matrix3{{-1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, r3.Vector{})
	test.That(t, err, test.ShouldNotBeNil)

	tf, err := FromRotationTranslation(Matrix3{{0, -1, 0}, {1, 0, 0}, {0, 0, 1}}, r3.Vector{X: 3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, tf.Translation(), test.ShouldResemble, r3.Vector{X: 3})
}

func TestMatrixRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	tf := randomTransform(rng)
	back, err := FromMatrix(tf.Matrix())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back, test.ShouldResemble, tf)

	m := tf.Matrix()
	m[3][0] = 1
	_, err = FromMatrix(m)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestQuaternionRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 200; i++ {
		tf := randomTransform(rng)
		q := tf.Quaternion()
		test.That(t, quat.Abs(q), test.ShouldAlmostEqual, 1, 1e-12)
		test.That(t, q.Real, test.ShouldBeGreaterThanOrEqualTo, 0)
		back := FromQuaternion(q, tf.Translation())
		test.That(t, FrobeniusDistance(back, tf), test.ShouldBeLessThan, 1e-9)
	}
}

func TestQuaternionNearHalfTurn(t *testing.T) {
	// trace is -1 here, exercising the diagonal branches
	for _, axis := range []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}} {
		tf := FromRodrigues(axis.Mul(math.Pi), r3.Vector{})
		back := FromQuaternion(tf.Quaternion(), r3.Vector{})
		test.That(t, FrobeniusDistance(back, tf), test.ShouldBeLessThan, 1e-9)
	}
}

func TestAlignHemisphere(t *testing.T) {
	q := Normalize(quat.Number{Real: 0.9, Imag: 0.1, Jmag: -0.2, Kmag: 0.3})
	neg := quat.Scale(-1, q)
	test.That(t, AlignHemisphere(neg, q), test.ShouldResemble, q)
	test.That(t, AlignHemisphere(q, q), test.ShouldResemble, q)
	test.That(t, AngleBetween(q, neg), test.ShouldAlmostEqual, 0, 1e-6)
}

func TestSlerp(t *testing.T) {
	q0 := quat.Number{Real: 1}
	q1 := FromRodrigues(r3.Vector{Z: math.Pi / 2}, r3.Vector{}).Quaternion()
	mid := Slerp(q0, q1, 0.5)
	want := FromRodrigues(r3.Vector{Z: math.Pi / 4}, r3.Vector{}).Quaternion()
	test.That(t, AngleBetween(mid, want), test.ShouldBeLessThan, 1e-9)
	test.That(t, AngleBetween(Slerp(q0, q1, 0), q0), test.ShouldBeLessThan, 1e-9)
	test.That(t, AngleBetween(Slerp(q0, q1, 1), q1), test.ShouldBeLessThan, 1e-6)

	// negated endpoint takes the short arc
	mid = Slerp(q0, quat.Scale(-1, q1), 0.5)
	test.That(t, AngleBetween(mid, want), test.ShouldBeLessThan, 1e-9)
}

func TestRodrigues(t *testing.T) {
	tf := FromRodrigues(r3.Vector{X: math.Pi / 2}, r3.Vector{Z: 1})
	p := tf.Apply(r3.Vector{Y: 1})
	test.That(t, p.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, p.Y, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, p.Z, test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, tf.IsValid(1e-12), test.ShouldBeTrue)
	test.That(t, FromRodrigues(r3.Vector{}, r3.Vector{}), test.ShouldResemble, Identity())
}

func TestNearestRotation(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	tf := randomTransform(rng)
	m := tf.Matrix()
	m[0][0] += 1e-3
	m[1][2] -= 2e-3
	noisy := FromMatrixUnchecked(m)
	test.That(t, noisy.IsValid(1e-6), test.ShouldBeFalse)
	fixed := noisy.Orthonormalized()
	test.That(t, fixed.IsValid(1e-9), test.ShouldBeTrue)
	test.That(t, FrobeniusDistance(fixed, tf), test.ShouldBeLessThan, 1e-2)
}

func TestPoseInterop(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	tf := randomTransform(rng)
	back := FromPose(tf.Pose())
	test.That(t, FrobeniusDistance(back, tf), test.ShouldBeLessThan, 1e-6)
}

func TestRodriguesRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		tf := randomTransform(rng)
		back := FromRodrigues(tf.Rodrigues(), tf.Translation())
		test.That(t, FrobeniusDistance(back, tf), test.ShouldBeLessThan, 1e-9)
	}
	test.That(t, Identity().Rodrigues(), test.ShouldResemble, r3.Vector{})
}
