package stereo

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"surgicalnav/markerpose"
)

// MarkerPose replaces the depth-sensitive translation of a left-camera marker estimate with the
// triangulated marker centre. The rotation and reprojection error of the left estimate are kept.
func (t *Triangulator) MarkerPose(left markerpose.Estimate, leftCorners, rightCorners [4]r2.Point) (markerpose.Estimate, error) {
	centre, err := t.MarkerCentre(leftCorners, rightCorners)
	if err != nil {
		return markerpose.Estimate{}, err
	}
	return markerpose.Estimate{
		CameraFromMarker:  left.CameraFromMarker.WithTranslation(centre),
		ReprojectionError: left.ReprojectionError,
	}, nil
}

// MarkerCentre triangulates the centre of a square marker from its corners in both views, in
// markerpose.MarkerCorners order. The centre is where the diagonals of the undistorted corners
// cross, which is the exact image of the marker origin under perspective.
func (t *Triangulator) MarkerCentre(leftCorners, rightCorners [4]r2.Point) (r3.Vector, error) {
	l, err := diagonalCrossing(undistortCorners(t.rig.Left, leftCorners))
	if err != nil {
		return r3.Vector{}, fmt.Errorf("left corners: %w", err)
	}
	r, err := diagonalCrossing(undistortCorners(t.rig.Right, rightCorners))
	if err != nil {
		return r3.Vector{}, fmt.Errorf("right corners: %w", err)
	}
	return TriangulateDLT(t.pLeft, t.pRight, l, r, t.minConditioning)
}

func undistortCorners(cam markerpose.Camera, c [4]r2.Point) [4]r2.Point {
	for i := range c {
		c[i] = cam.Undistort(c[i])
	}
	return c
}

// diagonalCrossing intersects the lines c0-c2 and c1-c3.
func diagonalCrossing(c [4]r2.Point) (r2.Point, error) {
	d1 := c[2].Sub(c[0])
	d2 := c[3].Sub(c[1])
	den := d1.Cross(d2)
	if den == 0 || math.Abs(den) < 1e-12*d1.Norm()*d2.Norm() {
		return r2.Point{}, fmt.Errorf("%w: marker diagonals are parallel", ErrTriangulationIllConditioned)
	}
	s := c[1].Sub(c[0]).Cross(d2) / den
	return c[0].Add(d1.Mul(s)), nil
}
