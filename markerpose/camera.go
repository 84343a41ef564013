package markerpose

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/rimage/transform"
	"gonum.org/v1/gonum/mat"
)

// Camera is a calibrated pinhole camera with optional Brown-Conrady lens distortion.
type Camera struct {
	Intrinsics *transform.PinholeCameraIntrinsics
	// Distortion is the forward model applied to normalized image coordinates. nil means none.
	Distortion transform.Distorter

	undistorter *transform.InverseBrownConrady
}

// NewCamera builds a camera from a 3x3 intrinsic matrix and distortion coefficients in the
// order calibration tools write them: k1, k2, p1, p2, k3. Missing trailing coefficients are zero.
func NewCamera(k mat.Matrix, width, height int, distCoeffs []float64) (Camera, error) {
	if r, c := k.Dims(); r != 3 || c != 3 {
		return Camera{}, fmt.Errorf("camera matrix must be 3x3, got %dx%d", r, c)
	}
	intrinsics := &transform.PinholeCameraIntrinsics{
		Width:  width,
		Height: height,
		Fx:     k.At(0, 0),
		Fy:     k.At(1, 1),
		Ppx:    k.At(0, 2),
		Ppy:    k.At(1, 2),
	}
	if intrinsics.Fx <= 0 || intrinsics.Fy <= 0 {
		return Camera{}, fmt.Errorf("focal lengths must be positive, got fx=%f fy=%f", intrinsics.Fx, intrinsics.Fy)
	}
	if len(distCoeffs) > 5 {
		return Camera{}, fmt.Errorf("expected at most 5 distortion coefficients, got %d", len(distCoeffs))
	}
	if allZero(distCoeffs) {
		return Camera{Intrinsics: intrinsics}, nil
	}
	padded := make([]float64, 5)
	copy(padded, distCoeffs)
	// rdk orders the Brown-Conrady terms k1, k2, k3, p1, p2
	params := []float64{padded[0], padded[1], padded[4], padded[2], padded[3]}
	distorter, err := transform.NewDistorter(transform.BrownConradyDistortionType, params)
	if err != nil {
		return Camera{}, fmt.Errorf("failed to build distortion model: %w", err)
	}
	undistorter, err := transform.NewInverseBrownConrady(params)
	if err != nil {
		return Camera{}, fmt.Errorf("failed to build undistortion model: %w", err)
	}
	return Camera{Intrinsics: intrinsics, Distortion: distorter, undistorter: undistorter}, nil
}

// CameraFromProperties adapts the properties reported by an rdk camera component.
func CameraFromProperties(props camera.Properties) (Camera, error) {
	if err := props.IntrinsicParams.CheckValid(); err != nil {
		return Camera{}, err
	}
	cam := Camera{Intrinsics: props.IntrinsicParams}
	if props.DistortionParams == nil {
		return cam, nil
	}
	if props.DistortionParams.ModelType() != transform.BrownConradyDistortionType {
		return Camera{}, fmt.Errorf("unsupported distortion model %q", props.DistortionParams.ModelType())
	}
	undistorter, err := transform.NewInverseBrownConrady(props.DistortionParams.Parameters())
	if err != nil {
		return Camera{}, err
	}
	cam.Distortion = props.DistortionParams
	cam.undistorter = undistorter
	return cam, nil
}

// Matrix returns K.
func (c Camera) Matrix() *mat.Dense {
	return c.Intrinsics.GetCameraMatrix()
}

// Project maps a camera-frame point to pixels. ok is false for points at or behind the camera.
func (c Camera) Project(p r3.Vector) (px r2.Point, ok bool) {
	if p.Z <= 0 {
		return r2.Point{}, false
	}
	x, y := p.X/p.Z, p.Y/p.Z
	if c.Distortion != nil {
		x, y = c.Distortion.Transform(x, y)
	}
	return r2.Point{X: c.Intrinsics.Fx*x + c.Intrinsics.Ppx, Y: c.Intrinsics.Fy*y + c.Intrinsics.Ppy}, true
}

// Normalized removes K and lens distortion from a pixel, giving the ray (x, y, 1).
func (c Camera) Normalized(px r2.Point) r2.Point {
	x := (px.X - c.Intrinsics.Ppx) / c.Intrinsics.Fx
	y := (px.Y - c.Intrinsics.Ppy) / c.Intrinsics.Fy
	if c.undistorter != nil {
		x, y = c.undistorter.Transform(x, y)
	}
	return r2.Point{X: x, Y: y}
}

// Undistort returns the pixel an ideal pinhole camera with the same K would have observed.
func (c Camera) Undistort(px r2.Point) r2.Point {
	if c.undistorter == nil {
		return px
	}
	n := c.Normalized(px)
	return r2.Point{X: c.Intrinsics.Fx*n.X + c.Intrinsics.Ppx, Y: c.Intrinsics.Fy*n.Y + c.Intrinsics.Ppy}
}

func allZero(v []float64) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
