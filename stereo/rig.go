// Package stereo triangulates points seen by a calibrated two-camera rig.
package stereo

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"surgicalnav/markerpose"
	"surgicalnav/pose"
)

// Rig is a calibrated stereo pair. RightFromLeft maps left-camera coordinates into the right camera.
type Rig struct {
	Left          markerpose.Camera
	Right         markerpose.Camera
	RightFromLeft pose.Transform
}

// Shape is the row/column count of a stored matrix.
type Shape struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// MatrixInfo is a row-major matrix as written by the calibration tool.
type MatrixInfo struct {
	Shape Shape     `json:"shape"`
	Data  []float64 `json:"data"`
}

// RigFile is the on-disk stereo calibration.
type RigFile struct {
	Width     int        `json:"width_px"`
	Height    int        `json:"height_px"`
	MtxLeft   MatrixInfo `json:"mtx_left"`
	DistLeft  MatrixInfo `json:"dist_left"`
	MtxRight  MatrixInfo `json:"mtx_right"`
	DistRight MatrixInfo `json:"dist_right"`
	R         MatrixInfo `json:"R"`
	T         MatrixInfo `json:"T"`
}

// Dense checks the declared shape and returns the matrix.
func (m MatrixInfo) Dense(rows, cols int) (*mat.Dense, error) {
	if m.Shape.Row != rows || m.Shape.Col != cols {
		return nil, fmt.Errorf("expected %dx%d matrix, got %dx%d", rows, cols, m.Shape.Row, m.Shape.Col)
	}
	if len(m.Data) != rows*cols {
		return nil, fmt.Errorf("expected %d values, got %d", rows*cols, len(m.Data))
	}
	return mat.NewDense(rows, cols, m.Data), nil
}

// LoadRig reads a stereo calibration JSON file.
func LoadRig(path string) (*Rig, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening stereo calibration file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "error reading stereo calibration file")
	}
	var rf RigFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, errors.Wrap(err, "error parsing stereo calibration file")
	}
	return rf.Rig()
}

// Rig validates the file contents and builds the rig.
func (rf RigFile) Rig() (*Rig, error) {
	kl, errKL := rf.MtxLeft.Dense(3, 3)
	kr, errKR := rf.MtxRight.Dense(3, 3)
	rot, errR := rf.R.Dense(3, 3)
	trans, errT := vector3(rf.T)
	if err := multierr.Combine(
		errors.Wrap(errKL, "mtx_left"),
		errors.Wrap(errKR, "mtx_right"),
		errors.Wrap(errR, "R"),
		errors.Wrap(errT, "T"),
	); err != nil {
		return nil, err
	}
	left, err := markerpose.NewCamera(kl, rf.Width, rf.Height, rf.DistLeft.Data)
	if err != nil {
		return nil, errors.Wrap(err, "left camera")
	}
	right, err := markerpose.NewCamera(kr, rf.Width, rf.Height, rf.DistRight.Data)
	if err != nil {
		return nil, errors.Wrap(err, "right camera")
	}
	extrinsics, err := pose.FromRotationTranslation(pose.Matrix3FromDense(rot), trans)
	if err != nil {
		return nil, errors.Wrap(err, "R")
	}
	return &Rig{Left: left, Right: right, RightFromLeft: extrinsics}, nil
}

// RigFromProperties builds a rig from two rdk camera components' properties and the
// left-to-right extrinsics.
func RigFromProperties(left, right camera.Properties, rightFromLeft pose.Transform) (*Rig, error) {
	l, err := markerpose.CameraFromProperties(left)
	if err != nil {
		return nil, fmt.Errorf("left camera: %w", err)
	}
	r, err := markerpose.CameraFromProperties(right)
	if err != nil {
		return nil, fmt.Errorf("right camera: %w", err)
	}
	return &Rig{Left: l, Right: r, RightFromLeft: rightFromLeft}, nil
}

// Baseline is the distance between the two optical centres.
func (r *Rig) Baseline() float64 {
	return pose.Invert(r.RightFromLeft).Translation().Norm()
}

func vector3(m MatrixInfo) (r3.Vector, error) {
	if len(m.Data) != 3 || m.Shape.Row*m.Shape.Col != 3 {
		return r3.Vector{}, fmt.Errorf("expected 3 values, got shape %dx%d with %d values", m.Shape.Row, m.Shape.Col, len(m.Data))
	}
	return r3.Vector{X: m.Data[0], Y: m.Data[1], Z: m.Data[2]}, nil
}
