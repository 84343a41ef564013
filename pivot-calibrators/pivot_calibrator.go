// Package pivotcalibrators solves the offset between a tracked tool and its tip.
package pivotcalibrators

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"go.viam.com/rdk/logging"
	"gonum.org/v1/gonum/mat"

	"surgicalnav/pose"
)

// PivotMinSamples is the default minimum number of samples for a solve.
const PivotMinSamples = 20

// DefaultMinConditioning is the smallest accepted ratio of smallest to largest singular value of
// the stacked system. Samples that all share one rotation axis fall below it.
const DefaultMinConditioning = 1e-6

var (
	// ErrInsufficientPivotSamples is returned when fewer than the minimum samples are available.
	ErrInsufficientPivotSamples = errors.New("insufficient pivot samples")
	// ErrPivotIllConditioned is returned when the samples do not rotate enough to pin down the tip.
	ErrPivotIllConditioned = errors.New("pivot calibration ill-conditioned")
)

// Result is a solved pivot calibration.
type Result struct {
	// TipOffset is the tip in the tool frame.
	TipOffset r3.Vector `json:"tip_offset"`
	// PivotPoint is the fixed tip location in the reference frame.
	PivotPoint r3.Vector `json:"pivot_point"`
	// Residual is the norm of the stacked least-squares residual.
	Residual float64 `json:"residual"`
	// RMS is the root mean square distance between each sample's predicted tip and PivotPoint.
	RMS     float64 `json:"rms"`
	Samples int     `json:"samples"`
}

// Calibrator solves pivot calibrations.
type Calibrator struct {
	logger          logging.Logger
	minSamples      int
	minConditioning float64
}

// NewCalibrator returns a calibrator requiring at least minSamples samples.
// A non-positive minSamples selects PivotMinSamples.
func NewCalibrator(logger logging.Logger, minSamples int) *Calibrator {
	if minSamples <= 0 {
		minSamples = PivotMinSamples
	}
	return &Calibrator{logger: logger, minSamples: minSamples, minConditioning: DefaultMinConditioning}
}

// MinSamples returns the configured minimum.
func (c *Calibrator) MinSamples() int {
	return c.minSamples
}

// Solve finds p_tip and c_pivot with Rᵢ·p_tip + tᵢ = c_pivot for every sample, stacking
// [Rᵢ | −I]·[p_tip; c_pivot] = −tᵢ and solving in the least-squares sense.
func (c *Calibrator) Solve(samples []pose.Transform) (Result, error) {
	n := len(samples)
	if n < c.minSamples {
		return Result{}, fmt.Errorf("%w: need at least %d samples for pivot calibration, have %d",
			ErrInsufficientPivotSamples, c.minSamples, n)
	}

	a := mat.NewDense(3*n, 6, nil)
	b := mat.NewVecDense(3*n, nil)
	for i, s := range samples {
		rot := s.Rotation()
		t := s.Translation()
		for r := 0; r < 3; r++ {
			for col := 0; col < 3; col++ {
				a.Set(3*i+r, col, rot[r][col])
			}
			a.Set(3*i+r, 3+r, -1)
		}
		b.SetVec(3*i, -t.X)
		b.SetVec(3*i+1, -t.Y)
		b.SetVec(3*i+2, -t.Z)
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDNone); !ok {
		return Result{}, fmt.Errorf("%w: failed to factorize pivot system", ErrPivotIllConditioned)
	}
	values := svd.Values(nil)
	if cond := values[len(values)-1] / values[0]; cond < c.minConditioning {
		return Result{}, fmt.Errorf("%w: conditioning %.3g, rotate the tool about more than one axis",
			ErrPivotIllConditioned, cond)
	}

	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return Result{}, fmt.Errorf("failed to solve pivot system: %w", err)
	}
	tip := r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	pivot := r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}

	var res mat.VecDense
	res.MulVec(a, &x)
	res.SubVec(&res, b)

	var sq stats.Float64Data
	for _, s := range samples {
		d := s.Apply(tip).Sub(pivot)
		sq = append(sq, d.Dot(d))
	}
	meanSq, err := stats.Mean(sq)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		TipOffset:  tip,
		PivotPoint: pivot,
		Residual:   mat.Norm(&res, 2),
		RMS:        math.Sqrt(meanSq),
		Samples:    n,
	}
	c.logger.Infof("pivot calibration from %d samples: tip=(%.4f, %.4f, %.4f) pivot=(%.4f, %.4f, %.4f) rms=%.5f",
		n, tip.X, tip.Y, tip.Z, pivot.X, pivot.Y, pivot.Z, result.RMS)
	return result, nil
}
