package utils

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"go.viam.com/rdk/logging"

	"surgicalnav/pose"
)

// MinPivotSpreadDeg is the rotation spread below which a pivot dataset is considered too narrow.
const MinPivotSpreadDeg = 15.0

// minAxisSpread is the sine of the angle that rotation axes must span for the tip offset to be
// observable along every direction.
const minAxisSpread = 0.2

// PivotQuality summarizes how well a set of pivot samples constrains the solve.
type PivotQuality struct {
	Samples int `json:"samples"`
	// SpreadDeg is the largest rotation of any sample relative to the first one.
	SpreadDeg float64 `json:"spread_deg"`
	// AxisSpread is the largest sine between relative rotation axes, 0 for a single axis.
	AxisSpread     float64   `json:"axis_spread"`
	TranslationStd r3.Vector `json:"translation_std"`
	Warnings       []string  `json:"warnings,omitempty"`
}

// ValidatePivotSamples checks the quality of pivot samples and logs what it finds.
func ValidatePivotSamples(samples []pose.Transform, logger logging.Logger) PivotQuality {
	q := PivotQuality{Samples: len(samples)}
	if len(samples) < 2 {
		q.Warnings = append(q.Warnings, "fewer than 2 samples")
		logger.Warnf("pivot samples: fewer than 2 samples")
		return q
	}

	first := pose.Invert(samples[0])
	var axes []r3.Vector
	var xs, ys, zs stats.Float64Data
	for _, s := range samples {
		rel := pose.Compose(first, s).Rodrigues()
		angle := rel.Norm()
		q.SpreadDeg = math.Max(q.SpreadDeg, RadiansToDegrees(angle))
		if angle > DegreesToRadians(1) {
			axes = append(axes, rel.Normalize())
		}
		t := s.Translation()
		xs = append(xs, t.X)
		ys = append(ys, t.Y)
		zs = append(zs, t.Z)
	}
	for i := range axes {
		for j := i + 1; j < len(axes); j++ {
			q.AxisSpread = math.Max(q.AxisSpread, axes[i].Cross(axes[j]).Norm())
		}
	}
	// errors only occur for empty input
	sx, _ := stats.StandardDeviationPopulation(xs)
	sy, _ := stats.StandardDeviationPopulation(ys)
	sz, _ := stats.StandardDeviationPopulation(zs)
	q.TranslationStd = r3.Vector{X: sx, Y: sy, Z: sz}

	logger.Infof("pivot sample quality: samples=%d spread=%.1fdeg axis_spread=%.2f translation_std=(%.4f, %.4f, %.4f)",
		q.Samples, q.SpreadDeg, q.AxisSpread, sx, sy, sz)

	if q.SpreadDeg < MinPivotSpreadDeg {
		q.Warnings = append(q.Warnings, "low rotation spread, pivot the tool further")
	}
	if q.AxisSpread < minAxisSpread {
		q.Warnings = append(q.Warnings, "rotations share one axis, pivot in more than one direction")
	}
	for _, w := range q.Warnings {
		logger.Warnf("pivot samples: %s", w)
	}
	return q
}
