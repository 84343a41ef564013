package utils

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"surgicalnav/pose"
)

// DefaultScaleFactor converts metres to millimetres.
const DefaultScaleFactor = 1000.0

// ScaleConverter changes the length unit of transforms. Rotation is unitless and left alone.
type ScaleConverter struct {
	Factor float64
}

// ScaleConfig is the on-disk scale configuration.
type ScaleConfig struct {
	ScaleFactor float64 `json:"scale_factor"`
}

// NewScaleConverter returns a converter multiplying translations by factor.
func NewScaleConverter(factor float64) (ScaleConverter, error) {
	if !(factor > 0) || math.IsInf(factor, 0) {
		return ScaleConverter{}, fmt.Errorf("scale factor must be a positive finite number, got %v", factor)
	}
	return ScaleConverter{Factor: factor}, nil
}

// Apply scales the translation of t.
func (s ScaleConverter) Apply(t pose.Transform) pose.Transform {
	return t.WithTranslation(s.ApplyVector(t.Translation()))
}

// ApplyVector scales a point or offset.
func (s ScaleConverter) ApplyVector(v r3.Vector) r3.Vector {
	return v.Mul(s.Factor)
}

// LoadScaleFactor reads {"scale_factor": f} from path. A missing file yields DefaultScaleFactor.
func LoadScaleFactor(path string, logger logging.Logger) (float64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warnf("scale config %q not found, using default scale factor %.0f", path, DefaultScaleFactor)
		return DefaultScaleFactor, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "cannot read scale config %q", path)
	}
	var conf ScaleConfig
	if err := json.Unmarshal(data, &conf); err != nil {
		return 0, errors.Wrapf(err, "cannot parse scale config %q", path)
	}
	if !(conf.ScaleFactor > 0) {
		return 0, fmt.Errorf("scale config %q: scale_factor must be greater than 0, got %v", path, conf.ScaleFactor)
	}
	return conf.ScaleFactor, nil
}

// LoadScaleConverter is LoadScaleFactor followed by NewScaleConverter.
func LoadScaleConverter(path string, logger logging.Logger) (ScaleConverter, error) {
	factor, err := LoadScaleFactor(path, logger)
	if err != nil {
		return ScaleConverter{}, err
	}
	return NewScaleConverter(factor)
}

// TransformToMap renders a transform for DoCommand responses.
func TransformToMap(t pose.Transform) map[string]interface{} {
	q := t.Quaternion()
	m := t.Matrix()
	rows := make([][]float64, 4)
	for i := range rows {
		rows[i] = m[i][:]
	}
	return map[string]interface{}{
		"translation": VectorToMap(t.Translation()),
		"orientation": map[string]float64{
			"Imag": q.Imag,
			"Jmag": q.Jmag,
			"Kmag": q.Kmag,
			"Real": q.Real,
		},
		"matrix": rows,
	}
}

// VectorToMap renders a vector with lower-case keys.
func VectorToMap(v r3.Vector) map[string]float64 {
	return map[string]float64{"x": v.X, "y": v.Y, "z": v.Z}
}

func DegreesToRadians(degrees float64) float64 {
	return degrees * math.Pi / 180.0
}

func RadiansToDegrees(radians float64) float64 {
	return radians * 180.0 / math.Pi
}
