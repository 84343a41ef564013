package fusion

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"surgicalnav/pose"
)

// ObservationRecord is the serialized form of an Observation. The pose is given either as a 4x4
// matrix or as an axis-angle rvec with a tvec, as marker detectors report it.
type ObservationRecord struct {
	ID                int           `json:"id"`
	ReprojectionError float64       `json:"reprojection_error"`
	CameraFromMarker  *pose.Matrix4 `json:"T_camera_marker,omitempty"`
	RVec              []float64     `json:"rvec,omitempty"`
	TVec              []float64     `json:"tvec,omitempty"`
}

// Observation validates the record.
func (r ObservationRecord) Observation() (Observation, error) {
	obs := Observation{ID: r.ID, ReprojectionError: r.ReprojectionError}
	switch {
	case r.CameraFromMarker != nil:
		t, err := pose.FromMatrix(*r.CameraFromMarker)
		if err != nil {
			return Observation{}, fmt.Errorf("marker %d: %w", r.ID, err)
		}
		obs.CameraFromMarker = t
	case len(r.RVec) == 3 && len(r.TVec) == 3:
		obs.CameraFromMarker = pose.FromRodrigues(
			r3.Vector{X: r.RVec[0], Y: r.RVec[1], Z: r.RVec[2]},
			r3.Vector{X: r.TVec[0], Y: r.TVec[1], Z: r.TVec[2]})
	default:
		return Observation{}, fmt.Errorf("marker %d needs T_camera_marker or rvec and tvec", r.ID)
	}
	return obs, nil
}

// Observations converts a list of records, stopping at the first bad one.
func Observations(records []ObservationRecord) ([]Observation, error) {
	out := make([]Observation, 0, len(records))
	for i, r := range records {
		obs, err := r.Observation()
		if err != nil {
			return nil, fmt.Errorf("observation %d: %w", i, err)
		}
		out = append(out, obs)
	}
	return out, nil
}

// LoadObservations reads a JSON list of ObservationRecord.
func LoadObservations(path string) ([]Observation, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading observations")
	}
	var records []ObservationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrap(err, "error parsing observations")
	}
	return Observations(records)
}
