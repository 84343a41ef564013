// Package body holds the static marker layout of tracked rigid bodies.
package body

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"surgicalnav/pose"
)

// Model is a rigid body: the pose of each of its markers relative to the body origin.
// A Model is read-only once loaded and may be shared between goroutines.
type Model struct {
	Name       string
	MarkerSize float64
	markers    map[int]pose.Transform
}

// MarkerEntry is one marker in a model file.
type MarkerEntry struct {
	ID         int          `json:"id"`
	BodyMarker pose.Matrix4 `json:"T_body_marker"`
}

// ModelFile is the on-disk registration of a rigid body.
type ModelFile struct {
	Name       string        `json:"name"`
	MarkerSize float64       `json:"marker_size"`
	Markers    []MarkerEntry `json:"markers"`
}

// NewModel validates and builds a model from body-from-marker transforms.
func NewModel(name string, markerSize float64, bodyFromMarker map[int]pose.Transform) (*Model, error) {
	var err error
	if name == "" {
		err = multierr.Append(err, errors.New("name is required"))
	}
	if markerSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("marker_size must be greater than 0, got %f", markerSize))
	}
	if len(bodyFromMarker) == 0 {
		err = multierr.Append(err, errors.New("at least one marker is required"))
	}
	if err != nil {
		return nil, err
	}
	markers := make(map[int]pose.Transform, len(bodyFromMarker))
	for id, t := range bodyFromMarker {
		markers[id] = t
	}
	return &Model{Name: name, MarkerSize: markerSize, markers: markers}, nil
}

// Parse reads a model from its JSON registration.
func Parse(data []byte) (*Model, error) {
	var f ModelFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "error parsing rigid body JSON")
	}
	return f.Model()
}

// Load reads a model from a JSON file.
func Load(path string) (*Model, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening rigid body file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "error reading rigid body file")
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "rigid body %s", path)
	}
	return m, nil
}

// Model validates every entry, reporting all problems at once.
func (f ModelFile) Model() (*Model, error) {
	var errs error
	markers := map[int]pose.Transform{}
	for _, e := range f.Markers {
		if _, dup := markers[e.ID]; dup {
			errs = multierr.Append(errs, fmt.Errorf("marker %d listed more than once", e.ID))
			continue
		}
		t, err := pose.FromMatrix(e.BodyMarker)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("marker %d: %w", e.ID, err))
			continue
		}
		markers[e.ID] = t
	}
	m, err := NewModel(f.Name, f.MarkerSize, markers)
	if err := multierr.Append(errs, err); err != nil {
		return nil, err
	}
	return m, nil
}

// File returns the JSON registration of m.
func (m *Model) File() ModelFile {
	f := ModelFile{Name: m.Name, MarkerSize: m.MarkerSize}
	for _, id := range m.MarkerIDs() {
		f.Markers = append(f.Markers, MarkerEntry{ID: id, BodyMarker: m.markers[id].Matrix()})
	}
	return f
}

// BodyFromMarker returns the registered pose of marker id.
func (m *Model) BodyFromMarker(id int) (pose.Transform, bool) {
	t, ok := m.markers[id]
	return t, ok
}

// MarkerIDs returns the registered ids in ascending order.
func (m *Model) MarkerIDs() []int {
	ids := lo.Keys(m.markers)
	sort.Ints(ids)
	return ids
}

// Has reports whether id belongs to the body.
func (m *Model) Has(id int) bool {
	_, ok := m.markers[id]
	return ok
}

// RelativeToBase computes every marker's pose relative to the base marker from one set of
// simultaneous camera-frame observations. Registering a new body from a single frame in which
// all markers are visible produces the bodyFromMarker map for NewModel, with the base marker
// as the body origin.
func RelativeToBase(cameraFromMarker map[int]pose.Transform, baseID int) (map[int]pose.Transform, error) {
	base, ok := cameraFromMarker[baseID]
	if !ok {
		return nil, fmt.Errorf("base marker %d not observed", baseID)
	}
	baseFromCamera := pose.Invert(base)
	return lo.MapValues(cameraFromMarker, func(t pose.Transform, _ int) pose.Transform {
		return pose.Compose(baseFromCamera, t)
	}), nil
}
