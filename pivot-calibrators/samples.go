package pivotcalibrators

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"surgicalnav/pose"
)

// SampleEntry is one stored pivot sample.
type SampleEntry struct {
	ReferenceFromTool pose.Matrix4 `json:"T_reference_tool"`
}

// Entries converts samples for storage.
func Entries(samples []pose.Transform) []SampleEntry {
	out := make([]SampleEntry, len(samples))
	for i, s := range samples {
		out[i] = SampleEntry{ReferenceFromTool: s.Matrix()}
	}
	return out
}

// SamplesFromEntries validates stored samples, reporting every bad entry.
func SamplesFromEntries(entries []SampleEntry) ([]pose.Transform, error) {
	samples := make([]pose.Transform, len(entries))
	var errs error
	for i, e := range entries {
		s, err := pose.FromMatrix(e.ReferenceFromTool)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("sample %d: %w", i, err))
			continue
		}
		samples[i] = s
	}
	if errs != nil {
		return nil, errs
	}
	return samples, nil
}

// LoadSamples reads a JSON list of SampleEntry.
func LoadSamples(path string) ([]pose.Transform, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading pivot samples")
	}
	var entries []SampleEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "error parsing pivot samples")
	}
	return SamplesFromEntries(entries)
}
