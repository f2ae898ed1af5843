package oncall

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed seeds/default.yaml
var defaultSeeds []byte

type seedFile struct {
	Schedules []seedSchedule `yaml:"schedules"`
}

type seedSchedule struct {
	Team         string   `yaml:"team"`
	RotationType string   `yaml:"rotation_type"`
	Members      []Member `yaml:"members"`
}

// DefaultSeeds returns the built-in schedules.
func DefaultSeeds() ([]ScheduleInput, error) {
	return ParseSeeds(defaultSeeds)
}

// LoadSeeds reads schedules from a YAML file.
func LoadSeeds(path string) ([]ScheduleInput, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeeds(data)
}

// ParseSeeds decodes a seed document. Unknown fields are rejected.
func ParseSeeds(data []byte) ([]ScheduleInput, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f seedFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seeds: %w", err)
	}

	out := make([]ScheduleInput, 0, len(f.Schedules))
	for i, s := range f.Schedules {
		rt, err := ParseRotationType(s.RotationType)
		if err != nil {
			return nil, fmt.Errorf("seed schedule %d (%s): %w", i, s.Team, err)
		}
		in, err := validateSchedule(ScheduleInput{Team: s.Team, RotationType: rt, Members: s.Members})
		if err != nil {
			return nil, fmt.Errorf("seed schedule %d (%s): %w", i, s.Team, err)
		}
		out = append(out, in)
	}
	return out, nil
}
