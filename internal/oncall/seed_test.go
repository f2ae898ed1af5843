package oncall

import (
	"errors"
	"testing"
)

func TestDefaultSeeds(t *testing.T) {
	t.Parallel()

	seeds, err := DefaultSeeds()
	if err != nil {
		t.Fatalf("DefaultSeeds: %v", err)
	}
	want := map[string]RotationType{
		"platform-engineering": RotationWeekly,
		"backend":              RotationWeekly,
		"frontend":             RotationDaily,
		"infrastructure":       RotationBiweekly,
	}
	if len(seeds) != len(want) {
		t.Fatalf("seeds = %d, want %d", len(seeds), len(want))
	}
	for _, s := range seeds {
		if want[s.Team] != s.RotationType {
			t.Errorf("team %s rotation = %q, want %q", s.Team, s.RotationType, want[s.Team])
		}
	}
}

func TestParseSeeds_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "schedules:\n  - team: a\n    rotation: weekly\n"},
		{"bad rotation", "schedules:\n  - team: a\n    rotation_type: monthly\n    members: [{name: x, email: x@y.z, role: primary}]\n"},
		{"no primary", "schedules:\n  - team: a\n    rotation_type: daily\n    members: [{name: x, email: x@y.z, role: secondary}]\n"},
		{"not yaml", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseSeeds([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseSeeds_DefaultsRole(t *testing.T) {
	t.Parallel()

	seeds, err := ParseSeeds([]byte("schedules:\n  - team: Ops\n    rotation_type: Daily\n    members: [{name: ' x ', email: X@Y.Z}]\n"))
	if err != nil {
		t.Fatalf("ParseSeeds: %v", err)
	}
	m := seeds[0].Members[0]
	if seeds[0].Team != "ops" || m.Name != "x" || m.Email != "x@y.z" || m.Role != RolePrimary {
		t.Errorf("normalized = %+v %+v", seeds[0], m)
	}
}

func TestValidateSchedule_Errors(t *testing.T) {
	t.Parallel()

	_, err := validateSchedule(ScheduleInput{Team: "a", RotationType: RotationDaily, Members: []Member{
		{Name: "x", Email: "x@company.com", Role: RolePrimary},
		{Name: "x", Email: "x2@company.com", Role: RoleSecondary},
	}})
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("duplicate member err = %v, want ErrInvalidSchedule", err)
	}
}
