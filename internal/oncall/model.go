package oncall

import (
	"fmt"
	"strings"
	"time"
)

// RotationType is how often the primary changes.
type RotationType string

const (
	RotationDaily    RotationType = "daily"
	RotationWeekly   RotationType = "weekly"
	RotationBiweekly RotationType = "biweekly"
)

// Period returns the length of one rotation, or 0 for unknown types.
func (r RotationType) Period() time.Duration {
	switch r {
	case RotationDaily:
		return 24 * time.Hour
	case RotationWeekly:
		return 7 * 24 * time.Hour
	case RotationBiweekly:
		return 14 * 24 * time.Hour
	}
	return 0
}

// Valid reports whether r is a known rotation type.
func (r RotationType) Valid() bool { return r.Period() > 0 }

// ParseRotationType normalizes and validates a rotation type.
func ParseRotationType(v string) (RotationType, error) {
	r := RotationType(strings.ToLower(strings.TrimSpace(v)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown rotation type %q", v)
	}
	return r, nil
}

// Role is a member's slot in the rotation.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RolePrimary || r == RoleSecondary }

// Member is one person in a schedule.
type Member struct {
	Name  string `json:"name" yaml:"name"`
	Email string `json:"email" yaml:"email"`
	Role  Role   `json:"role" yaml:"role"`
}

// Schedule is a team's rotation definition.
type Schedule struct {
	ID           string       `json:"id"`
	Team         string       `json:"team"`
	RotationType RotationType `json:"rotation_type"`
	Members      []Member     `json:"members"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    *time.Time   `json:"updated_at,omitempty"`
}

// Clone returns a copy that shares no slices or pointers with s.
func (s *Schedule) Clone() *Schedule {
	cp := *s
	cp.Members = append([]Member(nil), s.Members...)
	if s.UpdatedAt != nil {
		t := *s.UpdatedAt
		cp.UpdatedAt = &t
	}
	return &cp
}

// Primaries returns the primary-role members in schedule order.
func (s *Schedule) Primaries() []Member { return s.byRole(RolePrimary) }

// Secondaries returns the secondary-role members in schedule order.
func (s *Schedule) Secondaries() []Member { return s.byRole(RoleSecondary) }

func (s *Schedule) byRole(r Role) []Member {
	var out []Member
	for _, m := range s.Members {
		if m.Role == r {
			out = append(out, m)
		}
	}
	return out
}

// Override substitutes the primary of a team until removed, or until
// ExpiresAt when one was requested.
type Override struct {
	Team      string     `json:"team"`
	Name      string     `json:"user_name"`
	Email     string     `json:"user_email"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the override applies at t.
func (o *Override) ActiveAt(t time.Time) bool {
	if o == nil {
		return false
	}
	return o.ExpiresAt == nil || t.Before(*o.ExpiresAt)
}

// Responder is a resolved on-call person.
type Responder struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// OnCall is the result of resolving a team's rotation at an instant.
type OnCall struct {
	Team         string       `json:"team"`
	Primary      Responder    `json:"primary"`
	Secondary    *Responder   `json:"secondary,omitempty"`
	ScheduleID   string       `json:"schedule_id"`
	RotationType RotationType `json:"rotation_type"`
	Overridden   bool         `json:"overridden"`
	At           time.Time    `json:"at"`
}

// HistoryType names an audit log entry.
type HistoryType string

const (
	HistoryScheduleCreated HistoryType = "schedule_created"
	HistoryScheduleUpdated HistoryType = "schedule_updated"
	HistoryScheduleDeleted HistoryType = "schedule_deleted"
	HistoryOverrideStart   HistoryType = "override_start"
	HistoryOverrideEnd     HistoryType = "override_end"
	HistoryOverrideExpired HistoryType = "override_expired"
	HistoryRotationChange  HistoryType = "rotation_change"
	HistoryEscalation      HistoryType = "escalation"
)

// HistoryEvent is one audit log entry.
type HistoryEvent struct {
	ID      string         `json:"event_id"`
	Type    HistoryType    `json:"event_type"`
	Team    string         `json:"team"`
	Details map[string]any `json:"details,omitempty"`
	At      time.Time      `json:"timestamp"`
}

// HistoryFilter selects audit entries. Limit keeps the most recent entries.
type HistoryFilter struct {
	Team  string
	Type  HistoryType
	Limit int
}

// TeamSummary is one row of the team listing.
type TeamSummary struct {
	Team         string       `json:"team"`
	MembersCount int          `json:"members_count"`
	RotationType RotationType `json:"rotation_type"`
	HasOverride  bool         `json:"has_override"`
}

// Stats aggregates schedule and audit state.
type Stats struct {
	TotalSchedules     int                  `json:"total_schedules"`
	TotalMembers       int                  `json:"total_members"`
	ActiveOverrides    int                  `json:"active_overrides"`
	TotalHistoryEvents int                  `json:"total_history_events"`
	RotationTypes      map[RotationType]int `json:"rotation_types"`
	EventTypes         map[HistoryType]int  `json:"event_types"`
}
