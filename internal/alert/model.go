package alert

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Severity is the closed set of alert severities.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ErrNotFound is returned when an alert id is unknown.
var ErrNotFound = errors.New("alert not found")

// Severities lists every severity from most to least severe.
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

// Rank orders severities for tie-breaking: critical=4 .. low=1, unknown=0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// ParseSeverity normalizes and validates a severity string.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// DefaultSource labels alerts that did not name their origin.
const DefaultSource = "api"

// Alert is one raw alert as received from a monitoring source.
type Alert struct {
	ID          string            `json:"id"`
	Service     string            `json:"service"`
	Severity    Severity          `json:"severity"`
	Message     string            `json:"message"`
	Source      string            `json:"source"`
	Labels      map[string]string `json:"labels,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Timestamp   time.Time         `json:"timestamp"`
	ReceivedAt  time.Time         `json:"received_at"`
	IncidentID  string            `json:"incident_id,omitempty"`
	DuplicateOf string            `json:"duplicate_of,omitempty"`
}

// Normalize lowercases and trims the service, trims the message and fills
// the source default. It is idempotent.
func (a *Alert) Normalize() {
	a.Service = strings.ToLower(strings.TrimSpace(a.Service))
	a.Message = strings.TrimSpace(a.Message)
	a.Source = strings.TrimSpace(a.Source)
	if a.Source == "" {
		a.Source = DefaultSource
	}
}

// Team returns the owning team: the "team" label when set, else the service.
func (a *Alert) Team() string {
	if t := strings.TrimSpace(a.Labels["team"]); t != "" {
		return strings.ToLower(t)
	}
	return a.Service
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	cp := *a
	if a.Labels != nil {
		cp.Labels = make(map[string]string, len(a.Labels))
		for k, v := range a.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}

// Filter selects alerts for listing. Zero values match everything.
type Filter struct {
	Service    string
	Severity   Severity
	IncidentID string
	Page       int
	PerPage    int
}

const (
	DefaultPerPage = 50
	MaxPerPage     = 200
)

// Normalize clamps paging to sane values.
func (f *Filter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = DefaultPerPage
	}
	if f.PerPage > MaxPerPage {
		f.PerPage = MaxPerPage
	}
}

// Offset returns the number of rows to skip for the current page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PerPage
}
