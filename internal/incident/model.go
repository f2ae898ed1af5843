package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/oncall/internal/alert"
)

// Status is where an incident is in its lifecycle.
type Status string

const (
	// StatusOpen means created or reopened, nobody has acknowledged it yet
	StatusOpen Status = "open"

	// StatusAcknowledged means a responder has taken it
	StatusAcknowledged Status = "acknowledged"

	// StatusInProgress means mitigation work has started
	StatusInProgress Status = "in_progress"

	// StatusResolved is terminal until reopened
	StatusResolved Status = "resolved"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusOpen, StatusAcknowledged, StatusInProgress, StatusResolved}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// ParseStatus normalizes and validates a status string.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown incident status %q", v)
	}
	return s, nil
}

// EventType names a timeline entry.
type EventType string

const (
	EventCreated         EventType = "created"
	EventAcknowledged    EventType = "acknowledged"
	EventInProgress      EventType = "in_progress"
	EventResolved        EventType = "resolved"
	EventReopened        EventType = "reopened"
	EventAssigned        EventType = "assigned"
	EventEscalated       EventType = "escalated"
	EventNoteAdded       EventType = "note_added"
	EventAlertCorrelated EventType = "alert_correlated"
)

// Incident groups correlated alerts and tracks the response to them.
type Incident struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Service        string         `json:"service"`
	Team           string         `json:"team"`
	Severity       alert.Severity `json:"severity"`
	Status         Status         `json:"status"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	AlertCount     int            `json:"alert_count"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ReopenedAt     *time.Time     `json:"reopened_at,omitempty"`
	MTTASeconds    *float64       `json:"mtta_seconds,omitempty"`
	MTTRSeconds    *float64       `json:"mttr_seconds,omitempty"`
}

// Clone returns a copy that shares no pointers with i.
func (i *Incident) Clone() *Incident {
	cp := *i
	cp.AcknowledgedAt = cloneTime(i.AcknowledgedAt)
	cp.ResolvedAt = cloneTime(i.ResolvedAt)
	cp.ReopenedAt = cloneTime(i.ReopenedAt)
	cp.MTTASeconds = cloneFloat(i.MTTASeconds)
	cp.MTTRSeconds = cloneFloat(i.MTTRSeconds)
	return &cp
}

// OpenSince is the start of the current open period: the last reopen, or creation.
func (i *Incident) OpenSince() time.Time {
	if i.ReopenedAt != nil {
		return *i.ReopenedAt
	}
	return i.CreatedAt
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Note is a free-text, append-only comment on an incident.
type Note struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is one append-only timeline entry.
type Event struct {
	ID         string         `json:"id"`
	IncidentID string         `json:"incident_id"`
	Type       EventType      `json:"type"`
	Actor      string         `json:"actor"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// Filter selects incidents for listing. Zero values match everything.
type Filter struct {
	Status     Status
	Service    string
	Severity   alert.Severity
	Team       string
	AssignedTo string
	Page       int
	PerPage    int
}

// Normalize clamps paging to the same limits as alert listing.
func (f *Filter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = alert.DefaultPerPage
	}
	if f.PerPage > alert.MaxPerPage {
		f.PerPage = alert.MaxPerPage
	}
}

// Offset returns the number of rows to skip for the current page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// Summary aggregates incidents for dashboards.
type Summary struct {
	Total          int                    `json:"total"`
	Unresolved     int                    `json:"unresolved"`
	ByStatus       map[Status]int         `json:"by_status"`
	BySeverity     map[alert.Severity]int `json:"by_severity"`
	AvgMTTASeconds *float64               `json:"avg_mtta_seconds,omitempty"`
	AvgMTTRSeconds *float64               `json:"avg_mttr_seconds,omitempty"`
}

// NewSummary returns a Summary with every status and severity present at zero.
func NewSummary() Summary {
	s := Summary{
		ByStatus:   make(map[Status]int, 4),
		BySeverity: make(map[alert.Severity]int, 4),
	}
	for _, st := range Statuses() {
		s.ByStatus[st] = 0
	}
	for _, sev := range alert.Severities() {
		s.BySeverity[sev] = 0
	}
	return s
}

// SummaryAccumulator builds a Summary one incident at a time.
type SummaryAccumulator struct {
	s                Summary
	mttaSum, mttrSum float64
	mttaN, mttrN     int
}

// Add folds one incident into the summary.
func (a *SummaryAccumulator) Add(inc *Incident) {
	if a.s.ByStatus == nil {
		a.s = NewSummary()
	}
	a.s.Total++
	a.s.ByStatus[inc.Status]++
	a.s.BySeverity[inc.Severity]++
	if inc.Status != StatusResolved {
		a.s.Unresolved++
	}
	if inc.MTTASeconds != nil {
		a.mttaSum += *inc.MTTASeconds
		a.mttaN++
	}
	if inc.MTTRSeconds != nil {
		a.mttrSum += *inc.MTTRSeconds
		a.mttrN++
	}
}

// Summary returns the aggregate so far.
func (a *SummaryAccumulator) Summary() Summary {
	if a.s.ByStatus == nil {
		a.s = NewSummary()
	}
	out := a.s
	if a.mttaN > 0 {
		v := a.mttaSum / float64(a.mttaN)
		out.AvgMTTASeconds = &v
	}
	if a.mttrN > 0 {
		v := a.mttrSum / float64(a.mttrN)
		out.AvgMTTRSeconds = &v
	}
	return out
}

// ResponseMetrics is the per-incident view of response times.
type ResponseMetrics struct {
	IncidentID   string   `json:"incident_id"`
	Status       Status   `json:"status"`
	AlertCount   int      `json:"alert_count"`
	MTTASeconds  *float64 `json:"mtta_seconds,omitempty"`
	MTTRSeconds  *float64 `json:"mttr_seconds,omitempty"`
	AgeSeconds   float64  `json:"age_seconds"`
	Acknowledged bool     `json:"acknowledged"`
	Resolved     bool     `json:"resolved"`
}
