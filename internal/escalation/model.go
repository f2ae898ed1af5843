// Package escalation pages the next responder for incidents nobody has
// acknowledged, on request or automatically once a breach threshold passes.
package escalation

import (
	"context"
	"time"

	"github.com/linnemanlabs/oncall/internal/oncall"
)

// Trigger says who started an escalation.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAutomatic Trigger = "automatic"
)

// Outcome says whether a responder was found.
type Outcome string

const (
	OutcomeEscalated Outcome = "escalated"
	OutcomeDegraded  Outcome = "degraded"
)

// DefaultReason is used when a manual escalation gives none.
const DefaultReason = "No acknowledgment within SLA"

// DefaultListLimit bounds escalation listings without an explicit limit.
const DefaultListLimit = 50

// Record is an immutable escalation entry.
type Record struct {
	ID         string            `json:"escalation_id"`
	Team       string            `json:"team"`
	IncidentID string            `json:"incident_id"`
	Reason     string            `json:"reason"`
	Trigger    Trigger           `json:"trigger"`
	Outcome    Outcome           `json:"outcome"`
	Target     *oncall.Responder `json:"escalated_to"`
	CreatedAt  time.Time         `json:"timestamp"`
}

// Filter selects records for listing, newest first.
type Filter struct {
	Team       string
	IncidentID string
	Limit      int
}

// Store persists escalation records.
type Store interface {
	// AppendEscalation writes r. When ctx carries an incident update in
	// progress the write joins it.
	AppendEscalation(ctx context.Context, r *Record) error
	ListEscalations(ctx context.Context, f Filter) ([]Record, error)
	CountEscalations(ctx context.Context) (int, error)

	// LastAutomatic returns the time of the newest automatic escalation of
	// the incident.
	LastAutomatic(ctx context.Context, incidentID string) (time.Time, bool, error)
}
