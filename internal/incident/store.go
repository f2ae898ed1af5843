package incident

import (
	"context"
	"time"

	"github.com/linnemanlabs/oncall/internal/alert"
)

// Mutation is what an UpdateFunc appends alongside the incident row.
type Mutation struct {
	Events []Event
	Notes  []Note
}

// UpdateFunc edits inc in place. The store calls it while holding the
// incident's lock; returning an error discards every change, including
// anything fn wrote through ctx to a store sharing the transaction.
type UpdateFunc func(ctx context.Context, inc *Incident) (Mutation, error)

// Store is the persistence interface for incidents, their timeline and notes.
type Store interface {
	// CreateIncident inserts inc with its initial timeline. within, when
	// set, runs before the commit with a context whose writes join the
	// create; its error aborts the create.
	CreateIncident(ctx context.Context, inc *Incident, events []Event, within func(ctx context.Context) error) error

	GetIncident(ctx context.Context, id string) (*Incident, bool, error)
	ListIncidents(ctx context.Context, f Filter) ([]Incident, int, error)

	// UpdateIncident serializes mutations per id and commits the incident
	// row with the mutation atomically. Unknown ids yield ErrNotFound.
	UpdateIncident(ctx context.Context, id string, fn UpdateFunc) (*Incident, error)

	Timeline(ctx context.Context, id string) ([]Event, error)
	Notes(ctx context.Context, id string) ([]Note, error)

	// CorrelationCandidates returns unresolved incidents for the service and
	// severity created at or after since.
	CorrelationCandidates(ctx context.Context, service string, severity alert.Severity, since time.Time) ([]Incident, error)

	// OpenSince returns incidents in status open whose current open period
	// started at or before cutoff.
	OpenSince(ctx context.Context, cutoff time.Time) ([]Incident, error)

	Summary(ctx context.Context) (Summary, error)
}
