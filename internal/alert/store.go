package alert

import (
	"context"
	"time"
)

// Store is the persistence interface for raw alerts.
type Store interface {
	// PutAlert stores a. Called with the context an incident create or
	// update hands to its callback, the write commits or rolls back with
	// that incident write.
	PutAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, bool, error)

	// FindOriginal returns the most recent non-duplicate alert with the given
	// fingerprint and service observed at or after since. Alerts not attached
	// to an incident never count as originals.
	FindOriginal(ctx context.Context, fingerprint, service string, since time.Time) (*Alert, bool, error)

	ListAlerts(ctx context.Context, f Filter) ([]Alert, int, error)

	// CountCorrelated counts non-duplicate alerts attached to an incident.
	CountCorrelated(ctx context.Context, incidentID string) (int, error)
}
