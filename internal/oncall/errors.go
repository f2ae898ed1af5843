package oncall

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for teams without a schedule.
	ErrNotFound = errors.New("schedule not found")

	// ErrNoResponderAvailable means the rotation resolves to nobody.
	ErrNoResponderAvailable = errors.New("no responder available")

	// ErrInvalidSchedule wraps schedule and override validation failures.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

func notFound(team string) error {
	return fmt.Errorf("%w: team %q", ErrNotFound, team)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSchedule, fmt.Sprintf(format, args...))
}
