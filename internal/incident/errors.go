package incident

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown incident ids.
	ErrNotFound = errors.New("incident not found")

	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid incident transition")
)

// InvalidTransitionError reports a lifecycle request that is illegal from
// the incident's current state.
type InvalidTransitionError struct {
	IncidentID string
	From       Status
	To         Status
	Op         string
}

func (e *InvalidTransitionError) Error() string {
	switch e.Op {
	case opAssign, opAttach:
		return fmt.Sprintf("incident %s: cannot %s while %s", e.IncidentID, e.Op, e.From)
	default:
		return fmt.Sprintf("incident %s: invalid transition %s -> %s", e.IncidentID, e.From, e.To)
	}
}

// Is reports whether target is ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
