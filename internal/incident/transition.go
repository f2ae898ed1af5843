package incident

import "time"

const (
	opAcknowledge = "acknowledge"
	opProgress    = "start_progress"
	opResolve     = "resolve"
	opReopen      = "reopen"
	opAssign      = "assign"
	opAttach      = "attach alert"
)

// Transition moves inc to the requested status, stamping timestamps and
// derived metrics, and returns the timeline event type to record. inc is
// left untouched when the move is illegal.
//
//	open         -> acknowledged | resolved
//	acknowledged -> in_progress  | resolved
//	in_progress  -> resolved
//	resolved     -> open (reopen)
func Transition(inc *Incident, to Status, now time.Time) (EventType, error) {
	from := inc.Status
	invalid := func(op string) error {
		return &InvalidTransitionError{IncidentID: inc.ID, From: from, To: to, Op: op}
	}

	switch to {
	case StatusAcknowledged:
		if from != StatusOpen {
			return "", invalid(opAcknowledge)
		}
		stampAcknowledged(inc, now)
		inc.Status = StatusAcknowledged
		return EventAcknowledged, nil

	case StatusInProgress:
		if from != StatusAcknowledged {
			return "", invalid(opProgress)
		}
		inc.Status = StatusInProgress
		return EventInProgress, nil

	case StatusResolved:
		if from == StatusResolved {
			return "", invalid(opResolve)
		}
		// a direct resolve from open counts as the acknowledgement too
		stampAcknowledged(inc, now)
		at := notBefore(now, *inc.AcknowledgedAt)
		mttr := at.Sub(inc.CreatedAt).Seconds()
		inc.ResolvedAt = &at
		inc.MTTRSeconds = &mttr
		inc.Status = StatusResolved
		return EventResolved, nil

	case StatusOpen:
		if from != StatusResolved {
			return "", invalid(opReopen)
		}
		at := notBefore(now, *inc.ResolvedAt)
		inc.ResolvedAt = nil
		inc.MTTRSeconds = nil
		inc.ReopenedAt = &at
		inc.Status = StatusOpen
		return EventReopened, nil

	default:
		return "", invalid("transition")
	}
}

// Assign sets the assignee. It reports false when the assignee is unchanged.
func Assign(inc *Incident, assignee string) (bool, error) {
	if inc.Status == StatusResolved {
		return false, &InvalidTransitionError{IncidentID: inc.ID, From: inc.Status, To: inc.Status, Op: opAssign}
	}
	if inc.AssignedTo == assignee {
		return false, nil
	}
	inc.AssignedTo = assignee
	return true, nil
}

func stampAcknowledged(inc *Incident, now time.Time) {
	if inc.AcknowledgedAt != nil {
		return
	}
	at := notBefore(now, inc.CreatedAt)
	mtta := at.Sub(inc.CreatedAt).Seconds()
	inc.AcknowledgedAt = &at
	inc.MTTASeconds = &mtta
}

// notBefore keeps lifecycle timestamps monotonic under clock skew.
func notBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}
