package oncall

import "time"

// rotationAnchor is the Monday all rotation periods are counted from.
var rotationAnchor = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)

// RotationIndex returns the number of whole rotation periods elapsed between
// the anchor and at. Instants before the anchor yield negative indexes.
func RotationIndex(rt RotationType, at time.Time) int64 {
	period := rt.Period()
	if period <= 0 {
		return 0
	}
	d := at.Sub(rotationAnchor)
	idx := int64(d / period)
	if d < 0 && d%period != 0 {
		idx--
	}
	return idx
}

// RotationStart returns the instant the rotation period containing at began.
func RotationStart(rt RotationType, at time.Time) time.Time {
	return rotationAnchor.Add(time.Duration(RotationIndex(rt, at)) * rt.Period())
}

// Resolve computes who is on call for s at the given instant. It is a pure
// function of its arguments. An override active at `at` replaces the
// primary only; the secondary still follows the rotation.
func Resolve(s *Schedule, o *Override, at time.Time) (OnCall, error) {
	if s == nil || len(s.Members) == 0 {
		return OnCall{}, ErrNoResponderAvailable
	}

	out := OnCall{
		Team:         s.Team,
		ScheduleID:   s.ID,
		RotationType: s.RotationType,
		At:           at,
	}

	primaries := s.Primaries()
	var idx int
	if n := len(primaries); n > 0 {
		idx = mod(RotationIndex(s.RotationType, at), n)
		p := primaries[idx]
		out.Primary = Responder{Name: p.Name, Email: p.Email, Role: RolePrimary}
	}

	if o.ActiveAt(at) && o.Team == s.Team {
		out.Primary = Responder{Name: o.Name, Email: o.Email, Role: RolePrimary, Override: true, Reason: o.Reason}
		out.Overridden = true
	} else if len(primaries) == 0 {
		return OnCall{}, ErrNoResponderAvailable
	}

	if secondaries := s.Secondaries(); len(secondaries) > 0 {
		sec := secondaries[idx%len(secondaries)]
		out.Secondary = &Responder{Name: sec.Name, Email: sec.Email, Role: RoleSecondary}
	} else if len(primaries) > 1 {
		next := primaries[(idx+1)%len(primaries)]
		out.Secondary = &Responder{Name: next.Name, Email: next.Email, Role: RoleSecondary}
	}

	return out, nil
}

// EscalationTarget is the responder an escalation pages: the secondary when
// there is one, else the primary.
func (c OnCall) EscalationTarget() Responder {
	if c.Secondary != nil {
		return *c.Secondary
	}
	return c.Primary
}

func mod(i int64, n int) int {
	m := i % int64(n)
	if m < 0 {
		m += int64(n)
	}
	return int(m)
}
