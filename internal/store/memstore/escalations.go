package memstore

import (
	"context"
	"time"

	"github.com/linnemanlabs/oncall/internal/escalation"
)

// AppendEscalation stores r, or buffers it when called from inside an
// incident update so it commits with that update.
func (s *Store) AppendEscalation(ctx context.Context, r *escalation.Record) error {
	cp := *r
	if cp.Target != nil {
		t := *cp.Target
		cp.Target = &t
	}
	if t := txFrom(ctx); t != nil {
		t.escalations = append(t.escalations, cp)
		return nil
	}
	s.escMu.Lock()
	defer s.escMu.Unlock()
	s.escalations = append(s.escalations, cp)
	return nil
}

// ListEscalations returns matching records, newest first.
func (s *Store) ListEscalations(_ context.Context, f escalation.Filter) ([]escalation.Record, error) {
	s.escMu.RLock()
	defer s.escMu.RUnlock()
	out := make([]escalation.Record, 0)
	for i := len(s.escalations) - 1; i >= 0; i-- {
		r := s.escalations[i]
		if f.Team != "" && r.Team != f.Team {
			continue
		}
		if f.IncidentID != "" && r.IncidentID != f.IncidentID {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// CountEscalations returns the number of stored records.
func (s *Store) CountEscalations(_ context.Context) (int, error) {
	s.escMu.RLock()
	defer s.escMu.RUnlock()
	return len(s.escalations), nil
}

// LastAutomatic implements escalation.Store.
func (s *Store) LastAutomatic(_ context.Context, incidentID string) (time.Time, bool, error) {
	s.escMu.RLock()
	defer s.escMu.RUnlock()
	for i := len(s.escalations) - 1; i >= 0; i-- {
		r := s.escalations[i]
		if r.IncidentID == incidentID && r.Trigger == escalation.TriggerAutomatic {
			return r.CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}
