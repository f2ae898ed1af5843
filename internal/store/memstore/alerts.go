package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/oncall/internal/alert"
)

// PutAlert stores a copy of a, or buffers it when called from inside an
// incident write so it commits with that write.
func (s *Store) PutAlert(ctx context.Context, a *alert.Alert) error {
	if t := txFrom(ctx); t != nil {
		s.alertMu.RLock()
		_, exists := s.alerts[a.ID]
		s.alertMu.RUnlock()
		if exists {
			return fmt.Errorf("alert %s already exists", a.ID)
		}
		t.alerts = append(t.alerts, a.Clone())
		return nil
	}
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	return s.insertAlert(a.Clone())
}

// insertAlert adds a. Callers hold alertMu.
func (s *Store) insertAlert(a *alert.Alert) error {
	if _, exists := s.alerts[a.ID]; exists {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	s.alerts[a.ID] = a
	s.alertOrder = append(s.alertOrder, a.ID)
	s.fingerprint[a.Fingerprint] = append(s.fingerprint[a.Fingerprint], a.ID)
	return nil
}

// GetAlert returns a copy of the alert.
func (s *Store) GetAlert(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// FindOriginal implements alert.Store.
func (s *Store) FindOriginal(_ context.Context, fingerprint, service string, since time.Time) (*alert.Alert, bool, error) {
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()

	var best *alert.Alert
	for _, id := range s.fingerprint[fingerprint] {
		a := s.alerts[id]
		if a.DuplicateOf != "" || a.IncidentID == "" || a.Service != service || a.Timestamp.Before(since) {
			continue
		}
		// later inserts win ties
		if best == nil || !a.Timestamp.Before(best.Timestamp) {
			best = a
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.Clone(), true, nil
}

// ListAlerts returns matching alerts, newest first.
func (s *Store) ListAlerts(_ context.Context, f alert.Filter) ([]alert.Alert, int, error) {
	f.Normalize()
	s.alertMu.RLock()
	matched := make([]alert.Alert, 0)
	for i := len(s.alertOrder) - 1; i >= 0; i-- {
		a := s.alerts[s.alertOrder[i]]
		if f.Service != "" && a.Service != f.Service {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.IncidentID != "" && a.IncidentID != f.IncidentID {
			continue
		}
		matched = append(matched, *a.Clone())
	}
	s.alertMu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})
	return paginate(matched, f.Offset(), f.PerPage), len(matched), nil
}

// CountCorrelated implements alert.Store.
func (s *Store) CountCorrelated(_ context.Context, incidentID string) (int, error) {
	s.alertMu.RLock()
	defer s.alertMu.RUnlock()
	n := 0
	for _, a := range s.alerts {
		if a.IncidentID == incidentID && a.DuplicateOf == "" {
			n++
		}
	}
	return n, nil
}
