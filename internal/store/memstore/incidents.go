package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/incident"
)

// CreateIncident stores a copy of inc with its initial timeline. Writes
// within makes through its context commit with the incident.
func (s *Store) CreateIncident(ctx context.Context, inc *incident.Incident, events []incident.Event, within func(ctx context.Context) error) error {
	s.incMu.Lock()
	defer s.incMu.Unlock()
	if _, exists := s.incidents[inc.ID]; exists {
		return fmt.Errorf("incident %s already exists", inc.ID)
	}
	t := &tx{}
	if within != nil {
		if err := within(context.WithValue(ctx, txKey{}, t)); err != nil {
			return err
		}
	}
	if err := s.commit(t); err != nil {
		return err
	}
	s.incidents[inc.ID] = inc.Clone()
	s.timeline[inc.ID] = append([]incident.Event(nil), events...)
	return nil
}

// GetIncident returns a copy of the incident.
func (s *Store) GetIncident(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.incMu.RLock()
	defer s.incMu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// ListIncidents returns matching incidents, newest first.
func (s *Store) ListIncidents(_ context.Context, f incident.Filter) ([]incident.Incident, int, error) {
	f.Normalize()
	matched := s.selectIncidents(func(inc *incident.Incident) bool {
		return (f.Status == "" || inc.Status == f.Status) &&
			(f.Service == "" || inc.Service == f.Service) &&
			(f.Severity == "" || inc.Severity == f.Severity) &&
			(f.Team == "" || inc.Team == f.Team) &&
			(f.AssignedTo == "" || inc.AssignedTo == f.AssignedTo)
	})
	return paginate(matched, f.Offset(), f.PerPage), len(matched), nil
}

// UpdateIncident runs fn on a copy of the incident while holding the write
// lock and commits the copy, the mutation and any alerts or escalation
// records fn wrote through ctx together.
func (s *Store) UpdateIncident(ctx context.Context, id string, fn incident.UpdateFunc) (*incident.Incident, error) {
	s.incMu.Lock()
	defer s.incMu.Unlock()

	cur, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	work := cur.Clone()
	t := &tx{}
	mut, err := fn(context.WithValue(ctx, txKey{}, t), work)
	if err != nil {
		return nil, err
	}

	if err := s.commit(t); err != nil {
		return nil, err
	}
	s.incidents[id] = work
	s.timeline[id] = append(s.timeline[id], mut.Events...)
	s.notes[id] = append(s.notes[id], mut.Notes...)
	return work.Clone(), nil
}

// Timeline returns the incident's events in order.
func (s *Store) Timeline(_ context.Context, id string) ([]incident.Event, error) {
	s.incMu.RLock()
	defer s.incMu.RUnlock()
	return append([]incident.Event{}, s.timeline[id]...), nil
}

// Notes returns the incident's notes in order.
func (s *Store) Notes(_ context.Context, id string) ([]incident.Note, error) {
	s.incMu.RLock()
	defer s.incMu.RUnlock()
	return append([]incident.Note{}, s.notes[id]...), nil
}

// CorrelationCandidates implements incident.Store.
func (s *Store) CorrelationCandidates(_ context.Context, service string, severity alert.Severity, since time.Time) ([]incident.Incident, error) {
	return s.selectIncidents(func(inc *incident.Incident) bool {
		return inc.Status != incident.StatusResolved &&
			inc.Service == service &&
			inc.Severity == severity &&
			!inc.CreatedAt.Before(since)
	}), nil
}

// OpenSince implements incident.Store.
func (s *Store) OpenSince(_ context.Context, cutoff time.Time) ([]incident.Incident, error) {
	return s.selectIncidents(func(inc *incident.Incident) bool {
		return inc.Status == incident.StatusOpen && !inc.OpenSince().After(cutoff)
	}), nil
}

// Summary aggregates every incident.
func (s *Store) Summary(_ context.Context) (incident.Summary, error) {
	s.incMu.RLock()
	defer s.incMu.RUnlock()
	var acc incident.SummaryAccumulator
	for _, inc := range s.incidents {
		acc.Add(inc)
	}
	return acc.Summary(), nil
}

// selectIncidents returns copies of matching incidents ordered by
// created_at desc, then id.
func (s *Store) selectIncidents(match func(*incident.Incident) bool) []incident.Incident {
	s.incMu.RLock()
	out := make([]incident.Incident, 0)
	for _, inc := range s.incidents {
		if match(inc) {
			out = append(out, *inc.Clone())
		}
	}
	s.incMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
