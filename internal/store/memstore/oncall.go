package memstore

import (
	"context"
	"sort"

	"github.com/linnemanlabs/oncall/internal/oncall"
)

// PutSchedule creates or replaces the team's schedule.
func (s *Store) PutSchedule(_ context.Context, sch *oncall.Schedule) error {
	s.oncallMu.Lock()
	defer s.oncallMu.Unlock()
	s.schedules[sch.Team] = sch.Clone()
	return nil
}

// GetSchedule returns a copy of the team's schedule.
func (s *Store) GetSchedule(_ context.Context, team string) (*oncall.Schedule, bool, error) {
	s.oncallMu.RLock()
	defer s.oncallMu.RUnlock()
	sch, ok := s.schedules[team]
	if !ok {
		return nil, false, nil
	}
	return sch.Clone(), true, nil
}

// ListSchedules returns every schedule ordered by team.
func (s *Store) ListSchedules(_ context.Context) ([]oncall.Schedule, error) {
	s.oncallMu.RLock()
	out := make([]oncall.Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		out = append(out, *sch.Clone())
	}
	s.oncallMu.RUnlock()
	oncall.SortSchedules(out)
	return out, nil
}

// DeleteSchedule removes the schedule and the team's override.
func (s *Store) DeleteSchedule(_ context.Context, team string) (bool, error) {
	s.oncallMu.Lock()
	defer s.oncallMu.Unlock()
	if _, ok := s.schedules[team]; !ok {
		return false, nil
	}
	delete(s.schedules, team)
	delete(s.overrides, team)
	return true, nil
}

// PutOverride creates or replaces the team's override.
func (s *Store) PutOverride(_ context.Context, o *oncall.Override) error {
	s.oncallMu.Lock()
	defer s.oncallMu.Unlock()
	cp := *o
	s.overrides[o.Team] = &cp
	return nil
}

// GetOverride returns a copy of the team's override.
func (s *Store) GetOverride(_ context.Context, team string) (*oncall.Override, bool, error) {
	s.oncallMu.RLock()
	defer s.oncallMu.RUnlock()
	o, ok := s.overrides[team]
	if !ok {
		return nil, false, nil
	}
	cp := *o
	return &cp, true, nil
}

// DeleteOverride removes the team's override.
func (s *Store) DeleteOverride(_ context.Context, team string) (bool, error) {
	s.oncallMu.Lock()
	defer s.oncallMu.Unlock()
	_, ok := s.overrides[team]
	delete(s.overrides, team)
	return ok, nil
}

// ListOverrides returns every stored override ordered by team.
func (s *Store) ListOverrides(_ context.Context) ([]oncall.Override, error) {
	s.oncallMu.RLock()
	out := make([]oncall.Override, 0, len(s.overrides))
	for _, o := range s.overrides {
		out = append(out, *o)
	}
	s.oncallMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Team < out[j].Team })
	return out, nil
}

// AppendHistory appends an audit event, dropping the oldest beyond the cap.
func (s *Store) AppendHistory(_ context.Context, ev *oncall.HistoryEvent) error {
	s.oncallMu.Lock()
	defer s.oncallMu.Unlock()
	s.history = append(s.history, *ev)
	if over := len(s.history) - s.maxHistory; over > 0 {
		s.history = append([]oncall.HistoryEvent(nil), s.history[over:]...)
	}
	return nil
}

// ListHistory returns matching events, newest first.
func (s *Store) ListHistory(_ context.Context, f oncall.HistoryFilter) ([]oncall.HistoryEvent, error) {
	s.oncallMu.RLock()
	defer s.oncallMu.RUnlock()
	out := make([]oncall.HistoryEvent, 0)
	for i := len(s.history) - 1; i >= 0; i-- {
		ev := s.history[i]
		if f.Team != "" && ev.Team != f.Team {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// HistoryCounts returns the number of stored events per type.
func (s *Store) HistoryCounts(_ context.Context) (map[oncall.HistoryType]int, error) {
	s.oncallMu.RLock()
	defer s.oncallMu.RUnlock()
	out := make(map[oncall.HistoryType]int)
	for _, ev := range s.history {
		out[ev.Type]++
	}
	return out, nil
}
