package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/escalation"
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/oncall"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func putAlert(t *testing.T, s *Store, id, fp string, ts time.Time, dupOf, incidentID string) {
	t.Helper()
	a := &alert.Alert{ID: id, Service: "checkout", Severity: alert.SeverityHigh, Fingerprint: fp, Timestamp: ts, ReceivedAt: ts, DuplicateOf: dupOf, IncidentID: incidentID}
	if err := s.PutAlert(context.Background(), a); err != nil {
		t.Fatalf("PutAlert %s: %v", id, err)
	}
}

func TestAlerts_FindOriginal(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	putAlert(t, s, "a1", "fp", t0, "", "inc-1")
	putAlert(t, s, "a2", "fp", t0.Add(10*time.Second), "a1", "inc-1")
	putAlert(t, s, "a3", "other", t0, "", "inc-2")
	putAlert(t, s, "a4", "fp", t0.Add(20*time.Second), "", "")

	orig, ok, err := s.FindOriginal(ctx, "fp", "checkout", t0.Add(-time.Minute))
	if err != nil || !ok {
		t.Fatalf("FindOriginal = %v, %v", ok, err)
	}
	if orig.ID != "a1" {
		t.Errorf("original = %s, want a1 (duplicates and unattached alerts excluded)", orig.ID)
	}
	if _, ok, _ := s.FindOriginal(ctx, "fp", "checkout", t0.Add(time.Second)); ok {
		t.Error("original outside window found")
	}
	if _, ok, _ := s.FindOriginal(ctx, "fp", "payments", t0.Add(-time.Minute)); ok {
		t.Error("original for other service found")
	}
	if n, _ := s.CountCorrelated(ctx, "inc-1"); n != 1 {
		t.Errorf("CountCorrelated = %d, want 1", n)
	}
}

func TestCreateIncident_AlertCommitsWithIncident(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc := &incident.Incident{ID: "inc-1", Service: "checkout", Severity: alert.SeverityHigh, Status: incident.StatusOpen, CreatedAt: t0}
	a := &alert.Alert{ID: "a1", Service: "checkout", Fingerprint: "fp", Timestamp: t0, IncidentID: "inc-1"}

	err := s.CreateIncident(ctx, inc, nil, func(ctx context.Context) error {
		if err := s.PutAlert(ctx, a); err != nil {
			return err
		}
		if _, ok, _ := s.GetAlert(context.Background(), "a1"); ok {
			t.Error("alert visible before the incident committed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if _, ok, _ := s.GetAlert(ctx, "a1"); !ok {
		t.Error("alert not stored with the incident")
	}
}

func TestCreateIncident_RollsBackAlertOnError(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc := &incident.Incident{ID: "inc-1", Service: "checkout", Severity: alert.SeverityHigh, Status: incident.StatusOpen, CreatedAt: t0}
	boom := errors.New("boom")

	err := s.CreateIncident(ctx, inc, nil, func(ctx context.Context) error {
		if err := s.PutAlert(ctx, &alert.Alert{ID: "a1", Service: "checkout", Fingerprint: "fp", Timestamp: t0}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, ok, _ := s.GetIncident(ctx, "inc-1"); ok {
		t.Error("incident stored despite error")
	}
	if _, ok, _ := s.GetAlert(ctx, "a1"); ok {
		t.Error("alert stored despite error")
	}
}

func TestAlerts_ListPaginates(t *testing.T) {
	t.Parallel()

	s := New()
	for i := range 5 {
		putAlert(t, s, fmt.Sprintf("a%d", i), "fp", t0.Add(time.Duration(i)*time.Second), "", "")
	}

	page, total, err := s.ListAlerts(context.Background(), alert.Filter{Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total/len = %d/%d, want 5/2", total, len(page))
	}
	if page[0].ID != "a2" || page[1].ID != "a1" {
		t.Errorf("page = %s,%s, want a2,a1", page[0].ID, page[1].ID)
	}

	empty, _, _ := s.ListAlerts(context.Background(), alert.Filter{Page: 9, PerPage: 2})
	if len(empty) != 0 {
		t.Errorf("page past end = %d items", len(empty))
	}
}

func newIncident(t *testing.T, s *Store, id string, created time.Time) {
	t.Helper()
	inc := &incident.Incident{ID: id, Service: "checkout", Team: "checkout", Severity: alert.SeverityHigh, Status: incident.StatusOpen, CreatedAt: created, UpdatedAt: created}
	if err := s.CreateIncident(context.Background(), inc, []incident.Event{{ID: "e-" + id, IncidentID: id, Type: incident.EventCreated}}, nil); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
}

func TestUpdateIncident_RollsBackOnError(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	newIncident(t, s, "inc-1", t0)

	boom := errors.New("boom")
	_, err := s.UpdateIncident(ctx, "inc-1", func(ctx context.Context, inc *incident.Incident) (incident.Mutation, error) {
		inc.AlertCount = 99
		if err := s.AppendEscalation(ctx, &escalation.Record{ID: "r1", IncidentID: "inc-1"}); err != nil {
			return incident.Mutation{}, err
		}
		return incident.Mutation{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	got, _, _ := s.GetIncident(ctx, "inc-1")
	if got.AlertCount != 0 {
		t.Errorf("alert_count = %d, want untouched 0", got.AlertCount)
	}
	if n, _ := s.CountEscalations(ctx); n != 0 {
		t.Errorf("escalations = %d, want 0 after rollback", n)
	}
}

func TestUpdateIncident_CommitsEscalationWithEvents(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	newIncident(t, s, "inc-1", t0)

	_, err := s.UpdateIncident(ctx, "inc-1", func(ctx context.Context, inc *incident.Incident) (incident.Mutation, error) {
		rec := &escalation.Record{ID: "r1", IncidentID: "inc-1", Trigger: escalation.TriggerAutomatic, CreatedAt: t0.Add(time.Hour)}
		if err := s.AppendEscalation(ctx, rec); err != nil {
			return incident.Mutation{}, err
		}
		return incident.Mutation{Events: []incident.Event{{ID: "e2", Type: incident.EventEscalated}}}, nil
	})
	if err != nil {
		t.Fatalf("UpdateIncident: %v", err)
	}

	tl, _ := s.Timeline(ctx, "inc-1")
	if len(tl) != 2 || tl[1].Type != incident.EventEscalated {
		t.Errorf("timeline = %+v", tl)
	}
	last, ok, _ := s.LastAutomatic(ctx, "inc-1")
	if !ok || !last.Equal(t0.Add(time.Hour)) {
		t.Errorf("LastAutomatic = %v, %v", last, ok)
	}
}

func TestUpdateIncident_NotFound(t *testing.T) {
	t.Parallel()

	_, err := New().UpdateIncident(context.Background(), "nope", func(context.Context, *incident.Incident) (incident.Mutation, error) {
		return incident.Mutation{}, nil
	})
	if !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateIncident_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	s := New()
	newIncident(t, s, "inc-1", t0)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateIncident(context.Background(), "inc-1", func(_ context.Context, inc *incident.Incident) (incident.Mutation, error) {
				inc.AlertCount++
				return incident.Mutation{}, nil
			})
		}()
	}
	wg.Wait()

	got, _, _ := s.GetIncident(context.Background(), "inc-1")
	if got.AlertCount != 50 {
		t.Errorf("alert_count = %d, want 50", got.AlertCount)
	}
}

func TestCorrelationCandidatesAndOpenSince(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	newIncident(t, s, "old", t0.Add(-10*time.Minute))
	newIncident(t, s, "b", t0)
	newIncident(t, s, "a", t0)

	got, err := s.CorrelationCandidates(ctx, "checkout", alert.SeverityHigh, t0.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("CorrelationCandidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("candidates = %v, want a, b", ids(got))
	}

	open, _ := s.OpenSince(ctx, t0.Add(-5*time.Minute))
	if len(open) != 1 || open[0].ID != "old" {
		t.Errorf("OpenSince = %v, want old", ids(open))
	}
}

func ids(incs []incident.Incident) []string {
	out := make([]string, 0, len(incs))
	for _, i := range incs {
		out = append(out, i.ID)
	}
	return out
}

func TestHistory_BoundedNewestFirst(t *testing.T) {
	t.Parallel()

	s := New().WithMaxHistory(3)
	ctx := context.Background()
	for i := range 5 {
		typ := oncall.HistoryScheduleUpdated
		if i%2 == 0 {
			typ = oncall.HistoryOverrideStart
		}
		_ = s.AppendHistory(ctx, &oncall.HistoryEvent{ID: fmt.Sprint(i), Type: typ, Team: "platform"})
	}

	all, _ := s.ListHistory(ctx, oncall.HistoryFilter{})
	if len(all) != 3 || all[0].ID != "4" || all[2].ID != "2" {
		t.Errorf("history = %+v", all)
	}
	overrides, _ := s.ListHistory(ctx, oncall.HistoryFilter{Type: oncall.HistoryOverrideStart, Limit: 1})
	if len(overrides) != 1 || overrides[0].ID != "4" {
		t.Errorf("filtered = %+v", overrides)
	}
	counts, _ := s.HistoryCounts(ctx)
	if counts[oncall.HistoryOverrideStart] != 2 || counts[oncall.HistoryScheduleUpdated] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestDeleteScheduleDropsOverride(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.PutSchedule(ctx, &oncall.Schedule{Team: "platform", RotationType: oncall.RotationWeekly})
	_ = s.PutOverride(ctx, &oncall.Override{Team: "platform", Name: "carol"})

	ok, err := s.DeleteSchedule(ctx, "platform")
	if err != nil || !ok {
		t.Fatalf("DeleteSchedule = %v, %v", ok, err)
	}
	if _, ok, _ := s.GetOverride(ctx, "platform"); ok {
		t.Error("override survived schedule deletion")
	}
	if ok, _ := s.DeleteSchedule(ctx, "platform"); ok {
		t.Error("second delete reported true")
	}
}
