package pgstore_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/escalation"
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/oncall"
	"github.com/linnemanlabs/oncall/internal/postgres"
	"github.com/linnemanlabs/oncall/internal/store/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("ONCALL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ONCALL_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolConfig{})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// unique returns a name no other test run has used.
func unique(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func TestAlerts_Dedup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	svc := unique("checkout")
	ts := now()
	incID := unique("inc")

	orig := &alert.Alert{ID: unique("a"), Service: svc, Severity: alert.SeverityHigh, Message: "m", Source: "api",
		Labels: map[string]string{"team": "payments"}, Fingerprint: "fp-" + svc, Timestamp: ts, ReceivedAt: ts, IncidentID: incID}
	if err := s.PutAlert(ctx, orig); err != nil {
		t.Fatalf("PutAlert: %v", err)
	}
	dup := *orig
	dup.ID = unique("a")
	dup.DuplicateOf = orig.ID
	dup.Timestamp = ts.Add(10 * time.Second)
	if err := s.PutAlert(ctx, &dup); err != nil {
		t.Fatalf("PutAlert duplicate: %v", err)
	}
	loose := *orig
	loose.ID = unique("a")
	loose.IncidentID = ""
	loose.Timestamp = ts.Add(20 * time.Second)
	if err := s.PutAlert(ctx, &loose); err != nil {
		t.Fatalf("PutAlert unattached: %v", err)
	}

	got, ok, err := s.FindOriginal(ctx, orig.Fingerprint, svc, ts.Add(-time.Minute))
	if err != nil || !ok || got.ID != orig.ID {
		t.Fatalf("FindOriginal = %+v %v %v, want %s", got, ok, err, orig.ID)
	}
	if got.Labels["team"] != "payments" {
		t.Errorf("labels = %v", got.Labels)
	}
	if _, ok, _ := s.FindOriginal(ctx, orig.Fingerprint, svc, ts.Add(time.Second)); ok {
		t.Error("FindOriginal matched outside the window")
	}
	n, err := s.CountCorrelated(ctx, incID)
	if err != nil || n != 1 {
		t.Errorf("CountCorrelated = %d, %v; want 1", n, err)
	}

	list, total, err := s.ListAlerts(ctx, alert.Filter{Service: svc})
	if err != nil || total != 3 || len(list) != 3 {
		t.Fatalf("ListAlerts = %d/%d, %v", len(list), total, err)
	}
}

func TestCreateIncident_AlertSharesTransaction(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	svc := unique("svc")

	ok := newIncident(svc, now())
	a := &alert.Alert{ID: unique("a"), Service: svc, Severity: alert.SeverityCritical, Fingerprint: "fp-" + svc,
		Timestamp: now(), ReceivedAt: now(), IncidentID: ok.ID}
	err := s.CreateIncident(ctx, ok, nil, func(ctx context.Context) error { return s.PutAlert(ctx, a) })
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if _, found, _ := s.GetAlert(ctx, a.ID); !found {
		t.Error("alert not committed with the incident")
	}

	failed := newIncident(svc, now())
	b := &alert.Alert{ID: unique("a"), Service: svc, Severity: alert.SeverityCritical, Fingerprint: "fp-" + svc,
		Timestamp: now(), ReceivedAt: now(), IncidentID: failed.ID}
	boom := errors.New("boom")
	err = s.CreateIncident(ctx, failed, nil, func(ctx context.Context) error {
		if err := s.PutAlert(ctx, b); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, found, _ := s.GetIncident(ctx, failed.ID); found {
		t.Error("incident committed despite error")
	}
	if _, found, _ := s.GetAlert(ctx, b.ID); found {
		t.Error("alert committed despite error")
	}
}

func newIncident(svc string, created time.Time) *incident.Incident {
	return &incident.Incident{
		ID: unique("inc"), Title: "t", Service: svc, Team: svc, Severity: alert.SeverityCritical,
		Status: incident.StatusOpen, AlertCount: 1, CreatedAt: created, UpdatedAt: created,
	}
}

func TestUpdateIncident_CommitsWithEscalation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	inc := newIncident(unique("svc"), now())
	if err := s.CreateIncident(ctx, inc, []incident.Event{{ID: unique("ev"), IncidentID: inc.ID, Type: incident.EventCreated, Actor: "system", At: inc.CreatedAt}}, nil); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}

	rec := &escalation.Record{ID: unique("esc"), Team: inc.Team, IncidentID: inc.ID, Reason: "r",
		Trigger: escalation.TriggerAutomatic, Outcome: escalation.OutcomeEscalated,
		Target: &oncall.Responder{Name: "Eve", Email: "eve@company.com", Role: oncall.RoleSecondary}, CreatedAt: now()}
	_, err := s.UpdateIncident(ctx, inc.ID, func(ctx context.Context, cur *incident.Incident) (incident.Mutation, error) {
		cur.UpdatedAt = now()
		if err := s.AppendEscalation(ctx, rec); err != nil {
			return incident.Mutation{}, err
		}
		return incident.Mutation{Events: []incident.Event{{ID: unique("ev"), IncidentID: cur.ID, Type: incident.EventEscalated, Actor: "system", At: cur.UpdatedAt}}}, nil
	})
	if err != nil {
		t.Fatalf("UpdateIncident: %v", err)
	}

	evs, _ := s.Timeline(ctx, inc.ID)
	if len(evs) != 2 || evs[1].Type != incident.EventEscalated {
		t.Errorf("timeline = %+v", evs)
	}
	list, err := s.ListEscalations(ctx, escalation.Filter{IncidentID: inc.ID})
	if err != nil || len(list) != 1 || list[0].Target == nil || list[0].Target.Email != "eve@company.com" {
		t.Fatalf("ListEscalations = %+v, %v", list, err)
	}
	if _, ok, _ := s.LastAutomatic(ctx, inc.ID); !ok {
		t.Error("LastAutomatic found nothing")
	}
}

func TestUpdateIncident_RollsBack(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	inc := newIncident(unique("svc"), now())
	if err := s.CreateIncident(ctx, inc, nil, nil); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	_, err := s.UpdateIncident(ctx, inc.ID, func(ctx context.Context, cur *incident.Incident) (incident.Mutation, error) {
		cur.AssignedTo = "alice"
		_ = s.AppendEscalation(ctx, &escalation.Record{ID: unique("esc"), Team: cur.Team, IncidentID: cur.ID,
			Trigger: escalation.TriggerManual, Outcome: escalation.OutcomeDegraded, CreatedAt: now()})
		return incident.Mutation{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _, _ := s.GetIncident(ctx, inc.ID)
	if got.AssignedTo != "" {
		t.Errorf("assigned_to = %q after rollback", got.AssignedTo)
	}
	if list, _ := s.ListEscalations(ctx, escalation.Filter{IncidentID: inc.ID}); len(list) != 0 {
		t.Errorf("escalations = %d after rollback", len(list))
	}
	if _, err := s.UpdateIncident(ctx, "missing", nil); !errors.Is(err, incident.ErrNotFound) {
		t.Errorf("missing incident err = %v", err)
	}
}

func TestUpdateIncident_SerializesConcurrentWriters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	inc := newIncident(unique("svc"), now())
	if err := s.CreateIncident(ctx, inc, nil, nil); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateIncident(ctx, inc.ID, func(_ context.Context, cur *incident.Incident) (incident.Mutation, error) {
				cur.AlertCount++
				return incident.Mutation{}, nil
			})
			if err != nil {
				t.Errorf("UpdateIncident: %v", err)
			}
		}()
	}
	wg.Wait()
	got, _, _ := s.GetIncident(ctx, inc.ID)
	if got.AlertCount != n+1 {
		t.Errorf("alert_count = %d, want %d", got.AlertCount, n+1)
	}
}

func TestCandidatesAndOpenSince(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	svc := unique("svc")
	t0 := now()

	recent := newIncident(svc, t0)
	old := newIncident(svc, t0.Add(-time.Hour))
	for _, inc := range []*incident.Incident{recent, old} {
		if err := s.CreateIncident(ctx, inc, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	cands, err := s.CorrelationCandidates(ctx, svc, alert.SeverityCritical, t0.Add(-5*time.Minute))
	if err != nil || len(cands) != 1 || cands[0].ID != recent.ID {
		t.Fatalf("CorrelationCandidates = %+v, %v", cands, err)
	}

	open, err := s.OpenSince(ctx, t0.Add(-30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, inc := range open {
		if inc.ID == recent.ID {
			t.Error("recent incident reported as breaching")
		}
		found = found || inc.ID == old.ID
	}
	if !found {
		t.Error("old incident not reported as breaching")
	}
}

func TestOnCallRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	team := unique("team")

	sch := &oncall.Schedule{ID: unique("sch"), Team: team, RotationType: oncall.RotationWeekly, CreatedAt: now(),
		Members: []oncall.Member{{Name: "Alice", Email: "alice@company.com", Role: oncall.RolePrimary}}}
	if err := s.PutSchedule(ctx, sch); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}
	exp := now().Add(time.Hour)
	if err := s.PutOverride(ctx, &oncall.Override{Team: team, Name: "Bob", Email: "bob@company.com", CreatedAt: now(), ExpiresAt: &exp}); err != nil {
		t.Fatalf("PutOverride: %v", err)
	}

	got, ok, err := s.GetSchedule(ctx, team)
	if err != nil || !ok || len(got.Members) != 1 || got.Members[0].Name != "Alice" {
		t.Fatalf("GetSchedule = %+v %v %v", got, ok, err)
	}
	o, ok, _ := s.GetOverride(ctx, team)
	if !ok || o.ExpiresAt == nil || !o.ExpiresAt.Equal(exp) {
		t.Errorf("override = %+v", o)
	}

	deleted, err := s.DeleteSchedule(ctx, team)
	if err != nil || !deleted {
		t.Fatalf("DeleteSchedule = %v, %v", deleted, err)
	}
	if _, ok, _ := s.GetOverride(ctx, team); ok {
		t.Error("override survived schedule deletion")
	}

	for i := range 3 {
		ev := &oncall.HistoryEvent{ID: unique("h"), Type: oncall.HistoryScheduleUpdated, Team: team,
			Details: map[string]any{"n": i}, At: now()}
		if err := s.AppendHistory(ctx, ev); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}
	hist, err := s.ListHistory(ctx, oncall.HistoryFilter{Team: team, Limit: 2})
	if err != nil || len(hist) != 2 {
		t.Fatalf("ListHistory = %v, %v", hist, err)
	}
	if hist[0].Details["n"] != float64(2) {
		t.Errorf("newest details = %v", hist[0].Details)
	}
}

func TestAdvisoryLock(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	key := unique("lock")

	unlock, err := s.Lock(ctx, key)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(waitCtx, key); err == nil {
		t.Fatal("second Lock succeeded while held")
	}

	unlock()
	unlock()
	again, err := s.Lock(ctx, key)
	if err != nil {
		t.Fatalf("Lock after unlock: %v", err)
	}
	again()
}
