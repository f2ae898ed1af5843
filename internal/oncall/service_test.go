package oncall_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/oncall/internal/clock"
	"github.com/linnemanlabs/oncall/internal/notify"
	"github.com/linnemanlabs/oncall/internal/oncall"
	"github.com/linnemanlabs/oncall/internal/store/memstore"
)

// Monday; weekly rotation index 2930.
var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type capture struct {
	mu   sync.Mutex
	reqs []notify.Request
}

func (c *capture) Submit(_ context.Context, r notify.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, r)
	return true
}

func (c *capture) kinds() []notify.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Kind, len(c.reqs))
	for i, r := range c.reqs {
		out[i] = r.Kind
	}
	return out
}

func newService(t *testing.T) (*oncall.Service, *clock.Manual, *capture) {
	t.Helper()
	clk := clock.NewManual(t0)
	c := &capture{}
	svc := oncall.NewService(memstore.New(), clk, nil, nil).WithNotifier(c, notify.ChannelEmail)
	seeds, err := oncall.DefaultSeeds()
	if err != nil {
		t.Fatalf("DefaultSeeds: %v", err)
	}
	if n, err := svc.Seed(context.Background(), seeds); err != nil || n != 4 {
		t.Fatalf("Seed = %d, %v; want 4", n, err)
	}
	return svc, clk, c
}

func historyTypes(t *testing.T, svc *oncall.Service, team string) []oncall.HistoryType {
	t.Helper()
	evs, err := svc.History(context.Background(), oncall.HistoryFilter{Team: team})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	out := make([]oncall.HistoryType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestOverrideScenario(t *testing.T) {
	t.Parallel()

	svc, _, notes := newService(t)
	ctx := context.Background()

	oc, err := svc.Current(ctx, "platform-engineering")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if oc.Primary.Name != "Alice Martin" || oc.Overridden {
		t.Fatalf("primary = %+v, want Alice from rotation", oc.Primary)
	}
	if oc.Secondary == nil || oc.Secondary.Name != "Carol Chen" {
		t.Fatalf("secondary = %+v, want Carol", oc.Secondary)
	}

	if _, err := svc.SetOverride(ctx, oncall.OverrideInput{
		Team:   "Platform-Engineering",
		Name:   "Carol Chen",
		Email:  "carol@company.com",
		Reason: "Alice on PTO",
	}); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}

	oc, err = svc.Current(ctx, "platform-engineering")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !oc.Overridden || oc.Primary.Email != "carol@company.com" || !oc.Primary.Override {
		t.Fatalf("primary = %+v, want Carol override", oc.Primary)
	}
	if oc.Primary.Reason != "Alice on PTO" {
		t.Errorf("reason = %q", oc.Primary.Reason)
	}

	teams, err := svc.Teams(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, ts := range teams {
		if got, want := ts.HasOverride, ts.Team == "platform-engineering"; got != want {
			t.Errorf("team %s has_override = %v, want %v", ts.Team, got, want)
		}
	}

	if _, err := svc.RemoveOverride(ctx, "platform-engineering"); err != nil {
		t.Fatalf("RemoveOverride: %v", err)
	}
	oc, _ = svc.Current(ctx, "platform-engineering")
	if oc.Primary.Name != "Alice Martin" || oc.Overridden {
		t.Fatalf("after removal primary = %+v, want Alice", oc.Primary)
	}
	if _, err := svc.RemoveOverride(ctx, "platform-engineering"); !errors.Is(err, oncall.ErrNotFound) {
		t.Errorf("second RemoveOverride err = %v, want ErrNotFound", err)
	}

	got := historyTypes(t, svc, "platform-engineering")
	if len(got) < 3 || got[0] != oncall.HistoryOverrideEnd || got[1] != oncall.HistoryOverrideStart || got[2] != oncall.HistoryScheduleCreated {
		t.Errorf("history = %v", got)
	}
	if k := notes.kinds(); len(k) != 1 || k[0] != notify.KindOverride {
		t.Errorf("notifications = %v, want one override", k)
	}
}

func TestOverrideExpiry(t *testing.T) {
	t.Parallel()

	svc, clk, _ := newService(t)
	ctx := context.Background()

	o, err := svc.SetOverride(ctx, oncall.OverrideInput{Team: "backend", Name: "Zoe", Email: "zoe@company.com", DurationHours: 2})
	if err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	if o.ExpiresAt == nil || !o.ExpiresAt.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("expires_at = %v", o.ExpiresAt)
	}

	clk.Advance(3 * time.Hour)
	oc, err := svc.Current(ctx, "backend")
	if err != nil {
		t.Fatal(err)
	}
	if oc.Overridden {
		t.Fatalf("expired override still applied: %+v", oc.Primary)
	}

	n, err := svc.CleanupExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupExpired = %d, %v; want 1", n, err)
	}
	if got := historyTypes(t, svc, "backend"); got[0] != oncall.HistoryOverrideExpired {
		t.Errorf("latest history = %v, want override_expired", got[0])
	}
	list, err := svc.ListOverrides(ctx)
	if err != nil || len(list) != 0 {
		t.Errorf("ListOverrides = %v, %v; want empty", list, err)
	}
}

func TestSetOverride_Validation(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	tests := []struct {
		name string
		in   oncall.OverrideInput
		want error
	}{
		{"unknown team", oncall.OverrideInput{Team: "nope", Name: "X", Email: "x@y.z"}, oncall.ErrNotFound},
		{"missing name", oncall.OverrideInput{Team: "backend", Email: "x@y.z"}, oncall.ErrInvalidSchedule},
		{"bad email", oncall.OverrideInput{Team: "backend", Name: "X", Email: "nobody"}, oncall.ErrInvalidSchedule},
		{"too long", oncall.OverrideInput{Team: "backend", Name: "X", Email: "x@y.z", DurationHours: 169}, oncall.ErrInvalidSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := svc.SetOverride(context.Background(), tt.in); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestScheduleCRUD(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	ctx := context.Background()

	sch, err := svc.CreateSchedule(ctx, oncall.ScheduleInput{
		Team:         " Data ",
		RotationType: oncall.RotationDaily,
		Members: []oncall.Member{
			{Name: "Kim", Email: "kim@company.com", Role: oncall.RolePrimary},
		},
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if sch.Team != "data" {
		t.Errorf("team = %q, want normalized", sch.Team)
	}

	weekly := oncall.RotationWeekly
	sch, err = svc.UpdateSchedule(ctx, "data", oncall.ScheduleUpdate{
		RotationType: &weekly,
		AddMembers:   []oncall.Member{{Name: "Lee", Email: "lee@company.com", Role: oncall.RoleSecondary}},
	})
	if err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if sch.RotationType != oncall.RotationWeekly || len(sch.Members) != 2 || sch.UpdatedAt == nil {
		t.Errorf("updated schedule = %+v", sch)
	}

	_, err = svc.UpdateSchedule(ctx, "data", oncall.ScheduleUpdate{RemoveMembers: []string{"Kim"}})
	if !errors.Is(err, oncall.ErrInvalidSchedule) {
		t.Fatalf("removing last primary err = %v, want ErrInvalidSchedule", err)
	}

	if err := svc.DeleteSchedule(ctx, "data"); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := svc.GetSchedule(ctx, "data"); !errors.Is(err, oncall.ErrNotFound) {
		t.Errorf("GetSchedule after delete err = %v", err)
	}
	if err := svc.DeleteSchedule(ctx, "data"); !errors.Is(err, oncall.ErrNotFound) {
		t.Errorf("second delete err = %v", err)
	}
	want := []oncall.HistoryType{oncall.HistoryScheduleDeleted, oncall.HistoryScheduleUpdated, oncall.HistoryScheduleCreated}
	got := historyTypes(t, svc, "data")
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCreateSchedule_Invalid(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	tests := []struct {
		name string
		in   oncall.ScheduleInput
	}{
		{"no team", oncall.ScheduleInput{RotationType: oncall.RotationDaily, Members: []oncall.Member{{Name: "a", Email: "a@b.c", Role: oncall.RolePrimary}}}},
		{"bad rotation", oncall.ScheduleInput{Team: "x", RotationType: "hourly", Members: []oncall.Member{{Name: "a", Email: "a@b.c", Role: oncall.RolePrimary}}}},
		{"no primary", oncall.ScheduleInput{Team: "x", RotationType: oncall.RotationDaily, Members: []oncall.Member{{Name: "a", Email: "a@b.c", Role: oncall.RoleSecondary}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := svc.CreateSchedule(context.Background(), tt.in); !errors.Is(err, oncall.ErrInvalidSchedule) {
				t.Fatalf("err = %v, want ErrInvalidSchedule", err)
			}
		})
	}
}

func TestCheckRotations(t *testing.T) {
	t.Parallel()

	svc, clk, notes := newService(t)
	ctx := context.Background()

	n, err := svc.CheckRotations(ctx)
	if err != nil || n != 0 {
		t.Fatalf("first check = %d, %v; want 0", n, err)
	}

	// a week later the weekly teams hand off, daily frontend has one
	// primary, biweekly infrastructure is mid period
	clk.Advance(7 * 24 * time.Hour)
	n, err = svc.CheckRotations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("handoffs = %d, want 1 (platform-engineering)", n)
	}
	evs, err := svc.History(ctx, oncall.HistoryFilter{Team: "platform-engineering", Type: oncall.HistoryRotationChange})
	if err != nil || len(evs) != 1 {
		t.Fatalf("rotation history = %v, %v", evs, err)
	}
	if evs[0].Details["previous"] != "alice@company.com" || evs[0].Details["current"] != "bob@company.com" {
		t.Errorf("details = %v", evs[0].Details)
	}
	if k := notes.kinds(); len(k) != 1 || k[0] != notify.KindRotationChange {
		t.Errorf("notifications = %v", k)
	}

	if n, _ := svc.CheckRotations(ctx); n != 0 {
		t.Errorf("repeat check = %d, want 0", n)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.SetOverride(ctx, oncall.OverrideInput{Team: "frontend", Name: "Grace Lee", Email: "grace@company.com"}); err != nil {
		t.Fatal(err)
	}
	st, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalSchedules != 4 || st.TotalMembers != 10 || st.ActiveOverrides != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.RotationTypes[oncall.RotationWeekly] != 2 {
		t.Errorf("weekly schedules = %d, want 2", st.RotationTypes[oncall.RotationWeekly])
	}
	if st.EventTypes[oncall.HistoryScheduleCreated] != 4 || st.TotalHistoryEvents != 5 {
		t.Errorf("event types = %v total = %d", st.EventTypes, st.TotalHistoryEvents)
	}
}
