package oncall

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/oncall/internal/clock"
	"github.com/linnemanlabs/oncall/internal/notify"
)

var tracer = otel.Tracer("github.com/linnemanlabs/oncall/internal/oncall")

const (
	// MaxOverrideHours bounds the optional override duration.
	MaxOverrideHours = 168

	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000

	maxTeamLen = 100
	maxNameLen = 100
)

// Notifier queues notification requests.
type Notifier interface {
	Submit(ctx context.Context, r notify.Request) bool
}

// ScheduleInput creates or replaces a schedule.
type ScheduleInput struct {
	Team         string
	RotationType RotationType
	Members      []Member
}

// ScheduleUpdate is a partial schedule change. RemoveMembers holds names.
type ScheduleUpdate struct {
	RotationType  *RotationType
	AddMembers    []Member
	RemoveMembers []string
}

// OverrideInput sets an override. DurationHours of zero means the override
// stays until removed.
type OverrideInput struct {
	Team          string
	Name          string
	Email         string
	Reason        string
	DurationHours int
}

// Service manages schedules and overrides and answers on-call queries.
type Service struct {
	store    Store
	clock    clock.Clock
	logger   log.Logger
	metrics  *Metrics
	notifier Notifier
	channel  notify.Channel

	mu          sync.Mutex
	lastPrimary map[string]string
}

// NewService creates an on-call service over store.
func NewService(store Store, clk clock.Clock, logger log.Logger, metrics *Metrics) *Service {
	if store == nil {
		panic(xerrors.New("oncall store is required"))
	}
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:       store,
		clock:       clk,
		logger:      logger,
		metrics:     metrics,
		channel:     notify.ChannelEmail,
		lastPrimary: make(map[string]string),
	}
}

// WithNotifier sends rotation handoff and override notifications through n
// on the given channel.
func (s *Service) WithNotifier(n Notifier, ch notify.Channel) *Service {
	s.notifier = n
	if ch != "" {
		s.channel = ch
	}
	return s
}

// NormalizeTeam lowercases and trims a team name.
func NormalizeTeam(team string) string {
	return strings.ToLower(strings.TrimSpace(team))
}

// CreateSchedule creates the team's schedule, replacing any existing one.
func (s *Service) CreateSchedule(ctx context.Context, in ScheduleInput) (*Schedule, error) {
	in, err := validateSchedule(in)
	if err != nil {
		return nil, err
	}
	_, replaced, err := s.store.GetSchedule(ctx, in.Team)
	if err != nil {
		return nil, err
	}

	sch := &Schedule{
		ID:           ulid.Make().String(),
		Team:         in.Team,
		RotationType: in.RotationType,
		Members:      in.Members,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.PutSchedule(ctx, sch); err != nil {
		return nil, fmt.Errorf("put schedule: %w", err)
	}

	details := map[string]any{"members_count": len(sch.Members), "rotation_type": string(sch.RotationType)}
	if replaced {
		details["replaced"] = true
	}
	s.record(ctx, sch.Team, HistoryScheduleCreated, details)
	s.refreshGauges(ctx)
	s.logger.Info(ctx, "schedule created", "team", sch.Team, "members", len(sch.Members), "rotation", sch.RotationType)
	return sch, nil
}

// UpdateSchedule applies a partial change. At least one primary must remain.
func (s *Service) UpdateSchedule(ctx context.Context, team string, upd ScheduleUpdate) (*Schedule, error) {
	team = NormalizeTeam(team)
	sch, err := s.GetSchedule(ctx, team)
	if err != nil {
		return nil, err
	}

	changes := map[string]any{}
	if upd.RotationType != nil {
		if !upd.RotationType.Valid() {
			return nil, invalid("unknown rotation type %q", *upd.RotationType)
		}
		if *upd.RotationType != sch.RotationType {
			changes["rotation_type"] = map[string]any{"old": string(sch.RotationType), "new": string(*upd.RotationType)}
			sch.RotationType = *upd.RotationType
		}
	}

	if len(upd.AddMembers) > 0 {
		existing := make(map[string]bool, len(sch.Members))
		for _, m := range sch.Members {
			existing[m.Name] = true
		}
		var added []string
		for _, m := range upd.AddMembers {
			m, err := validateMember(m)
			if err != nil {
				return nil, err
			}
			if existing[m.Name] {
				continue
			}
			existing[m.Name] = true
			sch.Members = append(sch.Members, m)
			added = append(added, m.Name)
		}
		if len(added) > 0 {
			changes["added_members"] = added
		}
	}

	if len(upd.RemoveMembers) > 0 {
		remove := make(map[string]bool, len(upd.RemoveMembers))
		for _, n := range upd.RemoveMembers {
			remove[strings.TrimSpace(n)] = true
		}
		kept := sch.Members[:0:0]
		var removed []string
		for _, m := range sch.Members {
			if remove[m.Name] {
				removed = append(removed, m.Name)
				continue
			}
			kept = append(kept, m)
		}
		sch.Members = kept
		if len(removed) > 0 {
			changes["removed_members"] = removed
		}
	}

	if len(sch.Primaries()) == 0 {
		return nil, invalid("cannot remove all primary members, at least one primary is required")
	}
	if len(changes) == 0 {
		return sch, nil
	}

	now := s.clock.Now()
	sch.UpdatedAt = &now
	if err := s.store.PutSchedule(ctx, sch); err != nil {
		return nil, fmt.Errorf("put schedule: %w", err)
	}
	s.record(ctx, team, HistoryScheduleUpdated, changes)
	s.logger.Info(ctx, "schedule updated", "team", team, "changes", len(changes))
	return sch, nil
}

// DeleteSchedule removes the team's schedule and override.
func (s *Service) DeleteSchedule(ctx context.Context, team string) error {
	team = NormalizeTeam(team)
	ok, err := s.store.DeleteSchedule(ctx, team)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if !ok {
		return notFound(team)
	}
	s.mu.Lock()
	delete(s.lastPrimary, team)
	s.mu.Unlock()

	s.record(ctx, team, HistoryScheduleDeleted, map[string]any{})
	s.refreshGauges(ctx)
	s.logger.Info(ctx, "schedule deleted", "team", team)
	return nil
}

// GetSchedule returns the team's schedule or ErrNotFound.
func (s *Service) GetSchedule(ctx context.Context, team string) (*Schedule, error) {
	team = NormalizeTeam(team)
	sch, ok, err := s.store.GetSchedule(ctx, team)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(team)
	}
	return sch, nil
}

// ListSchedules returns every schedule ordered by team.
func (s *Service) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Current resolves who is on call for team right now. A primary different
// from the last one observed is recorded as a rotation change.
func (s *Service) Current(ctx context.Context, team string) (OnCall, error) {
	now := s.clock.Now()
	oc, sch, err := s.resolve(ctx, team, now)
	if err != nil {
		return OnCall{}, err
	}
	s.observe(ctx, sch, now)
	return oc, nil
}

// ResolveAt resolves who is on call for team at the given instant.
func (s *Service) ResolveAt(ctx context.Context, team string, at time.Time) (OnCall, error) {
	oc, _, err := s.resolve(ctx, team, at)
	return oc, err
}

func (s *Service) resolve(ctx context.Context, team string, at time.Time) (OnCall, *Schedule, error) {
	ctx, span := tracer.Start(ctx, "oncall.Resolve", trace.WithAttributes(
		attribute.String("oncall.team", team),
	))
	defer span.End()

	sch, err := s.GetSchedule(ctx, team)
	if err != nil {
		s.metrics.resolveFailed("no_schedule")
		span.SetStatus(codes.Error, err.Error())
		return OnCall{}, nil, err
	}
	o, _, err := s.store.GetOverride(ctx, sch.Team)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return OnCall{}, nil, fmt.Errorf("get override: %w", err)
	}
	oc, err := Resolve(sch, o, at)
	if err != nil {
		s.metrics.resolveFailed("no_responder")
		span.SetStatus(codes.Error, err.Error())
		return OnCall{}, nil, fmt.Errorf("team %q: %w", sch.Team, err)
	}
	span.SetAttributes(
		attribute.String("oncall.primary", oc.Primary.Email),
		attribute.Bool("oncall.overridden", oc.Overridden),
	)
	return oc, sch, nil
}

// SetOverride replaces the primary of a team until removed or expired.
func (s *Service) SetOverride(ctx context.Context, in OverrideInput) (*Override, error) {
	in.Team = NormalizeTeam(in.Team)
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Reason = strings.TrimSpace(in.Reason)
	switch {
	case in.Name == "":
		return nil, invalid("override user name is required")
	case !strings.Contains(in.Email, "@"):
		return nil, invalid("override email %q is invalid", in.Email)
	case in.DurationHours < 0 || in.DurationHours > MaxOverrideHours:
		return nil, invalid("override duration %d hours (must be 1..%d)", in.DurationHours, MaxOverrideHours)
	}
	if _, err := s.GetSchedule(ctx, in.Team); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	o := &Override{
		Team:      in.Team,
		Name:      in.Name,
		Email:     in.Email,
		Reason:    in.Reason,
		CreatedAt: now,
	}
	details := map[string]any{"user_name": o.Name, "user_email": o.Email, "reason": o.Reason}
	if in.DurationHours > 0 {
		exp := now.Add(time.Duration(in.DurationHours) * time.Hour)
		o.ExpiresAt = &exp
		details["duration_hours"] = in.DurationHours
		details["expires_at"] = exp
	}
	if err := s.store.PutOverride(ctx, o); err != nil {
		return nil, fmt.Errorf("put override: %w", err)
	}

	s.record(ctx, o.Team, HistoryOverrideStart, details)
	s.metrics.override("set")
	s.refreshGauges(ctx)
	s.notify(ctx, notify.Request{
		Kind:      notify.KindOverride,
		Recipient: o.Email,
		Team:      o.Team,
		Subject:   fmt.Sprintf("You are now on call for %s", o.Team),
		Message:   fmt.Sprintf("%s is overriding the %s primary rotation. Reason: %s", o.Name, o.Team, orDash(o.Reason)),
	})
	s.logger.Info(ctx, "override set", "team", o.Team, "user", o.Name, "expires_at", o.ExpiresAt)
	return o, nil
}

// RemoveOverride ends the team's override. ErrNotFound if there is none.
func (s *Service) RemoveOverride(ctx context.Context, team string) (*Override, error) {
	team = NormalizeTeam(team)
	o, ok, err := s.store.GetOverride(ctx, team)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no active override for team %q", ErrNotFound, team)
	}
	if _, err := s.store.DeleteOverride(ctx, team); err != nil {
		return nil, fmt.Errorf("delete override: %w", err)
	}
	s.record(ctx, team, HistoryOverrideEnd, map[string]any{"user_name": o.Name, "user_email": o.Email})
	s.metrics.override("removed")
	s.refreshGauges(ctx)
	s.logger.Info(ctx, "override removed", "team", team, "user", o.Name)
	return o, nil
}

// ListOverrides returns the active overrides, cleaning up expired ones first.
func (s *Service) ListOverrides(ctx context.Context) ([]Override, error) {
	if _, err := s.CleanupExpired(ctx); err != nil {
		return nil, err
	}
	return s.store.ListOverrides(ctx)
}

// CleanupExpired deletes overrides whose expiry has passed and returns how
// many it removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	all, err := s.store.ListOverrides(ctx)
	if err != nil {
		return 0, fmt.Errorf("list overrides: %w", err)
	}
	now := s.clock.Now()
	n := 0
	for i := range all {
		o := &all[i]
		if o.ActiveAt(now) {
			continue
		}
		if _, err := s.store.DeleteOverride(ctx, o.Team); err != nil {
			return n, fmt.Errorf("delete override: %w", err)
		}
		n++
		s.record(ctx, o.Team, HistoryOverrideExpired, map[string]any{"user_name": o.Name, "expires_at": o.ExpiresAt})
		s.metrics.override("expired")
		s.logger.Info(ctx, "override expired", "team", o.Team, "user", o.Name)
	}
	if n > 0 {
		s.refreshGauges(ctx)
	}
	return n, nil
}

// History returns audit events, newest first.
func (s *Service) History(ctx context.Context, f HistoryFilter) ([]HistoryEvent, error) {
	f.Team = NormalizeTeam(f.Team)
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	if f.Limit > MaxHistoryLimit {
		f.Limit = MaxHistoryLimit
	}
	return s.store.ListHistory(ctx, f)
}

// RecordEscalation appends an escalation entry to the team's audit history.
func (s *Service) RecordEscalation(ctx context.Context, team string, details map[string]any) {
	s.record(ctx, NormalizeTeam(team), HistoryEscalation, details)
}

// Teams summarizes every team with a schedule.
func (s *Service) Teams(ctx context.Context) ([]TeamSummary, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]TeamSummary, 0, len(schedules))
	for _, sch := range schedules {
		o, _, err := s.store.GetOverride(ctx, sch.Team)
		if err != nil {
			return nil, err
		}
		out = append(out, TeamSummary{
			Team:         sch.Team,
			MembersCount: len(sch.Members),
			RotationType: sch.RotationType,
			HasOverride:  o.ActiveAt(now),
		})
	}
	return out, nil
}

// Stats aggregates schedules, overrides and history.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return Stats{}, err
	}
	overrides, err := s.store.ListOverrides(ctx)
	if err != nil {
		return Stats{}, err
	}
	counts, err := s.store.HistoryCounts(ctx)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		TotalSchedules: len(schedules),
		RotationTypes:  make(map[RotationType]int),
		EventTypes:     counts,
	}
	for _, sch := range schedules {
		st.TotalMembers += len(sch.Members)
		st.RotationTypes[sch.RotationType]++
	}
	now := s.clock.Now()
	for i := range overrides {
		if overrides[i].ActiveAt(now) {
			st.ActiveOverrides++
		}
	}
	for _, n := range counts {
		st.TotalHistoryEvents += n
	}
	return st, nil
}

// CheckRotations records a rotation change for every team whose scheduled
// primary differs from the last one observed. It returns the number of
// handoffs found.
func (s *Service) CheckRotations(ctx context.Context) (int, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}
	now := s.clock.Now()
	n := 0
	for i := range schedules {
		if s.observe(ctx, &schedules[i], now) {
			n++
		}
	}
	return n, nil
}

// Run cleans up expired overrides and checks for rotation handoffs every
// interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid rotation check interval %s", interval)
	}
	if _, err := s.CheckRotations(ctx); err != nil {
		s.logger.Warn(ctx, "rotation check failed", "error", err)
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.CleanupExpired(ctx); err != nil {
				s.logger.Warn(ctx, "override cleanup failed", "error", err)
			}
			if _, err := s.CheckRotations(ctx); err != nil {
				s.logger.Warn(ctx, "rotation check failed", "error", err)
			}
		}
	}
}

// Seed creates the given schedules for teams that have none yet and returns
// how many it created.
func (s *Service) Seed(ctx context.Context, inputs []ScheduleInput) (int, error) {
	n := 0
	for _, in := range inputs {
		in, err := validateSchedule(in)
		if err != nil {
			return n, fmt.Errorf("seed team %q: %w", in.Team, err)
		}
		_, exists, err := s.store.GetSchedule(ctx, in.Team)
		if err != nil {
			return n, err
		}
		if exists {
			continue
		}
		sch := &Schedule{
			ID:           ulid.Make().String(),
			Team:         in.Team,
			RotationType: in.RotationType,
			Members:      in.Members,
			CreatedAt:    s.clock.Now(),
		}
		if err := s.store.PutSchedule(ctx, sch); err != nil {
			return n, fmt.Errorf("seed team %q: %w", in.Team, err)
		}
		s.record(ctx, sch.Team, HistoryScheduleCreated, map[string]any{
			"members_count": len(sch.Members),
			"rotation_type": string(sch.RotationType),
			"source":        "seed",
		})
		n++
	}
	s.refreshGauges(ctx)
	if n > 0 {
		s.logger.Info(ctx, "seeded on-call schedules", "count", n)
	}
	return n, nil
}

// observe compares the rotation's own primary (overrides excluded) with the
// last one seen for the team. The first observation only primes the state.
func (s *Service) observe(ctx context.Context, sch *Schedule, at time.Time) bool {
	oc, err := Resolve(sch, nil, at)
	if err != nil {
		return false
	}
	cur := oc.Primary.Email

	s.mu.Lock()
	prev, seen := s.lastPrimary[sch.Team]
	s.lastPrimary[sch.Team] = cur
	s.mu.Unlock()

	if !seen || prev == cur {
		return false
	}

	s.record(ctx, sch.Team, HistoryRotationChange, map[string]any{
		"previous":      prev,
		"current":       cur,
		"rotation_type": string(sch.RotationType),
		"period_start":  RotationStart(sch.RotationType, at),
	})
	s.metrics.rotated(sch.Team)
	s.notify(ctx, notify.Request{
		Kind:      notify.KindRotationChange,
		Recipient: cur,
		Team:      sch.Team,
		Subject:   fmt.Sprintf("You are now primary on call for %s", sch.Team),
		Message:   fmt.Sprintf("The %s %s rotation handed off from %s to %s.", sch.Team, sch.RotationType, prev, oc.Primary.Name),
	})
	s.logger.Info(ctx, "rotation changed", "team", sch.Team, "previous", prev, "current", cur)
	return true
}

func (s *Service) record(ctx context.Context, team string, typ HistoryType, details map[string]any) {
	ev := &HistoryEvent{
		ID:      ulid.Make().String(),
		Type:    typ,
		Team:    team,
		Details: details,
		At:      s.clock.Now(),
	}
	if err := s.store.AppendHistory(ctx, ev); err != nil {
		s.logger.Warn(ctx, "history append failed", "team", team, "type", typ, "error", err)
		return
	}
	s.metrics.recorded(typ)
}

func (s *Service) notify(ctx context.Context, r notify.Request) {
	if s.notifier == nil {
		return
	}
	if r.Channel == "" {
		r.Channel = s.channel
	}
	s.notifier.Submit(ctx, r)
}

func (s *Service) refreshGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if schedules, err := s.store.ListSchedules(ctx); err == nil {
		s.metrics.schedules(len(schedules))
	}
	if overrides, err := s.store.ListOverrides(ctx); err == nil {
		s.metrics.overrides(len(overrides))
	}
}

func validateSchedule(in ScheduleInput) (ScheduleInput, error) {
	in.Team = NormalizeTeam(in.Team)
	if in.Team == "" || len(in.Team) > maxTeamLen {
		return in, invalid("team must be 1..%d characters", maxTeamLen)
	}
	if !in.RotationType.Valid() {
		return in, invalid("unknown rotation type %q", in.RotationType)
	}
	if len(in.Members) == 0 {
		return in, invalid("at least one member is required")
	}
	members := make([]Member, 0, len(in.Members))
	seen := make(map[string]bool, len(in.Members))
	for _, m := range in.Members {
		m, err := validateMember(m)
		if err != nil {
			return in, err
		}
		if seen[m.Name] {
			return in, invalid("duplicate member %q", m.Name)
		}
		seen[m.Name] = true
		members = append(members, m)
	}
	in.Members = members
	sch := Schedule{Members: members}
	if len(sch.Primaries()) == 0 {
		return in, invalid("at least one member with role %q is required", RolePrimary)
	}
	return in, nil
}

func validateMember(m Member) (Member, error) {
	m.Name = strings.TrimSpace(m.Name)
	m.Email = strings.ToLower(strings.TrimSpace(m.Email))
	if m.Role == "" {
		m.Role = RolePrimary
	}
	switch {
	case m.Name == "" || len(m.Name) > maxNameLen:
		return m, invalid("member name must be 1..%d characters", maxNameLen)
	case !strings.Contains(m.Email, "@"):
		return m, invalid("member %q has invalid email %q", m.Name, m.Email)
	case !m.Role.Valid():
		return m, invalid("member %q has unknown role %q", m.Name, m.Role)
	}
	return m, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// SortSchedules orders schedules by team.
func SortSchedules(ss []Schedule) {
	sort.Slice(ss, func(i, j int) bool { return ss[i].Team < ss[j].Team })
}
