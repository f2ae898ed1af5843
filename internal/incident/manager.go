package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/clock"
	"github.com/linnemanlabs/oncall/internal/retry"
)

var tracer = otel.Tracer("github.com/linnemanlabs/oncall/internal/incident")

// SystemActor is recorded on timeline events the platform makes on its own.
const SystemActor = "system"

// NewIncident seeds Manager.Create.
type NewIncident struct {
	Title      string
	Message    string
	Service    string
	Team       string
	Severity   alert.Severity
	AssignedTo string
	AlertID    string
	Actor      string

	// Within runs inside the create, after the incident is written. Its
	// error aborts the create.
	Within func(ctx context.Context, inc *Incident) error
}

// Patch is a partial change set for Manager.Apply. Nil fields are left alone.
type Patch struct {
	Status     *Status
	AssignedTo *string
	Note       string
	Actor      string
}

// Manager is the only writer of incident state.
type Manager struct {
	store   Store
	clock   clock.Clock
	logger  log.Logger
	metrics *Metrics
	policy  retry.Policy
}

// NewManager creates a lifecycle manager over store.
func NewManager(store Store, clk clock.Clock, logger log.Logger, metrics *Metrics) *Manager {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		store:   store,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
		policy:  retry.DefaultPolicy(),
	}
}

// WithRetryPolicy replaces the transient-error retry policy.
func (m *Manager) WithRetryPolicy(p retry.Policy) *Manager {
	m.policy = p
	return m
}

// Create opens a new incident. When AlertID is set the alert counts as the
// first correlated alert.
func (m *Manager) Create(ctx context.Context, n NewIncident) (*Incident, error) {
	ctx, span := tracer.Start(ctx, "incident.Create", trace.WithAttributes(
		attribute.String("oncall.incident.service", n.Service),
		attribute.String("oncall.incident.severity", string(n.Severity)),
	))
	defer span.End()

	service := strings.ToLower(strings.TrimSpace(n.Service))
	if service == "" {
		return nil, errors.New("incident service is required")
	}
	if !n.Severity.Valid() {
		return nil, fmt.Errorf("invalid incident severity %q", n.Severity)
	}
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = Title(n.Severity, service, n.Message)
	}
	team := strings.ToLower(strings.TrimSpace(n.Team))
	if team == "" {
		team = service
	}
	actor := actorOr(n.Actor)

	now := m.clock.Now()
	inc := &Incident{
		ID:         ulid.Make().String(),
		Title:      title,
		Service:    service,
		Team:       team,
		Severity:   n.Severity,
		Status:     StatusOpen,
		AssignedTo: n.AssignedTo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	detail := map[string]any{"service": service, "severity": string(n.Severity), "team": team}
	if n.AlertID != "" {
		inc.AlertCount = 1
		detail["alert_id"] = n.AlertID
	}
	events := []Event{newEvent(inc.ID, EventCreated, actor, now, detail)}
	if n.AssignedTo != "" {
		events = append(events, newEvent(inc.ID, EventAssigned, actor, now, map[string]any{"assigned_to": n.AssignedTo}))
	}

	var within func(ctx context.Context) error
	if n.Within != nil {
		within = func(ctx context.Context) error { return n.Within(ctx, inc) }
	}
	err := retry.DoErr(ctx, m.policy, func() error {
		return m.store.CreateIncident(ctx, inc, events, within)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create incident: %w", err)
	}

	span.SetAttributes(attribute.String("oncall.incident.id", inc.ID))
	m.metrics.created(inc.Severity)
	m.logger.Info(ctx, "incident created",
		"incident_id", inc.ID,
		"service", inc.Service,
		"severity", inc.Severity,
		"team", inc.Team,
		"assigned_to", inc.AssignedTo,
	)
	return inc, nil
}

// Get returns the incident or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Incident, error) {
	inc, ok, err := m.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(id)
	}
	return inc, nil
}

// List returns a page of incidents and the total number matching f.
func (m *Manager) List(ctx context.Context, f Filter) ([]Incident, int, error) {
	f.Normalize()
	return m.store.ListIncidents(ctx, f)
}

// Acknowledge moves an open incident to acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (*Incident, error) {
	return m.transition(ctx, id, StatusAcknowledged, actor)
}

// StartProgress moves an acknowledged incident to in_progress.
func (m *Manager) StartProgress(ctx context.Context, id, actor string) (*Incident, error) {
	return m.transition(ctx, id, StatusInProgress, actor)
}

// Resolve moves any unresolved incident to resolved.
func (m *Manager) Resolve(ctx context.Context, id, actor string) (*Incident, error) {
	return m.transition(ctx, id, StatusResolved, actor)
}

// Reopen moves a resolved incident back to open.
func (m *Manager) Reopen(ctx context.Context, id, actor string) (*Incident, error) {
	return m.transition(ctx, id, StatusOpen, actor)
}

// Assign sets the assignee of an unresolved incident.
func (m *Manager) Assign(ctx context.Context, id, assignee, actor string) (*Incident, error) {
	return m.Apply(ctx, id, Patch{AssignedTo: &assignee, Actor: actor})
}

// AddNote appends a note. Notes are allowed in every state.
func (m *Manager) AddNote(ctx context.Context, id, author, body string) (*Note, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errors.New("note body is required")
	}
	var added Note
	_, err := m.update(ctx, id, func(_ context.Context, inc *Incident) (Mutation, error) {
		now := m.clock.Now()
		mut := Mutation{}
		added = m.appendNote(&mut, inc, actorOr(author), body, now)
		inc.UpdatedAt = now
		return mut, nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.noted()
	return &added, nil
}

// Apply applies a partial change set atomically: assignment first, then the
// status change, then the note. A reopen is applied before the assignment.
// Any failure leaves the incident untouched.
func (m *Manager) Apply(ctx context.Context, id string, p Patch) (*Incident, error) {
	ctx, span := tracer.Start(ctx, "incident.Apply", trace.WithAttributes(
		attribute.String("oncall.incident.id", id),
	))
	defer span.End()

	actor := actorOr(p.Actor)
	var transitioned EventType
	inc, err := m.update(ctx, id, func(_ context.Context, inc *Incident) (Mutation, error) {
		now := m.clock.Now()
		mut := Mutation{}
		transitioned = ""

		assign := func() error {
			if p.AssignedTo == nil {
				return nil
			}
			changed, err := Assign(inc, strings.TrimSpace(*p.AssignedTo))
			if err != nil {
				return err
			}
			if changed {
				mut.Events = append(mut.Events, newEvent(inc.ID, EventAssigned, actor, now, map[string]any{"assigned_to": inc.AssignedTo}))
			}
			return nil
		}

		// a reopen lands first so the assignment is made on the open incident
		reopen := p.Status != nil && *p.Status == StatusOpen
		if !reopen {
			if err := assign(); err != nil {
				return Mutation{}, err
			}
		}

		if p.Status != nil {
			from := inc.Status
			ev, err := Transition(inc, *p.Status, now)
			if err != nil {
				return Mutation{}, err
			}
			transitioned = ev
			mut.Events = append(mut.Events, newEvent(inc.ID, ev, actor, now, transitionDetail(from, inc)))
		}

		if reopen {
			if err := assign(); err != nil {
				return Mutation{}, err
			}
		}

		if note := strings.TrimSpace(p.Note); note != "" {
			m.appendNote(&mut, inc, actor, note, now)
		}

		if len(mut.Events) > 0 {
			inc.UpdatedAt = now
		}
		return mut, nil
	})
	if err != nil {
		if p.Status != nil && errors.Is(err, ErrInvalidTransition) {
			m.metrics.rejected(*p.Status)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if transitioned != "" {
		m.metrics.transitioned(inc, transitioned)
		m.logger.Info(ctx, "incident transitioned",
			"incident_id", inc.ID,
			"event", transitioned,
			"status", inc.Status,
			"actor", actor,
		)
	}
	if strings.TrimSpace(p.Note) != "" {
		m.metrics.noted()
	}
	return inc, nil
}

// AttachAlert counts another alert against an unresolved incident. within,
// when set, runs inside the same update so the caller can store the alert
// atomically with the count.
func (m *Manager) AttachAlert(ctx context.Context, id string, al *alert.Alert, within func(ctx context.Context, inc *Incident) error) (*Incident, error) {
	inc, err := m.update(ctx, id, func(ctx context.Context, inc *Incident) (Mutation, error) {
		if inc.Status == StatusResolved {
			return Mutation{}, &InvalidTransitionError{IncidentID: inc.ID, From: inc.Status, To: inc.Status, Op: opAttach}
		}
		if within != nil {
			if err := within(ctx, inc); err != nil {
				return Mutation{}, err
			}
		}
		now := m.clock.Now()
		inc.AlertCount++
		inc.UpdatedAt = now
		return Mutation{Events: []Event{newEvent(inc.ID, EventAlertCorrelated, SystemActor, now, map[string]any{
			"alert_id":    al.ID,
			"fingerprint": al.Fingerprint,
			"source":      al.Source,
			"alert_count": inc.AlertCount,
		})}}, nil
	})
	if err != nil {
		return nil, err
	}
	m.metrics.attached()
	return inc, nil
}

// RecordEscalation appends an escalated event. within runs inside the same
// update so the caller can persist its own record atomically with the event.
func (m *Manager) RecordEscalation(ctx context.Context, id, actor string, detail map[string]any, within func(ctx context.Context, inc *Incident) error) (*Incident, error) {
	return m.update(ctx, id, func(ctx context.Context, inc *Incident) (Mutation, error) {
		now := m.clock.Now()
		if within != nil {
			if err := within(ctx, inc); err != nil {
				return Mutation{}, err
			}
		}
		inc.UpdatedAt = now
		return Mutation{Events: []Event{newEvent(inc.ID, EventEscalated, actorOr(actor), now, detail)}}, nil
	})
}

// SetTitle replaces the title.
func (m *Manager) SetTitle(ctx context.Context, id, title string) (*Incident, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("incident title is required")
	}
	return m.update(ctx, id, func(_ context.Context, inc *Incident) (Mutation, error) {
		inc.Title = title
		inc.UpdatedAt = m.clock.Now()
		return Mutation{}, nil
	})
}

// Timeline returns the incident's events in order.
func (m *Manager) Timeline(ctx context.Context, id string) ([]Event, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Timeline(ctx, id)
}

// Notes returns the incident's notes in order.
func (m *Manager) Notes(ctx context.Context, id string) ([]Note, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Notes(ctx, id)
}

// Summary aggregates all incidents.
func (m *Manager) Summary(ctx context.Context) (Summary, error) {
	return m.store.Summary(ctx)
}

// ResponseMetrics derives the response-time view of one incident.
func (m *Manager) ResponseMetrics(ctx context.Context, id string) (*ResponseMetrics, error) {
	inc, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	end := m.clock.Now()
	if inc.ResolvedAt != nil {
		end = *inc.ResolvedAt
	}
	return &ResponseMetrics{
		IncidentID:   inc.ID,
		Status:       inc.Status,
		AlertCount:   inc.AlertCount,
		MTTASeconds:  inc.MTTASeconds,
		MTTRSeconds:  inc.MTTRSeconds,
		AgeSeconds:   end.Sub(inc.CreatedAt).Seconds(),
		Acknowledged: inc.AcknowledgedAt != nil,
		Resolved:     inc.Status == StatusResolved,
	}, nil
}

// CorrelationCandidates lists unresolved incidents for a correlation key.
func (m *Manager) CorrelationCandidates(ctx context.Context, service string, severity alert.Severity, since time.Time) ([]Incident, error) {
	return retry.Do(ctx, m.policy, func() ([]Incident, error) {
		return m.store.CorrelationCandidates(ctx, service, severity, since)
	})
}

// OpenSince lists incidents that have been open since at least cutoff.
func (m *Manager) OpenSince(ctx context.Context, cutoff time.Time) ([]Incident, error) {
	return retry.Do(ctx, m.policy, func() ([]Incident, error) {
		return m.store.OpenSince(ctx, cutoff)
	})
}

func (m *Manager) transition(ctx context.Context, id string, to Status, actor string) (*Incident, error) {
	return m.Apply(ctx, id, Patch{Status: &to, Actor: actor})
}

func (m *Manager) update(ctx context.Context, id string, fn UpdateFunc) (*Incident, error) {
	return retry.Do(ctx, m.policy, func() (*Incident, error) {
		return m.store.UpdateIncident(ctx, id, fn)
	})
}

func (m *Manager) appendNote(mut *Mutation, inc *Incident, author, body string, now time.Time) Note {
	n := Note{
		ID:         ulid.Make().String(),
		IncidentID: inc.ID,
		Author:     author,
		Body:       body,
		CreatedAt:  now,
	}
	mut.Notes = append(mut.Notes, n)
	mut.Events = append(mut.Events, newEvent(inc.ID, EventNoteAdded, author, now, map[string]any{"note_id": n.ID}))
	return n
}

func newEvent(incidentID string, typ EventType, actor string, at time.Time, detail map[string]any) Event {
	return Event{
		ID:         ulid.Make().String(),
		IncidentID: incidentID,
		Type:       typ,
		Actor:      actor,
		Detail:     detail,
		At:         at,
	}
}

func transitionDetail(from Status, inc *Incident) map[string]any {
	d := map[string]any{"from": string(from), "to": string(inc.Status)}
	switch inc.Status {
	case StatusAcknowledged:
		if inc.MTTASeconds != nil {
			d["mtta_seconds"] = *inc.MTTASeconds
		}
	case StatusResolved:
		if inc.MTTRSeconds != nil {
			d["mttr_seconds"] = *inc.MTTRSeconds
		}
	}
	return d
}

func actorOr(actor string) string {
	if a := strings.TrimSpace(actor); a != "" {
		return a
	}
	return SystemActor
}
