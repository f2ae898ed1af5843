package escalation

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/notify"
	"github.com/linnemanlabs/oncall/internal/oncall"
)

var tracer = otel.Tracer("github.com/linnemanlabs/oncall/internal/escalation")

// errNotBreaching aborts an automatic escalation whose incident left the
// open state or was already escalated for its current open period.
var errNotBreaching = errors.New("incident no longer breaching")

// Incidents is the slice of the lifecycle manager the coordinator needs.
type Incidents interface {
	Get(ctx context.Context, id string) (*incident.Incident, error)
	OpenSince(ctx context.Context, cutoff time.Time) ([]incident.Incident, error)
	RecordEscalation(ctx context.Context, id, actor string, detail map[string]any, within func(ctx context.Context, inc *incident.Incident) error) (*incident.Incident, error)
}

// Rotations resolves responders and keeps the team audit history.
type Rotations interface {
	Current(ctx context.Context, team string) (oncall.OnCall, error)
	RecordEscalation(ctx context.Context, team string, details map[string]any)
}

// Notifier queues notification requests. Notify delivers inline and is used
// when the queue refuses a page.
type Notifier interface {
	Submit(ctx context.Context, r notify.Request) bool
	Notify(ctx context.Context, r notify.Request) notify.Status
}

// pageTimeout bounds an inline page.
const pageTimeout = 15 * time.Second

// Config holds escalation thresholds.
type Config struct {
	Threshold     time.Duration
	SweepInterval time.Duration
	Channel       notify.Channel
}

// DefaultConfig returns a 15 minute threshold checked every minute.
func DefaultConfig() Config {
	return Config{
		Threshold:     15 * time.Minute,
		SweepInterval: time.Minute,
		Channel:       notify.ChannelSMS,
	}
}

// Request is a manual escalation.
type Request struct {
	Team       string
	IncidentID string
	Reason     string
	Actor      string
}

// Coordinator escalates incidents and owns escalation records.
type Coordinator struct {
	store     Store
	incidents Incidents
	rotations Rotations
	notifier  Notifier
	clock     clock.Clock
	logger    log.Logger
	metrics   *Metrics
	cfg       Config

	mu            sync.Mutex
	lastAutomatic map[string]time.Time
}

// NewCoordinator creates a coordinator. Zero config fields take defaults.
func NewCoordinator(store Store, incidents Incidents, rotations Rotations, cfg Config, logger log.Logger) *Coordinator {
	if store == nil || incidents == nil || rotations == nil {
		panic(xerrors.New("escalation store, incidents and rotations are required"))
	}
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{
		store:         store,
		incidents:     incidents,
		rotations:     rotations,
		clock:         clock.System,
		logger:        logger,
		cfg:           cfg,
		lastAutomatic: make(map[string]time.Time),
	}
}

// WithNotifier pages escalation targets through n.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// WithClock replaces the time source.
func (c *Coordinator) WithClock(clk clock.Clock) *Coordinator {
	c.clock = clk
	return c
}

// WithMetrics records escalation metrics.
func (c *Coordinator) WithMetrics(m *Metrics) *Coordinator {
	c.metrics = m
	return c
}

// Escalate pages the incident's team (or req.Team when given). With nobody
// on call the record is still written, with a nil target and the degraded
// outcome.
func (c *Coordinator) Escalate(ctx context.Context, req Request) (*Record, error) {
	id := strings.TrimSpace(req.IncidentID)
	if id == "" {
		return nil, errors.New("incident id is required")
	}
	inc, err := c.incidents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	team := oncall.NormalizeTeam(req.Team)
	if team == "" {
		team = inc.Team
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultReason
	}
	return c.escalate(ctx, inc, team, reason, TriggerManual, req.Actor)
}

// Sweep escalates every incident that has stayed open past the threshold
// and has not been escalated automatically since its open period began.
// It returns the records written.
func (c *Coordinator) Sweep(ctx context.Context) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "escalation.Sweep")
	defer span.End()

	now := c.clock.Now()
	breaching, err := c.incidents.OpenSince(ctx, now.Add(-c.cfg.Threshold))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list breaching incidents: %w", err)
	}

	var (
		out    []Record
		failed int
	)
	for i := range breaching {
		inc := &breaching[i]
		done, err := c.escalatedThisPeriod(ctx, inc)
		if err != nil {
			failed++
			c.logger.Error(ctx, err, "escalation lookup failed", "incident_id", inc.ID)
			continue
		}
		if done {
			continue
		}
		reason := fmt.Sprintf("Unacknowledged for %s (threshold %s)", now.Sub(inc.OpenSince()).Truncate(time.Second), c.cfg.Threshold)
		rec, err := c.escalate(ctx, inc, inc.Team, reason, TriggerAutomatic, incident.SystemActor)
		if errors.Is(err, errNotBreaching) {
			continue
		}
		if err != nil {
			failed++
			c.logger.Error(ctx, err, "automatic escalation failed", "incident_id", inc.ID)
			continue
		}
		out = append(out, *rec)
	}

	c.prune(breaching)
	span.SetAttributes(
		attribute.Int("oncall.escalation.breaching", len(breaching)),
		attribute.Int("oncall.escalation.escalated", len(out)),
	)
	c.metrics.swept(len(breaching), failed)
	return out, nil
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error(ctx, err, "escalation sweep failed")
			}
		}
	}
}

// List returns escalation records, newest first.
func (c *Coordinator) List(ctx context.Context, f Filter) ([]Record, error) {
	f.Team = oncall.NormalizeTeam(f.Team)
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	return c.store.ListEscalations(ctx, f)
}

// Count returns the total number of escalation records.
func (c *Coordinator) Count(ctx context.Context) (int, error) {
	return c.store.CountEscalations(ctx)
}

func (c *Coordinator) escalate(ctx context.Context, inc *incident.Incident, team, reason string, trigger Trigger, actor string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "escalation.Escalate", trace.WithAttributes(
		attribute.String("oncall.incident.id", inc.ID),
		attribute.String("oncall.team", team),
		attribute.String("oncall.escalation.trigger", string(trigger)),
	))
	defer span.End()

	rec := &Record{
		ID:         ulid.Make().String(),
		Team:       team,
		IncidentID: inc.ID,
		Reason:     reason,
		Trigger:    trigger,
		Outcome:    OutcomeEscalated,
	}

	oc, err := c.rotations.Current(ctx, team)
	switch {
	case err == nil:
		target := oc.EscalationTarget()
		rec.Target = &target
	case errors.Is(err, oncall.ErrNoResponderAvailable), errors.Is(err, oncall.ErrNotFound):
		rec.Outcome = OutcomeDegraded
		c.logger.Warn(ctx, "no responder available for escalation", "team", team, "incident_id", inc.ID, "error", err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resolve on-call for %q: %w", team, err)
	}

	detail := map[string]any{
		"escalation_id": rec.ID,
		"team":          team,
		"reason":        reason,
		"trigger":       string(trigger),
		"outcome":       string(rec.Outcome),
	}
	if rec.Target != nil {
		detail["escalated_to"] = rec.Target.Email
	}

	_, err = c.incidents.RecordEscalation(ctx, inc.ID, actor, detail, func(ctx context.Context, cur *incident.Incident) error {
		if trigger == TriggerAutomatic {
			if cur.Status != incident.StatusOpen {
				return errNotBreaching
			}
			// another replica may have escalated since the sweep's lookup;
			// the row lock makes this read authoritative
			last, ok, err := c.store.LastAutomatic(ctx, cur.ID)
			if err != nil {
				return fmt.Errorf("last automatic escalation: %w", err)
			}
			if ok && !last.Before(cur.OpenSince()) {
				return errNotBreaching
			}
		}
		rec.CreatedAt = c.clock.Now()
		return c.store.AppendEscalation(ctx, rec)
	})
	if err != nil {
		if !errors.Is(err, errNotBreaching) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	if trigger == TriggerAutomatic {
		c.mu.Lock()
		c.lastAutomatic[inc.ID] = rec.CreatedAt
		c.mu.Unlock()
	}
	c.metrics.escalated(rec)

	history := map[string]any{
		"escalation_id": rec.ID,
		"incident_id":   inc.ID,
		"reason":        reason,
		"trigger":       string(trigger),
		"escalated_to":  nil,
	}
	if rec.Target != nil {
		history["escalated_to"] = map[string]any{"name": rec.Target.Name, "email": rec.Target.Email}
		c.page(ctx, inc, rec)
	}
	c.rotations.RecordEscalation(ctx, team, history)

	c.logger.Info(ctx, "incident escalated",
		"incident_id", inc.ID,
		"team", team,
		"trigger", trigger,
		"outcome", rec.Outcome,
		"reason", reason,
	)
	return rec, nil
}

// escalatedThisPeriod reports whether inc already had an automatic
// escalation at or after the start of its current open period.
func (c *Coordinator) escalatedThisPeriod(ctx context.Context, inc *incident.Incident) (bool, error) {
	since := inc.OpenSince()

	c.mu.Lock()
	last, ok := c.lastAutomatic[inc.ID]
	c.mu.Unlock()
	if ok && !last.Before(since) {
		return true, nil
	}

	last, ok, err := c.store.LastAutomatic(ctx, inc.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	c.mu.Lock()
	c.lastAutomatic[inc.ID] = last
	c.mu.Unlock()
	return !last.Before(since), nil
}

// prune forgets incidents that are no longer breaching. The store fallback
// covers them if they breach again.
func (c *Coordinator) prune(breaching []incident.Incident) {
	keep := make(map[string]bool, len(breaching))
	for i := range breaching {
		keep[breaching[i].ID] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.lastAutomatic {
		if !keep[id] {
			delete(c.lastAutomatic, id)
		}
	}
}

func (c *Coordinator) page(ctx context.Context, inc *incident.Incident, rec *Record) {
	if c.notifier == nil {
		return
	}
	req := notify.Request{
		Kind:       notify.KindEscalation,
		Channel:    c.cfg.Channel,
		Recipient:  rec.Target.Email,
		Subject:    fmt.Sprintf("Escalation: %s", inc.Title),
		Message:    fmt.Sprintf("Escalation for incident %s: %s", inc.ID, rec.Reason),
		Severity:   inc.Severity,
		IncidentID: inc.ID,
		Team:       rec.Team,
	}
	if c.notifier.Submit(ctx, req) {
		return
	}

	// queue full
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pageTimeout)
	defer cancel()
	if st := c.notifier.Notify(pctx, req); st != notify.StatusSent {
		c.logger.Warn(ctx, "escalation page not delivered",
			"incident_id", inc.ID,
			"escalation_id", rec.ID,
			"recipient", rec.Target.Email,
			"status", st,
		)
	}
}
