package correlation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/clock"
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/keylock"
	"github.com/linnemanlabs/oncall/internal/notify"
	"github.com/linnemanlabs/oncall/internal/oncall"
	"github.com/linnemanlabs/oncall/internal/retry"
)

var tracer = otel.Tracer("github.com/linnemanlabs/oncall/internal/correlation")

// ErrInvalidAlert is returned for alerts missing a service or with an
// unknown severity.
var ErrInvalidAlert = errors.New("invalid alert")

const (
	outcomeCreated    = "created"
	outcomeCorrelated = "correlated"
	outcomeDuplicate  = "duplicate"
)

// Incidents is the slice of the lifecycle manager the engine drives.
type Incidents interface {
	Create(ctx context.Context, n incident.NewIncident) (*incident.Incident, error)
	AttachAlert(ctx context.Context, id string, al *alert.Alert, within func(ctx context.Context, inc *incident.Incident) error) (*incident.Incident, error)
	CorrelationCandidates(ctx context.Context, service string, severity alert.Severity, since time.Time) ([]incident.Incident, error)
	SetTitle(ctx context.Context, id, title string) (*incident.Incident, error)
}

// Responders resolves who is on call for a team.
type Responders interface {
	Current(ctx context.Context, team string) (oncall.OnCall, error)
}

// Titler writes a better incident title from the first alert.
type Titler interface {
	Title(ctx context.Context, a *alert.Alert) (string, error)
}

// Notifier queues notification requests.
type Notifier interface {
	Submit(ctx context.Context, r notify.Request) bool
}

// Config holds the correlation windows and notification routing.
type Config struct {
	DedupWindow       time.Duration
	CorrelationWindow time.Duration
	OpsRecipient      string
	OpsChannel        notify.Channel
	AssigneeChannel   notify.Channel
	BatchConcurrency  int
	TitleTimeout      time.Duration
}

// DefaultConfig returns a 60s dedup window and a 5m correlation window.
func DefaultConfig() Config {
	return Config{
		DedupWindow:       60 * time.Second,
		CorrelationWindow: 5 * time.Minute,
		OpsChannel:        notify.ChannelSlack,
		AssigneeChannel:   notify.ChannelEmail,
		BatchConcurrency:  8,
		TitleTimeout:      30 * time.Second,
	}
}

// Result is the outcome of ingesting one alert.
type Result struct {
	AlertID     string `json:"alert_id"`
	IncidentID  string `json:"incident_id,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Created     bool   `json:"incident_created"`
	Duplicate   bool   `json:"duplicate"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// BatchResult pairs each batch entry with its result or error.
type BatchResult struct {
	Result *Result
	Err    error
}

// Engine ingests alerts: dedup, correlation and incident creation.
type Engine struct {
	alerts     alert.Store
	incidents  Incidents
	locker     keylock.Locker
	responders Responders
	titler     Titler
	notifier   Notifier
	clock      clock.Clock
	logger     log.Logger
	metrics    *Metrics
	policy     retry.Policy
	cfg        Config
}

// NewEngine creates an engine. Zero config fields take their defaults.
func NewEngine(alerts alert.Store, incidents Incidents, locker keylock.Locker, cfg Config, logger log.Logger) *Engine {
	if alerts == nil || incidents == nil {
		panic(xerrors.New("alert store and incidents are required"))
	}
	def := DefaultConfig()
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = def.CorrelationWindow
	}
	if cfg.OpsChannel == "" {
		cfg.OpsChannel = def.OpsChannel
	}
	if cfg.AssigneeChannel == "" {
		cfg.AssigneeChannel = def.AssigneeChannel
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = def.TitleTimeout
	}
	if locker == nil {
		locker = keylock.NewLocal()
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		alerts:    alerts,
		incidents: incidents,
		locker:    locker,
		clock:     clock.System,
		logger:    logger,
		policy:    retry.DefaultPolicy(),
		cfg:       cfg,
	}
}

// WithResponders auto-assigns new incidents to the team's primary.
func (e *Engine) WithResponders(r Responders) *Engine { e.responders = r; return e }

// WithTitler retitles new incidents asynchronously.
func (e *Engine) WithTitler(t Titler) *Engine { e.titler = t; return e }

// WithNotifier notifies assignees and the ops recipient.
func (e *Engine) WithNotifier(n Notifier) *Engine { e.notifier = n; return e }

// WithClock replaces the time source.
func (e *Engine) WithClock(c clock.Clock) *Engine { e.clock = c; return e }

// WithMetrics records ingestion metrics.
func (e *Engine) WithMetrics(m *Metrics) *Engine { e.metrics = m; return e }

// WithRetryPolicy replaces the transient store error policy.
func (e *Engine) WithRetryPolicy(p retry.Policy) *Engine { e.policy = p; return e }

// Ingest stores the alert and either suppresses it as a duplicate, attaches
// it to a matching incident, or opens a new incident. Everything after
// normalization runs under the lock for the alert's service and severity,
// so concurrent alerts for one key never open two incidents.
func (e *Engine) Ingest(ctx context.Context, in *alert.Alert) (*Result, error) {
	start := e.clock.Now()
	a := in.Clone()
	a.Normalize()
	if a.Service == "" {
		return nil, fmt.Errorf("%w: service is required", ErrInvalidAlert)
	}
	if !a.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidAlert, a.Severity)
	}
	a.ID = ulid.Make().String()
	a.ReceivedAt = start
	if a.Timestamp.IsZero() {
		a.Timestamp = start
	}
	a.Fingerprint = alert.Fingerprint(a.Service, a.Severity, a.Message)

	ctx, span := tracer.Start(ctx, "correlation.Ingest", trace.WithAttributes(
		attribute.String("oncall.alert.id", a.ID),
		attribute.String("oncall.alert.service", a.Service),
		attribute.String("oncall.alert.severity", string(a.Severity)),
		attribute.String("oncall.alert.fingerprint", a.Fingerprint),
	))
	defer span.End()

	waitStart := time.Now()
	unlock, err := e.locker.Lock(ctx, Key(a))
	e.metrics.waited(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("lock %s: %w", Key(a), err))
	}
	defer unlock()

	res, outcome, inc, err := e.ingestLocked(ctx, a)
	if err != nil {
		return nil, e.fail(span, err)
	}

	span.SetAttributes(
		attribute.String("oncall.alert.outcome", outcome),
		attribute.String("oncall.incident.id", res.IncidentID),
	)
	e.metrics.ingested(a.Severity, outcome, e.clock.Now().Sub(start).Seconds())
	e.logger.Info(ctx, "alert ingested",
		"alert_id", a.ID,
		"service", a.Service,
		"severity", a.Severity,
		"outcome", outcome,
		"incident_id", res.IncidentID,
	)

	switch outcome {
	case outcomeCreated:
		e.announce(ctx, inc)
		e.retitle(ctx, inc.ID, a)
	case outcomeCorrelated:
		e.notifyOps(ctx, inc, notify.KindAlertCorrelated,
			fmt.Sprintf("Alert correlated to %s (%d alerts): %s", inc.ID, inc.AlertCount, a.Message))
	}
	return res, nil
}

// ingestLocked stores a either as a duplicate or in the same transaction as
// the incident write it causes, so a failure leaves neither behind.
func (e *Engine) ingestLocked(ctx context.Context, a *alert.Alert) (*Result, string, *incident.Incident, error) {
	res := &Result{AlertID: a.ID, Fingerprint: a.Fingerprint}

	dup, err := retry.Do(ctx, e.policy, func() (original, error) {
		o, ok, err := e.alerts.FindOriginal(ctx, a.Fingerprint, a.Service, a.Timestamp.Add(-e.cfg.DedupWindow))
		return original{o, ok}, err
	})
	if err != nil {
		return nil, "", nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if dup.found {
		a.DuplicateOf = dup.alert.ID
		a.IncidentID = dup.alert.IncidentID
		if err := e.put(ctx, a); err != nil {
			return nil, "", nil, err
		}
		res.Duplicate = true
		res.DuplicateOf = a.DuplicateOf
		res.IncidentID = a.IncidentID
		return res, outcomeDuplicate, nil, nil
	}

	candidates, err := e.incidents.CorrelationCandidates(ctx, a.Service, a.Severity, a.Timestamp.Add(-e.cfg.CorrelationWindow))
	if err != nil {
		return nil, "", nil, fmt.Errorf("correlation candidates: %w", err)
	}

	// store writes the alert through the incident write's context
	store := func(ctx context.Context, inc *incident.Incident) error {
		stored := a.Clone()
		stored.IncidentID = inc.ID
		if err := e.alerts.PutAlert(ctx, stored); err != nil {
			return fmt.Errorf("store alert: %w", err)
		}
		return nil
	}

	outcome := outcomeCorrelated
	var inc *incident.Incident
	if match, ok := Match(candidates, a, e.cfg.CorrelationWindow, e.clock.Now()); ok {
		inc, err = e.incidents.AttachAlert(ctx, match.ID, a, store)
		switch {
		case errors.Is(err, incident.ErrInvalidTransition):
			// resolved between lookup and attach
			e.logger.Info(ctx, "correlation target resolved, opening new incident", "incident_id", match.ID)
			inc = nil
		case err != nil:
			return nil, "", nil, fmt.Errorf("attach alert: %w", err)
		}
	}
	if inc == nil {
		outcome = outcomeCreated
		inc, err = e.create(ctx, incident.NewIncident{
			Message:  a.Message,
			Service:  a.Service,
			Team:     a.Team(),
			Severity: a.Severity,
			AlertID:  a.ID,
			Within:   store,
		})
		if err != nil {
			return nil, "", nil, err
		}
		res.Created = true
	}

	a.IncidentID = inc.ID
	res.IncidentID = inc.ID
	return res, outcome, inc, nil
}

type original struct {
	alert *alert.Alert
	found bool
}

// IngestBatch ingests alerts concurrently, bounded by BatchConcurrency.
// Results are in input order; one failure does not stop the others.
func (e *Engine) IngestBatch(ctx context.Context, alerts []*alert.Alert) []BatchResult {
	out := make([]BatchResult, len(alerts))
	var g errgroup.Group
	g.SetLimit(e.cfg.BatchConcurrency)
	for i, a := range alerts {
		g.Go(func() error {
			res, err := e.Ingest(ctx, a)
			out[i] = BatchResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// OpenIncident creates an incident outside alert ingestion, auto-assigning
// and notifying the same way ingestion does.
func (e *Engine) OpenIncident(ctx context.Context, n incident.NewIncident) (*incident.Incident, error) {
	inc, err := e.create(ctx, n)
	if err != nil {
		return nil, err
	}
	e.announce(ctx, inc)
	return inc, nil
}

func (e *Engine) create(ctx context.Context, n incident.NewIncident) (*incident.Incident, error) {
	if n.AssignedTo == "" && e.responders != nil {
		team := n.Team
		if team == "" {
			team = n.Service
		}
		oc, err := e.responders.Current(ctx, team)
		switch {
		case err == nil:
			n.AssignedTo = oc.Primary.Name
		case errors.Is(err, oncall.ErrNotFound), errors.Is(err, oncall.ErrNoResponderAvailable):
			e.logger.Info(ctx, "no on-call responder to assign", "team", team)
		default:
			e.logger.Warn(ctx, "on-call lookup failed, leaving incident unassigned", "team", team, "error", err)
		}
	}
	inc, err := e.incidents.Create(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	return inc, nil
}

func (e *Engine) put(ctx context.Context, a *alert.Alert) error {
	err := retry.DoErr(ctx, e.policy, func() error {
		return e.alerts.PutAlert(ctx, a)
	})
	if err != nil {
		return fmt.Errorf("store alert: %w", err)
	}
	return nil
}

// announce notifies the assignee and the ops recipient of a new incident.
func (e *Engine) announce(ctx context.Context, inc *incident.Incident) {
	if e.notifier == nil {
		return
	}
	if inc.AssignedTo != "" && e.responders != nil {
		if oc, err := e.responders.Current(ctx, inc.Team); err == nil && oc.Primary.Name == inc.AssignedTo {
			e.notifier.Submit(ctx, notify.Request{
				Kind:       notify.KindIncidentCreated,
				Channel:    e.cfg.AssigneeChannel,
				Recipient:  oc.Primary.Email,
				Subject:    inc.Title,
				Message:    fmt.Sprintf("You have been assigned incident %s: %s", inc.ID, inc.Title),
				Severity:   inc.Severity,
				IncidentID: inc.ID,
				Team:       inc.Team,
			})
		}
	}
	e.notifyOps(ctx, inc, notify.KindIncidentCreated, fmt.Sprintf("New %s incident %s: %s", inc.Severity, inc.ID, inc.Title))
}

func (e *Engine) notifyOps(ctx context.Context, inc *incident.Incident, kind notify.Kind, msg string) {
	if e.notifier == nil || e.cfg.OpsRecipient == "" {
		return
	}
	e.notifier.Submit(ctx, notify.Request{
		Kind:       kind,
		Channel:    e.cfg.OpsChannel,
		Recipient:  e.cfg.OpsRecipient,
		Subject:    inc.Title,
		Message:    msg,
		Severity:   inc.Severity,
		IncidentID: inc.ID,
		Team:       inc.Team,
	})
}

// retitle asks the titler for a better title in the background. The
// template title stays when it fails.
func (e *Engine) retitle(ctx context.Context, incidentID string, a *alert.Alert) {
	if e.titler == nil {
		return
	}
	a = a.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.TitleTimeout)
		defer cancel()
		title, err := e.titler.Title(ctx, a)
		if err != nil {
			e.logger.Warn(ctx, "incident title generation failed", "incident_id", incidentID, "error", err)
			return
		}
		if _, err := e.incidents.SetTitle(ctx, incidentID, title); err != nil {
			e.logger.Warn(ctx, "incident retitle failed", "incident_id", incidentID, "error", err)
		}
	}()
}

func (e *Engine) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.metrics.failed()
	return err
}
