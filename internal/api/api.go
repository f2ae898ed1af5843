// Package api exposes alert ingestion, incidents, on-call schedules and
// escalations over HTTP under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/correlation"
	"github.com/linnemanlabs/oncall/internal/escalation"
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/oncall"
	"github.com/linnemanlabs/oncall/internal/retry"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Ingester opens and correlates incidents.
type Ingester interface {
	Ingest(ctx context.Context, a *alert.Alert) (*correlation.Result, error)
	IngestBatch(ctx context.Context, alerts []*alert.Alert) []correlation.BatchResult
	OpenIncident(ctx context.Context, n incident.NewIncident) (*incident.Incident, error)
}

// Alerts reads stored alerts.
type Alerts interface {
	GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error)
	ListAlerts(ctx context.Context, f alert.Filter) ([]alert.Alert, int, error)
}

// Incidents is the lifecycle surface the handlers drive.
type Incidents interface {
	Get(ctx context.Context, id string) (*incident.Incident, error)
	List(ctx context.Context, f incident.Filter) ([]incident.Incident, int, error)
	Apply(ctx context.Context, id string, p incident.Patch) (*incident.Incident, error)
	AddNote(ctx context.Context, id, author, body string) (*incident.Note, error)
	Timeline(ctx context.Context, id string) ([]incident.Event, error)
	Notes(ctx context.Context, id string) ([]incident.Note, error)
	Summary(ctx context.Context) (incident.Summary, error)
	ResponseMetrics(ctx context.Context, id string) (*incident.ResponseMetrics, error)
}

// Rotations manages schedules and overrides.
type Rotations interface {
	CreateSchedule(ctx context.Context, in oncall.ScheduleInput) (*oncall.Schedule, error)
	UpdateSchedule(ctx context.Context, team string, upd oncall.ScheduleUpdate) (*oncall.Schedule, error)
	DeleteSchedule(ctx context.Context, team string) error
	GetSchedule(ctx context.Context, team string) (*oncall.Schedule, error)
	ListSchedules(ctx context.Context) ([]oncall.Schedule, error)
	Current(ctx context.Context, team string) (oncall.OnCall, error)
	SetOverride(ctx context.Context, in oncall.OverrideInput) (*oncall.Override, error)
	RemoveOverride(ctx context.Context, team string) (*oncall.Override, error)
	ListOverrides(ctx context.Context) ([]oncall.Override, error)
	History(ctx context.Context, f oncall.HistoryFilter) ([]oncall.HistoryEvent, error)
	Teams(ctx context.Context) ([]oncall.TeamSummary, error)
	Stats(ctx context.Context) (oncall.Stats, error)
}

// Escalations pages responders and lists what was paged.
type Escalations interface {
	Escalate(ctx context.Context, req escalation.Request) (*escalation.Record, error)
	List(ctx context.Context, f escalation.Filter) ([]escalation.Record, error)
	Count(ctx context.Context) (int, error)
}

// Services groups the domain services behind the API. All are required.
type Services struct {
	Ingest      Ingester
	Alerts      Alerts
	Incidents   Incidents
	OnCall      Rotations
	Escalations Escalations
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Services
}

// New creates a new API handler.
func New(logger log.Logger, svc Services) *API {
	if logger == nil {
		logger = log.Nop()
	}
	switch {
	case svc.Ingest == nil:
		panic(xerrors.New("ingester is required"))
	case svc.Alerts == nil:
		panic(xerrors.New("alert reader is required"))
	case svc.Incidents == nil:
		panic(xerrors.New("incident manager is required"))
	case svc.OnCall == nil:
		panic(xerrors.New("on-call service is required"))
	case svc.Escalations == nil:
		panic(xerrors.New("escalation coordinator is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Post("/alerts/batch", a.handleIngestBatch)
		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/{id}", a.handleGetAlert)

		r.Post("/incidents", a.handleCreateIncident)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/summary", a.handleIncidentSummary)
		r.Route("/incidents/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetIncident)
			r.Patch("/", a.handleUpdateIncident)
			r.Get("/timeline", a.handleTimeline)
			r.Get("/notes", a.handleListNotes)
			r.Post("/notes", a.handleAddNote)
			r.Get("/metrics", a.handleIncidentMetrics)
			r.Post("/escalate", a.handleEscalateIncident)
		})

		r.Get("/schedules", a.handleListSchedules)
		r.Post("/schedules", a.handleCreateSchedule)
		r.Get("/schedules/{team}", a.handleGetSchedule)
		r.Patch("/schedules/{team}", a.handleUpdateSchedule)
		r.Delete("/schedules/{team}", a.handleDeleteSchedule)

		r.Get("/oncall/current", a.handleCurrent)
		r.Post("/oncall/override", a.handleSetOverride)
		r.Delete("/oncall/override/{team}", a.handleRemoveOverride)
		r.Get("/oncall/overrides", a.handleListOverrides)
		r.Get("/oncall/history", a.handleHistory)
		r.Get("/oncall/stats", a.handleStats)
		r.Get("/teams", a.handleTeams)

		r.Post("/escalations", a.handleEscalate)
		r.Get("/escalations", a.handleListEscalations)
	})
}

type errorBody struct {
	Error  string            `json:"error"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`

	Current   incident.Status `json:"current,omitempty"`
	Requested incident.Status `json:"requested,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	writeJSON(w, status, errorBody{Error: msg, Detail: detail})
}

// fail maps a domain error onto its HTTP status. Anything unrecognized is
// logged and reported as an internal error.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	var ite *incident.InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:     "invalid transition",
			Detail:    ite.Error(),
			Current:   ite.From,
			Requested: ite.To,
		})
	case errors.Is(err, incident.ErrNotFound),
		errors.Is(err, alert.ErrNotFound),
		errors.Is(err, oncall.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, oncall.ErrNoResponderAvailable):
		writeError(w, http.StatusConflict, "no responder available", err.Error())
	case errors.Is(err, oncall.ErrInvalidSchedule),
		errors.Is(err, correlation.ErrInvalidAlert):
		writeError(w, http.StatusUnprocessableEntity, "validation failed", err.Error())
	case errors.Is(err, retry.ErrTransient):
		a.logger.Warn(r.Context(), msg, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable", "")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request timed out", "")
	default:
		a.logger.Error(r.Context(), err, msg)
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid payload", "empty body")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid payload", err.Error())
		return false
	}
	if fields := Validate(dst); fields != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Fields: fields})
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

type page[T any] struct {
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Items   []T `json:"items"`
}
