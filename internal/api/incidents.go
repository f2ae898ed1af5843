package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/escalation"
	"github.com/linnemanlabs/oncall/internal/incident"
)

type createIncidentRequest struct {
	Title      string `json:"title" validate:"max=500"`
	Service    string `json:"service" validate:"required,min=1,max=255"`
	Severity   string `json:"severity" validate:"required,severity"`
	Message    string `json:"message" validate:"max=2000"`
	Team       string `json:"team" validate:"max=255"`
	AssignedTo string `json:"assigned_to" validate:"max=255"`
}

type updateIncidentRequest struct {
	Status     *string `json:"status" validate:"omitempty,oneof=open acknowledged in_progress resolved"`
	AssignedTo *string `json:"assigned_to" validate:"omitempty,max=255"`
	Notes      string  `json:"notes" validate:"max=5000"`
	Actor      string  `json:"actor" validate:"max=255"`
}

type noteRequest struct {
	Author  string `json:"author" validate:"max=255"`
	Content string `json:"content" validate:"required,min=1,max=5000"`
}

type escalateIncidentRequest struct {
	Team   string `json:"team" validate:"max=255"`
	Reason string `json:"reason" validate:"max=1000"`
	Actor  string `json:"actor" validate:"max=255"`
}

type incidentDetail struct {
	*incident.Incident
	Alerts   []alert.Alert    `json:"alerts"`
	Notes    []incident.Note  `json:"notes"`
	Timeline []incident.Event `json:"timeline"`
}

func incidentSpan(r *http.Request, id string) {
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("oncall.incident.id", id))
}

func (a *API) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if !decode(w, r, &req) {
		return
	}
	sev, _ := alert.ParseSeverity(req.Severity)
	inc, err := a.svc.Ingest.OpenIncident(r.Context(), incident.NewIncident{
		Title:      strings.TrimSpace(req.Title),
		Message:    req.Message,
		Service:    req.Service,
		Team:       req.Team,
		Severity:   sev,
		AssignedTo: strings.TrimSpace(req.AssignedTo),
		Actor:      "api",
	})
	if err != nil {
		a.fail(w, r, err, "failed to create incident")
		return
	}
	incidentSpan(r, inc.ID)
	writeJSON(w, http.StatusCreated, inc)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := incident.Filter{
		Service:    q.Get("service"),
		Team:       q.Get("team"),
		AssignedTo: q.Get("assigned_to"),
	}
	if v := q.Get("status"); v != "" {
		st, err := incident.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid query", err.Error())
			return
		}
		f.Status = st
	}
	if v := q.Get("severity"); v != "" {
		sev, err := alert.ParseSeverity(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid query", err.Error())
			return
		}
		f.Severity = sev
	}
	var err error
	if f.Page, err = queryInt(r, "page"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	if f.PerPage, err = queryInt(r, "per_page"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	f.Normalize()

	incs, total, err := a.svc.Incidents.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list incidents")
		return
	}
	if incs == nil {
		incs = []incident.Incident{}
	}
	writeJSON(w, http.StatusOK, page[incident.Incident]{Total: total, Page: f.Page, PerPage: f.PerPage, Items: incs})
}

func (a *API) handleIncidentSummary(w http.ResponseWriter, r *http.Request) {
	s, err := a.svc.Incidents.Summary(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to summarize incidents")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	incidentSpan(r, id)
	ctx := r.Context()

	inc, err := a.svc.Incidents.Get(ctx, id)
	if err != nil {
		a.fail(w, r, err, "failed to get incident")
		return
	}
	out := incidentDetail{Incident: inc}
	if out.Notes, err = a.svc.Incidents.Notes(ctx, id); err != nil {
		a.fail(w, r, err, "failed to load notes")
		return
	}
	if out.Timeline, err = a.svc.Incidents.Timeline(ctx, id); err != nil {
		a.fail(w, r, err, "failed to load timeline")
		return
	}
	if out.Alerts, _, err = a.svc.Alerts.ListAlerts(ctx, alert.Filter{IncidentID: id, Page: 1, PerPage: alert.MaxPerPage}); err != nil {
		a.fail(w, r, err, "failed to load alerts")
		return
	}
	if out.Alerts == nil {
		out.Alerts = []alert.Alert{}
	}
	if out.Notes == nil {
		out.Notes = []incident.Note{}
	}
	if out.Timeline == nil {
		out.Timeline = []incident.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleUpdateIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	incidentSpan(r, id)

	var req updateIncidentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status == nil && req.AssignedTo == nil && strings.TrimSpace(req.Notes) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation failed", "nothing to update")
		return
	}

	p := incident.Patch{
		AssignedTo: req.AssignedTo,
		Note:       req.Notes,
		Actor:      req.Actor,
	}
	if req.Status != nil {
		st := incident.Status(*req.Status)
		p.Status = &st
	}
	inc, err := a.svc.Incidents.Apply(r.Context(), id, p)
	if err != nil {
		a.fail(w, r, err, "failed to update incident")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("oncall.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	incidentSpan(r, id)

	events, err := a.svc.Incidents.Timeline(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to load timeline")
		return
	}
	if events == nil {
		events = []incident.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident_id": id, "events": events})
}

func (a *API) handleListNotes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	incidentSpan(r, id)

	notes, err := a.svc.Incidents.Notes(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to load notes")
		return
	}
	if notes == nil {
		notes = []incident.Note{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incident_id": id, "notes": notes})
}

func (a *API) handleAddNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	incidentSpan(r, id)

	var req noteRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation failed", "note content cannot be empty")
		return
	}
	author := strings.TrimSpace(req.Author)
	if author == "" {
		author = "anonymous"
	}
	note, err := a.svc.Incidents.AddNote(r.Context(), id, author, req.Content)
	if err != nil {
		a.fail(w, r, err, "failed to add note")
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (a *API) handleIncidentMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	incidentSpan(r, id)

	m, err := a.svc.Incidents.ResponseMetrics(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to compute incident metrics")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleEscalateIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	incidentSpan(r, id)

	var req escalateIncidentRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	a.escalate(w, r, escalation.Request{
		Team:       req.Team,
		IncidentID: id,
		Reason:     req.Reason,
		Actor:      req.Actor,
	})
}
