package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/correlation"
)

const maxBatchAlerts = 500

type alertRequest struct {
	Service   string            `json:"service" validate:"required,min=1,max=255"`
	Severity  string            `json:"severity" validate:"required,severity"`
	Message   string            `json:"message" validate:"required,min=1,max=2000"`
	Source    string            `json:"source" validate:"max=255"`
	Labels    map[string]string `json:"labels"`
	Timestamp *time.Time        `json:"timestamp"`
}

func (req *alertRequest) toAlert() *alert.Alert {
	sev, _ := alert.ParseSeverity(req.Severity)
	a := &alert.Alert{
		Service:  req.Service,
		Severity: sev,
		Message:  req.Message,
		Source:   req.Source,
		Labels:   req.Labels,
	}
	if req.Timestamp != nil {
		a.Timestamp = req.Timestamp.UTC()
	}
	return a
}

type batchRequest struct {
	Alerts []alertRequest `json:"alerts" validate:"required,gt=0,max=500,dive"`
}

type alertResponse struct {
	*correlation.Result
	Action string `json:"action"`
}

type batchItem struct {
	*correlation.Result
	Action string `json:"action,omitempty"`
	Error  string `json:"error,omitempty"`
}

type batchResponse struct {
	Accepted int         `json:"accepted"`
	Failed   int         `json:"failed"`
	Results  []batchItem `json:"results"`
}

func action(res *correlation.Result) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.Created:
		return "incident_created"
	default:
		return "correlated"
	}
}

func (a *API) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := a.svc.Ingest.Ingest(r.Context(), req.toAlert())
	if err != nil {
		a.fail(w, r, err, "failed to ingest alert")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("oncall.alert.id", res.AlertID),
		attribute.String("oncall.incident.id", res.IncidentID),
		attribute.String("oncall.alert.action", action(res)),
	)

	writeJSON(w, http.StatusCreated, alertResponse{Result: res, Action: action(res)})
}

func (a *API) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}

	in := make([]*alert.Alert, len(req.Alerts))
	for i := range req.Alerts {
		in[i] = req.Alerts[i].toAlert()
	}

	results := a.svc.Ingest.IngestBatch(r.Context(), in)
	resp := batchResponse{Results: make([]batchItem, len(results))}
	for i, br := range results {
		if br.Err != nil {
			resp.Failed++
			resp.Results[i] = batchItem{Error: br.Err.Error()}
			a.logger.Warn(r.Context(), "batch alert rejected", "index", i, "error", br.Err)
			continue
		}
		resp.Accepted++
		resp.Results[i] = batchItem{Result: br.Result, Action: action(br.Result)}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("oncall.batch.accepted", resp.Accepted),
		attribute.Int("oncall.batch.failed", resp.Failed),
	)

	status := http.StatusCreated
	if resp.Accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("oncall.alert.id", id))

	al, ok, err := a.svc.Alerts.GetAlert(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get alert")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found", "alert "+id)
		return
	}
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filter{
		Service:    q.Get("service"),
		IncidentID: q.Get("incident_id"),
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

	alerts, total, err := a.svc.Alerts.ListAlerts(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []alert.Alert{}
	}
	writeJSON(w, http.StatusOK, page[alert.Alert]{Total: total, Page: f.Page, PerPage: f.PerPage, Items: alerts})
}
