package api

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/oncall/internal/escalation"
)

type escalateRequest struct {
	Team       string `json:"team" validate:"max=255"`
	IncidentID string `json:"incident_id" validate:"required,min=1,max=64"`
	Reason     string `json:"reason" validate:"max=1000"`
	Actor      string `json:"actor" validate:"max=255"`
}

type escalationResponse struct {
	*escalation.Record
	Status  escalation.Outcome `json:"status"`
	Message string             `json:"message"`
}

func (a *API) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req escalateRequest
	if !decode(w, r, &req) {
		return
	}
	a.escalate(w, r, escalation.Request{
		Team:       req.Team,
		IncidentID: req.IncidentID,
		Reason:     req.Reason,
		Actor:      req.Actor,
	})
}

func (a *API) escalate(w http.ResponseWriter, r *http.Request, req escalation.Request) {
	rec, err := a.svc.Escalations.Escalate(r.Context(), req)
	if err != nil {
		a.fail(w, r, err, "failed to escalate incident")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("oncall.escalation.id", rec.ID),
		attribute.String("oncall.escalation.outcome", string(rec.Outcome)),
	)

	msg := "No responder available for " + rec.Team
	if rec.Target != nil {
		msg = "Escalated to " + rec.Target.Name
	}
	writeJSON(w, http.StatusCreated, escalationResponse{Record: rec, Status: rec.Outcome, Message: msg})
}

func (a *API) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	recs, err := a.svc.Escalations.List(r.Context(), escalation.Filter{
		Team:       q.Get("team"),
		IncidentID: q.Get("incident_id"),
		Limit:      limit,
	})
	if err != nil {
		a.fail(w, r, err, "failed to list escalations")
		return
	}
	if recs == nil {
		recs = []escalation.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(recs), "escalations": recs})
}
