package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/oncall/internal/oncall"
)

type memberRequest struct {
	Name  string `json:"name" validate:"required,min=1,max=255"`
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"omitempty,role"`
}

func (m memberRequest) member() oncall.Member {
	return oncall.Member{
		Name:  m.Name,
		Email: m.Email,
		Role:  oncall.Role(strings.ToLower(strings.TrimSpace(m.Role))),
	}
}

func members(in []memberRequest) []oncall.Member {
	out := make([]oncall.Member, len(in))
	for i, m := range in {
		out[i] = m.member()
	}
	return out
}

type scheduleRequest struct {
	Team         string          `json:"team" validate:"required,min=1,max=255"`
	RotationType string          `json:"rotation_type" validate:"required,rotation"`
	Members      []memberRequest `json:"members" validate:"required,gt=0,dive"`
}

type scheduleUpdateRequest struct {
	RotationType  *string         `json:"rotation_type" validate:"omitempty,rotation"`
	AddMembers    []memberRequest `json:"add_members" validate:"omitempty,dive"`
	RemoveMembers []string        `json:"remove_members" validate:"omitempty,dive,required"`
}

type overrideRequest struct {
	Team          string `json:"team" validate:"required,min=1,max=255"`
	UserName      string `json:"user_name" validate:"required,min=1,max=255"`
	UserEmail     string `json:"user_email" validate:"required,email"`
	Reason        string `json:"reason" validate:"max=1000"`
	DurationHours int    `json:"duration_hours" validate:"omitempty,min=1,max=168"`
}

type statsResponse struct {
	oncall.Stats
	TotalEscalations int `json:"total_escalations"`
}

func teamSpan(r *http.Request, team string) {
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("oncall.team", team))
}

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	ss, err := a.svc.OnCall.ListSchedules(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to list schedules")
		return
	}
	if ss == nil {
		ss = []oncall.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(ss), "schedules": ss})
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	rt, _ := oncall.ParseRotationType(req.RotationType)
	sch, err := a.svc.OnCall.CreateSchedule(r.Context(), oncall.ScheduleInput{
		Team:         req.Team,
		RotationType: rt,
		Members:      members(req.Members),
	})
	if err != nil {
		a.fail(w, r, err, "failed to create schedule")
		return
	}
	teamSpan(r, sch.Team)
	writeJSON(w, http.StatusCreated, sch)
}

func (a *API) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	teamSpan(r, team)

	sch, err := a.svc.OnCall.GetSchedule(r.Context(), team)
	if err != nil {
		a.fail(w, r, err, "failed to get schedule")
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (a *API) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	teamSpan(r, team)

	var req scheduleUpdateRequest
	if !decode(w, r, &req) {
		return
	}
	var upd oncall.ScheduleUpdate
	if req.RotationType != nil {
		rt, _ := oncall.ParseRotationType(*req.RotationType)
		upd.RotationType = &rt
	}
	upd.AddMembers = members(req.AddMembers)
	upd.RemoveMembers = req.RemoveMembers

	sch, err := a.svc.OnCall.UpdateSchedule(r.Context(), team, upd)
	if err != nil {
		a.fail(w, r, err, "failed to update schedule")
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (a *API) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	teamSpan(r, team)

	if err := a.svc.OnCall.DeleteSchedule(r.Context(), team); err != nil {
		a.fail(w, r, err, "failed to delete schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "team": oncall.NormalizeTeam(team)})
}

func (a *API) handleCurrent(w http.ResponseWriter, r *http.Request) {
	team := strings.TrimSpace(r.URL.Query().Get("team"))
	if team == "" {
		writeError(w, http.StatusBadRequest, "invalid query", "team is required")
		return
	}
	teamSpan(r, team)

	oc, err := a.svc.OnCall.Current(r.Context(), team)
	if err != nil {
		a.fail(w, r, err, "failed to resolve on-call")
		return
	}
	writeJSON(w, http.StatusOK, oc)
}

func (a *API) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decode(w, r, &req) {
		return
	}
	teamSpan(r, req.Team)

	o, err := a.svc.OnCall.SetOverride(r.Context(), oncall.OverrideInput{
		Team:          req.Team,
		Name:          req.UserName,
		Email:         req.UserEmail,
		Reason:        req.Reason,
		DurationHours: req.DurationHours,
	})
	if err != nil {
		a.fail(w, r, err, "failed to set override")
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (a *API) handleRemoveOverride(w http.ResponseWriter, r *http.Request) {
	team := chi.URLParam(r, "team")
	teamSpan(r, team)

	o, err := a.svc.OnCall.RemoveOverride(r.Context(), team)
	if err != nil {
		a.fail(w, r, err, "failed to remove override")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "override": o})
}

func (a *API) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := a.svc.OnCall.ListOverrides(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to list overrides")
		return
	}
	if overrides == nil {
		overrides = []oncall.Override{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(overrides), "overrides": overrides})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	events, err := a.svc.OnCall.History(r.Context(), oncall.HistoryFilter{
		Team:  q.Get("team"),
		Type:  oncall.HistoryType(q.Get("event_type")),
		Limit: limit,
	})
	if err != nil {
		a.fail(w, r, err, "failed to load on-call history")
		return
	}
	if events == nil {
		events = []oncall.HistoryEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(events), "events": events})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.OnCall.Stats(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to compute on-call stats")
		return
	}
	n, err := a.svc.Escalations.Count(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to count escalations")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: st, TotalEscalations: n})
}

func (a *API) handleTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := a.svc.OnCall.Teams(r.Context())
	if err != nil {
		a.fail(w, r, err, "failed to list teams")
		return
	}
	if teams == nil {
		teams = []oncall.TeamSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(teams), "teams": teams})
}
