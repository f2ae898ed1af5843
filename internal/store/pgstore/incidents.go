package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/incident"
)

const incidentColumns = `id, title, service, team, severity, status, assigned_to, alert_count,
	created_at, updated_at, acknowledged_at, resolved_at, reopened_at, mtta_seconds, mttr_seconds`

// CreateIncident inserts inc and its initial timeline in one transaction.
// within runs in that transaction, after the inserts.
func (s *Store) CreateIncident(ctx context.Context, inc *incident.Incident, events []incident.Event, within func(ctx context.Context) error) error {
	ctx, span := startSpan(ctx, "pgstore.CreateIncident", "INSERT")
	defer span.End()

	return spanErr(span, pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO incidents (`+incidentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			incidentArgs(inc)...,
		)
		if err != nil {
			return classify("insert incident", err)
		}
		if err := insertEvents(ctx, tx, events); err != nil {
			return err
		}
		if within == nil {
			return nil
		}
		return within(context.WithValue(ctx, txKey{}, tx))
	}))
}

// GetIncident returns the incident by id.
func (s *Store) GetIncident(ctx context.Context, id string) (*incident.Incident, bool, error) {
	inc, err := scanIncident(s.q(ctx).QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get incident", err)
	}
	return inc, true, nil
}

// ListIncidents returns matching incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context, f incident.Filter) ([]incident.Incident, int, error) {
	ctx, span := startSpan(ctx, "pgstore.ListIncidents", "SELECT")
	defer span.End()

	f.Normalize()
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("status", string(f.Status))
	add("service", f.Service)
	add("severity", string(f.Severity))
	add("team", f.Team)
	add("assigned_to", f.AssignedTo)
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM incidents`+cond, args...).Scan(&total); err != nil {
		return nil, 0, spanErr(span, classify("count incidents", err))
	}
	args = append(args, f.PerPage, f.Offset())
	out, err := s.selectIncidents(ctx,
		fmt.Sprintf(`%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, cond, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, spanErr(span, err)
	}
	return out, total, nil
}

// UpdateIncident locks the row with SELECT ... FOR UPDATE, runs fn and
// commits the row with the mutation. fn receives a context carrying the
// transaction, so alerts and escalation records it writes commit or roll
// back with the update.
func (s *Store) UpdateIncident(ctx context.Context, id string, fn incident.UpdateFunc) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateIncident", "UPDATE")
	defer span.End()

	var out *incident.Incident
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		inc, err := scanIncident(tx.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", incident.ErrNotFound, id)
		}
		if err != nil {
			return classify("lock incident", err)
		}

		mut, err := fn(context.WithValue(ctx, txKey{}, tx), inc)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE incidents SET title = $2, service = $3, team = $4, severity = $5, status = $6,
				assigned_to = $7, alert_count = $8, created_at = $9, updated_at = $10,
				acknowledged_at = $11, resolved_at = $12, reopened_at = $13,
				mtta_seconds = $14, mttr_seconds = $15
			 WHERE id = $1`,
			incidentArgs(inc)...,
		)
		if err != nil {
			return classify("update incident", err)
		}
		if err := insertEvents(ctx, tx, mut.Events); err != nil {
			return err
		}
		for _, n := range mut.Notes {
			_, err := tx.Exec(ctx,
				`INSERT INTO incident_notes (id, incident_id, author, body, created_at) VALUES ($1,$2,$3,$4,$5)`,
				n.ID, n.IncidentID, n.Author, n.Body, n.CreatedAt,
			)
			if err != nil {
				return classify("insert note", err)
			}
		}
		out = inc
		return nil
	})
	if err != nil {
		return nil, spanErr(span, err)
	}
	return out, nil
}

// Timeline returns the incident's events in order.
func (s *Store) Timeline(ctx context.Context, id string) ([]incident.Event, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, incident_id, type, actor, detail, at FROM incident_events WHERE incident_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, classify("query timeline", err)
	}
	out, err := collect(rows, func(row pgx.Row) (*incident.Event, error) {
		var (
			ev     incident.Event
			typ    string
			detail []byte
		)
		if err := row.Scan(&ev.ID, &ev.IncidentID, &typ, &ev.Actor, &detail, &ev.At); err != nil {
			return nil, err
		}
		ev.Type = incident.EventType(typ)
		ev.At = ev.At.UTC()
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		return &ev, nil
	})
	return out, classify("scan timeline", err)
}

// Notes returns the incident's notes in order.
func (s *Store) Notes(ctx context.Context, id string) ([]incident.Note, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, incident_id, author, body, created_at FROM incident_notes WHERE incident_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, classify("query notes", err)
	}
	out, err := collect(rows, func(row pgx.Row) (*incident.Note, error) {
		var n incident.Note
		if err := row.Scan(&n.ID, &n.IncidentID, &n.Author, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.CreatedAt = n.CreatedAt.UTC()
		return &n, nil
	})
	return out, classify("scan notes", err)
}

// CorrelationCandidates implements incident.Store.
func (s *Store) CorrelationCandidates(ctx context.Context, service string, severity alert.Severity, since time.Time) ([]incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.CorrelationCandidates", "SELECT")
	defer span.End()

	out, err := s.selectIncidents(ctx,
		` WHERE status <> 'resolved' AND service = $1 AND severity = $2 AND created_at >= $3 ORDER BY created_at DESC, id`,
		service, string(severity), since)
	return out, spanErr(span, err)
}

// OpenSince implements incident.Store.
func (s *Store) OpenSince(ctx context.Context, cutoff time.Time) ([]incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.OpenSince", "SELECT")
	defer span.End()

	out, err := s.selectIncidents(ctx,
		` WHERE status = 'open' AND COALESCE(reopened_at, created_at) <= $1 ORDER BY created_at DESC, id`,
		cutoff)
	return out, spanErr(span, err)
}

// Summary aggregates every incident in SQL.
func (s *Store) Summary(ctx context.Context) (incident.Summary, error) {
	ctx, span := startSpan(ctx, "pgstore.Summary", "SELECT")
	defer span.End()

	rows, err := s.q(ctx).Query(ctx,
		`SELECT status, severity, COUNT(*),
			COALESCE(SUM(mtta_seconds), 0), COUNT(mtta_seconds),
			COALESCE(SUM(mttr_seconds), 0), COUNT(mttr_seconds)
		 FROM incidents GROUP BY status, severity`)
	if err != nil {
		return incident.Summary{}, spanErr(span, classify("summarize incidents", err))
	}
	defer rows.Close()

	sum := incident.NewSummary()
	var (
		mttaSum, mttrSum float64
		mttaN, mttrN     int
	)
	for rows.Next() {
		var (
			status, severity string
			n, an, rn        int
			as, rs           float64
		)
		if err := rows.Scan(&status, &severity, &n, &as, &an, &rs, &rn); err != nil {
			return incident.Summary{}, spanErr(span, classify("scan summary", err))
		}
		sum.Total += n
		sum.ByStatus[incident.Status(status)] += n
		sum.BySeverity[alert.Severity(severity)] += n
		if incident.Status(status) != incident.StatusResolved {
			sum.Unresolved += n
		}
		mttaSum += as
		mttaN += an
		mttrSum += rs
		mttrN += rn
	}
	if err := rows.Err(); err != nil {
		return incident.Summary{}, spanErr(span, classify("iterate summary", err))
	}
	if mttaN > 0 {
		v := mttaSum / float64(mttaN)
		sum.AvgMTTASeconds = &v
	}
	if mttrN > 0 {
		v := mttrSum / float64(mttrN)
		sum.AvgMTTRSeconds = &v
	}
	return sum, nil
}

func (s *Store) selectIncidents(ctx context.Context, tail string, args ...any) ([]incident.Incident, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT `+incidentColumns+` FROM incidents`+tail, args...)
	if err != nil {
		return nil, classify("query incidents", err)
	}
	out, err := collect(rows, scanIncident)
	return out, classify("scan incidents", err)
}

func insertEvents(ctx context.Context, tx pgx.Tx, events []incident.Event) error {
	for _, ev := range events {
		detail, err := json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO incident_events (id, incident_id, type, actor, detail, at) VALUES ($1,$2,$3,$4,$5,$6)`,
			ev.ID, ev.IncidentID, string(ev.Type), ev.Actor, detail, ev.At,
		)
		if err != nil {
			return classify("insert event", err)
		}
	}
	return nil
}

func incidentArgs(inc *incident.Incident) []any {
	return []any{
		inc.ID, inc.Title, inc.Service, inc.Team, string(inc.Severity), string(inc.Status),
		inc.AssignedTo, inc.AlertCount, inc.CreatedAt, inc.UpdatedAt,
		inc.AcknowledgedAt, inc.ResolvedAt, inc.ReopenedAt, inc.MTTASeconds, inc.MTTRSeconds,
	}
}

func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc              incident.Incident
		severity, status string
	)
	err := row.Scan(&inc.ID, &inc.Title, &inc.Service, &inc.Team, &severity, &status, &inc.AssignedTo,
		&inc.AlertCount, &inc.CreatedAt, &inc.UpdatedAt, &inc.AcknowledgedAt, &inc.ResolvedAt,
		&inc.ReopenedAt, &inc.MTTASeconds, &inc.MTTRSeconds)
	if err != nil {
		return nil, err
	}
	inc.Severity = alert.Severity(severity)
	inc.Status = incident.Status(status)
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	inc.AcknowledgedAt = utcPtr(inc.AcknowledgedAt)
	inc.ResolvedAt = utcPtr(inc.ResolvedAt)
	inc.ReopenedAt = utcPtr(inc.ReopenedAt)
	return &inc, nil
}
