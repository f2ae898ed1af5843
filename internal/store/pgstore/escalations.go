package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/oncall/internal/escalation"
)

// AppendEscalation inserts r. Called from inside an incident update it
// joins that update's transaction.
func (s *Store) AppendEscalation(ctx context.Context, r *escalation.Record) error {
	ctx, span := startSpan(ctx, "pgstore.AppendEscalation", "INSERT")
	defer span.End()

	var target []byte
	if r.Target != nil {
		b, err := json.Marshal(r.Target)
		if err != nil {
			return spanErr(span, fmt.Errorf("marshal escalation target: %w", err))
		}
		target = b
	}
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO escalations (id, team, incident_id, reason, trigger, outcome, target, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.Team, r.IncidentID, r.Reason, string(r.Trigger), string(r.Outcome), target, r.CreatedAt,
	)
	return spanErr(span, classify("insert escalation", err))
}

// ListEscalations returns matching records, newest first.
func (s *Store) ListEscalations(ctx context.Context, f escalation.Filter) ([]escalation.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = escalation.DefaultListLimit
	}
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, team, incident_id, reason, trigger, outcome, target, created_at FROM escalations
		 WHERE ($1 = '' OR team = $1) AND ($2 = '' OR incident_id = $2)
		 ORDER BY seq DESC LIMIT $3`,
		f.Team, f.IncidentID, limit,
	)
	if err != nil {
		return nil, classify("list escalations", err)
	}
	out, err := collect(rows, func(row pgx.Row) (*escalation.Record, error) {
		var (
			r                escalation.Record
			trigger, outcome string
			target           []byte
		)
		if err := row.Scan(&r.ID, &r.Team, &r.IncidentID, &r.Reason, &trigger, &outcome, &target, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Trigger = escalation.Trigger(trigger)
		r.Outcome = escalation.Outcome(outcome)
		r.CreatedAt = r.CreatedAt.UTC()
		if len(target) > 0 {
			if err := json.Unmarshal(target, &r.Target); err != nil {
				return nil, fmt.Errorf("unmarshal escalation target: %w", err)
			}
		}
		return &r, nil
	})
	return out, classify("scan escalations", err)
}

// CountEscalations returns the number of stored records.
func (s *Store) CountEscalations(ctx context.Context) (int, error) {
	var n int
	err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM escalations`).Scan(&n)
	return n, classify("count escalations", err)
}

// LastAutomatic implements escalation.Store.
func (s *Store) LastAutomatic(ctx context.Context, incidentID string) (time.Time, bool, error) {
	var last *time.Time
	err := s.q(ctx).QueryRow(ctx,
		`SELECT MAX(created_at) FROM escalations WHERE incident_id = $1 AND trigger = $2`,
		incidentID, string(escalation.TriggerAutomatic),
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, classify("last automatic escalation", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return last.UTC(), true, nil
}
