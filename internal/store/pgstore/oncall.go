package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/oncall/internal/oncall"
)

// PutSchedule creates or replaces the team's schedule.
func (s *Store) PutSchedule(ctx context.Context, sch *oncall.Schedule) error {
	ctx, span := startSpan(ctx, "pgstore.PutSchedule", "UPSERT")
	defer span.End()

	members, err := json.Marshal(sch.Members)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal members: %w", err))
	}
	_, err = s.q(ctx).Exec(ctx,
		`INSERT INTO schedules (team, id, rotation_type, members, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (team) DO UPDATE SET
			id            = EXCLUDED.id,
			rotation_type = EXCLUDED.rotation_type,
			members       = EXCLUDED.members,
			created_at    = EXCLUDED.created_at,
			updated_at    = EXCLUDED.updated_at`,
		sch.Team, sch.ID, string(sch.RotationType), members, sch.CreatedAt, sch.UpdatedAt,
	)
	return spanErr(span, classify("upsert schedule", err))
}

// GetSchedule returns the team's schedule.
func (s *Store) GetSchedule(ctx context.Context, team string) (*oncall.Schedule, bool, error) {
	sch, err := scanSchedule(s.q(ctx).QueryRow(ctx,
		`SELECT team, id, rotation_type, members, created_at, updated_at FROM schedules WHERE team = $1`, team))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get schedule", err)
	}
	return sch, true, nil
}

// ListSchedules returns every schedule ordered by team.
func (s *Store) ListSchedules(ctx context.Context) ([]oncall.Schedule, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT team, id, rotation_type, members, created_at, updated_at FROM schedules ORDER BY team`)
	if err != nil {
		return nil, classify("list schedules", err)
	}
	out, err := collect(rows, scanSchedule)
	return out, classify("scan schedules", err)
}

// DeleteSchedule removes the schedule and the team's override.
func (s *Store) DeleteSchedule(ctx context.Context, team string) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.DeleteSchedule", "DELETE")
	defer span.End()

	var deleted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM schedules WHERE team = $1`, team)
		if err != nil {
			return classify("delete schedule", err)
		}
		deleted = tag.RowsAffected() > 0
		_, err = tx.Exec(ctx, `DELETE FROM overrides WHERE team = $1`, team)
		return classify("delete override", err)
	})
	return deleted, spanErr(span, err)
}

// PutOverride creates or replaces the team's override.
func (s *Store) PutOverride(ctx context.Context, o *oncall.Override) error {
	_, err := s.q(ctx).Exec(ctx,
		`INSERT INTO overrides (team, user_name, user_email, reason, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (team) DO UPDATE SET
			user_name  = EXCLUDED.user_name,
			user_email = EXCLUDED.user_email,
			reason     = EXCLUDED.reason,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		o.Team, o.Name, o.Email, o.Reason, o.CreatedAt, o.ExpiresAt,
	)
	return classify("upsert override", err)
}

// GetOverride returns the team's override.
func (s *Store) GetOverride(ctx context.Context, team string) (*oncall.Override, bool, error) {
	o, err := scanOverride(s.q(ctx).QueryRow(ctx,
		`SELECT team, user_name, user_email, reason, created_at, expires_at FROM overrides WHERE team = $1`, team))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get override", err)
	}
	return o, true, nil
}

// DeleteOverride removes the team's override.
func (s *Store) DeleteOverride(ctx context.Context, team string) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM overrides WHERE team = $1`, team)
	if err != nil {
		return false, classify("delete override", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListOverrides returns every stored override ordered by team.
func (s *Store) ListOverrides(ctx context.Context) ([]oncall.Override, error) {
	rows, err := s.q(ctx).Query(ctx,
		`SELECT team, user_name, user_email, reason, created_at, expires_at FROM overrides ORDER BY team`)
	if err != nil {
		return nil, classify("list overrides", err)
	}
	out, err := collect(rows, scanOverride)
	return out, classify("scan overrides", err)
}

// AppendHistory appends an audit event and trims the table to the cap.
func (s *Store) AppendHistory(ctx context.Context, ev *oncall.HistoryEvent) error {
	ctx, span := startSpan(ctx, "pgstore.AppendHistory", "INSERT")
	defer span.End()

	details, err := json.Marshal(ev.Details)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal history details: %w", err))
	}
	return spanErr(span, pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO oncall_history (id, type, team, details, at) VALUES ($1,$2,$3,$4,$5)`,
			ev.ID, string(ev.Type), ev.Team, details, ev.At,
		)
		if err != nil {
			return classify("insert history", err)
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM oncall_history WHERE seq <= (
				SELECT seq FROM oncall_history ORDER BY seq DESC OFFSET $1 LIMIT 1)`,
			s.maxHistory,
		)
		return classify("trim history", err)
	}))
}

// ListHistory returns matching events, newest first.
func (s *Store) ListHistory(ctx context.Context, f oncall.HistoryFilter) ([]oncall.HistoryEvent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = s.maxHistory
	}
	rows, err := s.q(ctx).Query(ctx,
		`SELECT id, type, team, details, at FROM oncall_history
		 WHERE ($1 = '' OR team = $1) AND ($2 = '' OR type = $2)
		 ORDER BY seq DESC LIMIT $3`,
		f.Team, string(f.Type), limit,
	)
	if err != nil {
		return nil, classify("list history", err)
	}
	out, err := collect(rows, func(row pgx.Row) (*oncall.HistoryEvent, error) {
		var (
			ev      oncall.HistoryEvent
			typ     string
			details []byte
		)
		if err := row.Scan(&ev.ID, &typ, &ev.Team, &details, &ev.At); err != nil {
			return nil, err
		}
		ev.Type = oncall.HistoryType(typ)
		ev.At = ev.At.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("unmarshal history details: %w", err)
			}
		}
		return &ev, nil
	})
	return out, classify("scan history", err)
}

// HistoryCounts returns the number of stored events per type.
func (s *Store) HistoryCounts(ctx context.Context) (map[oncall.HistoryType]int, error) {
	rows, err := s.q(ctx).Query(ctx, `SELECT type, COUNT(*) FROM oncall_history GROUP BY type`)
	if err != nil {
		return nil, classify("count history", err)
	}
	defer rows.Close()
	out := make(map[oncall.HistoryType]int)
	for rows.Next() {
		var (
			typ string
			n   int
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, classify("scan history count", err)
		}
		out[oncall.HistoryType(typ)] = n
	}
	return out, classify("iterate history counts", rows.Err())
}

func scanSchedule(row pgx.Row) (*oncall.Schedule, error) {
	var (
		sch      oncall.Schedule
		rotation string
		members  []byte
	)
	if err := row.Scan(&sch.Team, &sch.ID, &rotation, &members, &sch.CreatedAt, &sch.UpdatedAt); err != nil {
		return nil, err
	}
	sch.RotationType = oncall.RotationType(rotation)
	sch.CreatedAt = sch.CreatedAt.UTC()
	sch.UpdatedAt = utcPtr(sch.UpdatedAt)
	if err := json.Unmarshal(members, &sch.Members); err != nil {
		return nil, fmt.Errorf("unmarshal members: %w", err)
	}
	return &sch, nil
}

func scanOverride(row pgx.Row) (*oncall.Override, error) {
	var o oncall.Override
	if err := row.Scan(&o.Team, &o.Name, &o.Email, &o.Reason, &o.CreatedAt, &o.ExpiresAt); err != nil {
		return nil, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.ExpiresAt = utcPtr(o.ExpiresAt)
	return &o, nil
}
