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
)

const alertColumns = `id, service, severity, message, source, labels, fingerprint, ts, received_at, incident_id, duplicate_of`

// PutAlert inserts a, inside the incident transaction when ctx carries one.
func (s *Store) PutAlert(ctx context.Context, a *alert.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.PutAlert", "INSERT")
	defer span.End()

	labels, err := json.Marshal(a.Labels)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal labels: %w", err))
	}
	_, err = s.q(ctx).Exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.Service, string(a.Severity), a.Message, a.Source, labels, a.Fingerprint,
		a.Timestamp, a.ReceivedAt, a.IncidentID, a.DuplicateOf,
	)
	return spanErr(span, classify("insert alert", err))
}

// GetAlert returns the alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error) {
	a, err := scanAlert(s.q(ctx).QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify("get alert", err)
	}
	return a, true, nil
}

// FindOriginal implements alert.Store.
func (s *Store) FindOriginal(ctx context.Context, fingerprint, service string, since time.Time) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.FindOriginal", "SELECT")
	defer span.End()

	a, err := scanAlert(s.q(ctx).QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE fingerprint = $1 AND service = $2 AND duplicate_of = '' AND incident_id <> '' AND ts >= $3
		 ORDER BY ts DESC, seq DESC LIMIT 1`,
		fingerprint, service, since,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, spanErr(span, classify("find original alert", err))
	}
	return a, true, nil
}

// ListAlerts returns matching alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, f alert.Filter) ([]alert.Alert, int, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAlerts", "SELECT")
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
	add("service", f.Service)
	add("severity", string(f.Severity))
	add("incident_id", f.IncidentID)
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM alerts`+cond, args...).Scan(&total); err != nil {
		return nil, 0, spanErr(span, classify("count alerts", err))
	}

	args = append(args, f.PerPage, f.Offset())
	rows, err := s.q(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM alerts%s ORDER BY received_at DESC, seq DESC LIMIT $%d OFFSET $%d`,
			alertColumns, cond, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, spanErr(span, classify("list alerts", err))
	}
	out, err := collect(rows, scanAlert)
	if err != nil {
		return nil, 0, spanErr(span, classify("scan alerts", err))
	}
	return out, total, nil
}

// CountCorrelated implements alert.Store.
func (s *Store) CountCorrelated(ctx context.Context, incidentID string) (int, error) {
	var n int
	err := s.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM alerts WHERE incident_id = $1 AND duplicate_of = ''`, incidentID,
	).Scan(&n)
	return n, classify("count correlated alerts", err)
}

func scanAlert(row pgx.Row) (*alert.Alert, error) {
	var (
		a        alert.Alert
		severity string
		labels   []byte
	)
	err := row.Scan(&a.ID, &a.Service, &severity, &a.Message, &a.Source, &labels, &a.Fingerprint,
		&a.Timestamp, &a.ReceivedAt, &a.IncidentID, &a.DuplicateOf)
	if err != nil {
		return nil, err
	}
	a.Severity = alert.Severity(severity)
	a.Timestamp = a.Timestamp.UTC()
	a.ReceivedAt = a.ReceivedAt.UTC()
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &a.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels: %w", err)
		}
	}
	return &a, nil
}

// collect scans every row with scan and closes rows.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}
