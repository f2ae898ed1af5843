// Package pgstore provides a PostgreSQL implementation of the alert,
// incident, on-call and escalation stores, plus a Postgres advisory-lock
// keylock.Locker for multi-replica ingestion without Redis.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/escalation"
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/keylock"
	"github.com/linnemanlabs/oncall/internal/oncall"
	"github.com/linnemanlabs/oncall/internal/retry"
)

var tracer = otel.Tracer("github.com/linnemanlabs/oncall/internal/store/pgstore")

//go:embed schema.sql
var schema string

// DefaultMaxHistory bounds the on-call audit history table.
const DefaultMaxHistory = 10000

var (
	_ alert.Store      = (*Store)(nil)
	_ incident.Store   = (*Store)(nil)
	_ oncall.Store     = (*Store)(nil)
	_ escalation.Store = (*Store)(nil)
	_ keylock.Locker   = (*Store)(nil)
)

// Store persists platform state in PostgreSQL.
type Store struct {
	pool       *pgxpool.Pool
	maxHistory int
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, maxHistory: DefaultMaxHistory}, nil
}

// WithMaxHistory sets how many audit events are kept.
func (s *Store) WithMaxHistory(n int) *Store {
	if n > 0 {
		s.maxHistory = n
	}
	return s
}

// querier is satisfied by the pool and by a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// q returns the transaction of an incident update in progress, or the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// Lock takes a session advisory lock on a dedicated connection. It blocks
// until the lock is granted or ctx is done.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("acquire lock connection", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		// the session may still hold a half-granted lock
		conn.Conn().Close(context.Background()) //nolint:errcheck // connection is discarded
		conn.Release()
		return nil, classify("advisory lock", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
				// closing the session releases its locks
				conn.Conn().Close(ctx) //nolint:errcheck // connection is discarded
			}
			conn.Release()
		})
	}, nil
}

// classify wraps err with op and marks connection failures, serialization
// failures and deadlocks as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "40001", pgErr.Code == "40P01":
			return retry.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return retry.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
