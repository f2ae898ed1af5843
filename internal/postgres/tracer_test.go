package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/oncall/internal/store/pgstore"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields map[string]any
}

// captureLogger records every entry written through it.
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) add(level, msg string, err error, kv []any) {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{level: level, msg: msg, err: err, fields: fields})
}

func (c *captureLogger) With(...any) log.Logger { return c }

func (c *captureLogger) Debug(_ context.Context, msg string, kv ...any) {
	c.add("debug", msg, nil, kv)
}

func (c *captureLogger) Info(_ context.Context, msg string, kv ...any) {
	c.add("info", msg, nil, kv)
}

func (c *captureLogger) Warn(_ context.Context, msg string, kv ...any) {
	c.add("warn", msg, nil, kv)
}

func (c *captureLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	c.add("error", msg, err, kv)
}

func (c *captureLogger) Sync() error { return nil }

func (c *captureLogger) all() []logEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]logEntry(nil), c.entries...)
}

type recordingTracer struct {
	started, ended int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.started++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(context.Context, *pgx.Conn, pgx.TraceQueryEndData) {
	r.ended++
}

// runQuery drives the tracer through one query under ctx.
func runQuery(ctx context.Context, tr pgx.QueryTracer, start pgx.TraceQueryStartData, end pgx.TraceQueryEndData) context.Context {
	ctx = tr.TraceQueryStart(ctx, nil, start)
	tr.TraceQueryEnd(ctx, nil, end)
	return ctx
}

func TestTraceQueryStart_StashesQueryInfo(t *testing.T) {
	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner)

	before := time.Now()
	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{
		SQL:  "SELECT id FROM incidents WHERE service = $1 AND status = $2",
		Args: []any{"checkout", "open"},
	})

	qi, ok := ctx.Value(ctxKeyQuery).(*queryInfo)
	if !ok {
		t.Fatal("no query info in context")
	}
	if qi.nargs != 2 || !strings.HasPrefix(qi.sql, "SELECT id FROM incidents") {
		t.Errorf("query info = %+v", qi)
	}
	if qi.start.Before(before) {
		t.Errorf("start = %v, before the query began", qi.start)
	}
	if qi.caller != "TestTraceQueryStart_StashesQueryInfo" {
		t.Errorf("caller = %q, want the calling test", qi.caller)
	}
	if inner.started != 1 {
		t.Errorf("inner started = %d, want 1", inner.started)
	}
}

func TestTraceQueryEnd_LogsArgCountNotValues(t *testing.T) {
	logs := &captureLogger{}
	ctx := log.WithContext(context.Background(), logs)

	runQuery(ctx, wrapQueryTracer(nil),
		pgx.TraceQueryStartData{SQL: "INSERT INTO notes (body) VALUES ($1)", Args: []any{"db password is hunter2"}},
		pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("INSERT 0 1")},
	)

	entries := logs.all()
	if len(entries) != 1 || entries[0].msg != "db query" {
		t.Fatalf("entries = %+v, want one db query line", entries)
	}
	f := entries[0].fields
	if f["db.args_count"] != 1 {
		t.Errorf("db.args_count = %v, want 1", f["db.args_count"])
	}
	if f["db.operation.name"] != "INSERT" || f["db.rows"] != int64(1) {
		t.Errorf("operation = %v rows = %v", f["db.operation.name"], f["db.rows"])
	}
	for k, v := range f {
		if s, ok := v.(string); ok && strings.Contains(s, "hunter2") {
			t.Errorf("argument value leaked into %s", k)
		}
	}
}

func TestTraceQueryEnd_SlowQueryThreshold(t *testing.T) {
	SetSlowQueryThreshold(time.Hour)
	t.Cleanup(func() { SetSlowQueryThreshold(0) })

	logs := &captureLogger{}
	ctx := log.WithContext(context.Background(), logs)
	tr := wrapQueryTracer(nil)

	runQuery(ctx, tr, pgx.TraceQueryStartData{SQL: "SELECT 1"}, pgx.TraceQueryEndData{})
	if n := len(logs.all()); n != 0 {
		t.Fatalf("fast successful query logged %d lines, want 0", n)
	}

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "alerts_pkey"}
	runQuery(ctx, tr, pgx.TraceQueryStartData{SQL: "INSERT INTO alerts"}, pgx.TraceQueryEndData{Err: pgErr})
	entries := logs.all()
	if len(entries) != 1 || entries[0].level != "error" {
		t.Fatalf("entries = %+v, want one error line", entries)
	}
	if entries[0].fields["db.error_code"] != "23505" || entries[0].fields["db.error_constraint"] != "alerts_pkey" {
		t.Errorf("error fields = %v", entries[0].fields)
	}
	if !errors.Is(entries[0].err, pgErr) {
		t.Errorf("logged err = %v", entries[0].err)
	}
}

func TestTraceQueryEnd_StatsAndObserverLabels(t *testing.T) {
	var (
		mu       sync.Mutex
		observed []string
	)
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, _ time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, method+" "+route+" "+outcome)
	}))
	t.Cleanup(func() { SetQueryObserver(nil) })

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner)

	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{"/api/v1/incidents/{id}"}
	reqCtx := context.WithValue(WithHTTPMethod(NewReqDBStatsContext(context.Background()), "PATCH"), chi.RouteCtxKey, rc)

	runQuery(reqCtx, tr, pgx.TraceQueryStartData{SQL: "SELECT 1"}, pgx.TraceQueryEndData{})
	runQuery(reqCtx, tr, pgx.TraceQueryStartData{SQL: "UPDATE incidents"}, pgx.TraceQueryEndData{Err: errors.New("boom")})
	runQuery(context.Background(), tr, pgx.TraceQueryStartData{SQL: "SELECT 1"}, pgx.TraceQueryEndData{})

	// an end without a matching start is ignored
	tr.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})

	if inner.started != 3 || inner.ended != 4 {
		t.Errorf("inner calls = %d/%d, want 3/4", inner.started, inner.ended)
	}
	stats, _ := ReqDBStatsFromContext(reqCtx)
	if stats.QueryCount != 2 || stats.ErrorCount != 1 {
		t.Errorf("stats = %d queries %d errors, want 2/1", stats.QueryCount, stats.ErrorCount)
	}

	want := []string{
		"PATCH /api/v1/incidents/{id} ok",
		"PATCH /api/v1/incidents/{id} error",
		"BACKGROUND background ok",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(observed) != len(want) {
		t.Fatalf("observed = %v, want %v", observed, want)
	}
	for i := range want {
		if observed[i] != want[i] {
			t.Errorf("observed[%d] = %q, want %q", i, observed[i], want[i])
		}
	}
}

func TestQueryLabels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		ctx    context.Context
		method string
		route  string
	}{
		{"background", context.Background(), backgroundMethod, backgroundRoute},
		{"method only", WithHTTPMethod(context.Background(), "POST"), "POST", "unknown"},
		{"empty method ignored", WithHTTPMethod(context.Background(), ""), backgroundMethod, backgroundRoute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			method, route := queryLabels(tt.ctx)
			if method != tt.method || route != tt.route {
				t.Errorf("queryLabels = %q %q, want %q %q", method, route, tt.method, tt.route)
			}
		})
	}
}

func TestTracer_StoreCallerFrames(t *testing.T) {
	dsn := os.Getenv("ONCALL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ONCALL_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, PoolConfig{})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}

	logs := &captureLogger{}
	if _, _, err := s.GetIncident(log.WithContext(ctx, logs), "missing"); err != nil {
		t.Fatalf("GetIncident: %v", err)
	}

	for _, e := range logs.all() {
		if e.msg != "db query" {
			continue
		}
		if e.fields["db.caller"] != "(*Store).GetIncident" {
			t.Errorf("db.caller = %v, want (*Store).GetIncident", e.fields["db.caller"])
		}
		if e.fields["db.handler"] != "TestTracer_StoreCallerFrames" {
			t.Errorf("db.handler = %v, want the calling test", e.fields["db.handler"])
		}
		return
	}
	t.Fatal("no db query line logged")
}
