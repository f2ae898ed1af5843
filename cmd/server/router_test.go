package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/oncall/internal/api"
	"github.com/linnemanlabs/oncall/internal/correlation"
	"github.com/linnemanlabs/oncall/internal/escalation"
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/oncall"
	"github.com/linnemanlabs/oncall/internal/store/memstore"
)

func newTestAPI(t *testing.T) *api.API {
	t.Helper()
	st := memstore.New()
	incidents := incident.NewManager(st, nil, nil, nil)
	rotations := oncall.NewService(st, nil, nil, nil)
	seeds, err := oncall.DefaultSeeds()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rotations.Seed(context.Background(), seeds); err != nil {
		t.Fatal(err)
	}
	engine := correlation.NewEngine(st, incidents, nil, correlation.DefaultConfig(), nil).WithResponders(rotations)
	coordinator := escalation.NewCoordinator(st, incidents, rotations, escalation.DefaultConfig(), nil)
	return api.New(log.Nop(), api.Services{
		Ingest:      engine,
		Alerts:      st,
		Incidents:   incidents,
		OnCall:      rotations,
		Escalations: coordinator,
	})
}

func TestRouter_BearerToken(t *testing.T) {
	t.Parallel()

	r := newRouter(newTestAPI(t), "s3cret", 5*time.Second)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing token", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer s3cret", want: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/teams", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRouter_NoTokenIsOpen(t *testing.T) {
	t.Parallel()

	r := newRouter(newTestAPI(t), "", 5*time.Second)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/schedules", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRouter_RejectsOversizedBody(t *testing.T) {
	t.Parallel()

	r := newRouter(newTestAPI(t), "", 5*time.Second)
	body := `{"service":"checkout","severity":"high","message":"` + strings.Repeat("x", maxBody) + `"}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body)))
	if rec.Code < 400 {
		t.Fatalf("status = %d, want a 4xx rejection", rec.Code)
	}
}

func TestWrapHandler_RecoversPanics(t *testing.T) {
	t.Parallel()

	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	identity := func(h http.Handler) http.Handler { return h }
	h := wrapHandler(inner, log.Nop(), identity, httpmw.ClientIPOptions{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/teams", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestIsProbe(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"/-/healthy":     true,
		"/-/ready":       true,
		"/api/v1/alerts": false,
	} {
		if got := isProbe(path); got != want {
			t.Errorf("isProbe(%q) = %v, want %v", path, got, want)
		}
	}
}
