package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	oc "github.com/linnemanlabs/oncall/internal/cfg"
	"github.com/linnemanlabs/oncall/internal/keylock"
	"github.com/linnemanlabs/oncall/internal/store/memstore"
)

func TestOpenStore_InMemoryWithoutDatabase(t *testing.T) {
	t.Parallel()

	st, pg, done, err := openStore(context.Background(), &oc.Config{HistoryMaxSize: 100}, log.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer done()
	if pg != nil {
		t.Fatal("pg store should be nil without a database url")
	}
	if _, ok := st.(*memstore.Store); !ok {
		t.Fatalf("store = %T, want *memstore.Store", st)
	}
}

func TestSelectLocker_LocalFallback(t *testing.T) {
	t.Parallel()

	l, done, err := selectLocker(context.Background(), &oc.Config{LockTTL: time.Second}, nil, log.Nop())
	if err != nil {
		t.Fatalf("selectLocker: %v", err)
	}
	defer done()
	if _, ok := l.(*keylock.Local); !ok {
		t.Fatalf("locker = %T, want *keylock.Local", l)
	}
}

func TestBuildSinks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  oc.Config
		want []string
	}{
		{name: "log only", want: []string{"log"}},
		{
			name: "slack and webhook",
			cfg: oc.Config{
				SlackWebhookURL:   "https://hooks.slack.com/services/T0/B0/x",
				NotificationURL:   "https://notify.example.com",
				NotificationToken: "secret",
			},
			want: []string{"log", "slack", "webhook"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sinks, done, err := buildSinks(context.Background(), &tc.cfg, log.Nop())
			if err != nil {
				t.Fatalf("buildSinks: %v", err)
			}
			defer done()
			got := make([]string, 0, len(sinks))
			for _, s := range sinks {
				got = append(got, s.Name())
			}
			if !slices.Equal(got, tc.want) {
				t.Errorf("sinks = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoadSeeds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seeds.yaml")
	doc := []byte(`schedules:
  - team: payments
    rotation_type: daily
    members:
      - {name: Nina Park, email: nina@example.com, role: primary}
`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		cfg       oc.Config
		wantTeams []string
	}{
		{name: "file wins over defaults", cfg: oc.Config{SeedFile: path, SeedDefaults: true}, wantTeams: []string{"payments"}},
		{name: "defaults", cfg: oc.Config{SeedDefaults: true}, wantTeams: []string{"platform-engineering", "backend", "frontend", "infrastructure"}},
		{name: "none", cfg: oc.Config{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			seeds, err := loadSeeds(&tc.cfg)
			if err != nil {
				t.Fatalf("loadSeeds: %v", err)
			}
			var teams []string
			for _, s := range seeds {
				teams = append(teams, s.Team)
			}
			if !slices.Equal(teams, tc.wantTeams) {
				t.Errorf("teams = %v, want %v", teams, tc.wantTeams)
			}
		})
	}
}

func TestLoadSeeds_MissingFile(t *testing.T) {
	t.Parallel()

	c := oc.Config{SeedFile: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := loadSeeds(&c); err == nil {
		t.Fatal("expected error for missing seed file")
	}
}

func TestRegisterDBMetrics_Idempotent(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if err := registerDBMetrics(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := registerDBMetrics(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}
