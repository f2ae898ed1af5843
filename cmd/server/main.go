// Oncall ingests monitoring alerts, correlates them into incidents, tracks
// the incident lifecycle and escalates through on-call rotations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/oncall/internal/api"
	oc "github.com/linnemanlabs/oncall/internal/cfg"
	"github.com/linnemanlabs/oncall/internal/clock"
	"github.com/linnemanlabs/oncall/internal/correlation"
	"github.com/linnemanlabs/oncall/internal/escalation"
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/llm/claude"
	"github.com/linnemanlabs/oncall/internal/notify"
	"github.com/linnemanlabs/oncall/internal/oncall"
)

const appName = "oncall"
const componentName = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = componentName

	vi := v.Get()

	// one config struct per package, all registered on the default flag set
	var (
		appCfg    oc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// ONCALL_* env vars fill flags not given on the command line
	cfg.FillFromEnv(flag.CommandLine, "ONCALL_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// checks that span packages
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)

	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"database", appCfg.DatabaseURL != "",
		"redis_lock", appCfg.RedisURL != "",
		"dedup_window", appCfg.DedupWindow,
		"correlation_window", appCfg.CorrelationWindow,
	)

	// profiling starts before anything else so the whole lifetime is covered
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// tag profiles with span ids
	otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)
	reg := m.Registry()

	if err := registerDBMetrics(reg); err != nil {
		return fmt.Errorf("db metrics: %w", err)
	}

	// postgres when configured, in-memory otherwise
	st, pgStore, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()

	// Per-key correlation lock shared by every replica that can see the same backend
	locker, closeLocker, err := selectLocker(ctx, &appCfg, pgStore, L)
	if err != nil {
		return fmt.Errorf("correlation lock: %w", err)
	}
	defer closeLocker()

	// Notification dispatcher with every configured sink
	sinks, closeSinks, err := buildSinks(ctx, &appCfg, L)
	if err != nil {
		return fmt.Errorf("notification sinks: %w", err)
	}
	defer closeSinks()
	notifyCfg := notify.DefaultConfig()
	notifyCfg.Workers = appCfg.NotifyWorkers
	notifyCfg.RatePerSecond = appCfg.NotifyRate
	dispatcher := notify.NewDispatcher(notifyCfg, L, notify.NewMetrics(reg), sinks...)
	L.Info(ctx, "notification dispatcher ready", "sinks", dispatcher.Sinks(), "workers", notifyCfg.Workers)

	// On-call schedules, seeded for teams that have none yet
	rotations := oncall.NewService(st, clock.System, L, oncall.NewMetrics(reg)).
		WithNotifier(dispatcher, notify.ChannelEmail)
	seeds, err := loadSeeds(&appCfg)
	if err != nil {
		return fmt.Errorf("load seed schedules: %w", err)
	}
	if n, err := rotations.Seed(ctx, seeds); err != nil {
		return fmt.Errorf("seed schedules: %w", err)
	} else if n > 0 {
		L.Info(ctx, "seeded on-call schedules", "created", n, "offered", len(seeds))
	}

	// Incident lifecycle, the only writer of incident state
	incidents := incident.NewManager(st, clock.System, L, incident.NewMetrics(reg))

	// Correlation engine: dedup, correlate, open and auto-assign
	corrCfg := correlation.DefaultConfig()
	corrCfg.DedupWindow = appCfg.DedupWindow
	corrCfg.CorrelationWindow = appCfg.CorrelationWindow
	corrCfg.OpsRecipient = appCfg.OpsRecipient
	engine := correlation.NewEngine(st, incidents, locker, corrCfg, L).
		WithResponders(rotations).
		WithNotifier(dispatcher).
		WithMetrics(correlation.NewMetrics(reg))
	if appCfg.ClaudeAPIKey != "" {
		engine.WithTitler(claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel))
		L.Info(ctx, "incident titles enabled", "provider", "claude", "model", appCfg.ClaudeModel)
	}

	// Escalation coordinator for incidents nobody acknowledged
	escCfg := escalation.DefaultConfig()
	escCfg.Threshold = appCfg.EscalationThreshold
	escCfg.SweepInterval = appCfg.SweepInterval
	coordinator := escalation.NewCoordinator(st, incidents, rotations, escCfg, L).
		WithNotifier(dispatcher).
		WithMetrics(escalation.NewMetrics(reg))

	// Background workers keep running through the drain period so queued
	// notifications and late escalations still go out; they stop with the
	// other components below.
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer bgCancel()
	bg, bgGroupCtx := errgroup.WithContext(bgCtx)
	bg.Go(func() error { return dispatcher.Run(bgGroupCtx) })
	bg.Go(func() error { return coordinator.Run(bgGroupCtx) })
	bg.Go(func() error { return rotations.Run(bgGroupCtx, appCfg.RotationInterval) })
	stopWorkers := func(sctx context.Context) error {
		bgCancel()
		done := make(chan error, 1)
		go func() { done <- bg.Wait() }()
		select {
		case err := <-done:
			return err
		case <-sctx.Done():
			return sctx.Err()
		}
	}
	L.Info(ctx, "background workers started",
		"escalation_threshold", escCfg.Threshold,
		"sweep_interval", escCfg.SweepInterval,
		"rotation_check_interval", appCfg.RotationInterval,
	)

	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	// ops listener: metrics, probes, pprof
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	apiHTTP := api.New(L, api.Services{
		Ingest:      engine,
		Alerts:      st,
		Incidents:   incidents,
		OnCall:      rotations,
		Escalations: coordinator,
	})
	if appCfg.APIToken == "" {
		L.Warn(ctx, "api token not configured, /api/v1 is unauthenticated")
	}
	r := newRouter(apiHTTP, appCfg.APIToken, appCfg.RequestTimeout)

	// the main listener answers probes too, outside auth and tracing
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	h := wrapHandler(r, L, m.Middleware, httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// not fatal: systemd kills us after its start timeout if it was waiting
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// readiness fails from here so the load balancer stops routing to us
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	waitDrain(L, time.Duration(appCfg.DrainSeconds)*time.Second, force)
	signal.Stop(force)

	// workers stop after the api listener so requests accepted during the
	// drain can still queue notifications
	components := []component{
		{"api http server", apiHTTPStop},
		{"background workers", stopWorkers},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		components = append(components, component{"otel", shutdownOtelx})
	}
	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, components)

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}
