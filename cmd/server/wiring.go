package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/oncall/internal/alert"
	oc "github.com/linnemanlabs/oncall/internal/cfg"
	"github.com/linnemanlabs/oncall/internal/escalation"
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/keylock"
	"github.com/linnemanlabs/oncall/internal/notify"
	amqpsink "github.com/linnemanlabs/oncall/internal/notify/amqp"
	slacksink "github.com/linnemanlabs/oncall/internal/notify/slack"
	webhooksink "github.com/linnemanlabs/oncall/internal/notify/webhook"
	"github.com/linnemanlabs/oncall/internal/oncall"
	"github.com/linnemanlabs/oncall/internal/postgres"
	"github.com/linnemanlabs/oncall/internal/store/memstore"
	"github.com/linnemanlabs/oncall/internal/store/pgstore"
)

// store is everything the services persist, backed by one implementation.
type store interface {
	alert.Store
	incident.Store
	oncall.Store
	escalation.Store
}

// closer releases a backend opened during startup.
type closer func()

// openStore returns the postgres store when a database URL is configured,
// else the in-memory store. pg is nil for the in-memory store.
func openStore(ctx context.Context, c *oc.Config, L log.Logger) (st store, pg *pgstore.Store, done closer, err error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		return memstore.New().WithMaxHistory(c.HistoryMaxSize), nil, func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolConfig{
		MaxConns: int32(c.DBMaxConns), //nolint:gosec // G115: bounded to 1..500 by Validate
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	pg, err = pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	pg.WithMaxHistory(c.HistoryMaxSize)
	postgres.SetSlowQueryThreshold(c.SlowQuery)
	L.Info(ctx, "using postgres store", "max_conns", c.DBMaxConns)
	return pg, pg, pool.Close, nil
}

// selectLocker picks the correlation lock: Redis when configured, else the
// postgres advisory lock, else an in-process lock.
func selectLocker(ctx context.Context, c *oc.Config, pg *pgstore.Store, L log.Logger) (keylock.Locker, closer, error) {
	switch {
	case c.RedisURL != "":
		rdb, err := keylock.NewRedisClient(ctx, c.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		L.Info(ctx, "correlation lock", "backend", "redis", "ttl", c.LockTTL)
		return keylock.NewRedis(rdb, c.LockTTL, L), func() { _ = rdb.Close() }, nil
	case pg != nil:
		L.Info(ctx, "correlation lock", "backend", "postgres")
		return pg, func() {}, nil
	default:
		L.Info(ctx, "correlation lock", "backend", "local")
		return keylock.NewLocal(), func() {}, nil
	}
}

// buildSinks returns the notification sinks enabled by c. The log sink is
// always present so every notification leaves a trace.
func buildSinks(ctx context.Context, c *oc.Config, L log.Logger) ([]notify.Sink, closer, error) {
	sinks := []notify.Sink{notify.NewLogSink(L)}
	done := func() {}

	if c.SlackWebhookURL != "" {
		sinks = append(sinks, slacksink.New(c.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if c.NotificationURL != "" {
		sinks = append(sinks, webhooksink.New(c.NotificationURL, c.NotificationToken))
		L.Info(ctx, "notifier enabled", "type", "webhook", "url", c.NotificationURL)
	}
	if c.AMQPURL != "" {
		pub, err := amqpsink.Dial(c.AMQPURL, c.AMQPExchange, L)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, pub)
		done = func() {
			if err := pub.Close(); err != nil {
				L.Warn(context.Background(), "amqp close failed", "error", err)
			}
		}
		L.Info(ctx, "notifier enabled", "type", "amqp", "exchange", c.AMQPExchange)
	}
	return sinks, done, nil
}

// loadSeeds returns the schedules to create at startup.
func loadSeeds(c *oc.Config) ([]oncall.ScheduleInput, error) {
	switch {
	case c.SeedFile != "":
		return oncall.LoadSeeds(c.SeedFile)
	case c.SeedDefaults:
		return oncall.DefaultSeeds()
	default:
		return nil, nil
	}
}

// registerDBMetrics wires the per-query duration histogram into the
// postgres tracer.
func registerDBMetrics(reg prometheus.Registerer) error {
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oncall_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	if err := reg.Register(dbQueryDuration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
		dbQueryDuration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))
	return nil
}
