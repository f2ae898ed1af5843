package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the application flags. It implements the common
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	RequestTimeout        time.Duration

	DatabaseURL    string
	DBMaxConns     int
	RedisURL       string
	LockTTL        time.Duration
	SlowQuery      time.Duration
	HistoryMaxSize int

	DedupWindow         time.Duration
	CorrelationWindow   time.Duration
	EscalationThreshold time.Duration
	SweepInterval       time.Duration
	RotationInterval    time.Duration
	SeedFile            string
	SeedDefaults        bool

	OpsRecipient      string
	SlackWebhookURL   string
	NotificationURL   string
	NotificationToken string
	AMQPURL           string
	AMQPExchange      string
	NotifyWorkers     int
	NotifyRate        float64

	ClaudeAPIKey string
	ClaudeModel  string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on /api/v1 (empty = no auth)")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", 30*time.Second, "per-request timeout for API handlers")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections (1..500)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the distributed correlation lock (empty = postgres advisory lock or in-process)")
	fs.DurationVar(&c.LockTTL, "lock-ttl", 30*time.Second, "expiry of a Redis correlation lock held by a crashed replica")
	fs.DurationVar(&c.SlowQuery, "slow-query", 200*time.Millisecond, "log database queries slower than this (0 = off)")
	fs.IntVar(&c.HistoryMaxSize, "history-max-size", 10000, "on-call audit history entries kept (100..1000000)")

	fs.DurationVar(&c.DedupWindow, "dedup-window", 60*time.Second, "identical alerts within this window are suppressed as duplicates")
	fs.DurationVar(&c.CorrelationWindow, "correlation-window", 5*time.Minute, "alerts attach to open incidents of the same service and severity created within this window")
	fs.DurationVar(&c.EscalationThreshold, "escalation-threshold", 15*time.Minute, "open incidents unacknowledged this long are escalated")
	fs.DurationVar(&c.SweepInterval, "escalation-sweep-interval", time.Minute, "how often to look for incidents to escalate")
	fs.DurationVar(&c.RotationInterval, "rotation-check-interval", time.Minute, "how often to check for rotation handoffs and expired overrides")
	fs.StringVar(&c.SeedFile, "seed-file", "", "YAML file of schedules to create at startup for teams without one")
	fs.BoolVar(&c.SeedDefaults, "seed-defaults", true, "create the built-in example schedules when no seed file is given")

	fs.StringVar(&c.OpsRecipient, "ops-recipient", "", "recipient told about every new and correlated incident (empty = none)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.NotificationURL, "notification-url", "", "base URL of the HTTP notification service")
	fs.StringVar(&c.NotificationToken, "notification-token", "", "bearer token for the HTTP notification service")
	fs.StringVar(&c.AMQPURL, "amqp-url", "", "RabbitMQ URL to publish notifications to")
	fs.StringVar(&c.AMQPExchange, "amqp-exchange", "oncall.notifications", "RabbitMQ topic exchange for notifications")
	fs.IntVar(&c.NotifyWorkers, "notify-workers", 4, "notification delivery workers (1..64)")
	fs.Float64Var(&c.NotifyRate, "notify-rate", 20, "notification deliveries per second across all sinks")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for Claude incident titles (empty = template titles only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-haiku-4-5", "Claude model used for incident titles")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid REQUEST_TIMEOUT %s (must be positive)", c.RequestTimeout))
	}

	if c.DatabaseURL != "" {
		if err := checkURL("DATABASE_URL", c.DatabaseURL, "postgres", "postgresql"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.DBMaxConns <= 0 || c.DBMaxConns > 500 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..500)", c.DBMaxConns))
	}
	if c.RedisURL != "" {
		if err := checkURL("REDIS_URL", c.RedisURL, "redis", "rediss"); err != nil {
			errs = append(errs, err)
		}
		if c.LockTTL < time.Second {
			errs = append(errs, fmt.Errorf("invalid LOCK_TTL %s (must be at least 1s)", c.LockTTL))
		}
	}
	if c.SlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY %s (must not be negative)", c.SlowQuery))
	}
	if c.HistoryMaxSize < 100 || c.HistoryMaxSize > 1_000_000 {
		errs = append(errs, fmt.Errorf("invalid HISTORY_MAX_SIZE %d (must be 100..1000000)", c.HistoryMaxSize))
	}

	// Correlation and escalation timing
	if c.DedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid DEDUP_WINDOW %s (must be positive)", c.DedupWindow))
	}
	if c.CorrelationWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid CORRELATION_WINDOW %s (must be positive)", c.CorrelationWindow))
	}
	if c.EscalationThreshold < time.Minute {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_THRESHOLD %s (must be at least 1m)", c.EscalationThreshold))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("invalid ESCALATION_SWEEP_INTERVAL %s (must be at least 1s)", c.SweepInterval))
	}
	if c.RotationInterval < time.Second {
		errs = append(errs, fmt.Errorf("invalid ROTATION_CHECK_INTERVAL %s (must be at least 1s)", c.RotationInterval))
	}

	// Notification sinks
	if c.SlackWebhookURL != "" {
		if err := checkURL("SLACK_WEBHOOK_URL", c.SlackWebhookURL, "https", "http"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.NotificationURL != "" {
		if err := checkURL("NOTIFICATION_URL", c.NotificationURL, "https", "http"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.AMQPURL != "" {
		if err := checkURL("AMQP_URL", c.AMQPURL, "amqp", "amqps"); err != nil {
			errs = append(errs, err)
		}
		if strings.TrimSpace(c.AMQPExchange) == "" {
			errs = append(errs, errors.New("AMQP_EXCHANGE is required when AMQP_URL is set"))
		}
	}
	if c.NotifyWorkers <= 0 || c.NotifyWorkers > 64 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_WORKERS %d (must be 1..64)", c.NotifyWorkers))
	}
	if c.NotifyRate <= 0 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_RATE %g (must be positive)", c.NotifyRate))
	}

	// Claude model is only needed when titles are enabled
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("invalid %s: missing host", name)
			}
			return nil
		}
	}
	return fmt.Errorf("invalid %s scheme %q (want %s)", name, u.Scheme, strings.Join(schemes, " or "))
}
