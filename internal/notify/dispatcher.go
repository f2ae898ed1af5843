package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
)

// Config tunes the dispatcher.
type Config struct {
	Workers         int
	QueueSize       int
	RatePerSecond   float64
	Burst           int
	MaxTries        uint
	InitialInterval time.Duration
	Timeout         time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       1024,
		RatePerSecond:   20,
		Burst:           10,
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
		Timeout:         10 * time.Second,
	}
}

// Dispatcher fans requests out to every registered sink, retrying
// transient sink failures and rate limiting the outbound flow.
type Dispatcher struct {
	cfg     Config
	logger  log.Logger
	metrics *Metrics
	limiter *rate.Limiter
	queue   chan Request

	mu    sync.RWMutex
	sinks []Sink
}

// NewDispatcher creates a dispatcher. Zero config fields take their defaults.
func NewDispatcher(cfg Config, logger log.Logger, metrics *Metrics, sinks ...Sink) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		queue:   make(chan Request, cfg.QueueSize),
		sinks:   sinks,
	}
}

// Register adds a sink.
func (d *Dispatcher) Register(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Sinks returns the names of the registered sinks.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify delivers r to every sink and waits for the outcome. The result is
// StatusSent only when every sink accepted the request. Failures are logged
// and never returned to the caller.
func (d *Dispatcher) Notify(ctx context.Context, r Request) Status {
	return d.notify(ctx, r, false)
}

// notify delivers r to every sink. With detach set, a delivery cut short by
// ctx being cancelled is retried once on a fresh context bounded by the
// delivery timeout.
func (d *Dispatcher) notify(ctx context.Context, r Request, detach bool) Status {
	r = d.stamp(r)

	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()

	status := StatusSent
	for _, s := range sinks {
		err := d.deliver(ctx, s, r)
		if err != nil && detach && ctx.Err() != nil {
			err = d.deliverDetached(s, r)
		}
		if err != nil {
			status = StatusFailed
			d.logger.Warn(ctx, "notification not delivered",
				"sink", s.Name(),
				"notification_id", r.ID,
				"kind", r.Kind,
				"recipient", r.Recipient,
				"incident_id", r.IncidentID,
				"error", err,
			)
		}
	}
	return status
}

// Submit queues r for the background workers. It reports false when the
// queue is full and the request was dropped.
func (d *Dispatcher) Submit(ctx context.Context, r Request) bool {
	r = d.stamp(r)
	select {
	case d.queue <- r:
		d.metrics.queued(len(d.queue))
		return true
	default:
		d.metrics.dropped()
		d.logger.Warn(ctx, "notification queue full, dropping request",
			"notification_id", r.ID,
			"kind", r.Kind,
			"recipient", r.Recipient,
		)
		return false
	}
}

// Run drains the queue with the configured number of workers until ctx is
// cancelled. Requests still queued at that point are delivered before Run
// returns, each bounded by the delivery timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for range d.cfg.Workers {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	err := g.Wait()
	d.drain()
	return err
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-d.queue:
			d.metrics.queued(len(d.queue))
			if ctx.Err() != nil {
				d.notifyDetached(r)
				continue
			}
			d.notify(ctx, r, true)
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case r := <-d.queue:
			d.notifyDetached(r)
		default:
			d.metrics.queued(0)
			return
		}
	}
}

// notifyDetached delivers a request taken off the queue after shutdown began.
func (d *Dispatcher) notifyDetached(r Request) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	d.Notify(ctx, r)
}

func (d *Dispatcher) deliverDetached(s Sink, r Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	return d.deliver(ctx, s, r)
}

func (d *Dispatcher) deliver(ctx context.Context, s Sink, r Request) error {
	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := d.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
		err := s.Deliver(actx, r)
		var perm *PermanentError
		if errors.As(err, &perm) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(d.cfg.MaxTries))

	d.metrics.delivered(s.Name(), err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeliveryFailed, s.Name(), err)
	}
	return nil
}

func (d *Dispatcher) stamp(r Request) Request {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return r
}
