package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/linnemanlabs/go-core/log"
)

type fakeSink struct {
	name    string
	mu      sync.Mutex
	calls   int
	failN   int
	err     error
	got     []Request
	started chan struct{}
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Deliver(_ context.Context, r Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failN {
		return s.err
	}
	s.got = append(s.got, r)
	return nil
}

// stallingSink blocks its first delivery until the context is cancelled.
type stallingSink struct {
	fakeSink
	once    sync.Once
	stalled chan struct{}
}

func (s *stallingSink) Deliver(ctx context.Context, r Request) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.stalled)
		<-ctx.Done()
		return ctx.Err()
	}
	return s.fakeSink.Deliver(ctx, r)
}

func (s *fakeSink) delivered() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.got...)
}

func testConfig() Config {
	return Config{
		Workers:         2,
		QueueSize:       8,
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		Timeout:         time.Second,
	}
}

func TestNotify_RetriesTransientFailure(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "flaky", failN: 2, err: errors.New("connection reset")}
	d := NewDispatcher(testConfig(), log.Nop(), nil, sink)

	status := d.Notify(context.Background(), Request{Recipient: "alice@company.com", Channel: ChannelEmail, Message: "hi"})
	if status != StatusSent {
		t.Fatalf("status = %q, want sent", status)
	}
	if sink.calls != 3 {
		t.Errorf("calls = %d, want 3", sink.calls)
	}
	got := sink.delivered()
	if len(got) != 1 || got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Errorf("delivered = %+v, want one stamped request", got)
	}
}

func TestNotify_PermanentFailureNotRetried(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sink := &fakeSink{name: "broken", failN: 10, err: Permanent(errors.New("bad request"))}
	d := NewDispatcher(testConfig(), log.Nop(), m, sink)

	if status := d.Notify(context.Background(), Request{Recipient: "x"}); status != StatusFailed {
		t.Fatalf("status = %q, want failed", status)
	}
	if sink.calls != 1 {
		t.Errorf("calls = %d, want 1", sink.calls)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("broken", "failed")); got != 1 {
		t.Errorf("failed deliveries = %v, want 1", got)
	}
}

func TestNotify_OneSinkFailingMarksFailed(t *testing.T) {
	t.Parallel()

	ok := &fakeSink{name: "ok"}
	bad := &fakeSink{name: "bad", failN: 10, err: errors.New("down")}
	d := NewDispatcher(testConfig(), log.Nop(), nil, ok)
	d.Register(bad)

	if status := d.Notify(context.Background(), Request{Recipient: "x"}); status != StatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
	if len(ok.delivered()) != 1 {
		t.Errorf("healthy sink did not receive the request")
	}
	if names := d.Sinks(); len(names) != 2 || names[1] != "bad" {
		t.Errorf("Sinks = %v", names)
	}
}

func TestSubmit_DropsWhenFull(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	cfg := testConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, log.Nop(), m)

	if !d.Submit(context.Background(), Request{Recipient: "a"}) {
		t.Fatal("first submit rejected")
	}
	if d.Submit(context.Background(), Request{Recipient: "b"}) {
		t.Fatal("second submit accepted on a full queue")
	}
	if got := testutil.ToFloat64(m.Dropped); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestRun_DeliversAndDrainsOnCancel(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "rec"}
	d := NewDispatcher(testConfig(), log.Nop(), nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := range 5 {
		if !d.Submit(ctx, Request{Recipient: "r", Message: string(rune('a' + i))}) {
			t.Fatalf("submit %d rejected", i)
		}
	}

	deadline := time.After(2 * time.Second)
	for len(sink.delivered()) < 5 {
		select {
		case <-deadline:
			t.Fatalf("delivered %d of 5", len(sink.delivered()))
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDrain_FlushesQueuedRequests(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{name: "rec"}
	d := NewDispatcher(testConfig(), log.Nop(), nil, sink)
	for range 3 {
		d.Submit(context.Background(), Request{Recipient: "r"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(sink.delivered()); n != 3 {
		t.Errorf("delivered = %d, want 3 after drain", n)
	}
}

func TestRun_InFlightRequestSurvivesShutdown(t *testing.T) {
	t.Parallel()

	sink := &stallingSink{fakeSink: fakeSink{name: "slow"}, stalled: make(chan struct{})}
	cfg := testConfig()
	cfg.Workers = 1
	d := NewDispatcher(cfg, log.Nop(), nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	if !d.Submit(ctx, Request{Recipient: "oncall@company.com", Kind: KindEscalation}) {
		t.Fatal("submit rejected")
	}
	select {
	case <-sink.stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := sink.delivered(); len(got) != 1 || got[0].Recipient != "oncall@company.com" {
		t.Errorf("delivered = %+v, want the in-flight request", got)
	}
}
