package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// component is something stopped during shutdown.
type component struct {
	name string
	stop func(context.Context) error
}

// waitDrain blocks for d, or until a second signal arrives on force.
func waitDrain(L log.Logger, d time.Duration, force <-chan os.Signal) {
	L.Info(context.Background(), "sleeping for drain period", "drain", d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(context.Background(), "drain period complete")
	case <-force:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

// stopAll stops components in order. Each gets an equal slice of budget,
// and none runs past the overall deadline. Failures are logged and
// returned together.
func stopAll(L log.Logger, budget time.Duration, components []component) []error {
	if len(components) == 0 {
		return nil
	}
	per := budget / time.Duration(len(components))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	var errs []error
	for _, c := range components {
		cctx, ccancel := context.WithTimeout(ctx, per)
		if err := c.stop(cctx); err != nil {
			L.Error(context.Background(), err, c.name+" shutdown")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
		ccancel()
	}
	return errs
}

// notifySystemd sends READY=1 when started as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
