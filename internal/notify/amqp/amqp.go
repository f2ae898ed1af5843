// Package amqp publishes notification requests to a RabbitMQ topic exchange
// for downstream delivery workers.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/oncall/internal/notify"
)

const (
	confirmTimeout = 5 * time.Second
	routingPrefix  = "notify."
)

// Publisher is a notify.Sink backed by a confirm-mode AMQP channel.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   log.Logger

	mu       sync.Mutex
	ch       *amqp091.Channel
	confirms <-chan amqp091.Confirmation
}

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange string, logger log.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	p, err := NewPublisher(conn, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// NewPublisher opens a confirm-mode channel on conn.
func NewPublisher(conn *amqp091.Connection, exchange string, logger log.Logger) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("amqp: connection is nil")
	}
	if exchange == "" {
		return nil, errors.New("amqp: exchange is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	p := &Publisher{conn: conn, exchange: exchange, logger: logger}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) open() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp: declare exchange %q: %w", p.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("amqp: enable confirms: %w", err)
	}
	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	return nil
}

// Name implements notify.Sink.
func (p *Publisher) Name() string { return "amqp" }

// Deliver implements notify.Sink. It returns once the broker confirmed the
// message. A closed channel is reopened on the next call.
func (p *Publisher) Deliver(ctx context.Context, r notify.Request) error {
	msg, err := publishing(r)
	if err != nil {
		return notify.Permanent(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if err := p.open(); err != nil {
			return err
		}
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(r), false, false, msg); err != nil {
		p.ch = nil
		return fmt.Errorf("amqp: publish: %w", err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.ch = nil
			return errors.New("amqp: channel closed before confirm")
		}
		if !c.Ack {
			return fmt.Errorf("amqp: broker nacked delivery tag %d", c.DeliveryTag)
		}
		return nil
	case <-timer.C:
		// the pending confirm would be matched to the next publish
		_ = p.ch.Close()
		p.ch = nil
		return errors.New("amqp: publish confirm timeout")
	case <-ctx.Done():
		_ = p.ch.Close()
		p.ch = nil
		return ctx.Err()
	}
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
		p.ch = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// RoutingKey is "notify.<kind>.<channel>".
func RoutingKey(r notify.Request) string {
	kind := string(r.Kind)
	if kind == "" {
		kind = "generic"
	}
	ch := string(r.Channel)
	if ch == "" {
		ch = "default"
	}
	return routingPrefix + kind + "." + ch
}

func publishing(r notify.Request) (amqp091.Publishing, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("amqp: marshal request: %w", err)
	}
	ts := r.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    r.ID,
		Timestamp:    ts,
		Type:         string(r.Kind),
		Body:         body,
	}, nil
}
