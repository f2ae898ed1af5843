// Package notify hands notification requests to delivery sinks. Delivery
// itself belongs to external systems; a Sink only has to accept the request.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/oncall/internal/alert"
)

// ErrDeliveryFailed is returned by Notify when a sink kept rejecting a request.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Channel is the medium the recipient is reached on.
type Channel string

const (
	ChannelSlack   Channel = "slack"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
)

// Kind is what the notification is about.
type Kind string

const (
	KindIncidentCreated Kind = "incident_created"
	KindAlertCorrelated Kind = "alert_correlated"
	KindEscalation      Kind = "escalation"
	KindRotationChange  Kind = "rotation_change"
	KindOverride        Kind = "override"
)

// Status is the outcome of one Notify call.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Request is one notification to hand off.
type Request struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Channel    Channel        `json:"channel"`
	Recipient  string         `json:"recipient"`
	Subject    string         `json:"subject,omitempty"`
	Message    string         `json:"message"`
	Severity   alert.Severity `json:"severity,omitempty"`
	IncidentID string         `json:"incident_id,omitempty"`
	Team       string         `json:"team,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Sink accepts notification requests for delivery.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, r Request) error
}

// PermanentError marks a sink failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the dispatcher gives up on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// LogSink writes requests to the structured log. It never fails.
type LogSink struct {
	logger log.Logger
}

// NewLogSink returns a sink that logs each request.
func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, r Request) error {
	s.logger.Info(ctx, "notification",
		"notification_id", r.ID,
		"kind", r.Kind,
		"channel", r.Channel,
		"recipient", r.Recipient,
		"incident_id", r.IncidentID,
		"team", r.Team,
		"message", r.Message,
	)
	return nil
}
