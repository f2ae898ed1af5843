// Package slack hands notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/notify"
)

const (
	maxMessageLen = 3000
	maxHeaderLen  = 150
	httpTimeout   = 10 * time.Second
)

// Sink posts notifications to a Slack webhook.
type Sink struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack sink. If webhookURL is empty, Deliver is a no-op.
func New(webhookURL string, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Name implements notify.Sink.
func (s *Sink) Name() string { return "slack" }

// Deliver implements notify.Sink. Client errors other than rate limiting
// are permanent.
func (s *Sink) Deliver(ctx context.Context, r notify.Request) error {
	if s.webhookURL == "" {
		return nil
	}

	err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, buildMessage(r))
	if err == nil {
		return nil
	}
	var sce slack.StatusCodeError
	if errors.As(err, &sce) && !sce.Retryable() {
		return notify.Permanent(fmt.Errorf("slack: webhook returned %d: %w", sce.Code, err))
	}
	return fmt.Errorf("slack: post webhook: %w", err)
}

func buildMessage(r notify.Request) *slack.WebhookMessage {
	return &slack.WebhookMessage{
		Text: fallbackText(r),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			headerBlock(r),
			slack.NewDividerBlock(),
			fieldsBlock(r),
			messageBlock(r),
			slack.NewDividerBlock(),
			contextBlock(r),
		}},
	}
}

func fallbackText(r notify.Request) string {
	if r.Subject != "" {
		return r.Subject
	}
	return truncate(r.Message, maxHeaderLen)
}

func headerBlock(r notify.Request) *slack.HeaderBlock {
	title := r.Subject
	if title == "" {
		title = headline(r.Kind)
	}
	text := truncate(fmt.Sprintf("%s %s", severityEmoji(r.Kind, r.Severity), title), maxHeaderLen)
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
}

func fieldsBlock(r notify.Request) *slack.SectionBlock {
	field := func(label, value string) *slack.TextBlockObject {
		if value == "" {
			value = "-"
		}
		return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s:* %s", label, value), false, false)
	}
	fields := []*slack.TextBlockObject{
		field("Severity", string(r.Severity)),
		field("Team", r.Team),
		field("Recipient", r.Recipient),
		field("Incident", r.IncidentID),
	}
	return slack.NewSectionBlock(nil, fields, nil)
}

func messageBlock(r notify.Request) *slack.SectionBlock {
	text := truncate(r.Message, maxMessageLen)
	if text == "" {
		text = "_No details._"
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func contextBlock(r notify.Request) *slack.ContextBlock {
	ts := r.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	text := fmt.Sprintf("oncall • %s • %s", r.Kind, ts.UTC().Format("2006-01-02 15:04 UTC"))
	return slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, text, false, false))
}

func headline(k notify.Kind) string {
	switch k {
	case notify.KindIncidentCreated:
		return "Incident opened"
	case notify.KindAlertCorrelated:
		return "Alert correlated"
	case notify.KindEscalation:
		return "Incident escalated"
	case notify.KindRotationChange:
		return "On-call rotation changed"
	case notify.KindOverride:
		return "On-call override"
	default:
		return "Notification"
	}
}

func severityEmoji(kind notify.Kind, severity alert.Severity) string {
	if kind == notify.KindEscalation {
		return "\U0001f6a8" // rotating light
	}
	switch severity {
	case alert.SeverityCritical:
		return "\U0001f534" // red circle
	case alert.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case alert.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
