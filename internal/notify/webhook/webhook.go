// Package webhook hands notifications to the external notification service
// over HTTP.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/oncall/internal/notify"
)

const (
	notifyPath  = "/api/v1/notify"
	httpTimeout = 5 * time.Second
)

type payload struct {
	ID         string `json:"notification_id"`
	Kind       string `json:"kind"`
	Channel    string `json:"channel"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject,omitempty"`
	Message    string `json:"message"`
	Severity   string `json:"severity,omitempty"`
	IncidentID string `json:"incident_id"`
	Team       string `json:"team,omitempty"`
}

// Sink posts notifications to {baseURL}/api/v1/notify.
type Sink struct {
	endpoint string
	token    string
	client   *http.Client
}

// New creates a webhook sink. token, when set, is sent as a bearer token.
func New(baseURL, token string) *Sink {
	return &Sink{
		endpoint: strings.TrimRight(baseURL, "/") + notifyPath,
		token:    token,
		client:   &http.Client{Timeout: httpTimeout},
	}
}

// Name implements notify.Sink.
func (s *Sink) Name() string { return "webhook" }

// Deliver implements notify.Sink. 4xx responses other than 429 are permanent.
func (s *Sink) Deliver(ctx context.Context, r notify.Request) error {
	incidentID := r.IncidentID
	if incidentID == "" {
		incidentID = "N/A"
	}
	body, err := json.Marshal(payload{
		ID:         r.ID,
		Kind:       string(r.Kind),
		Channel:    string(r.Channel),
		Recipient:  r.Recipient,
		Subject:    r.Subject,
		Message:    r.Message,
		Severity:   string(r.Severity),
		IncidentID: incidentID,
		Team:       r.Team,
	})
	if err != nil {
		return notify.Permanent(fmt.Errorf("webhook: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return notify.Permanent(fmt.Errorf("webhook: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if r.ID != "" {
		req.Header.Set("Idempotency-Key", r.ID)
	}

	resp, err := s.client.Do(req) //nolint:gosec // endpoint is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("webhook: notification service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return notify.Permanent(err)
	}
	return err
}
