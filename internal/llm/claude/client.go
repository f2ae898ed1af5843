// Package claude generates incident titles with the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/oncall/internal/alert"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "claude-haiku-4-5"

	maxTokens   = 64
	maxTitleLen = 120
)

const systemPrompt = `You write incident titles for an on-call dashboard.
Reply with a single line of at most 12 words naming the affected service and the symptom.
No quotes, no trailing punctuation, no severity prefix.`

// ErrEmptyTitle is returned when the model answers without usable text.
var ErrEmptyTitle = errors.New("claude: empty title")

// Client titles incidents from their first alert.
type Client struct {
	sdk   anthropic.Client
	model string
}

// New creates a titler for the given API key and model. Extra request
// options (base URL, HTTP client, retries) are passed through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		sdk:   anthropic.NewClient(all...),
		model: model,
	}
}

// Title asks the model for a short title describing a.
func (c *Client) Title(ctx context.Context, a *alert.Alert) (string, error) {
	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt(a))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude messages: %w", err)
	}
	return titleFrom(msg)
}

func prompt(a *alert.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "service: %s\nseverity: %s\nsource: %s\nmessage: %s\n", a.Service, a.Severity, a.Source, a.Message)
	if len(a.Labels) > 0 {
		keys := make([]string, 0, len(a.Labels))
		for k := range a.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("labels:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s=%s\n", k, a.Labels[k])
		}
	}
	return b.String()
}

func titleFrom(msg *anthropic.Message) (string, error) {
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		t := clean(block.Text)
		if t != "" {
			return t, nil
		}
	}
	return "", ErrEmptyTitle
}

// clean keeps the first line, strips wrapping quotes and caps the length.
func clean(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(strings.TrimSpace(s), "\"'`")
	s = strings.TrimRight(s, ". ")
	if r := []rune(s); len(r) > maxTitleLen {
		s = strings.TrimSpace(string(r[:maxTitleLen]))
	}
	return s
}
