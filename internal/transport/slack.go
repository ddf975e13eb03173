package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/patternd/internal/executor"
	"github.com/slack-go/slack"
)

// SlackEscalator posts escalations and suggestions to an operator channel.
type SlackEscalator struct {
	api     *slack.Client
	channel string
}

// SlackOption configures a SlackEscalator.
type SlackOption func(*slackOptions)

type slackOptions struct {
	apiURL string
	client *http.Client
}

// WithSlackAPIURL points the client at a different API base, used in tests.
func WithSlackAPIURL(base string) SlackOption {
	return func(o *slackOptions) { o.apiURL = base }
}

// WithSlackHTTPClient sets the HTTP client used for API calls.
func WithSlackHTTPClient(c *http.Client) SlackOption {
	return func(o *slackOptions) { o.client = c }
}

// NewSlackEscalator creates a SlackEscalator posting to channel.
func NewSlackEscalator(token, channel string, opts ...SlackOption) (*SlackEscalator, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("slack token is required")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, fmt.Errorf("slack channel is required")
	}
	o := slackOptions{apiURL: "https://slack.com/api", client: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	base := strings.TrimRight(o.apiURL, "/") + "/"
	api := slack.New(token, slack.OptionHTTPClient(o.client), slack.OptionAPIURL(base))
	return &SlackEscalator{api: api, channel: channel}, nil
}

// Escalate posts a hand-off notice.
func (s *SlackEscalator) Escalate(ctx context.Context, e executor.Escalation) error {
	return s.post(ctx, FormatEscalation(e))
}

// Suggest posts a suggested reply for operator review.
func (s *SlackEscalator) Suggest(ctx context.Context, sg executor.Suggestion) error {
	return s.post(ctx, FormatSuggestion(sg))
}

func (s *SlackEscalator) post(ctx context.Context, text string) error {
	if _, _, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	return nil
}

// FormatEscalation renders an escalation as operator-facing text.
func FormatEscalation(e executor.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: Conversation %s needs a human (%s)", e.ConversationID, e.Reason)
	if e.CustomerText != "" {
		fmt.Fprintf(&b, "\n> %s", e.CustomerText)
	}
	if e.PatternID != "" {
		fmt.Fprintf(&b, "\npattern %s at %.2f", e.PatternID, e.Confidence)
	}
	return b.String()
}

// FormatSuggestion renders a suggestion as operator-facing text.
func FormatSuggestion(sg executor.Suggestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":bulb: Suggested reply for %s (%.2f, %s)", sg.ConversationID, sg.Confidence, sg.Reason)
	if sg.CustomerText != "" {
		fmt.Fprintf(&b, "\n> %s", sg.CustomerText)
	}
	if sg.Text != "" {
		fmt.Fprintf(&b, "\n%s", sg.Text)
	}
	if sg.Action != nil && sg.Action.Type != "" {
		fmt.Fprintf(&b, "\naction: %s", executor.Describe(*sg.Action))
	}
	return b.String()
}
