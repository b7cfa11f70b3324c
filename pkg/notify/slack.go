package notify

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"
)

// severityEmoji mirrors Notifier._format_slack_message's severity prefix.
var severityEmoji = map[Severity]string{
	SeverityInfo:     ":information_source:",
	SeverityWarning:  ":warning:",
	SeverityError:    ":x:",
	SeverityCritical: ":rotating_light:",
}

// SlackSink delivers notifications to a single Slack channel via a bot
// token (spec §9 "Notification sink", channel slack).
type SlackSink struct {
	client    *slack.Client
	channelID string
	logger    logr.Logger
}

// SlackOption configures a SlackSink at construction.
type SlackOption func(*SlackSink)

func WithSlackLogger(logger logr.Logger) SlackOption { return func(s *SlackSink) { s.logger = logger } }

// NewSlackSink builds a SlackSink posting to channelID with token.
func NewSlackSink(token, channelID string, opts ...SlackOption) *SlackSink {
	s := &SlackSink{
		client:    slack.New(token),
		channelID: channelID,
		logger:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SlackSink) Channel() Channel { return ChannelSlack }

func (s *SlackSink) Deliver(ctx context.Context, title, message string, severity Severity, metadata map[string]any) error {
	text := fmt.Sprintf("%s *%s*\n%s", severityEmoji[severity], title, message)
	for k, v := range metadata {
		text += fmt.Sprintf("\n- %s: %v", k, v)
	}

	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Error(err, "slack delivery failed", "channel", s.channelID, "title", title)
		return &RetryableError{Channel: ChannelSlack, Cause: err}
	}
	return nil
}
