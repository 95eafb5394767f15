package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/yairfalse/vahti/types"
)

// slackPoster is the part of *slack.Client the notifier uses.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts violations to a Slack channel.
type SlackNotifier struct {
	api     slackPoster
	channel string
}

// NewSlackNotifier creates a notifier using a bot token.
func NewSlackNotifier(token, channel string, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{api: slack.New(token, opts...), channel: channel}
}

// Notify posts the violation.
func (s *SlackNotifier) Notify(ctx context.Context, v types.Violation) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(formatMessage(v, ":shield:"), false),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *SlackNotifier) Close() error { return nil }

func formatMessage(v types.Violation, prefix string) string {
	if prefix == "" {
		return v.Summary()
	}
	return prefix + " " + v.Summary()
}
