package sink

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/draftforge/draftforge/client"
)

// SlackChat posts workflow notifications to Slack.
type SlackChat struct {
	api *slack.Client
}

// NewSlackChat creates a notifier from a bot token. Extra options are
// passed through to the Slack client (tests use slack.OptionAPIURL).
func NewSlackChat(token string, opts ...slack.Option) (*SlackChat, error) {
	if token == "" {
		return nil, fmt.Errorf("slack: token cannot be empty")
	}
	return &SlackChat{api: slack.New(token, opts...)}, nil
}

// Post sends text to channel.
func (s *SlackChat) Post(ctx context.Context, channel, text string) error {
	if channel == "" {
		return fmt.Errorf("slack: channel cannot be empty")
	}
	_, _, err := s.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return client.Classify("slack", err)
	}
	return nil
}
