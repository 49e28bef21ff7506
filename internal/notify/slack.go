package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackChannel posts announcements to one Slack channel with a bot token.
type SlackChannel struct {
	client    *slack.Client
	channelID string
	logger    *zap.Logger
}

// NewSlackChannel creates a Slack channel. opts are passed to the client,
// e.g. slack.OptionAPIURL for a test server.
func NewSlackChannel(botToken, channelID string, logger *zap.Logger, opts ...slack.Option) *SlackChannel {
	return &SlackChannel{
		client:    slack.New(botToken, opts...),
		channelID: channelID,
		logger:    logger,
	}
}

func (c *SlackChannel) Platform() string { return "slack" }

// Post sends ann as a single message.
func (c *SlackChannel) Post(ctx context.Context, ann *Announcement) error {
	text := fmt.Sprintf("*[%s] %s*\n%s", ann.Kind, ann.Title, ann.Body)
	_, ts, err := c.client.PostMessageContext(ctx, c.channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionUsername("storyloom"),
	)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	c.logger.Debug("slack announcement sent",
		zap.String("channel", c.channelID), zap.String("ts", ts))
	return nil
}

func (c *SlackChannel) Close() error { return nil }
