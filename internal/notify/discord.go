package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordSender is the part of *discordgo.Session the channel uses.
type discordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	Close() error
}

// DiscordChannel posts announcements to one Discord channel over the REST
// API. No gateway connection is opened.
type DiscordChannel struct {
	session   discordSender
	channelID string
	logger    *zap.Logger
}

// NewDiscordChannel creates a Discord channel for a bot token.
func NewDiscordChannel(token, channelID string, logger *zap.Logger) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordChannel{session: session, channelID: channelID, logger: logger}, nil
}

func (c *DiscordChannel) Platform() string { return "discord" }

// Post sends ann as a single message.
func (c *DiscordChannel) Post(ctx context.Context, ann *Announcement) error {
	content := fmt.Sprintf("**[%s] %s**\n%s", ann.Kind, ann.Title, ann.Body)
	msg, err := c.session.ChannelMessageSend(c.channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	c.logger.Debug("discord announcement sent",
		zap.String("channel", c.channelID), zap.String("message", msg.ID))
	return nil
}

// Close shuts down the Discord session.
func (c *DiscordChannel) Close() error {
	return c.session.Close()
}
