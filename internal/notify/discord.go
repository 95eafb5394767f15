package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/yairfalse/vahti/types"
)

// discordSender is the part of *discordgo.Session the notifier uses.
type discordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts violations to a Discord channel over the REST API.
// It never opens a gateway connection.
type DiscordNotifier struct {
	session   discordSender
	closer    func() error
	channelID string
}

// NewDiscordNotifier creates a notifier using a bot token.
func NewDiscordNotifier(token, channelID string) (*DiscordNotifier, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{session: dg, closer: dg.Close, channelID: channelID}, nil
}

// Notify sends the violation.
func (d *DiscordNotifier) Notify(ctx context.Context, v types.Violation) error {
	_, err := d.session.ChannelMessageSend(d.channelID, formatMessage(v, ""), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close releases the session.
func (d *DiscordNotifier) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}
