package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// DiscordChannel posts notifications to a Discord channel via a webhook.
type DiscordChannel struct {
	webhookID    string
	webhookToken string
	session      *discordgo.Session
}

// NewDiscordChannel builds a channel from the {id} and {token} parts of a
// Discord webhook URL of the form https://discord.com/api/webhooks/{id}/{token}.
func NewDiscordChannel(webhookID, webhookToken string) (*DiscordChannel, error) {
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify/discord: new session: %w", err)
	}
	return &DiscordChannel{webhookID: webhookID, webhookToken: webhookToken, session: session}, nil
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Send(ctx context.Context, subject, body string) error {
	content := subject + "\n" + body
	_, err := d.session.WebhookExecute(d.webhookID, d.webhookToken, false, &discordgo.WebhookParams{
		Content: content,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify/discord: webhook execute: %w", err)
	}
	return nil
}

var _ Channel = (*DiscordChannel)(nil)
