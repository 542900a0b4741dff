package alerts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DiscordNotifier posts alerts as embeds through a Discord webhook.
type DiscordNotifier struct {
	session *discordgo.Session
	id      string
	token   string
}

// NewDiscordNotifier parses a webhook URL of the form
// https://discord.com/api/webhooks/{id}/{token}.
func NewDiscordNotifier(webhookURL string) (*DiscordNotifier, error) {
	id, token, err := ParseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	// webhook execution needs no bot token
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Client = &http.Client{Timeout: 10 * time.Second}
	return &DiscordNotifier{session: s, id: id, token: token}, nil
}

// ParseWebhookURL extracts the webhook id and token.
func ParseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("invalid webhook URL %q", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "webhooks" && i+2 < len(parts) {
			id, token = parts[i+1], parts[i+2]
			break
		}
	}
	if id == "" || token == "" {
		return "", "", fmt.Errorf("webhook URL %q has no id/token", raw)
	}
	return id, token, nil
}

// Notify sends one alert. The context is honoured for cancellation only.
func (n *DiscordNotifier) Notify(ctx context.Context, alert Alert) error {
	params := &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{buildEmbed(alert)}}
	_, err := n.session.WebhookExecute(n.id, n.token, false, params, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

func buildEmbed(alert Alert) *discordgo.MessageEmbed {
	d := getAlertDisplay(alert.Type)
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("%s %s", d.Emoji, d.Title),
		Description: alert.Message,
		Color:       d.Color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Miner", Value: alert.MinerName, Inline: true},
		},
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: "HashLab Alerts"},
	}
}
