package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	colorGreen = 0x2ecc71
	colorRed   = 0xe74c3c
	colorBlue  = 0x3498db
)

// DiscordSender posts notifications to a Discord webhook.
type DiscordSender struct {
	session *discordgo.Session
	id      string
	token   string
}

// NewDiscordSender parses a webhook URL of the form .../api/webhooks/<id>/<token>.
func NewDiscordSender(webhookURL string, timeout time.Duration) (*DiscordSender, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		s.Client.Timeout = timeout
	}
	return &DiscordSender{session: s, id: id, token: token}, nil
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("invalid webhook url: missing webhooks/<id>/<token>")
}

func (s *DiscordSender) Name() string { return "discord" }

func (s *DiscordSender) Send(ctx context.Context, msg Message) error {
	_, err := s.session.WebhookExecute(s.id, s.token, false, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embedFor(msg)},
	}, discordgo.WithContext(ctx))
	return err
}

func embedFor(msg Message) *discordgo.MessageEmbed {
	color := colorBlue
	if msg.FinalPnl != nil {
		color = colorGreen
		if *msg.FinalPnl < 0 {
			color = colorRed
		}
	}
	fields := []*discordgo.MessageEmbedField{
		{Name: "Entry", Value: fmt.Sprintf("%.4f", msg.EntryPrice), Inline: true},
		{Name: "Qty", Value: fmt.Sprintf("%.6f", msg.Qty), Inline: true},
		{Name: "Leverage", Value: fmt.Sprintf("%dx", msg.Leverage), Inline: true},
	}
	if msg.Action == ActionOpen {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Stop", Value: fmt.Sprintf("%.4f", msg.StopPrice), Inline: true})
	}
	if msg.FinalPnl != nil {
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "PnL", Value: fmt.Sprintf("%.4f", *msg.FinalPnl), Inline: true},
			&discordgo.MessageEmbedField{Name: "Closed by", Value: string(msg.ClosedBy), Inline: true},
		)
	}
	embed := &discordgo.MessageEmbed{
		Title:  msg.Title(),
		Color:  color,
		Fields: fields,
	}
	if !msg.Time.IsZero() {
		embed.Timestamp = msg.Time.UTC().Format(time.RFC3339)
	}
	return embed
}
