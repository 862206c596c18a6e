// Package alerts pushes operator notifications over the Telegram bot API.
// When no token is configured every send is a silent no-op.
package alerts

import (
	"context"

	"github.com/go-resty/resty/v2"
	"github.com/ksred/fleet-api/internal/config"
	"github.com/rs/zerolog/log"
)

// Notifier sends operator alerts. Safe for concurrent use.
type Notifier struct {
	http   *resty.Client
	token  string
	chatID string
}

// NewNotifier creates a notifier from config. An empty token disables it.
func NewNotifier(cfg config.TelegramConfig) *Notifier {
	return &Notifier{
		http:   resty.New().SetBaseURL("https://api.telegram.org"),
		token:  cfg.Token,
		chatID: cfg.ChatID,
	}
}

// Send delivers one message. Delivery failures are logged, never returned:
// an alert must not fail the operation it reports on.
func (n *Notifier) Send(ctx context.Context, text string) {
	if n == nil || n.token == "" {
		return
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"chat_id": n.chatID, "text": text}).
		Post("/bot" + n.token + "/sendMessage")
	if err != nil {
		log.Warn().Err(err).Msg("telegram alert failed")
		return
	}
	if resp.IsError() {
		log.Warn().Int("status", resp.StatusCode()).Msg("telegram alert rejected")
	}
}
