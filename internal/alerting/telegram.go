package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	client   *resty.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(timeout)

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		client:   client,
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Name implements Named.
func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify calls sendMessage with the rendered alert text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	if err := n.send(ctx, renderMessage(note)); err != nil {
		return err
	}
	n.logger.Info().Str("event_id", note.EventID).
		Str("section", note.Section).
		Str("price", note.CurrentPrice.StringFixed(2)).
		Msg("alert sent (telegram)")
	return nil
}

func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	res, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"chat_id": n.chatID, "text": text}).
		Post("/bot" + n.botToken + "/sendMessage")
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	// Telegram does not always label its replies as JSON.
	_ = json.Unmarshal(res.Body(), &result)
	if res.IsError() {
		return fmt.Errorf("telegram status %d: %s", res.StatusCode(), result.Description)
	}
	if !result.OK {
		return fmt.Errorf("telegram returned ok=false: %s", result.Description)
	}
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
