package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"cryptoAutoTrader/internal/domain"
)

// TelegramSink delivers engine events to a Telegram chat via the Bot API.
type TelegramSink struct {
	token  string
	chatID string
	client *http.Client
}

var _ Sink = (*TelegramSink)(nil)

// NewTelegramSink creates a sink for the given bot token and chat ID.
func NewTelegramSink(token, chatID string) *TelegramSink {
	return &TelegramSink{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the sink identifier.
func (t *TelegramSink) Name() string { return "telegram" }

// Deliver posts the event to the configured chat using sendMessage.
func (t *TelegramSink) Deliver(ctx context.Context, event domain.Event) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       formatEvent(event),
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// formatEvent renders an event as a short Markdown message. Trade events get
// their key numbers inline so the alert is useful without opening a terminal.
func formatEvent(event domain.Event) string {
	title := string(event.Type)
	switch event.Type {
	case domain.EventTradeOpened:
		title = "🟢 Trade Opened"
	case domain.EventTradeClosed:
		if event.Trade != nil && event.Trade.PNL < 0 {
			title = "🔴 Trade Closed"
		} else {
			title = "✅ Trade Closed"
		}
	case domain.EventTradingHalted:
		title = "🛑 Trading Halted"
	case domain.EventCycleError:
		title = "⚠️ Cycle Error"
	case domain.EventSignalGenerated:
		title = "📊 Signal"
	}
	return fmt.Sprintf("*%s*\n%s", title, event.Message)
}
