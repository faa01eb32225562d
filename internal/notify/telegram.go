package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts messages through the Telegram Bot API.
type TelegramSender struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramSender builds a sender. Sending is a no-op without token or chat id.
func NewTelegramSender(botToken, chatID string) *TelegramSender {
	return &TelegramSender{
		apiBase:  telegramAPI,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramSender) Send(ctx context.Context, text string) error {
	if t.botToken == "" || t.chatID == "" || strings.TrimSpace(text) == "" {
		return nil
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)

	raw, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram sendMessage: status %d", resp.StatusCode)
	}
	return nil
}
