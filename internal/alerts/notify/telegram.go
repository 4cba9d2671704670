package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// TelegramChannel sends notifications through a Telegram bot to one or more chats.
type TelegramChannel struct {
	apiBase string
	token   string
	chatIDs []string
	client  *http.Client
}

// TelegramOption configures the telegram channel.
type TelegramOption func(*TelegramChannel)

// WithTelegramAPIBase points the channel at a different Bot API host.
func WithTelegramAPIBase(base string) TelegramOption {
	return func(ch *TelegramChannel) {
		if base != "" {
			ch.apiBase = strings.TrimRight(base, "/")
		}
	}
}

func WithTelegramHTTPClient(client *http.Client) TelegramOption {
	return func(ch *TelegramChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// NewTelegramChannel constructs a telegram channel. chatIDs is a comma or
// semicolon separated list.
func NewTelegramChannel(token, chatIDs string, opts ...TelegramOption) (*TelegramChannel, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram channel: empty bot token")
	}
	ids := splitChatIDs(chatIDs)
	if len(ids) == 0 {
		return nil, errors.New("telegram channel: no chat ids")
	}
	channel := &TelegramChannel{
		apiBase: defaultTelegramAPI,
		token:   token,
		chatIDs: ids,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

func splitChatIDs(value string) []string {
	var out []string
	for _, id := range strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ';' }) {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Send delivers content to every chat. All chats are attempted; the error
// lists the ones that failed.
func (t *TelegramChannel) Send(ctx context.Context, content string) error {
	if t == nil || t.token == "" {
		return errors.New("telegram channel: not configured")
	}
	var failed []string
	for _, chatID := range t.chatIDs {
		if err := t.sendOne(ctx, chatID, content); err != nil {
			failed = append(failed, fmt.Sprintf("chat %s: %v", chatID, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("telegram channel: %d of %d chats failed: %s", len(failed), len(t.chatIDs), strings.Join(failed, "; "))
	}
	return nil
}

func (t *TelegramChannel) sendOne(ctx context.Context, chatID, content string) error {
	body, err := json.Marshal(telegramMessage{ChatID: chatID, Text: content})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
		return fmt.Errorf("non-2xx response %d", resp.StatusCode)
	}
	return nil
}
