package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/web3-frozen/lending-monitor/internal/state"
)

const (
	telegramAPI = "https://api.telegram.org/bot"
	pollBackoff = 5 * time.Second
)

// StatusReporter renders the current dashboard as a short text.
type StatusReporter interface {
	StatusSummary() string
}

// Bot delivers notifications to one chat and answers /status there.
type Bot struct {
	token   string
	chatID  int64
	status  StatusReporter
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	backoff time.Duration
	offset  int64
}

func NewBot(token string, chatID int64, status StatusReporter, logger *slog.Logger) *Bot {
	return &Bot{
		token:   token,
		chatID:  chatID,
		status:  status,
		logger:  logger.With("component", "telegram"),
		client:  &http.Client{Timeout: 40 * time.Second},
		baseURL: telegramAPI,
		backoff: pollBackoff,
	}
}

func (b *Bot) Name() string { return "telegram" }

// Notify sends n to the configured chat.
func (b *Bot) Notify(ctx context.Context, n state.Notification) error {
	icon := "🔔"
	switch n.Kind {
	case "loan":
		icon = "🚨"
	case "borrow":
		icon = "💰"
	case "price":
		icon = "📈"
	}
	return b.SendMessage(ctx, b.chatID, icon+" "+html.EscapeString(n.Message))
}

// SendMessage sends a text message to a Telegram chat.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+b.token+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("telegram API error %d: %s", resp.StatusCode, errResp.Description)
	}
	return nil
}

// Run starts the long-polling loop for incoming Telegram messages.
func (b *Bot) Run(ctx context.Context) {
	b.logger.Info("telegram bot started", "chat_id", b.chatID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			b.poll(ctx)
		}
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

func (b *Bot) poll(ctx context.Context) {
	url := fmt.Sprintf("%s%s/getUpdates?offset=%d&timeout=30", b.baseURL, b.token, b.offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		b.logger.Error("create poll request", "error", err)
		return
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("poll updates", "error", err)
		b.wait(ctx)
		return
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool     `json:"ok"`
		Description string   `json:"description"`
		Result      []update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		b.logger.Error("decode updates", "status", resp.StatusCode, "error", err)
		b.wait(ctx)
		return
	}
	if !result.OK {
		b.logger.Error("poll updates rejected", "status", resp.StatusCode, "description", result.Description)
		b.wait(ctx)
		return
	}
	for _, u := range result.Result {
		b.offset = u.UpdateID + 1
		b.handle(ctx, u)
	}
}

func (b *Bot) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(b.backoff):
	}
}

func (b *Bot) handle(ctx context.Context, u update) {
	if u.Message == nil {
		return
	}
	chatID := u.Message.Chat.ID
	if chatID != b.chatID {
		_ = b.SendMessage(ctx, chatID, "This bot only answers its configured chat.")
		return
	}

	cmd := strings.Fields(strings.TrimSpace(u.Message.Text))
	if len(cmd) == 0 {
		return
	}
	// Commands may carry the bot name: /status@lending_bot
	switch strings.SplitN(cmd[0], "@", 2)[0] {
	case "/status":
		msg := "Nothing monitored yet."
		if b.status != nil {
			if s := b.status.StatusSummary(); s != "" {
				msg = s
			}
		}
		_ = b.SendMessage(ctx, chatID, html.EscapeString(msg))
	case "/start", "/help":
		_ = b.SendMessage(ctx, chatID, "🤖 <b>Lending Monitor Bot</b>\n\n"+
			"Alerts for borrow caps, loan health and token prices arrive here.\n\n"+
			"Commands:\n"+
			"/status — Current sections, LTVs and prices\n"+
			"/help — Show this message")
	default:
		_ = b.SendMessage(ctx, chatID, "Unknown command. Send /help for available commands.")
	}
}
