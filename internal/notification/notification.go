package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"aster-trading-bot/internal/orders"
)

// Type classifies a notification.
type Type string

const (
	TypeTradeOpen  Type = "trade_open"
	TypeTradeClose Type = "trade_close"
	TypeRiskHalt   Type = "risk_halt"
	TypeError      Type = "error"
)

// Notification is one alert message.
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	PnLBps    float64
	Timestamp time.Time
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled channel.
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

func NewManager() *Manager {
	return &Manager{enabled: true}
}

func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to every enabled notifier, returning the last error.
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}
	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendTradeOpen alerts on a filled entry.
func (m *Manager) SendTradeOpen(symbol, side string, price, quantity, notional float64) error {
	return m.Send(&Notification{
		Type:   TypeTradeOpen,
		Title:  fmt.Sprintf("Trade opened: %s", symbol),
		Message: fmt.Sprintf("%s %s @ %.6f\nQty: %.6f (%.2f USDT)",
			side, symbol, price, quantity, notional),
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
	})
}

// SendTradeClose alerts on a closed trade with its full record.
func (m *Manager) SendTradeClose(rec orders.TradeRecord) error {
	return m.Send(&Notification{
		Type:  TypeTradeClose,
		Title: fmt.Sprintf("Trade closed: %s (%s)", rec.Symbol, rec.CloseReason),
		Message: fmt.Sprintf("%s entry %.6f exit %.6f\nPnL: %.4f USDT (%.1f bps)\nHeld: %s",
			rec.Side, rec.EntryPrice, rec.ExitPrice, rec.PnL, rec.PnLBps,
			rec.ClosedAt.Sub(rec.EnteredAt).Round(time.Second)),
		Symbol:    rec.Symbol,
		Price:     rec.ExitPrice,
		PnL:       rec.PnL,
		PnLBps:    rec.PnLBps,
		Timestamp: rec.ClosedAt,
	})
}

// SendRiskHalt alerts when a risk gate fires.
func (m *Manager) SendRiskHalt(gate, detail string) error {
	return m.Send(&Notification{
		Type:      TypeRiskHalt,
		Title:     fmt.Sprintf("Risk gate: %s", gate),
		Message:   detail,
		Timestamp: time.Now(),
	})
}

// SendError alerts on a component error.
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:      TypeError,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// TelegramNotifier sends alerts through the Telegram bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// DiscordNotifier sends alerts through a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string { return "discord" }

func (d *DiscordNotifier) IsEnabled() bool { return d.enabled }

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x2ECC71
	switch {
	case notification.Type == TypeError || notification.Type == TypeRiskHalt:
		color = 0xE74C3C
	case notification.Type == TypeTradeClose && notification.PnL < 0:
		color = 0xE74C3C
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}
	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.6f", notification.Price), "inline": true,
			})
		}
		if notification.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "PnL", "value": fmt.Sprintf("%.4f (%.1f bps)", notification.PnL, notification.PnLBps), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
