package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	title    string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		title:    "OVEREXHAUSTION ALERT",
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// NotifySingle 推送单周期告警。
func (n *TelegramNotifier) NotifySingle(ctx context.Context, a SingleAlert) error {
	if err := n.send(ctx, "["+n.title+"]\n"+singleDescription(a, false)); err != nil {
		return err
	}
	n.logger.Info().Str("symbol", a.Symbol).Str("timeframe", a.Timeframe.String()).
		Float64("rsi", a.RSI).Msg("alert sent (Telegram)")
	return nil
}

// NotifyComposite 推送多周期告警。
func (n *TelegramNotifier) NotifyComposite(ctx context.Context, a CompositeAlert) error {
	if err := n.send(ctx, "["+n.title+" "+a.Pair()+"]\n"+compositeDescription(a, false)); err != nil {
		return err
	}
	n.logger.Info().Str("symbol", a.Symbol).Str("pair", a.Pair()).Msg("composite alert sent (Telegram)")
	return nil
}

// send 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) send(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":                  n.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
