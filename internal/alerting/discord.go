package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"overbought-alerts/internal/market"
)

// Embed colours.
const (
	colorRed       = 16711680
	colorYellow    = 16776960
	colorPink      = 16711935
	colorViolet    = 8388736
	colorComposite = 65280
)

// DiscordOptions configure the webhook notifier.
type DiscordOptions struct {
	WebhookURL string
	Username   string
	Title      string
	Brand      string
	Location   *time.Location
	Timeout    time.Duration
	Now        func() time.Time
}

// DiscordNotifier posts one embed per alert to a Discord webhook.
type DiscordNotifier struct {
	opts   DiscordOptions
	client *http.Client
	logger zerolog.Logger
}

// NewDiscordNotifier constructs a webhook notifier.
func NewDiscordNotifier(opts DiscordOptions, logger zerolog.Logger) *DiscordNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Username == "" {
		opts.Username = "OVERBOUGHT FUTURES BOT"
	}
	if opts.Title == "" {
		opts.Title = "OVEREXHAUSTION ALERT"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DiscordNotifier{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "alert_discord").Logger(),
	}
}

func (n *DiscordNotifier) Name() string { return "discord" }

type discordEmbed struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Footer      discordFooter `json:"footer"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

func timeframeColor(tf market.Timeframe) int {
	switch tf {
	case market.TF1h:
		return colorYellow
	case market.TF15m:
		return colorPink
	case market.TF1m:
		return colorViolet
	default:
		return colorRed
	}
}

func (n *DiscordNotifier) footer() string {
	ts := "Today at " + n.opts.Now().In(n.opts.Location).Format("3:04 PM")
	if n.opts.Brand == "" {
		return ts
	}
	return "Powered by " + n.opts.Brand + " • " + ts
}

// NotifySingle posts a single-timeframe embed.
func (n *DiscordNotifier) NotifySingle(ctx context.Context, a SingleAlert) error {
	embed := discordEmbed{
		Title:       n.opts.Title,
		Description: singleDescription(a, true),
		Color:       timeframeColor(a.Timeframe),
		Footer:      discordFooter{Text: n.footer()},
	}
	if err := n.post(ctx, embed); err != nil {
		return err
	}
	n.logger.Info().Str("symbol", a.Symbol).Str("timeframe", a.Timeframe.String()).
		Float64("rsi", a.RSI).Msg("alert sent (Discord)")
	return nil
}

// NotifyComposite posts a multi-timeframe embed.
func (n *DiscordNotifier) NotifyComposite(ctx context.Context, a CompositeAlert) error {
	embed := discordEmbed{
		Title:       n.opts.Title,
		Description: compositeDescription(a, true),
		Color:       colorComposite,
		Footer:      discordFooter{Text: n.footer()},
	}
	if err := n.post(ctx, embed); err != nil {
		return err
	}
	n.logger.Info().Str("symbol", a.Symbol).Str("pair", a.Pair()).Msg("composite alert sent (Discord)")
	return nil
}

func (n *DiscordNotifier) post(ctx context.Context, embed discordEmbed) error {
	body, err := json.Marshal(discordPayload{Username: n.opts.Username, Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.opts.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

var _ Notifier = (*DiscordNotifier)(nil)
