package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.bybit.com"

	instrumentsPath = "/v5/market/instruments-info"
	klinePath       = "/v5/market/kline"
	tickersPath     = "/v5/market/tickers"
	fundingPath     = "/v5/market/funding/history"
)

// retCodes the exchange uses for throttling.
var rateLimitCodes = map[int]bool{10006: true, 10018: true}

// ClientOptions parameterise the Bybit REST client.
type ClientOptions struct {
	BaseURL           string
	Category          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             RetryPolicy
	UserAgent         string
}

// Client talks to the Bybit v5 public market endpoints.
type Client struct {
	opts    ClientOptions
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// APIError is a non-zero retCode that is not a throttling signal.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit api error (%d): %s", e.Code, e.Message)
}

// NewClient constructs a REST client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Category == "" {
		opts.Category = "linear"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		opts:    opts,
		baseURL: baseURL,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:  logger.With().Str("component", "bybit_client").Logger(),
	}
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// get performs one rate-limited GET and decodes the result object into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, body)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if rateLimitCodes[env.RetCode] || strings.Contains(strings.ToLower(env.RetMsg), "rate limit") {
		return fmt.Errorf("%w: %s", ErrRateLimited, env.RetMsg)
	}
	if env.RetCode != 0 {
		return &APIError{Code: env.RetCode, Message: env.RetMsg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func parseHTTPError(status int, payload []byte) error {
	msg := strings.TrimSpace(string(payload))
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusForbidden:
		return fmt.Errorf("%w: http %d %s", ErrRateLimited, status, msg)
	case status >= 500:
		return fmt.Errorf("%w: http %d %s", ErrTransient, status, msg)
	case msg != "":
		return fmt.Errorf("bybit http error (%d): %s", status, msg)
	default:
		return fmt.Errorf("bybit http error (%d)", status)
	}
}

// ListSymbols pages through instruments-info and returns every trading symbol.
func (c *Client) ListSymbols(ctx context.Context, category string) ([]string, error) {
	if category == "" {
		category = c.opts.Category
	}

	var (
		symbols []string
		cursor  string
	)
	for {
		params := url.Values{"category": {category}, "limit": {"1000"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var res struct {
			List []struct {
				Symbol string `json:"symbol"`
				Status string `json:"status"`
			} `json:"list"`
			NextPageCursor string `json:"nextPageCursor"`
		}
		err := c.opts.Retry.Do(ctx, func() error {
			return c.get(ctx, instrumentsPath, params, &res)
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("list instruments: %w", err)
		}

		for _, item := range res.List {
			sym := strings.TrimSpace(item.Symbol)
			if sym == "" {
				continue
			}
			if item.Status != "" && item.Status != "Trading" {
				continue
			}
			symbols = append(symbols, sym)
		}

		if res.NextPageCursor == "" || res.NextPageCursor == cursor || len(res.List) == 0 {
			break
		}
		cursor = res.NextPageCursor
	}
	return symbols, nil
}

// GetCandles returns up to limit candles ordered oldest to newest. Retryable
// failures are retried per the client's policy; an empty slice is returned
// when data cannot be fetched.
func (c *Client) GetCandles(ctx context.Context, symbol string, tf Timeframe, limit int) []Candle {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" || tf.Interval() == "" {
		return nil
	}
	if limit <= 0 {
		limit = 200
	}

	params := url.Values{
		"category": {c.opts.Category},
		"symbol":   {symbol},
		"interval": {tf.Interval()},
		"limit":    {strconv.Itoa(limit)},
	}

	var res struct {
		List [][]string `json:"list"`
	}
	err := c.opts.Retry.Do(ctx, func() error {
		return c.get(ctx, klinePath, params, &res)
	}, func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Str("symbol", symbol).Str("timeframe", tf.String()).
			Dur("wait", wait).Msg("retrying kline request")
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Str("symbol", symbol).Str("timeframe", tf.String()).Msg("failed to fetch klines")
		}
		return nil
	}

	candles := make([]Candle, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		candle, err := parseKlineRow(res.List[i])
		if err != nil {
			c.logger.Debug().Err(err).Str("symbol", symbol).Msg("skipping malformed kline row")
			continue
		}
		candles = append(candles, candle)
	}
	return candles
}

func parseKlineRow(row []string) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("parse start: %w", err)
	}
	vals := make([]float64, 6)
	for i := 1; i < len(row) && i <= 6; i++ {
		v, err := strconv.ParseFloat(row[i], 64)
		if err != nil {
			return Candle{}, fmt.Errorf("parse field %d: %w", i, err)
		}
		vals[i-1] = v
	}
	return Candle{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Turnover:  vals[5],
	}, nil
}

type tickerRow struct {
	Symbol            string `json:"symbol"`
	LastPrice         string `json:"lastPrice"`
	Turnover24h       string `json:"turnover24h"`
	OpenInterestValue string `json:"openInterestValue"`
	FundingRate       string `json:"fundingRate"`
}

func (r tickerRow) ticker() Ticker {
	return Ticker{
		Symbol:       r.Symbol,
		LastPrice:    parseFloatOrZero(r.LastPrice),
		Turnover24h:  parseFloatOrZero(r.Turnover24h),
		OpenInterest: parseFloatOrZero(r.OpenInterestValue),
		FundingRate:  parseFloatOrZero(r.FundingRate),
	}
}

// GetTicker fetches a single ticker snapshot.
func (c *Client) GetTicker(ctx context.Context, symbol string) (Ticker, bool) {
	var res struct {
		List []tickerRow `json:"list"`
	}
	params := url.Values{"category": {c.opts.Category}, "symbol": {symbol}}
	if err := c.get(ctx, tickersPath, params, &res); err != nil {
		c.logger.Debug().Err(err).Str("symbol", symbol).Msg("ticker unavailable")
		return Ticker{}, false
	}
	if len(res.List) == 0 {
		return Ticker{}, false
	}
	return res.List[0].ticker(), true
}

// AllTickers fetches every ticker in the configured category keyed by symbol.
func (c *Client) AllTickers(ctx context.Context) (map[string]Ticker, error) {
	var res struct {
		List []tickerRow `json:"list"`
	}
	params := url.Values{"category": {c.opts.Category}}
	err := c.opts.Retry.Do(ctx, func() error {
		return c.get(ctx, tickersPath, params, &res)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("list tickers: %w", err)
	}
	out := make(map[string]Ticker, len(res.List))
	for _, row := range res.List {
		out[row.Symbol] = row.ticker()
	}
	return out, nil
}

// GetVolume24h returns 24h turnover in quote currency.
func (c *Client) GetVolume24h(ctx context.Context, symbol string) (float64, bool) {
	t, ok := c.GetTicker(ctx, symbol)
	if !ok {
		return 0, false
	}
	return t.Turnover24h, true
}

// GetOpenInterest returns open interest value in quote currency.
func (c *Client) GetOpenInterest(ctx context.Context, symbol string) (float64, bool) {
	t, ok := c.GetTicker(ctx, symbol)
	if !ok {
		return 0, false
	}
	return t.OpenInterest, true
}

// GetLastPrice returns the last traded price.
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (float64, bool) {
	t, ok := c.GetTicker(ctx, symbol)
	if !ok || t.LastPrice <= 0 {
		return 0, false
	}
	return t.LastPrice, true
}

// GetFundingRate returns the most recent settled funding rate.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (float64, bool) {
	var res struct {
		List []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	params := url.Values{"category": {c.opts.Category}, "symbol": {symbol}, "limit": {"1"}}
	if err := c.get(ctx, fundingPath, params, &res); err != nil {
		c.logger.Debug().Err(err).Str("symbol", symbol).Msg("funding rate unavailable")
		return 0, false
	}
	if len(res.List) == 0 {
		return 0, false
	}
	rate, err := strconv.ParseFloat(res.List[0].FundingRate, 64)
	if err != nil {
		return 0, false
	}
	return rate, true
}

func parseFloatOrZero(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

var _ Feed = (*Client)(nil)
