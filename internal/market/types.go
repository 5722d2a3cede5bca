package market

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Candle is one OHLCV bar keyed by its period-open time in epoch milliseconds.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Turnover  float64 `json:"turnover"`
}

// Time returns the candle's period-open time in UTC.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Timestamp).UTC()
}

// Timeframe is a candle aggregation period.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
)

var timeframeSpecs = map[Timeframe]struct {
	interval string
	duration time.Duration
}{
	TF1m:  {"1", time.Minute},
	TF15m: {"15", 15 * time.Minute},
	TF1h:  {"60", time.Hour},
	TF4h:  {"240", 4 * time.Hour},
}

// ParseTimeframe validates a configured timeframe label such as "15m".
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := timeframeSpecs[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// ParseTimeframes parses an ordered list of labels.
func ParseTimeframes(labels []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(labels))
	for _, label := range labels {
		tf, err := ParseTimeframe(label)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

// timeframeForInterval maps an exchange interval code back to a Timeframe.
func timeframeForInterval(interval string) (Timeframe, bool) {
	for tf, spec := range timeframeSpecs {
		if spec.interval == interval {
			return tf, true
		}
	}
	return "", false
}

// Interval returns the exchange interval code ("1", "15", "60", "240").
func (tf Timeframe) Interval() string {
	return timeframeSpecs[tf].interval
}

// Duration returns the length of one period.
func (tf Timeframe) Duration() time.Duration {
	return timeframeSpecs[tf].duration
}

func (tf Timeframe) String() string { return string(tf) }

// Ticker is a 24h snapshot for one linear contract.
type Ticker struct {
	Symbol       string
	LastPrice    float64
	Turnover24h  float64
	OpenInterest float64
	FundingRate  float64
}

// Feed is the request/response half of the market data collaborator.
// Metric getters report ok=false when the value is unavailable.
type Feed interface {
	ListSymbols(ctx context.Context, category string) ([]string, error)
	GetCandles(ctx context.Context, symbol string, tf Timeframe, limit int) []Candle
	GetFundingRate(ctx context.Context, symbol string) (float64, bool)
	GetVolume24h(ctx context.Context, symbol string) (float64, bool)
	GetOpenInterest(ctx context.Context, symbol string) (float64, bool)
	GetLastPrice(ctx context.Context, symbol string) (float64, bool)
}
