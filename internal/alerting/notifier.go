package alerting

import (
	"context"
	"time"

	"overbought-alerts/internal/market"
)

// SingleAlert is one timeframe crossing the trigger threshold.
type SingleAlert struct {
	Symbol      string
	Timeframe   market.Timeframe
	RSI         float64
	FundingRate *float64
	Bias        string
	At          time.Time
}

// CompositeAlert is the fast timeframe and one slower timeframe both at an
// extreme.
type CompositeAlert struct {
	Symbol      string
	Fast        market.Timeframe
	Other       market.Timeframe
	FastRSI     float64
	OtherRSI    float64
	FundingRate *float64
	Bias        string
	At          time.Time
}

// Pair returns the composite label, slower leg first ("4h+1m").
func (c CompositeAlert) Pair() string {
	return c.Other.String() + "+" + c.Fast.String()
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Name() string
	NotifySingle(ctx context.Context, alert SingleAlert) error
	NotifyComposite(ctx context.Context, alert CompositeAlert) error
}
