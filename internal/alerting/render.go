package alerting

import (
	"fmt"
	"strings"

	"overbought-alerts/internal/market"
	"overbought-alerts/internal/numeric"
)

const disclaimer = "These alerts are informational only and not profit guarantees or financial advice. Always DYOR before entering any trade!"

// FormatFunding renders a funding rate as a 4-decimal percentage or N/A.
func FormatFunding(rate *float64) string {
	if rate == nil {
		return "N/A"
	}
	return numeric.Percent(*rate, 4)
}

// chartInterval is the interval parameter used by the chart links.
func chartInterval(tf market.Timeframe) string {
	switch tf {
	case market.TF4h:
		return "4H"
	case market.TF1h:
		return "1H"
	case market.TF15m:
		return "15"
	case market.TF1m:
		return "1"
	default:
		return "4H"
	}
}

func timeframeLabel(tf market.Timeframe) string {
	return strings.ToUpper(tf.String())
}

type links struct {
	Bybit       string
	TradingView string
	Mexc        string
}

func tradeLinks(symbol string, tf market.Timeframe) links {
	interval := chartInterval(tf)
	return links{
		Bybit:       fmt.Sprintf("https://www.bybit.com/trade/usdt/%s?interval=%s", symbol, interval),
		TradingView: fmt.Sprintf("https://www.tradingview.com/chart/?symbol=BYBIT:%s.P&interval=%s", symbol, interval),
		Mexc:        fmt.Sprintf("https://www.mexc.com/exchange/%s_USDT?interval=%s", symbol, interval),
	}
}

func singleDescription(a SingleAlert, markdown bool) string {
	l := tradeLinks(a.Symbol, a.Timeframe)
	var b strings.Builder
	if markdown {
		b.WriteString(fmt.Sprintf("**Symbol:** [%s](%s)\n", a.Symbol, l.Bybit))
		b.WriteString(fmt.Sprintf("**Timeframe:** %s\n", a.Timeframe))
		b.WriteString(fmt.Sprintf("**RSI:** %s (TF%s)\n", numeric.Fixed(a.RSI, 2), timeframeLabel(a.Timeframe)))
		b.WriteString(fmt.Sprintf("**Funding Rate:** %s\n", FormatFunding(a.FundingRate)))
		b.WriteString(fmt.Sprintf("**Bias:** %s\n\n", a.Bias))
		b.WriteString(fmt.Sprintf("**Trade on:** [Tradingview](%s) | [Bybit](%s) | [Mexc](%s)\n\n", l.TradingView, l.Bybit, l.Mexc))
	} else {
		b.WriteString(fmt.Sprintf("Symbol: %s\n", a.Symbol))
		b.WriteString(fmt.Sprintf("Timeframe: %s\n", a.Timeframe))
		b.WriteString(fmt.Sprintf("RSI: %s (TF%s)\n", numeric.Fixed(a.RSI, 2), timeframeLabel(a.Timeframe)))
		b.WriteString(fmt.Sprintf("Funding Rate: %s\n", FormatFunding(a.FundingRate)))
		b.WriteString(fmt.Sprintf("Bias: %s\n\n", a.Bias))
		b.WriteString(fmt.Sprintf("Bybit: %s\nTradingView: %s\nMEXC: %s\n\n", l.Bybit, l.TradingView, l.Mexc))
	}
	b.WriteString(disclaimer)
	return b.String()
}

func compositeDescription(a CompositeAlert, markdown bool) string {
	l := tradeLinks(a.Symbol, a.Fast)
	other, fast := timeframeLabel(a.Other), timeframeLabel(a.Fast)
	var b strings.Builder
	if markdown {
		b.WriteString(fmt.Sprintf("**Symbol:** [%s](%s)\n", a.Symbol, l.Bybit))
		b.WriteString(fmt.Sprintf("**Timeframes:** %s + %s\n", other, fast))
		b.WriteString(fmt.Sprintf("**RSI %s:** %s | **RSI %s:** %s\n", other, numeric.Fixed(a.OtherRSI, 2), fast, numeric.Fixed(a.FastRSI, 2)))
		b.WriteString(fmt.Sprintf("**Funding Rate:** %s\n", FormatFunding(a.FundingRate)))
		b.WriteString(fmt.Sprintf("**Bias:** %s\n\n", a.Bias))
		b.WriteString(fmt.Sprintf("**Trade on:** [Tradingview](%s) | [Bybit](%s) | [Mexc](%s)\n\n", l.TradingView, l.Bybit, l.Mexc))
	} else {
		b.WriteString(fmt.Sprintf("Symbol: %s\n", a.Symbol))
		b.WriteString(fmt.Sprintf("Timeframes: %s + %s\n", other, fast))
		b.WriteString(fmt.Sprintf("RSI %s: %s | RSI %s: %s\n", other, numeric.Fixed(a.OtherRSI, 2), fast, numeric.Fixed(a.FastRSI, 2)))
		b.WriteString(fmt.Sprintf("Funding Rate: %s\n", FormatFunding(a.FundingRate)))
		b.WriteString(fmt.Sprintf("Bias: %s\n\n", a.Bias))
		b.WriteString(fmt.Sprintf("Bybit: %s\nTradingView: %s\nMEXC: %s\n\n", l.Bybit, l.TradingView, l.Mexc))
	}
	b.WriteString(disclaimer)
	return b.String()
}
