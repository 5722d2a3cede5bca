// Package rsi computes the relative strength index with Wilder's smoothing.
package rsi

import "overbought-alerts/internal/numeric"

// DefaultPeriod is the conventional RSI lookback.
const DefaultPeriod = 14

// Calculate returns the RSI of closes rounded to two decimals. The second
// return value is false when fewer than period+1 prices are available.
func Calculate(closes []float64, period int) (float64, bool) {
	if period < 1 || len(closes) < period+1 {
		return 0, false
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain += gain
		avgLoss += loss
	}
	n := float64(period)
	avgGain /= n
	avgLoss /= n

	for i := period + 1; i < len(closes); i++ {
		gain, loss := split(closes[i] - closes[i-1])
		avgGain = (avgGain*(n-1) + gain) / n
		avgLoss = (avgLoss*(n-1) + loss) / n
	}

	switch {
	case avgLoss == 0 && avgGain == 0:
		// no movement at all: neutral
		return 50, true
	case avgLoss == 0:
		return 100, true
	}

	rs := avgGain / avgLoss
	return numeric.Round(100-100/(1+rs), 2), true
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}
