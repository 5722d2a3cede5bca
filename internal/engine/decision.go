package engine

import (
	"context"

	"overbought-alerts/internal/alerting"
	"overbought-alerts/internal/window"
)

// Decision is the outcome of one evaluation.
type Decision int

const (
	DecisionNoSignal Decision = iota
	DecisionBelow
	DecisionWatch
	DecisionReset
	DecisionSuppressed
	DecisionIlliquid
	DecisionDeliveryFailed
	DecisionAlerted
)

func (d Decision) String() string {
	switch d {
	case DecisionNoSignal:
		return "no_signal"
	case DecisionBelow:
		return "below"
	case DecisionWatch:
		return "watch"
	case DecisionReset:
		return "reset"
	case DecisionSuppressed:
		return "suppressed"
	case DecisionIlliquid:
		return "illiquid"
	case DecisionDeliveryFailed:
		return "delivery_failed"
	case DecisionAlerted:
		return "alerted"
	default:
		return "unknown"
	}
}

// Evaluate runs the single-timeframe decision for key against its current
// window.
func (e *Engine) Evaluate(ctx context.Context, key window.Key) Decision {
	lock := e.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	d := e.evaluate(ctx, key)
	e.metrics.ObserveDecision(key.Timeframe.String(), d.String())
	return d
}

func (e *Engine) evaluate(ctx context.Context, key window.Key) Decision {
	value, ok := e.signal(key)
	if !ok {
		return DecisionNoSignal
	}
	e.metrics.ObserveRSI(key.Timeframe.String(), value)

	log := e.logger.With().Str("symbol", key.Symbol).Str("timeframe", key.Timeframe.String()).
		Float64("rsi", value).Logger()
	threshold, reset := e.cfg.Threshold, e.cfg.resetLevel()

	e.mu.Lock()
	prev, hadPrev := e.last[key]
	e.last[key] = value

	if leg, in := e.composite[key.Symbol]; in && (key.Timeframe == e.cfg.Fast || key.Timeframe == leg) && value < reset {
		delete(e.composite, key.Symbol)
		log.Info().Str("leg", leg.String()).Msg("composite suppression reset")
	}

	suppressed := e.isSuppressedLocked(key)
	if value < threshold {
		if suppressed && value < reset {
			e.releaseLocked(key)
			e.mu.Unlock()
			log.Info().Msg("suppression reset")
			return DecisionReset
		}
		e.mu.Unlock()
		if value >= threshold-e.cfg.WatchMargin {
			log.Debug().Msg("approaching threshold")
			return DecisionWatch
		}
		return DecisionBelow
	}

	if suppressed {
		if !hadPrev || prev >= reset {
			e.mu.Unlock()
			return DecisionSuppressed
		}
		e.releaseLocked(key)
		log.Info().Float64("previous_rsi", prev).Msg("round trip below reset; re-arming")
	}
	e.mu.Unlock()

	if !e.liquid(ctx, key.Symbol) {
		log.Info().Msg("candidate rejected by liquidity gate")
		return DecisionIlliquid
	}

	funding := e.fundingRate(ctx, key.Symbol)
	alert := alerting.SingleAlert{
		Symbol:      key.Symbol,
		Timeframe:   key.Timeframe,
		RSI:         value,
		FundingRate: funding,
		Bias:        e.cfg.Bias,
		At:          e.now(),
	}
	if !e.sink.SendSingleAlert(ctx, alert) {
		log.Warn().Msg("alert delivery failed; will retry on next qualifying update")
		return DecisionDeliveryFailed
	}

	e.mu.Lock()
	e.suppressLocked(key)
	e.mu.Unlock()
	e.metrics.AlertDelivered("single")
	log.Info().Msg("alert delivered")

	e.record(key, value, funding)

	cd := e.EvaluateComposite(ctx, key.Symbol)
	log.Debug().Str("composite", cd.String()).Msg("composite check")
	return DecisionAlerted
}

func (e *Engine) record(key window.Key, value float64, funding *float64) {
	if e.recorder == nil {
		return
	}
	entry, ok := e.windows.LastClose(key)
	if !ok {
		return
	}
	if _, err := e.recorder.Record(key.Symbol, value, key.Timeframe.String(), entry, funding); err != nil {
		e.logger.Warn().Err(err).Str("symbol", key.Symbol).Msg("alert not recorded")
	}
}

// EvaluateComposite runs the multi-timeframe decision for symbol. The fast
// timeframe must be at or above the threshold together with the first slower
// timeframe in priority order that is.
func (e *Engine) EvaluateComposite(ctx context.Context, symbol string) Decision {
	lock := e.keyLock(compositeKey(symbol))
	lock.Lock()
	defer lock.Unlock()

	d := e.evaluateComposite(ctx, symbol)
	e.metrics.ObserveDecision("composite", d.String())
	return d
}

func (e *Engine) evaluateComposite(ctx context.Context, symbol string) Decision {
	threshold, reset := e.cfg.Threshold, e.cfg.resetLevel()

	fast, ok := e.signal(window.Key{Symbol: symbol, Timeframe: e.cfg.Fast})
	if !ok {
		return DecisionNoSignal
	}

	e.mu.Lock()
	if leg, in := e.composite[symbol]; in {
		other, otherOK := e.signal(window.Key{Symbol: symbol, Timeframe: leg})
		if fast < reset || (otherOK && other < reset) {
			delete(e.composite, symbol)
			e.mu.Unlock()
			e.logger.Info().Str("symbol", symbol).Str("leg", leg.String()).Msg("composite suppression reset")
			return DecisionReset
		}
		e.mu.Unlock()
		return DecisionSuppressed
	}
	e.mu.Unlock()

	if fast < threshold {
		return DecisionBelow
	}

	var (
		pair     = e.cfg.Fast
		otherRSI float64
		found    bool
	)
	for _, tf := range e.cfg.CompositePriority {
		if tf == e.cfg.Fast {
			continue
		}
		if v, ok := e.signal(window.Key{Symbol: symbol, Timeframe: tf}); ok && v >= threshold {
			pair, otherRSI, found = tf, v, true
			break
		}
	}
	if !found {
		return DecisionBelow
	}

	alert := alerting.CompositeAlert{
		Symbol:      symbol,
		Fast:        e.cfg.Fast,
		Other:       pair,
		FastRSI:     fast,
		OtherRSI:    otherRSI,
		FundingRate: e.fundingRate(ctx, symbol),
		Bias:        e.cfg.Bias,
		At:          e.now(),
	}
	if !e.sink.SendCompositeAlert(ctx, alert) {
		e.logger.Warn().Str("symbol", symbol).Str("pair", alert.Pair()).Msg("composite delivery failed")
		return DecisionDeliveryFailed
	}

	e.mu.Lock()
	e.composite[symbol] = pair
	e.mu.Unlock()
	e.metrics.AlertDelivered("composite")
	e.logger.Info().Str("symbol", symbol).Str("pair", alert.Pair()).
		Float64("rsi_fast", fast).Float64("rsi_other", otherRSI).Msg("composite alert delivered")
	return DecisionAlerted
}
