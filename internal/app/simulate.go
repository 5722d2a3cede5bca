package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"overbought-alerts/internal/alerting"
	"overbought-alerts/internal/market"
)

// SimulateAlert 通过已配置的告警通道发送一条模拟告警，用于验证通道配置。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	dispatcher := a.newDispatcher()
	if dispatcher.Len() == 0 {
		return errors.New("未配置任何告警通道")
	}

	symbol := strings.ToUpper(strings.TrimSpace(opts.Symbol))
	if symbol == "" {
		return errors.New("--symbol 不能为空")
	}
	tf, err := market.ParseTimeframe(opts.Timeframe)
	if err != nil {
		return err
	}

	var funding *float64
	if rate, ok := a.newClient().GetFundingRate(ctx, symbol); ok {
		funding = &rate
	}

	now := time.Now()
	single := alerting.SingleAlert{
		Symbol:      symbol,
		Timeframe:   tf,
		RSI:         opts.RSI,
		FundingRate: funding,
		Bias:        a.Config.Monitor.Bias,
		At:          now,
	}
	if !dispatcher.SendSingleAlert(ctx, single) {
		return errors.New("模拟告警发送失败")
	}
	a.Logger.Info().Str("symbol", symbol).Str("timeframe", tf.String()).Msg("simulated alert sent")

	if opts.Other == "" {
		return nil
	}
	other, err := market.ParseTimeframe(opts.Other)
	if err != nil {
		return err
	}
	composite := alerting.CompositeAlert{
		Symbol:      symbol,
		Fast:        tf,
		Other:       other,
		FastRSI:     opts.RSI,
		OtherRSI:    opts.OtherRSI,
		FundingRate: funding,
		Bias:        a.Config.Monitor.Bias,
		At:          now,
	}
	if !dispatcher.SendCompositeAlert(ctx, composite) {
		return errors.New("模拟组合告警发送失败")
	}
	a.Logger.Info().Str("symbol", symbol).Str("pair", composite.Pair()).Msg("simulated composite alert sent")
	return nil
}
