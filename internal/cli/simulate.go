package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"overbought-alerts/internal/app"
)

var (
	simulateSymbol    string
	simulateTimeframe string
	simulateRSI       float64
	simulateOther     string
	simulateOtherRSI  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条模拟 RSI 告警以验证通道",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRSI <= 0 || simulateRSI > 100 {
			return errors.New("--rsi 必须在 (0, 100] 之间")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:    simulateSymbol,
			Timeframe: simulateTimeframe,
			RSI:       simulateRSI,
			Other:     simulateOther,
			OtherRSI:  simulateOtherRSI,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTCUSDT", "合约代码")
	simulateCmd.Flags().StringVar(&simulateTimeframe, "timeframe", "1h", "周期 (1m, 15m, 1h, 4h)")
	simulateCmd.Flags().Float64Var(&simulateRSI, "rsi", 90, "RSI 数值")
	simulateCmd.Flags().StringVar(&simulateOther, "composite-with", "", "同时发送组合告警的慢周期")
	simulateCmd.Flags().Float64Var(&simulateOtherRSI, "composite-rsi", 88, "慢周期 RSI 数值")
}
