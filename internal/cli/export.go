package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"overbought-alerts/internal/app"
	"overbought-alerts/internal/market"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportSymbol    string
	exportTimeframe string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the alert log as CSV and/or an excursion chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Symbol:    strings.ToUpper(strings.TrimSpace(exportSymbol)),
		}

		if exportTimeframe != "" {
			tf, err := market.ParseTimeframe(exportTimeframe)
			if err != nil {
				return fmt.Errorf("invalid --timeframe value: %w", err)
			}
			opts.Timeframe = tf.String()
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum alerts to export (defaults to config)")
	exportCmd.Flags().StringVar(&exportSymbol, "symbol", "", "Only export alerts for this symbol")
	exportCmd.Flags().StringVar(&exportTimeframe, "timeframe", "", "Only export alerts on this timeframe")
}
