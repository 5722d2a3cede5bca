package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"overbought-alerts/internal/app"
)

var (
	statsRecent int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display alert outcome statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsRecent < 0 {
			return fmt.Errorf("--recent must not be negative")
		}

		opts := app.StatsOptions{
			Recent: statsRecent,
		}

		return getApp().Stats(cmd.Context(), opts)
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsRecent, "recent", 10, "Number of recent alerts to display")
}
