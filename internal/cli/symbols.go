package cli

import (
	"github.com/spf13/cobra"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Report tradable symbols after blacklist and liquidity filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Symbols(cmd.Context())
	},
}
