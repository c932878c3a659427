package cli

import (
	"github.com/spf13/cobra"
)

var (
	planVault     string
	planIntensity string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the rebalance plan for current vault balances without sending anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Plan(cmd.Context(), planVault, planIntensity)
	},
}

func init() {
	planCmd.Flags().StringVar(&planVault, "vault", "", "Vault address (defaults to the first configured vault)")
	planCmd.Flags().StringVar(&planIntensity, "intensity", "soft", "soft, medium or aggressive")
}
