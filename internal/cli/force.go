package cli

import (
	"github.com/spf13/cobra"

	"vault-rebalancer/internal/app"
)

var forceOpts app.ForceOptions

var forceCmd = &cobra.Command{
	Use:   "force",
	Short: "Rebalance now, bypassing cooldown and the daily cap",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Force(cmd.Context(), forceOpts)
	},
}

func init() {
	forceCmd.Flags().StringVar(&forceOpts.Vault, "vault", "", "Vault address (defaults to the first configured vault)")
	forceCmd.Flags().StringVar(&forceOpts.Intensity, "intensity", "", "soft, medium or aggressive")
	forceCmd.Flags().StringVar(&forceOpts.PKPAddress, "pkp", "", "Delegated signer address for this run")
	forceCmd.Flags().StringVar(&forceOpts.JWT, "jwt", "", "Session token authorising the delegated signer")
	_ = forceCmd.MarkFlagRequired("intensity")
	forceCmd.MarkFlagsRequiredTogether("pkp", "jwt")
}
