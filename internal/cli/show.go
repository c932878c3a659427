package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"vault-rebalancer/internal/app"
)

var (
	showLimit int
	showVault string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent rebalance runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Vault: showVault,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of runs to display")
	showCmd.Flags().StringVar(&showVault, "vault", "", "Only show runs of this vault")
}
