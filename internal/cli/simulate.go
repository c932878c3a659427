package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/planner"
)

var (
	simulateStatus     string
	simulateIntensity  string
	simulateVolatility int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次调仓结果并发送告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		intensity, err := planner.ParseIntensity(simulateIntensity)
		if err != nil {
			return err
		}
		status := automation.RunStatus(simulateStatus)
		switch status {
		case automation.StatusCompleted, automation.StatusPartial, automation.StatusFailed:
		default:
			return errors.New("--status 必须是 completed、partial 或 failed")
		}
		if simulateVolatility < 0 {
			return errors.New("--volatility 不能为负数")
		}
		return getApp().SimulateAlert(cmd.Context(), status, intensity, simulateVolatility)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateStatus, "status", "completed", "模拟的运行状态")
	simulateCmd.Flags().StringVar(&simulateIntensity, "intensity", "medium", "模拟的调仓强度")
	simulateCmd.Flags().Int64Var(&simulateVolatility, "volatility", 1200, "模拟的波动率 (bps)")
}
