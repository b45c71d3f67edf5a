package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"whale-flow-alerts/internal/app"
)

var (
	simulateEntity   string
	simulateAsset    string
	simulateFills    int
	simulateFillSize float64
	simulatePrice    float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟大额成交并演练告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateEntity == "" {
			return errors.New("--entity 必须配置")
		}
		if simulatePrice <= 0 || simulateFillSize <= 0 {
			return errors.New("--price 与 --size 必须大于 0")
		}

		opts := app.SimulateOptions{
			EntityID: simulateEntity,
			Asset:    simulateAsset,
			Fills:    simulateFills,
			FillSize: simulateFillSize,
			Price:    simulatePrice,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateEntity, "entity", "", "Address of the simulated trader")
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "BTC", "Traded asset symbol")
	simulateCmd.Flags().IntVar(&simulateFills, "fills", 3, "Number of partial fills to emit")
	simulateCmd.Flags().Float64Var(&simulateFillSize, "size", 0, "Size of each partial fill (base units)")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "Price of each partial fill")
}
