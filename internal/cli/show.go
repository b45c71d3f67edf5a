package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"whale-flow-alerts/internal/app"
)

var (
	showLimit  int
	showEntity string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alerts and window counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			EntityID: showEntity,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showEntity, "entity", "", "Also print live window counters for this address")
}
