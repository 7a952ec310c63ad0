package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ticket-price-alerts/internal/app"
)

var (
	simulateEvent    string
	simulateName     string
	simulatePrevious float64
	simulateCurrent  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Simulate a price change and send the resulting alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateCurrent <= 0 {
			return errors.New("--current must be greater than 0")
		}
		if simulatePrevious < 0 {
			return errors.New("--previous cannot be negative")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			EventID:  simulateEvent,
			Name:     simulateName,
			Previous: decimal.NewFromFloat(simulatePrevious),
			Current:  decimal.NewFromFloat(simulateCurrent),
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateEvent, "event", "", "Event ID (a configured event picks up its name and threshold)")
	simulateCmd.Flags().StringVar(&simulateName, "name", "", "Event name for unconfigured events")
	simulateCmd.Flags().Float64Var(&simulatePrevious, "previous", 0, "Previous price (0 means no history)")
	simulateCmd.Flags().Float64Var(&simulateCurrent, "current", 0, "Current price")
}
