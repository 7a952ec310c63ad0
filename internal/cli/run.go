package cli

import (
	"github.com/spf13/cobra"

	"ticket-price-alerts/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var checkNoBrowser bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one price check cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context(), app.CheckOptions{NoBrowser: checkNoBrowser})
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkNoBrowser, "no-browser", false, "Skip the browser scraper and use the API only")
}
