package cli

import (
	"github.com/spf13/cobra"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Email the daily price summary now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Summary(cmd.Context())
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Delete old history and sweep expired cache and rate-limit state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Maintenance(cmd.Context())
	},
}
