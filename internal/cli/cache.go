package cli

import (
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the API response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CacheStats(cmd.Context())
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached response",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CacheClear(cmd.Context())
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drop expired responses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CacheSweep(cmd.Context())
	},
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show API quota usage for the current window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Limits(cmd.Context())
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cacheSweepCmd)
}
