package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ticket-price-alerts/internal/app"
)

var searchOpts app.SearchOptions

var searchCmd = &cobra.Command{
	Use:   "search [keyword]",
	Short: "Search the ticketing API for events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := searchOpts
		if len(args) == 1 {
			opts.Keyword = args[0]
		}
		if opts.Keyword == "" && opts.City == "" && opts.Classification == "" {
			return fmt.Errorf("give a keyword, --city or --classification")
		}
		return getApp().Search(cmd.Context(), opts)
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchOpts.City, "city", "", "City name")
	searchCmd.Flags().StringVar(&searchOpts.StateCode, "state", "", "State code, e.g. NY")
	searchCmd.Flags().StringVar(&searchOpts.Classification, "classification", "", "Classification, e.g. music")
	searchCmd.Flags().IntVar(&searchOpts.Days, "days", 0, "Only events in the next N days")
	searchCmd.Flags().IntVar(&searchOpts.Size, "size", 20, "Results per page (max 200)")
	searchCmd.Flags().BoolVar(&searchOpts.Prices, "prices", false, "Look up price ranges for events missing them")
}
