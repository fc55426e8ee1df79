package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coti-io/price-service/internal/app"
)

var (
	showCurrency string
	showLimit    int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent price samples for a currency",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Currency: showCurrency,
			Limit:    showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showCurrency, "currency", "", "Currency symbol to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
