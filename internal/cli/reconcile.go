package cli

import (
	"github.com/spf13/cobra"

	"github.com/coti-io/price-service/internal/app"
)

var reconcileCurrency string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one gap-reconciliation pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Reconcile(cmd.Context(), app.ReconcileOptions{
			Currency: reconcileCurrency,
		})
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileCurrency, "currency", "", "Reconcile a single currency (defaults to all)")
}
