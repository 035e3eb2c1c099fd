package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"tip-settlement/internal/app"
	"tip-settlement/internal/pricing"
)

var (
	simulatePersist bool
	simulateJSON    bool
	alertReason     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <batch-file>",
	Short: "Settle a batch against an in-memory ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			File:    args[0],
			Persist: simulatePersist,
			JSON:    simulateJSON,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

var simulateAlertCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a degraded pricing alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), alertReason)
	},
}

func init() {
	simulateCmd.Flags().BoolVar(&simulatePersist, "persist", false, "Write transfer records to the database")
	simulateCmd.Flags().BoolVar(&simulateJSON, "json", false, "Print the receipt as JSON")

	reasons := []string{
		string(pricing.ReasonSequencerUnavailable),
		string(pricing.ReasonSequencerDown),
		string(pricing.ReasonGracePeriod),
		string(pricing.ReasonOracleUnavailable),
		string(pricing.ReasonInvalidAnswer),
		string(pricing.ReasonStale),
	}
	simulateAlertCmd.Flags().StringVar(&alertReason, "reason", string(pricing.ReasonStale), "Fallback reason ("+strings.Join(reasons, ", ")+")")
}
