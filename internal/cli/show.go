package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tip-settlement/internal/app"
)

var (
	showLimit     int
	showRecipient string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently settled transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:     showLimit,
			Recipient: showRecipient,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of transfers to display")
	showCmd.Flags().StringVar(&showRecipient, "recipient", "", "Only show transfers to this address")
}
