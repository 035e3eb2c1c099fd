package cli

import (
	"github.com/spf13/cobra"

	"tip-settlement/internal/app"
)

var quoteJSON bool

var quoteCmd = &cobra.Command{
	Use:   "quote <batch-file>",
	Short: "Preview fees and the native value required for a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Quote(cmd.Context(), app.QuoteOptions{File: args[0], JSON: quoteJSON})
	},
}

func init() {
	quoteCmd.Flags().BoolVar(&quoteJSON, "json", false, "Print the quote as JSON")
}
