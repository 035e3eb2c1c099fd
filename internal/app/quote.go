package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/holiman/uint256"

	"tip-settlement/internal/ledger"
	"tip-settlement/internal/metrics"
	"tip-settlement/internal/pricing"
	"tip-settlement/internal/settlement"
)

// Quote prices a batch file without executing it.
func (a *App) Quote(ctx context.Context, opts QuoteOptions) error {
	file, err := LoadBatchFile(opts.File)
	if err != nil {
		return err
	}

	resolver, closeResolver, err := a.newResolver(metrics.NoopRecorder{}, file.Oracle)
	if err != nil {
		return err
	}
	defer closeResolver()

	engine, _, err := a.newEngine(ledger.New(), resolver, nil, metrics.NoopRecorder{})
	if err != nil {
		return err
	}

	quote, err := engine.PreviewBatch(ctx, file.Transfers)
	if err != nil {
		a.Logger.Error().Err(err).Str("class", settlement.Classify(err).String()).Msg("batch cannot be priced")
		return err
	}

	if opts.JSON {
		return writeJSON(os.Stdout, quote)
	}
	return a.renderQuote(os.Stdout, quote)
}

func (a *App) renderQuote(out io.Writer, q settlement.BatchQuote) error {
	decimals := a.Config.Pricing.NativeDecimals

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tType\tRecipient\tAmount\tFee\tFee Basis\tNative Required")
	for _, item := range q.Items {
		basis := "native"
		switch {
		case item.Exempt:
			basis = "exempt"
		case item.InKind:
			basis = "in-kind"
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			item.Index,
			item.AssetType,
			item.Recipient.Hex(),
			item.Amount.Dec(),
			item.Fee.Dec(),
			basis,
			formatUnits(item.NativeRequired, decimals),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	price := "not resolved (no native fees)"
	if q.PriceResolved {
		price = fmt.Sprintf("%s (%s)", q.Price.Quote.Decimal().String(), q.Price.Reason)
	}
	fmt.Fprintf(out, "\nPrice:             %s\n", price)
	fmt.Fprintf(out, "Native amounts:    %s\n", formatUnits(q.TotalNativeAmount, decimals))
	fmt.Fprintf(out, "Native fees:       %s\n", formatUnits(q.TotalNativeFees, decimals))
	fmt.Fprintf(out, "Total required:    %s (%s wei)\n", formatUnits(q.TotalNativeRequired, decimals), q.TotalNativeRequired.Dec())
	fmt.Fprintf(out, "Minimum accepted:  %s (%s wei, %d bps fee slippage)\n", formatUnits(q.MinimumAccepted, decimals), q.MinimumAccepted.Dec(), q.SlippageBps)
	return nil
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatUnits(v *uint256.Int, decimals uint8) string {
	return pricing.ToUnits(v, decimals).String()
}
