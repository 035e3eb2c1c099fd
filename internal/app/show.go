package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tip-settlement/internal/settlement"
)

// Show prints recently settled transfers.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Recipient != "" && !common.IsHexAddress(opts.Recipient) {
		return fmt.Errorf("invalid recipient address %q", opts.Recipient)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show transfers")
	}
	defer closeStore()

	var records []settlement.TransferRecord
	if opts.Recipient != "" {
		records, err = store.ListTransfersByRecipient(ctx, common.HexToAddress(opts.Recipient), opts.Limit)
	} else {
		records, err = store.ListRecentTransfers(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no transfers found")
		return nil
	}
	return renderTransfers(os.Stdout, records)
}

func renderTransfers(out io.Writer, records []settlement.TransferRecord) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tBatch\t#\tType\tSender\tRecipient\tAmount\tFee\tIn-Kind\tMessage")

	for _, r := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			r.CreatedAt.UTC().Format(time.RFC3339),
			shortID(r.BatchID.String()),
			r.Index,
			r.AssetType,
			r.Sender.Hex(),
			r.Recipient.Hex(),
			r.Amount.Dec(),
			r.FeeCharged.Dec(),
			r.FeeInKind,
			sanitizeInline(r.Message),
		)
	}
	return writer.Flush()
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
