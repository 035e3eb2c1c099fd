package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tip-settlement/internal/ledger"
	"tip-settlement/internal/metrics"
	"tip-settlement/internal/pricing"
	"tip-settlement/internal/service"
	"tip-settlement/internal/settlement"
)

// Simulate executes a batch file against a fresh in-memory ledger.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	file, err := LoadBatchFile(opts.File)
	if err != nil {
		return err
	}

	rec, err := a.newRecorder()
	if err != nil {
		return err
	}
	resolver, closeResolver, err := a.newResolver(rec, file.Oracle)
	if err != nil {
		return err
	}
	defer closeResolver()

	var sink settlement.EventSink = &settlement.MemorySink{}
	if opts.Persist {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database not configured; cannot persist simulated transfers")
		}
		defer closeStore()
		sink = store
	}

	host := ledger.New()
	engine, attestations, err := a.newEngine(host, resolver, sink, rec)
	if err != nil {
		return err
	}
	if err := file.Seed(ctx, host, engine.Address()); err != nil {
		return err
	}

	supplied, err := file.SuppliedValue()
	if err != nil {
		return fmt.Errorf("supplied: %w", err)
	}
	if supplied == nil {
		quote, err := engine.PreviewBatch(ctx, file.Transfers)
		if err != nil {
			return err
		}
		supplied = quote.TotalNativeRequired
	}
	if file.Native == "" {
		host.Fund(file.SenderAddress(), supplied)
	}

	var receipt *settlement.Receipt
	if len(file.Transfers) == 1 {
		receipt, err = engine.Settle(ctx, file.SenderAddress(), supplied, file.Transfers[0])
	} else {
		receipt, err = engine.SettleBatch(ctx, file.SenderAddress(), supplied, file.Transfers)
	}
	if err != nil {
		class := settlement.Classify(err)
		a.Logger.Error().Err(err).Str("class", class.String()).Msg("simulated settlement rejected")
		return fmt.Errorf("settlement rejected (%s): %w", class, err)
	}

	if opts.JSON {
		return writeJSON(os.Stdout, receipt)
	}
	if err := a.renderQuote(os.Stdout, receipt.Quote); err != nil {
		return err
	}
	return a.renderReceipt(ctx, os.Stdout, host, engine.Address(), receipt, len(attestations.Records()))
}

func (a *App) renderReceipt(ctx context.Context, out io.Writer, host *ledger.Ledger, engine common.Address, r *settlement.Receipt, attested int) error {
	decimals := a.Config.Pricing.NativeDecimals
	retained, err := host.NativeBalance(ctx, engine)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nBatch:             %s\n", r.BatchID)
	fmt.Fprintf(out, "Supplied:          %s\n", formatUnits(r.Supplied, decimals))
	fmt.Fprintf(out, "Excess retained:   %s\n", formatUnits(r.Excess, decimals))
	fmt.Fprintf(out, "Engine balance:    %s\n", formatUnits(retained, decimals))
	fmt.Fprintf(out, "Transfers:         %d\n", len(r.Records))
	fmt.Fprintf(out, "Attestations:      %d\n", attested)
	return nil
}

// SimulateAlert pushes one degraded-pricing notification through the configured channels.
func (a *App) SimulateAlert(ctx context.Context, reason string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	r := pricing.Reason(strings.TrimSpace(reason))
	switch r {
	case pricing.ReasonSequencerUnavailable, pricing.ReasonSequencerDown, pricing.ReasonGracePeriod,
		pricing.ReasonOracleUnavailable, pricing.ReasonInvalidAnswer, pricing.ReasonStale:
	default:
		return fmt.Errorf("%q is not a degraded pricing reason", reason)
	}

	fallback, err := a.Config.FallbackPrice()
	if err != nil {
		return err
	}

	resolver := &staticResolver{
		res:   pricing.Resolution{Quote: fallback.Quote(), Reason: r},
		scale: pricing.NativeScale(a.Config.Pricing.NativeDecimals),
	}
	monitor := service.New(a.Config, nil, resolver, nil, nil, notifier, a.Logger, metrics.NoopRecorder{})

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	return monitor.ProcessBucket(ctx, bucket)
}

type staticResolver struct {
	res   pricing.Resolution
	scale *uint256.Int
}

func (s *staticResolver) Resolve(context.Context) pricing.Resolution {
	return s.res
}

func (s *staticResolver) Scale() *uint256.Int {
	return s.scale.Clone()
}

var _ service.PriceResolver = (*staticResolver)(nil)
