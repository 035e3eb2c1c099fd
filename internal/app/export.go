package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"tip-settlement/internal/storage"
)

// Export renders recorded price observations as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	observations, err := store.ListObservationsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Msg("no observations found for export window")
		return nil
	}

	downsampled := downsample(observations, opts.MaxPoints)
	a.Logger.Info().Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsample(obs []storage.PriceObservation, max int) []storage.PriceObservation {
	if max <= 0 || len(obs) <= max {
		return obs
	}
	if max == 1 {
		return obs[len(obs)-1:]
	}

	result := make([]storage.PriceObservation, 0, max)
	step := float64(len(obs)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(obs) {
			idx = len(obs) - 1
		}
		result = append(result, obs[idx])
	}
	return result
}

func writeObservationsCSV(path string, obs []storage.PriceObservation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"bucket_ts", "status", "reason", "price", "price_decimals", "native_per_unit", "quote_updated_at", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, o := range obs {
		updated := ""
		if o.QuoteUpdatedAt != nil {
			updated = o.QuoteUpdatedAt.UTC().Format(time.RFC3339)
		}
		errMsg := ""
		if o.Error != nil {
			errMsg = *o.Error
		}
		record := []string{
			o.Bucket.UTC().Format(time.RFC3339),
			o.Status,
			o.Reason,
			o.Price.String(),
			strconv.Itoa(int(o.PriceDecimals)),
			o.NativePerUnit.String(),
			updated,
			errMsg,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeObservationsPNG(path string, obs []storage.PriceObservation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(obs))
	price := make([]float64, len(obs))
	native := make([]float64, len(obs))
	var liveX []time.Time
	var liveY []float64

	for i, o := range obs {
		x[i] = o.Bucket
		price[i] = o.Price.InexactFloat64()
		native[i] = o.NativePerUnit.InexactFloat64()
		if o.Live() {
			liveX = append(liveX, o.Bucket)
			liveY = append(liveY, price[i])
		}
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Price",
			XValues: x,
			YValues: price,
		},
		chart.TimeSeries{
			Name:    "Native per unit",
			XValues: x,
			YValues: native,
			YAxis:   chart.YAxisSecondary,
		},
	}
	if len(liveX) > 1 {
		series = append(series, chart.TimeSeries{
			Name: "Live",
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    3,
			},
			XValues: liveX,
			YValues: liveY,
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Price",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		YAxisSecondary: chart.YAxis{
			Name: "Native per unit (wei)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.3e")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
