package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"ticket-price-alerts/internal/charts"
	"ticket-price-alerts/internal/storage"
)

// Export renders an event's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.EventID == "" {
		return errors.New("--event is required")
	}
	if opts.Days <= 0 {
		opts.Days = a.Config.Export.Days
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.PriceHistory(ctx, opts.EventID, opts.Days)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("event_id", opts.EventID).Int("days", opts.Days).Msg("no prices found for export window")
		return nil
	}

	a.Logger.Info().Int("total", len(records)).Str("event_id", opts.EventID).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, charts.Downsample(records, opts.MaxPoints)); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := opts.EventID
		threshold := decimal.Zero
		if ev, err := store.GetEvent(ctx, opts.EventID); err == nil && ev != nil {
			if ev.Name != "" {
				title = ev.Name
			}
			threshold = ev.Threshold
		}
		title = fmt.Sprintf("%s: last %d days", title, opts.Days)
		if err := writeRecordsPNG(opts.PNGPath, title, records, charts.Options{
			Width:     1280,
			Height:    720,
			MaxPoints: opts.MaxPoints,
			Threshold: threshold,
		}); err != nil {
			return err
		}
	}

	return nil
}

func writeRecordsCSV(path string, records []storage.PriceRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return encodeRecordsCSV(file, records)
}

func encodeRecordsCSV(w io.Writer, records []storage.PriceRecord) error {
	writer := csv.NewWriter(w)

	header := []string{"recorded_at", "event_id", "section", "price", "source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{
			rec.RecordedAt.UTC().Format(time.RFC3339),
			rec.EventID,
			rec.Section,
			rec.Price.StringFixed(2),
			rec.Source,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRecordsPNG(path, title string, records []storage.PriceRecord, opts charts.Options) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return charts.PriceTrend(file, title, charts.FromRecords(records), opts)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
