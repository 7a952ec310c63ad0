package app

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"

	"ticket-price-alerts/internal/storage"
)

// Show prints recent price observations, or the alert log.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show history")
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		renderAlerts(a.Out, alerts)
		return nil
	}

	records, err := store.ListRecentPrices(ctx, opts.Limit)
	if err != nil {
		return err
	}
	renderPrices(a.Out, records)
	return nil
}

func renderPrices(w io.Writer, records []storage.PriceRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no prices recorded")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Recorded (UTC)", "Event", "Section", "Price", "Source"})
	for _, rec := range records {
		t.AppendRow(table.Row{formatTime(rec.RecordedAt), rec.EventID, rec.Section, money(rec.Price), rec.Source})
	}
	t.Render()
}

func renderAlerts(w io.Writer, alerts []storage.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "no alerts logged")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"Sent (UTC)", "Kind", "Event", "Channel", "Previous", "Current", "OK", "Error"})
	for _, alert := range alerts {
		eventID := "-"
		if alert.EventID != nil {
			eventID = *alert.EventID
		}
		errMsg := ""
		if alert.Error != nil {
			errMsg = sanitizeInline(*alert.Error)
		}
		t.AppendRow(table.Row{
			formatTime(alert.SentAt),
			alert.Kind,
			eventID,
			alert.Channel,
			nullMoney(alert.PreviousPrice),
			nullMoney(alert.CurrentPrice),
			alert.Success,
			errMsg,
		})
	}
	t.Render()
}
