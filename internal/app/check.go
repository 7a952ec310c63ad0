package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"

	"ticket-price-alerts/internal/service"
)

// Check runs a single check cycle and prints the per-section outcome.
func (a *App) Check(ctx context.Context, opts CheckOptions) error {
	rt, err := a.build(ctx, !opts.NoBrowser)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := rt.service(a.Config, nil, a.Logger)
	if err != nil {
		return err
	}

	summary := svc.CheckCycle(ctx)
	renderSummary(a.Out, summary)
	if summary.Error != "" {
		return fmt.Errorf("check cycle failed: %s", summary.Error)
	}
	return nil
}

// Summary emails the daily digest now.
func (a *App) Summary(ctx context.Context) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := rt.service(a.Config, nil, a.Logger)
	if err != nil {
		return err
	}
	if err := svc.SendDailySummary(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.Out, "daily summary sent")
	return nil
}

// Maintenance applies retention and sweeps expired state now.
func (a *App) Maintenance(ctx context.Context) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := rt.service(a.Config, nil, a.Logger)
	if err != nil {
		return err
	}
	report, err := svc.Maintain(ctx)

	t := newTable(a.Out)
	t.AppendHeader(table.Row{"Step", "Removed", "Cutoff"})
	t.AppendRow(table.Row{"price history", report.PricesDeleted, formatTime(report.HistoryCutoff)})
	t.AppendRow(table.Row{"alert log", report.AlertsDeleted, formatTime(report.AlertLogCutoff)})
	t.AppendRow(table.Row{"response cache", report.CacheSwept, "expired"})
	t.AppendRow(table.Row{"rate-limit records", report.RecordsPruned, "outside window"})
	t.Render()
	return err
}

func renderSummary(w io.Writer, summary service.Summary) {
	if summary.Skipped {
		fmt.Fprintf(w, "cycle %s skipped: another process holds the lock\n", summary.CycleID)
		return
	}

	t := newTable(w)
	t.SetTitle("Cycle %s", summary.CycleID)
	t.AppendHeader(table.Row{"Event", "Status", "Section", "Price", "Previous", "Change %", "Threshold", "Source", "Alert"})
	for _, res := range summary.Results {
		name := res.EventID
		if res.Name != "" {
			name = res.Name
		}
		alert := alertColumn(res)
		if len(res.Sections) == 0 {
			t.AppendRow(table.Row{name, statusColumn(res), "-", "-", "-", "-", "-", "-", alert})
			continue
		}
		for _, sec := range res.Sections {
			source := string(sec.Source)
			if sec.CrossSource {
				source += " (cross-source)"
			}
			t.AppendRow(table.Row{
				name,
				statusColumn(res),
				sec.Section,
				money(sec.Price),
				nullMoney(sec.Previous),
				nullFixed(sec.ChangePct),
				thresholdColumn(sec.Threshold),
				source,
				alert,
			})
		}
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d events", summary.Total),
		fmt.Sprintf("%d priced", summary.PricesChecked),
		"", "", "", "", "",
		fmt.Sprintf("%d errors", summary.Errors),
		fmt.Sprintf("%d sent", summary.AlertsSent),
	})
	t.Render()
}

func statusColumn(res service.EventResult) string {
	if res.Status == service.StatusError && res.Error != "" {
		return "error: " + sanitizeInline(res.Error)
	}
	return string(res.Status)
}

func alertColumn(res service.EventResult) string {
	switch {
	case res.AlertSent:
		return "sent"
	case res.AlertSuppressed:
		return "cooldown"
	case res.AlertError != "":
		return "failed: " + sanitizeInline(res.AlertError)
	default:
		return ""
	}
}

func thresholdColumn(d decimal.Decimal) string {
	if !d.IsPositive() {
		return "-"
	}
	return money(d)
}

func money(d decimal.Decimal) string { return "$" + d.StringFixed(2) }

func nullMoney(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return money(d.Decimal)
}

func nullFixed(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
