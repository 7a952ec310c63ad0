package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"ticket-price-alerts/internal/ticketing"
)

// CacheStats prints response-cache health.
func (a *App) CacheStats(ctx context.Context) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	usage, err := rt.api.UsageStats(ctx)
	if err != nil {
		return err
	}
	t := newTable(a.Out)
	t.SetTitle("Response cache (%s)", a.Config.Cache.Backend)
	t.AppendHeader(table.Row{"Entries", "Active", "Expired", "Hits", "Max entries"})
	t.AppendRow(table.Row{usage.Cache.Total, usage.Cache.Active, usage.Cache.Expired, usage.Cache.TotalAccesses, a.Config.Cache.MaxEntries})
	t.Render()
	return nil
}

// CacheClear drops every cached response.
func (a *App) CacheClear(ctx context.Context) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.api.ClearCache(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "cleared %d cached responses\n", n)
	return nil
}

// CacheSweep drops expired responses only.
func (a *App) CacheSweep(ctx context.Context) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	n, err := rt.responses.SweepExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "removed %d expired responses\n", n)
	return nil
}

// Limits prints API quota usage for the current window.
func (a *App) Limits(ctx context.Context) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	usage, err := rt.api.UsageStats(ctx)
	if err != nil {
		return err
	}
	st := usage.RateLimit

	t := newTable(a.Out)
	t.AppendHeader(table.Row{"Service", "Used", "Remaining", "Limit", "Window", "Resets (UTC)"})
	t.AppendRow(table.Row{st.Service, st.Used, st.Remaining, st.MaxRequests, st.Window.String(), formatTime(st.ResetAt)})
	t.Render()
	return nil
}

// Search queries the ticketing API and lists matching events.
func (a *App) Search(ctx context.Context, opts SearchOptions) error {
	rt, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	params := ticketing.SearchParams{
		Keyword:        opts.Keyword,
		City:           opts.City,
		StateCode:      opts.StateCode,
		Classification: opts.Classification,
		Size:           opts.Size,
	}
	if opts.Days > 0 {
		params.Start = time.Now().UTC()
		params.End = params.Start.AddDate(0, 0, opts.Days)
	}

	events, err := rt.api.SearchEvents(ctx, params)
	if err != nil {
		return err
	}
	if opts.Prices {
		for i := range events {
			if len(events[i].PriceRanges) > 0 {
				continue
			}
			ranges, err := rt.api.TicketPrices(ctx, events[i].ID)
			if err != nil {
				a.Logger.Warn().Err(err).Str("event_id", events[i].ID).Msg("price lookup failed")
				continue
			}
			events[i].PriceRanges = ranges
		}
	}
	renderEvents(a.Out, events)
	return nil
}

func renderEvents(w io.Writer, events []ticketing.EventDetails) {
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Name", "Date", "Venue", "City", "From", "Status"})
	for _, ev := range events {
		date := ev.LocalDate
		if ev.LocalTime != "" {
			date += " " + ev.LocalTime
		}
		from := "-"
		if price, ok := ev.MinPrice(); ok {
			from = money(price)
		}
		t.AppendRow(table.Row{ev.ID, ev.Name, date, ev.Venue, ev.City, from, ev.Status})
	}
	t.Render()
}
