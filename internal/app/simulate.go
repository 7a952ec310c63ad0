package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"ticket-price-alerts/internal/pricing"
	"ticket-price-alerts/internal/service"
	"ticket-price-alerts/internal/storage"
	"ticket-price-alerts/internal/ticketing"
)

// SimulateAlert runs one cycle against a synthetic previous/current price
// pair so the configured alert channels fire end to end. Nothing is
// persisted.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}
	if !opts.Current.IsPositive() {
		return errors.New("current price must be positive")
	}
	if opts.EventID == "" {
		opts.EventID = "SIMULATED"
	}

	var history storage.PriceStore
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore()
		history = store
	}
	notifier, _ := a.newNotifier(a.chartFunc(history))

	event := storage.Event{ID: opts.EventID, Name: opts.Name}
	for _, ev := range a.Config.Events {
		if ev.ID == opts.EventID {
			if event, err = toEvent(ev); err != nil {
				return err
			}
			break
		}
	}
	if event.Name == "" {
		event.Name = "Simulated event"
	}

	prior := &staticHistory{}
	if opts.Previous.IsPositive() {
		prior.previous = &storage.PriceRecord{
			EventID: event.ID,
			Section: pricing.DefaultSection,
			Price:   opts.Previous,
			Source:  string(pricing.SourceAPI),
		}
	}

	svc, err := service.New(a.Config, service.Deps{
		Events:   staticEvents{event},
		API:      &staticAPI{id: event.ID, price: opts.Current},
		History:  prior,
		Notifier: notifier,
	}, a.Logger)
	if err != nil {
		return err
	}

	summary := svc.CheckCycle(ctx)
	renderSummary(a.Out, summary)
	if summary.AlertsSent == 0 {
		for _, res := range summary.Results {
			if res.AlertError != "" {
				return fmt.Errorf("alert delivery failed: %s", res.AlertError)
			}
		}
		fmt.Fprintln(a.Out, "no alert condition met; adjust --previous/--current or the thresholds")
	}
	return nil
}

type staticEvents []storage.Event

func (s staticEvents) ListEvents(context.Context) ([]storage.Event, error) { return s, nil }

type staticAPI struct {
	id    string
	price decimal.Decimal
}

func (s *staticAPI) EventDetails(context.Context, string) (*ticketing.EventDetails, error) {
	return &ticketing.EventDetails{
		ID:          s.id,
		PriceRanges: []ticketing.PriceRange{{Type: "standard", Currency: "USD", Min: decimal.NewNullDecimal(s.price)}},
	}, nil
}

// staticHistory answers with the synthetic previous price and drops writes.
type staticHistory struct {
	previous *storage.PriceRecord
}

func (s *staticHistory) AddPriceRecord(_ context.Context, rec storage.PriceRecord) (storage.PriceRecord, error) {
	return rec, nil
}

func (s *staticHistory) LatestSectionPrice(context.Context, string, string) (*storage.PriceRecord, error) {
	return s.previous, nil
}

func (s *staticHistory) LatestPrice(context.Context, string) (*storage.PriceRecord, error) {
	return s.previous, nil
}

var (
	_ service.EventSource  = staticEvents(nil)
	_ service.PriceAPI     = (*staticAPI)(nil)
	_ service.HistoryStore = (*staticHistory)(nil)
)
