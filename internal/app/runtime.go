package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ticket-price-alerts/internal/alerting"
	"ticket-price-alerts/internal/backoff"
	"ticket-price-alerts/internal/browser"
	"ticket-price-alerts/internal/cache"
	"ticket-price-alerts/internal/config"
	"ticket-price-alerts/internal/extract"
	"ticket-price-alerts/internal/ratelimit"
	"ticket-price-alerts/internal/scheduler"
	"ticket-price-alerts/internal/scraper"
	"ticket-price-alerts/internal/service"
	"ticket-price-alerts/internal/statestore"
	"ticket-price-alerts/internal/storage"
	"ticket-price-alerts/internal/ticketing"
)

// runtime holds the wired collaborators for one command invocation.
type runtime struct {
	store     *storage.Store
	state     *statestore.Store
	limiter   *ratelimit.Limiter
	responses *cache.Cache
	api       *ticketing.Client
	scraper   *scraper.Scraper
	notifier  alerting.Notifier
	email     *alerting.EmailNotifier
	events    service.EventSource
	hasAPIKey bool
	closers   []func()
}

// Close releases everything build opened, newest first.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (a *App) build(ctx context.Context, withBrowser bool) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; price history and alert log disabled")
		rt.events = configEvents(a.Config.Events)
	} else {
		rt.store = store
		rt.closers = append(rt.closers, closeStore)
		if err := syncEvents(ctx, store, a.Config.Events); err != nil {
			return nil, err
		}
		rt.events = store
	}

	rateStore, err := a.rateStore(rt)
	if err != nil {
		return nil, err
	}
	limits := a.Config.Ticketing.RateLimit
	rt.limiter = ratelimit.New(rateStore, ratelimit.Options{
		Service:     limits.Service,
		MaxRequests: limits.MaxRequests,
		Window:      limits.Window,
	}, a.Logger)

	cacheStore, err := a.cacheStore(rt)
	if err != nil {
		return nil, err
	}
	rt.responses = cache.New(cacheStore, cache.Options{
		DefaultTTL:     a.Config.Cache.TTL,
		MaxEntries:     a.Config.Cache.MaxEntries,
		EvictionBuffer: a.Config.Cache.EvictionBuffer,
	}, a.Logger)

	tc := a.Config.Ticketing
	rt.hasAPIKey = tc.APIKey != ""
	if !rt.hasAPIKey {
		a.Logger.Warn().Msg("ticketing.api_key not set; prices come from the browser scraper only")
	}
	rt.api = ticketing.New(ticketing.Options{
		APIKey:      tc.APIKey,
		BaseURL:     tc.BaseURL,
		UserAgent:   tc.UserAgent,
		Timeout:     tc.Timeout,
		MaxWait:     limits.MaxWait,
		MaxAttempts: tc.Retry.MaxAttempts,
		CacheTTL:    a.Config.Cache.TTL,
		SearchTTL:   a.Config.Cache.SearchTTL,
	}, rt.limiter, rt.responses, backoff.New(tc.Retry.BaseDelay, tc.Retry.MaxDelay, tc.Retry.Factor), a.Logger)

	if withBrowser && a.Config.Scraper.Enabled {
		sc := a.Config.Scraper
		launcher, err := browser.NewLauncher(browser.Options{
			Engine:            sc.Engine,
			Headless:          sc.Headless,
			BrowserPath:       sc.BrowserPath,
			UserAgent:         sc.UserAgent,
			NavigationTimeout: sc.NavigationTimeout,
			ActionTimeout:     sc.TooltipTimeout,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		rt.scraper = scraper.New(launcher, extract.NewPipeline(a.Logger), scraper.Options{
			SettleMin:       sc.SettleMin,
			SettleMax:       sc.SettleMax,
			PopupTimeout:    sc.PopupTimeout,
			MapTimeout:      sc.MapTimeout,
			TooltipTimeout:  sc.TooltipTimeout,
			HoverPause:      sc.HoverPause,
			HoverAttempts:   sc.HoverAttempts,
			MaxDiscover:     sc.MaxDiscover,
			MinPageInterval: sc.MinPageInterval,
		}, a.Logger)
	}

	var history storage.PriceStore
	if rt.store != nil {
		history = rt.store
	}
	rt.notifier, rt.email = a.newNotifier(a.chartFunc(history))

	ok = true
	return rt, nil
}

func (a *App) sqliteState(rt *runtime) (*statestore.Store, error) {
	if rt.state != nil {
		return rt.state, nil
	}
	state, err := statestore.Open(a.Config.State.SQLitePath, a.Logger)
	if err != nil {
		return nil, err
	}
	rt.state = state
	rt.closers = append(rt.closers, func() {
		if err := state.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close state store")
		}
	})
	return state, nil
}

func (a *App) rateStore(rt *runtime) (ratelimit.Store, error) {
	if a.Config.State.Driver == "postgres" {
		if rt.store != nil {
			return rt.store, nil
		}
		a.Logger.Warn().Str("path", a.Config.State.SQLitePath).Msg("no database for rate-limit state; using sqlite")
	}
	return a.sqliteState(rt)
}

func (a *App) cacheStore(rt *runtime) (cache.Store, error) {
	switch a.Config.Cache.Backend {
	case "redis":
		rc := a.Config.Cache.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		return cache.NewRedisStore(client, rc.Prefix), nil
	case "postgres":
		if rt.store != nil {
			return rt.store, nil
		}
		a.Logger.Warn().Str("path", a.Config.State.SQLitePath).Msg("no database for response cache; using sqlite")
	}
	return a.sqliteState(rt)
}

// service assembles the orchestrator over the wired collaborators. Only
// non-nil members are handed over so nil checks inside the service hold.
func (rt *runtime) service(cfg *config.Config, sched *scheduler.Scheduler, logger zerolog.Logger) (*service.Service, error) {
	deps := service.Deps{
		Events:    rt.events,
		Notifier:  rt.notifier,
		Cache:     rt.responses,
		Limiter:   rt.limiter,
		Scheduler: sched,
	}
	if rt.hasAPIKey {
		deps.API = rt.api
	}
	if rt.scraper != nil {
		deps.Scraper = rt.scraper
	}
	if rt.store != nil {
		deps.History = rt.store
		deps.Alerts = rt.store
		deps.Retention = rt.store
	}
	if rt.email != nil {
		deps.Summary = rt.email
	}
	return service.New(cfg, deps, logger)
}

// syncEvents upserts the configured events into the registry.
func syncEvents(ctx context.Context, store storage.EventStore, events []config.EventConfig) error {
	for _, ev := range events {
		record, err := toEvent(ev)
		if err != nil {
			return err
		}
		if err := store.UpsertEvent(ctx, record); err != nil {
			return fmt.Errorf("sync event %s: %w", ev.ID, err)
		}
	}
	return nil
}

func toEvent(ev config.EventConfig) (storage.Event, error) {
	date, err := ev.ParsedDate()
	if err != nil {
		return storage.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	return storage.Event{
		ID:        ev.ID,
		Name:      ev.Name,
		Venue:     ev.Venue,
		EventDate: date,
		Threshold: decimal.NewFromFloat(ev.Threshold),
		URL:       ev.URL,
	}, nil
}

// configEvents serves the configured events when no database is available.
type configEvents []config.EventConfig

func (c configEvents) ListEvents(context.Context) ([]storage.Event, error) {
	out := make([]storage.Event, 0, len(c))
	for _, ev := range c {
		record, err := toEvent(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}
