package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ticket-price-alerts/internal/alerting"
	"ticket-price-alerts/internal/charts"
	"ticket-price-alerts/internal/config"
	"ticket-price-alerts/internal/scheduler"
	"ticket-price-alerts/internal/storage"
	"ticket-price-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context, what string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", what)
	}
	return store, closeStore, nil
}

func (a *App) newNotifier(chart alerting.ChartFunc) (alerting.Notifier, *alerting.EmailNotifier) {
	var (
		channels []alerting.Notifier
		mail     *alerting.EmailNotifier
	)
	if a.Config.Alerting.Email.Enabled {
		cfg := a.Config.Alerting.Email
		mail = alerting.NewEmailNotifier(alerting.EmailOptions{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.Username,
			Password: cfg.Password,
			From:     cfg.From,
			To:       cfg.To,
		}, chart, a.Logger)
		channels = append(channels, mail)
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		channels = append(channels, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger))
	}

	switch len(channels) {
	case 0:
		a.Logger.Warn().Msg("no alert channel enabled; alerts will only be logged")
		return alerting.NewLogNotifier(a.Logger), nil
	case 1:
		return channels[0], mail
	default:
		return alerting.NewMulti(a.Logger, channels...), mail
	}
}

// chartFunc renders the recent trend of an event for email attachments.
func (a *App) chartFunc(history storage.PriceStore) alerting.ChartFunc {
	if history == nil {
		return nil
	}
	days := a.Config.Alerting.Email.ChartDays
	if days <= 0 {
		days = 7
	}
	return func(ctx context.Context, eventID string, threshold decimal.Decimal) ([]byte, error) {
		records, err := history.PriceHistory(ctx, eventID, days)
		if err != nil {
			return nil, err
		}
		title := fmt.Sprintf("%s: last %d days", eventID, days)
		return charts.PriceTrendPNG(title, charts.FromRecords(records), charts.Options{
			Width:     800,
			Height:    400,
			MaxPoints: a.Config.Export.MaxDataPoints,
			Threshold: threshold,
		})
	}
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)
}

// Run executes the long-running monitoring service: check cycles plus the
// daily summary and maintenance jobs.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := rt.service(a.Config, a.newScheduler(), a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("version", version.String()).
		Dur("interval", a.Config.Scheduler.Interval).
		Bool("persistence", rt.store != nil).
		Str("alert_channel", alerting.ChannelName(rt.notifier)).
		Msg("starting monitoring service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return svc.RunDaily(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	EventID   string
	Days      int
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// CheckOptions configure a one-off check cycle.
type CheckOptions struct {
	NoBrowser bool
}

// SearchOptions configure an event search.
type SearchOptions struct {
	Keyword        string
	City           string
	StateCode      string
	Classification string
	Days           int
	Size           int
	Prices         bool
}

// SimulateOptions describe a synthetic price change.
type SimulateOptions struct {
	EventID  string
	Name     string
	Previous decimal.Decimal
	Current  decimal.Decimal
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
