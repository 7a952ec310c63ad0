package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ticket-price-alerts/internal/alerting"
	"ticket-price-alerts/internal/config"
	"ticket-price-alerts/internal/pricing"
	"ticket-price-alerts/internal/scheduler"
	"ticket-price-alerts/internal/scraper"
	"ticket-price-alerts/internal/storage"
	"ticket-price-alerts/internal/ticketing"
)

// EventSource lists the events to check.
type EventSource interface {
	ListEvents(ctx context.Context) ([]storage.Event, error)
}

// PriceAPI looks events up in the ticketing API.
type PriceAPI interface {
	EventDetails(ctx context.Context, eventID string) (*ticketing.EventDetails, error)
}

// SectionScraper prices sections on an event page.
type SectionScraper interface {
	ScrapeSections(ctx context.Context, url string, sections []string) (*scraper.Result, error)
	ScrapeCheapest(ctx context.Context, url string, n int) (*scraper.Result, error)
}

// HistoryStore persists observations and answers "what did we last see".
type HistoryStore interface {
	AddPriceRecord(ctx context.Context, rec storage.PriceRecord) (storage.PriceRecord, error)
	LatestSectionPrice(ctx context.Context, eventID, section string) (*storage.PriceRecord, error)
	LatestPrice(ctx context.Context, eventID string) (*storage.PriceRecord, error)
}

// AlertLog records notification attempts.
type AlertLog interface {
	InsertAlert(ctx context.Context, alert storage.AlertRecord) (storage.AlertRecord, error)
	LastAlertAt(ctx context.Context, eventID string) (*time.Time, error)
}

// Deps bundles the collaborators of a Service. Nil members disable the
// corresponding step.
type Deps struct {
	Events    EventSource
	API       PriceAPI
	Scraper   SectionScraper
	History   HistoryStore
	Alerts    AlertLog
	Notifier  alerting.Notifier
	Summary   SummarySender
	Retention RetentionStore
	Cache     Sweeper
	Limiter   Pruner
	Scheduler *scheduler.Scheduler
}

// Status is the per-event outcome of a cycle.
type Status string

const (
	StatusFound    Status = "found"
	StatusNotFound Status = "not_found"
	StatusError    Status = "error"
)

// SectionResult is the comparison for one priced section.
type SectionResult struct {
	Section         string
	Price           decimal.Decimal
	Source          pricing.Source
	Previous        decimal.NullDecimal
	Change          decimal.NullDecimal
	ChangePct       decimal.NullDecimal
	Threshold       decimal.Decimal
	BelowThreshold  bool
	SignificantDrop bool
	// CrossSource is set when the previous record came from a different
	// source class.
	CrossSource bool
}

// Triggered reports whether the section warrants an alert.
func (r SectionResult) Triggered() bool { return r.BelowThreshold || r.SignificantDrop }

// Reasons lists the alert reasons that hold for the section.
func (r SectionResult) Reasons() []string {
	var reasons []string
	if r.BelowThreshold {
		reasons = append(reasons, alerting.ReasonBelowThreshold)
	}
	if r.SignificantDrop {
		reasons = append(reasons, alerting.ReasonSignificantDrop)
	}
	return reasons
}

// EventResult is the outcome for one event.
type EventResult struct {
	EventID         string
	Name            string
	URL             string
	Status          Status
	Sections        []SectionResult
	AlertSent       bool
	AlertSuppressed bool
	AlertError      string
	Error           string
}

// Summary describes one check cycle.
type Summary struct {
	CycleID       string
	StartedAt     time.Time
	FinishedAt    time.Time
	Total         int
	PricesChecked int
	AlertsSent    int
	Errors        int
	// Skipped is set when another process held the cycle lock.
	Skipped bool
	// Error is a cycle-level failure, such as the event list not loading.
	Error   string
	Results []EventResult
}

// Duration is the wall time of the cycle.
func (s Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

// Service runs check cycles: acquire prices, compare with history, persist
// and alert.
type Service struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	sections         map[string][]string
	thresholds       map[string]map[string]decimal.Decimal
	defaultThreshold decimal.Decimal
	minDrop          decimal.Decimal
	cooldown         time.Duration
	scrapeEnabled    bool
	scrapeOnAPIError bool
	crossSourceDrops bool
	cheapest         int
	alertsOn         bool

	historyDays   int
	alertDays     int
	summaryOffset time.Duration
	maintOffset   time.Duration
	summaryOn     bool

	locker  storage.AdvisoryLocker
	lockKey int64
}

// New constructs the monitoring service. Section and threshold
// configuration is read once here.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	sections, err := cfg.SectionMap()
	if err != nil {
		return nil, err
	}
	thresholds, err := cfg.ThresholdMap()
	if err != nil {
		return nil, err
	}
	summaryOffset, err := config.ParseClock(cfg.Scheduler.SummaryTime)
	if err != nil {
		return nil, fmt.Errorf("summary time: %w", err)
	}
	maintOffset, err := config.ParseClock(cfg.Scheduler.MaintenanceTime)
	if err != nil {
		return nil, fmt.Errorf("maintenance time: %w", err)
	}

	var locker storage.AdvisoryLocker
	for _, candidate := range []any{deps.Events, deps.History, deps.Alerts} {
		if l, ok := candidate.(storage.AdvisoryLocker); ok {
			locker = l
			break
		}
	}

	cheapest := cfg.Scraper.CheapestSections
	if cheapest <= 0 {
		cheapest = 1
	}

	return &Service{
		deps:             deps,
		logger:           logger.With().Str("component", "service").Logger(),
		now:              time.Now,
		sections:         sections,
		thresholds:       thresholds,
		defaultThreshold: decimal.NewFromFloat(cfg.Monitor.DefaultThreshold),
		minDrop:          decimal.NewFromFloat(cfg.Monitor.MinDropPercent),
		cooldown:         cfg.Monitor.Cooldown,
		scrapeEnabled:    cfg.Scraper.Enabled,
		scrapeOnAPIError: cfg.Monitor.ScrapeOnAPIError,
		crossSourceDrops: cfg.Monitor.CrossSourceDrops,
		cheapest:         cheapest,
		alertsOn:         cfg.Alerting.Enabled,
		historyDays:      cfg.Monitor.HistoryRetentionDays,
		alertDays:        cfg.Monitor.AlertRetentionDays,
		summaryOffset:    summaryOffset,
		maintOffset:      maintOffset,
		summaryOn:        cfg.Scheduler.SummaryEnabled,
		locker:           locker,
		lockKey:          cfg.Scheduler.AdvisoryLockKey,
	}, nil
}

// Run drives check cycles on the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket runs one scheduled cycle. Per-event failures are part of the
// summary; only cycle-level failures are returned.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	summary := s.CheckCycle(ctx)
	if summary.Error != "" {
		return fmt.Errorf("cycle %s at %s: %s", summary.CycleID, bucket.Format(time.RFC3339), summary.Error)
	}
	return nil
}

// CheckCycle checks every tracked event once, sequentially. It always
// returns a summary.
func (s *Service) CheckCycle(ctx context.Context) Summary {
	summary := Summary{CycleID: uuid.NewString(), StartedAt: s.now().UTC()}
	logger := s.logger.With().Str("cycle_id", summary.CycleID).Logger()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		summary.Error = err.Error()
		summary.FinishedAt = s.now().UTC()
		return summary
	}
	if !proceed {
		logger.Info().Msg("skip cycle because advisory lock held elsewhere")
		summary.Skipped = true
		summary.FinishedAt = s.now().UTC()
		return summary
	}
	if unlock != nil {
		defer unlock()
	}

	if s.deps.Events == nil {
		summary.Error = "no event source configured"
		summary.FinishedAt = s.now().UTC()
		return summary
	}
	events, err := s.deps.Events.ListEvents(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list events")
		summary.Error = fmt.Sprintf("list events: %v", err)
		summary.FinishedAt = s.now().UTC()
		return summary
	}

	summary.Total = len(events)
	if len(events) == 0 {
		logger.Info().Msg("no events to monitor")
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			summary.Error = ctx.Err().Error()
			break
		}
		result := s.checkEvent(ctx, ev, logger)
		switch result.Status {
		case StatusFound:
			summary.PricesChecked++
		case StatusError:
			summary.Errors++
		}
		if result.AlertSent {
			summary.AlertsSent++
		}
		summary.Results = append(summary.Results, result)
	}

	summary.FinishedAt = s.now().UTC()
	logger.Info().
		Int("events", summary.Total).
		Int("prices_found", summary.PricesChecked).
		Int("alerts_sent", summary.AlertsSent).
		Int("errors", summary.Errors).
		Dur("elapsed", summary.Duration()).
		Msg("price check completed")
	return summary
}

func (s *Service) checkEvent(ctx context.Context, ev storage.Event, parent zerolog.Logger) EventResult {
	logger := parent.With().Str("event_id", ev.ID).Logger()
	res := EventResult{EventID: ev.ID, Name: ev.Name}

	points, url, err := s.acquire(ctx, ev, logger)
	res.URL = url
	switch {
	case errors.Is(err, scraper.ErrNoPrices):
		logger.Warn().Err(err).Msg("no price data found")
		res.Status = StatusNotFound
		return res
	case err != nil:
		logger.Error().Err(err).Msg("price check failed")
		res.Status = StatusError
		res.Error = err.Error()
		return res
	case len(points) == 0:
		logger.Warn().Bool("scraping", s.scrapeEnabled).Msg("no price data found")
		res.Status = StatusNotFound
		return res
	}

	res.Status = StatusFound
	observedAt := s.now().UTC()
	for _, pt := range points {
		res.Sections = append(res.Sections, s.evaluate(ctx, ev, pt, observedAt, logger))
	}
	s.maybeAlert(ctx, ev, &res, observedAt, logger)
	return res
}

// acquire tries the API first and falls back to the browser scraper. A nil
// slice with a nil error means nothing was found.
func (s *Service) acquire(ctx context.Context, ev storage.Event, logger zerolog.Logger) ([]pricing.PricePoint, string, error) {
	url := ev.URL
	if s.deps.API != nil {
		details, err := s.deps.API.EventDetails(ctx, ev.ID)
		switch {
		case err != nil && !s.scrapeOnAPIError:
			return nil, url, fmt.Errorf("event details: %w", err)
		case err != nil:
			logger.Warn().Err(err).Msg("api lookup failed, falling back to scraping")
		case details == nil:
			logger.Debug().Msg("event unknown to api")
		default:
			if url == "" {
				url = details.URL
			}
			if price, ok := details.MinPrice(); ok {
				logger.Debug().Str("price", price.StringFixed(2)).Msg("api pricing found")
				return []pricing.PricePoint{{
					Section: pricing.DefaultSection,
					Amount:  price,
					Source:  pricing.SourceAPI,
					Raw:     price.StringFixed(2),
				}}, url, nil
			}
			logger.Debug().Msg("api returned no price ranges")
		}
	}

	if !s.scrapeEnabled || s.deps.Scraper == nil {
		return nil, url, nil
	}
	if url == "" {
		url = EventPageURL(ev.ID)
	}

	var (
		result *scraper.Result
		err    error
	)
	if targets := s.sections[ev.ID]; len(targets) > 0 {
		logger.Info().Strs("sections", targets).Msg("scraping configured sections")
		result, err = s.deps.Scraper.ScrapeSections(ctx, url, targets)
	} else {
		logger.Info().Int("count", s.cheapest).Msg("scraping cheapest sections")
		result, err = s.deps.Scraper.ScrapeCheapest(ctx, url, s.cheapest)
	}
	if err != nil {
		return nil, url, fmt.Errorf("scrape: %w", err)
	}
	return result.Prices, url, nil
}

func (s *Service) evaluate(ctx context.Context, ev storage.Event, pt pricing.PricePoint, observedAt time.Time, logger zerolog.Logger) SectionResult {
	r := SectionResult{
		Section:   pt.Section,
		Price:     pt.Amount,
		Source:    pt.Source,
		Threshold: s.thresholdFor(ev, pt.Section),
	}

	if s.deps.History != nil {
		prev, err := s.deps.History.LatestSectionPrice(ctx, ev.ID, pt.Section)
		if err != nil {
			logger.Warn().Err(err).Str("section", pt.Section).Msg("previous price lookup failed")
		} else if prev != nil {
			r.Previous = decimal.NewNullDecimal(prev.Price)
			r.CrossSource = pricing.Source(prev.Source).Class() != pt.Source.Class()
		}

		record := storage.PriceRecord{
			EventID:    ev.ID,
			Section:    pt.Section,
			Price:      pt.Amount,
			Source:     string(pt.Source),
			RecordedAt: observedAt,
		}
		if _, err := s.deps.History.AddPriceRecord(ctx, record); err != nil {
			logger.Error().Err(err).Str("section", pt.Section).Msg("failed to record price")
		}
	}

	r.Change, r.ChangePct = Compare(r.Previous, pt.Amount)
	r.BelowThreshold = r.Threshold.IsPositive() && pt.Amount.LessThanOrEqual(r.Threshold)
	r.SignificantDrop = IsSignificantDrop(PercentChange(r.Previous, pt.Amount), s.minDrop)
	if r.CrossSource {
		logger.Warn().
			Str("section", pt.Section).
			Str("source", string(pt.Source)).
			Bool("counts_as_drop", s.crossSourceDrops).
			Msg("previous price came from a different source class")
		if !s.crossSourceDrops {
			r.SignificantDrop = false
		}
	}

	logger.Debug().
		Str("section", r.Section).
		Str("price", r.Price.StringFixed(2)).
		Bool("below_threshold", r.BelowThreshold).
		Bool("significant_drop", r.SignificantDrop).
		Msg("section checked")
	return r
}

func (s *Service) thresholdFor(ev storage.Event, section string) decimal.Decimal {
	if overrides := s.thresholds[ev.ID]; overrides != nil {
		if t, ok := overrides[section]; ok {
			return t
		}
		for name, t := range overrides {
			if strings.EqualFold(name, section) {
				return t
			}
		}
	}
	if ev.Threshold.IsPositive() {
		return ev.Threshold
	}
	return s.defaultThreshold
}

func (s *Service) maybeAlert(ctx context.Context, ev storage.Event, res *EventResult, observedAt time.Time, logger zerolog.Logger) {
	headline := -1
	for i, sec := range res.Sections {
		if sec.Triggered() && (headline < 0 || sec.Price.LessThan(res.Sections[headline].Price)) {
			headline = i
		}
	}
	if headline < 0 || !s.alertsOn || s.deps.Notifier == nil {
		return
	}
	if s.inCooldown(ctx, ev.ID, observedAt, logger) {
		res.AlertSuppressed = true
		return
	}

	sec := res.Sections[headline]
	note := alerting.Notification{
		EventID:       ev.ID,
		EventName:     ev.Name,
		Venue:         ev.Venue,
		EventDate:     ev.EventDate,
		URL:           res.URL,
		Section:       sec.Section,
		PreviousPrice: sec.Previous,
		CurrentPrice:  sec.Price,
		ChangePct:     sec.ChangePct,
		Threshold:     sec.Threshold,
		Reasons:       sec.Reasons(),
		ObservedAt:    observedAt,
	}

	err := s.deps.Notifier.Notify(ctx, note)
	s.logAlert(ctx, note, err, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to dispatch alert")
		res.AlertError = err.Error()
		return
	}
	res.AlertSent = true
	logger.Info().
		Str("section", sec.Section).
		Str("price", sec.Price.StringFixed(2)).
		Strs("reasons", note.Reasons).
		Msg("price alert sent")
}

func (s *Service) inCooldown(ctx context.Context, eventID string, now time.Time, logger zerolog.Logger) bool {
	if s.cooldown <= 0 || s.deps.Alerts == nil {
		return false
	}
	last, err := s.deps.Alerts.LastAlertAt(ctx, eventID)
	if err != nil {
		logger.Warn().Err(err).Msg("last alert lookup failed")
		return false
	}
	if last != nil && now.Sub(*last) < s.cooldown {
		logger.Info().Time("last_alert", *last).Dur("cooldown", s.cooldown).Msg("alert suppressed by cooldown")
		return true
	}
	return false
}

func (s *Service) logAlert(ctx context.Context, note alerting.Notification, sendErr error, logger zerolog.Logger) {
	if s.deps.Alerts == nil {
		return
	}
	eventID := note.EventID
	record := storage.AlertRecord{
		EventID:       &eventID,
		Kind:          storage.AlertKindPrice,
		Channel:       alerting.ChannelName(s.deps.Notifier),
		Recipient:     recipients(s.deps.Notifier),
		Subject:       note.Subject(),
		PreviousPrice: note.PreviousPrice,
		CurrentPrice:  decimal.NewNullDecimal(note.CurrentPrice),
		Success:       sendErr == nil,
		SentAt:        s.now().UTC(),
	}
	if sendErr != nil {
		msg := sendErr.Error()
		record.Error = &msg
	}
	if _, err := s.deps.Alerts.InsertAlert(ctx, record); err != nil {
		logger.Error().Err(err).Msg("failed to persist alert record")
	}
}

func recipients(n any) string {
	if r, ok := n.(interface{ Recipients() string }); ok {
		return r.Recipients()
	}
	return ""
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// EventPageURL is the public event page used when neither the registry nor
// the API knows a URL.
func EventPageURL(eventID string) string {
	return "https://www.ticketmaster.com/event/" + eventID
}

var hundred = decimal.NewFromInt(100)

// PercentChange returns the unrounded percentage change from previous to
// current. It is null without a previous price or when that price is zero.
func PercentChange(previous decimal.NullDecimal, current decimal.Decimal) decimal.NullDecimal {
	if !previous.Valid || previous.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(current.Sub(previous.Decimal).Div(previous.Decimal).Mul(hundred))
}

// Compare returns current minus previous and the percentage change rounded
// to two places for display. Both are null without a previous price; the
// percentage is also null when the previous price is zero.
func Compare(previous decimal.NullDecimal, current decimal.Decimal) (decimal.NullDecimal, decimal.NullDecimal) {
	if !previous.Valid {
		return decimal.NullDecimal{}, decimal.NullDecimal{}
	}
	delta := decimal.NewNullDecimal(current.Sub(previous.Decimal))
	pct := PercentChange(previous, current)
	if pct.Valid {
		pct.Decimal = pct.Decimal.Round(2)
	}
	return delta, pct
}

// IsSignificantDrop reports pct <= -minDrop. pct must be the unrounded
// change from PercentChange.
func IsSignificantDrop(pct decimal.NullDecimal, minDrop decimal.Decimal) bool {
	return pct.Valid && pct.Decimal.LessThanOrEqual(minDrop.Neg())
}
