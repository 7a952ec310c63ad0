// Package scraper prices seating sections on an interactive venue map by
// hovering each section and reading the tooltip that appears.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ticket-price-alerts/internal/browser"
	"ticket-price-alerts/internal/extract"
	"ticket-price-alerts/internal/pricing"
)

var (
	ErrBotDetected = errors.New("bot challenge page served")
	ErrNoPrices    = errors.New("no section prices found")
)

// Outcome is the per-section result of a scrape.
type Outcome string

const (
	OutcomeFound           Outcome = "found"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeNotInteractable Outcome = "not_interactable"
)

// SectionOutcome records what happened to one target section.
type SectionOutcome struct {
	Section string
	Outcome Outcome
	// Matched is the data-section-name of the element that was hovered.
	Matched string
	Point   *pricing.PricePoint
}

// Attempt describes one visit to an event page.
type Attempt struct {
	URL            string
	Targets        []string
	Sections       []SectionOutcome
	PopupDismissed bool
	MapLoaded      bool
	FallbackUsed   bool
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Result is a successful scrape: at least one priced section.
type Result struct {
	Attempt Attempt
	Prices  []pricing.PricePoint
}

// NoPricesError carries the attempt that came back empty.
type NoPricesError struct {
	Attempt Attempt
}

func (e *NoPricesError) Error() string {
	return fmt.Sprintf("%s: %s (%d sections tried)", ErrNoPrices, e.Attempt.URL, len(e.Attempt.Targets))
}

func (e *NoPricesError) Unwrap() error { return ErrNoPrices }

// Options tune waits and limits. Zero values fall back to defaults.
type Options struct {
	SettleMin       time.Duration
	SettleMax       time.Duration
	PopupTimeout    time.Duration
	PopupSettle     time.Duration
	MapTimeout      time.Duration
	TooltipTimeout  time.Duration
	HoverPause      time.Duration
	HoverAttempts   int
	MaxDiscover     int
	MinPageInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.SettleMin <= 0 {
		o.SettleMin = 3 * time.Second
	}
	if o.SettleMax < o.SettleMin {
		o.SettleMax = o.SettleMin + 2*time.Second
	}
	if o.PopupTimeout <= 0 {
		o.PopupTimeout = 3 * time.Second
	}
	if o.PopupSettle <= 0 {
		o.PopupSettle = time.Second
	}
	if o.MapTimeout <= 0 {
		o.MapTimeout = 10 * time.Second
	}
	if o.TooltipTimeout <= 0 {
		o.TooltipTimeout = 5 * time.Second
	}
	if o.HoverPause <= 0 {
		o.HoverPause = time.Second
	}
	if o.HoverAttempts <= 0 {
		o.HoverAttempts = 2
	}
	if o.MaxDiscover <= 0 {
		o.MaxDiscover = 50
	}
	return o
}

// Scraper drives one browser session per event page.
type Scraper struct {
	launcher browser.Launcher
	pipeline *extract.Pipeline
	opts     Options
	pacer    *rate.Limiter
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
}

// New constructs a Scraper.
func New(launcher browser.Launcher, pipeline *extract.Pipeline, opts Options, logger zerolog.Logger) *Scraper {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.MinPageInterval > 0 {
		limit = rate.Every(opts.MinPageInterval)
	}
	return &Scraper{
		launcher: launcher,
		pipeline: pipeline,
		opts:     opts,
		pacer:    rate.NewLimiter(limit, 1),
		logger:   logger.With().Str("component", "scraper").Logger(),
		sleep:    sleepContext,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ScrapeSections prices the named sections on the page at url.
func (s *Scraper) ScrapeSections(ctx context.Context, url string, sections []string) (*Result, error) {
	targets := cleanTargets(sections)
	if len(targets) == 0 {
		return nil, errors.New("no target sections given")
	}
	pick := func(context.Context, browser.Driver) []string { return targets }
	return s.scrape(ctx, url, pick, 0)
}

// ScrapeCheapest discovers the sections on the map, prices them and keeps the
// n cheapest.
func (s *Scraper) ScrapeCheapest(ctx context.Context, url string, n int) (*Result, error) {
	if n <= 0 {
		n = 1
	}
	return s.scrape(ctx, url, s.discoverSections, n)
}

func (s *Scraper) scrape(ctx context.Context, url string, pick func(context.Context, browser.Driver) []string, keep int) (*Result, error) {
	logger := s.logger.With().Str("url", url).Logger()

	if err := s.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	driver, err := s.launcher.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	defer func() {
		if cerr := driver.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("browser session close failed")
		}
	}()

	attempt := Attempt{URL: url, StartedAt: s.now()}

	if err := driver.Navigate(ctx, url); err != nil {
		return nil, fmt.Errorf("load event page: %w", err)
	}
	if err := s.sleep(ctx, s.settleDelay()); err != nil {
		return nil, err
	}
	content, err := driver.Content(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	if marker, ok := botMarker(content); ok {
		logger.Warn().Str("marker", marker).Msg("bot challenge detected")
		return nil, fmt.Errorf("%w: %q on %s", ErrBotDetected, marker, url)
	}

	attempt.PopupDismissed = s.dismissPopup(ctx, driver)

	if _, err := driver.WaitVisible(ctx, sectionSelector, s.opts.MapTimeout); err != nil {
		logger.Warn().Err(err).Msg("interactive map did not appear")
	} else {
		attempt.MapLoaded = true
	}

	attempt.Targets = pick(ctx, driver)
	var prices []pricing.PricePoint
	for _, target := range attempt.Targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcome := s.priceSection(ctx, driver, target)
		attempt.Sections = append(attempt.Sections, outcome)
		if outcome.Point != nil {
			prices = append(prices, *outcome.Point)
		}
	}

	if len(prices) == 0 {
		attempt.FallbackUsed = true
		prices = s.fallback(ctx, driver, attempt.Targets)
	}
	attempt.FinishedAt = s.now()

	if len(prices) == 0 {
		logger.Warn().Int("targets", len(attempt.Targets)).Msg("no section prices found")
		return nil, &NoPricesError{Attempt: attempt}
	}

	if keep > 0 {
		sort.SliceStable(prices, func(i, j int) bool { return prices[i].Amount.LessThan(prices[j].Amount) })
		if len(prices) > keep {
			prices = prices[:keep]
		}
	}

	logger.Info().
		Int("priced", len(prices)).
		Int("targets", len(attempt.Targets)).
		Bool("fallback", attempt.FallbackUsed).
		Msg("scrape finished")
	return &Result{Attempt: attempt, Prices: prices}, nil
}

// fallback runs the static extraction pipeline over the rendered page and
// keeps points that match a target. Matches are relabelled with the target
// name so history stays keyed on the configured section.
func (s *Scraper) fallback(ctx context.Context, driver browser.Driver, targets []string) []pricing.PricePoint {
	if s.pipeline == nil {
		return nil
	}
	content, err := driver.Content(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("fallback could not read page")
		return nil
	}
	points, err := s.pipeline.ExtractHTML(content)
	if err != nil {
		s.logger.Debug().Err(err).Msg("fallback extraction failed")
		return nil
	}

	var kept []pricing.PricePoint
	for _, pt := range points {
		if len(targets) == 0 {
			kept = append(kept, pt)
			continue
		}
		for _, target := range targets {
			if pricing.MatchesSection(pt.Section, []string{target}) {
				pt.Section = target
				kept = append(kept, pt)
				break
			}
		}
	}

	lowest := extract.MinBySection(kept)
	out := make([]pricing.PricePoint, 0, len(lowest))
	for _, pt := range lowest {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Section < out[j].Section })
	return out
}

func (s *Scraper) settleDelay() time.Duration {
	span := s.opts.SettleMax - s.opts.SettleMin
	if span <= 0 {
		return s.opts.SettleMin
	}
	return s.opts.SettleMin + time.Duration(rand.Int63n(int64(span)+1))
}

var botMarkers = []string{
	"Access to this page has been denied",
	"Just a moment...",
	"Attention Required",
	"Verify you are human",
}

func botMarker(content string) (string, bool) {
	for _, m := range botMarkers {
		if strings.Contains(content, m) {
			return m, true
		}
	}
	return "", false
}

func cleanTargets(sections []string) []string {
	out := make([]string, 0, len(sections))
	seen := make(map[string]struct{}, len(sections))
	for _, s := range sections {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
