package scraper

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"ticket-price-alerts/internal/browser"
	"ticket-price-alerts/internal/pricing"
)

const (
	sectionSelector = "[data-section-name]"
	tooltipSelector = `[data-bdd="hover-tool-tip-container"]`
	sectionAttr     = "data-section-name"
)

var (
	modalSelector = strings.Join([]string{
		`[data-bdd*="modal"]`,
		`[data-bdd*="popup"]`,
		`[data-bdd*="consent"]`,
		`#onetrust-banner-sdk`,
		`[role="dialog"]`,
	}, ", ")

	acceptSelectors = []string{
		`button[data-analytics="accept-modal-accept-button"]`,
		`button[data-testid*="agree"]`,
		`#onetrust-accept-btn-handler`,
		`button#didomi-notice-agree-button`,
		`button#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll`,
		`button[aria-label*="Accept"]`,
	}

	acceptTexts = []string{"Accept & Continue", "Accept All", "Accept", "I Agree", "Agree", "Got it"}
)

// dismissPopup clicks through a consent or welcome modal when one shows up.
// A page without a modal is fine.
func (s *Scraper) dismissPopup(ctx context.Context, d browser.Driver) bool {
	if _, err := d.WaitVisible(ctx, modalSelector, s.opts.PopupTimeout); err != nil {
		s.logger.Debug().Err(err).Msg("no popup detected")
		return false
	}

	candidates := make([]func() (browser.Element, error), 0, len(acceptSelectors)+len(acceptTexts))
	for _, sel := range acceptSelectors {
		candidates = append(candidates, func() (browser.Element, error) { return d.Find(ctx, browser.ByCSS, sel) })
	}
	for _, text := range acceptTexts {
		xpath := textButtonXPath(text)
		candidates = append(candidates, func() (browser.Element, error) { return d.Find(ctx, browser.ByXPath, xpath) })
	}

	for _, find := range candidates {
		el, err := find()
		if err != nil {
			continue
		}
		if visible, err := el.Visible(); err != nil || !visible {
			continue
		}
		if err := el.Click(); err != nil {
			s.logger.Debug().Err(err).Msg("accept button click failed")
			continue
		}
		s.logger.Info().Msg("dismissed page popup")
		_ = s.sleep(ctx, s.opts.PopupSettle)
		return true
	}
	s.logger.Debug().Msg("popup present but no accept button matched")
	return false
}

// discoverSections lists distinct section names on the map, capped at
// MaxDiscover.
func (s *Scraper) discoverSections(ctx context.Context, d browser.Driver) []string {
	els, err := d.FindAll(ctx, browser.ByCSS, sectionSelector)
	if err != nil {
		s.logger.Debug().Err(err).Msg("section discovery failed")
		return nil
	}
	var names []string
	seen := make(map[string]struct{})
	for _, el := range els {
		name, err := el.Attribute(sectionAttr)
		name = strings.TrimSpace(name)
		if err != nil || name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
		if len(names) >= s.opts.MaxDiscover {
			break
		}
	}
	s.logger.Debug().Int("sections", len(names)).Msg("discovered sections")
	return names
}

// priceSection runs locate, scroll, hover, await tooltip and extract for one
// target.
func (s *Scraper) priceSection(ctx context.Context, d browser.Driver, target string) SectionOutcome {
	out := SectionOutcome{Section: target, Outcome: OutcomeNotFound}
	logger := s.logger.With().Str("section", target).Logger()

	el, matched := s.locate(ctx, d, target)
	if el == nil {
		logger.Info().Msg("section not on map")
		return out
	}
	out.Matched = matched

	if err := el.ScrollIntoView(); err != nil {
		logger.Info().Err(err).Msg("section not interactable")
		out.Outcome = OutcomeNotInteractable
		return out
	}
	if err := s.sleep(ctx, s.opts.HoverPause); err != nil {
		return out
	}

	for attempt := 1; attempt <= s.opts.HoverAttempts; attempt++ {
		if err := el.Hover(); err != nil {
			logger.Info().Err(err).Int("attempt", attempt).Msg("hover failed")
			out.Outcome = OutcomeNotInteractable
			return out
		}
		if amount, raw, ok := s.readTooltip(ctx, d); ok {
			pt := pricing.PricePoint{Section: target, Amount: amount, Source: pricing.SourceTooltip, Raw: raw}
			out.Outcome = OutcomeFound
			out.Point = &pt
			logger.Info().Str("price", amount.StringFixed(2)).Int("attempt", attempt).Msg("section priced")
			return out
		}
		if attempt < s.opts.HoverAttempts {
			if err := d.MoveAway(ctx); err != nil {
				logger.Debug().Err(err).Msg("move away failed")
			}
			if err := s.sleep(ctx, s.opts.HoverPause); err != nil {
				return out
			}
		}
	}
	logger.Info().Msg("no price in tooltip")
	return out
}

func (s *Scraper) readTooltip(ctx context.Context, d browser.Driver) (decimal.Decimal, string, bool) {
	tip, err := d.WaitVisible(ctx, tooltipSelector, s.opts.TooltipTimeout)
	if err != nil {
		return decimal.Zero, "", false
	}
	text, err := tip.Text()
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		return decimal.Zero, "", false
	}
	value, ok := pricing.ParseTooltip(text)
	if !ok {
		s.logger.Debug().Str("tooltip", text).Msg("tooltip without a usable price")
		return decimal.Zero, "", false
	}
	return value, text, true
}

// locate tries an exact attribute match, then a case-insensitive partial
// match over every mapped section, then an XPath text search.
func (s *Scraper) locate(ctx context.Context, d browser.Driver, target string) (browser.Element, string) {
	exact := `[data-section-name="` + cssEscape(target) + `"]`
	if el, err := d.Find(ctx, browser.ByCSS, exact); err == nil {
		return el, target
	} else if !errors.Is(err, browser.ErrNoSuchElement) {
		s.logger.Debug().Err(err).Str("section", target).Msg("exact lookup failed")
	}

	if els, err := d.FindAll(ctx, browser.ByCSS, sectionSelector); err == nil {
		want := strings.ToLower(target)
		for _, el := range els {
			name, err := el.Attribute(sectionAttr)
			if err != nil || name == "" {
				continue
			}
			if strings.Contains(strings.ToLower(name), want) {
				return el, name
			}
		}
	}

	if el, err := d.Find(ctx, browser.ByXPath, "//*[contains(text(), "+xpathLiteral(target)+")]"); err == nil {
		return el, target
	}
	return nil, ""
}

func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}

func textButtonXPath(text string) string {
	lit := xpathLiteral(text)
	return "//button[contains(normalize-space(.), " + lit + ")] | //a[contains(normalize-space(.), " + lit + ")]"
}
