// Package extract pulls candidate prices out of rendered event pages.
package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"ticket-price-alerts/internal/pricing"
)

// Strategy finds prices in a parsed document. Strategies never fail; a
// document they do not understand yields no points.
type Strategy struct {
	Name string
	Run  func(*goquery.Document) []pricing.PricePoint
}

// DefaultStrategies lists the strategies in the order the pipeline applies
// them.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "meta_tags", Run: MetaTags},
		{Name: "json_ld", Run: JSONLD},
		{Name: "price_elements", Run: PriceElements},
		{Name: "free_text", Run: FreeText},
	}
}

// Pipeline runs every strategy over a page and merges the results.
type Pipeline struct {
	logger     zerolog.Logger
	strategies []Strategy
}

// NewPipeline constructs a pipeline with the default strategies.
func NewPipeline(logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		logger:     logger.With().Str("component", "extract").Logger(),
		strategies: DefaultStrategies(),
	}
}

// Extract concatenates the output of each strategy in order and removes
// duplicate (amount, section) pairs.
func (p *Pipeline) Extract(doc *goquery.Document) []pricing.PricePoint {
	if doc == nil {
		return nil
	}
	var all []pricing.PricePoint
	for _, s := range p.strategies {
		points := s.Run(doc)
		p.logger.Debug().Str("strategy", s.Name).Int("points", len(points)).Msg("strategy finished")
		all = append(all, points...)
	}
	out := Dedupe(all)
	p.logger.Debug().Int("raw", len(all)).Int("unique", len(out)).Msg("extraction finished")
	return out
}

// ExtractHTML parses html and runs Extract.
func (p *Pipeline) ExtractHTML(html string) ([]pricing.PricePoint, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return p.Extract(doc), nil
}

// Dedupe keeps the first point for every (amount, section) pair. Equal
// amounts in different sections are distinct.
func Dedupe(points []pricing.PricePoint) []pricing.PricePoint {
	if len(points) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(points))
	out := make([]pricing.PricePoint, 0, len(points))
	for _, pt := range points {
		key := pt.Amount.StringFixed(2) + "|" + pt.Section
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, pt)
	}
	return out
}

// MinBySection returns the lowest point seen for each section.
func MinBySection(points []pricing.PricePoint) map[string]pricing.PricePoint {
	out := make(map[string]pricing.PricePoint)
	for _, pt := range points {
		cur, ok := out[pt.Section]
		if !ok || pt.Amount.LessThan(cur.Amount) {
			out[pt.Section] = pt
		}
	}
	return out
}
