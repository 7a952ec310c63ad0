// Package pricing holds the price value types and the text parsing rules
// shared by every extraction path.
package pricing

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Source tags where a PricePoint came from.
type Source string

const (
	SourceMeta    Source = "meta_tag"
	SourceJSONLD  Source = "json_ld"
	SourceElement Source = "element"
	SourceText    Source = "text_regex"
	SourceTooltip Source = "tooltip"
	SourceAPI     Source = "api"
)

// DefaultSection labels prices without section context.
const DefaultSection = "General"

// Class groups sources for provenance comparisons.
func (s Source) Class() string {
	if s == SourceAPI {
		return "api"
	}
	return "scraped"
}

// PricePoint is one observed price for a section. Treat it as immutable.
type PricePoint struct {
	Section string
	Amount  decimal.Decimal
	Source  Source
	Raw     string
}

func (p PricePoint) String() string {
	return fmt.Sprintf("%s $%s (%s)", p.Section, p.Amount.StringFixed(2), p.Source)
}

// Bounds for free-text candidates; anything outside is assumed not to be a price.
var (
	MinTextPrice = decimal.NewFromInt(10)
	MaxTextPrice = decimal.NewFromInt(10000)
)

var (
	amountPattern   = regexp.MustCompile(`[0-9]+(?:\.[0-9]{1,2})?`)
	currencyReplace = strings.NewReplacer(",", "", "$", "", "€", "", "£", "", "¥", "")
)

// ParseAmount extracts the first digits[.digits{1,2}] amount from s after
// stripping thousands separators and currency symbols. It reports false when
// nothing parses.
func ParseAmount(s string) (decimal.Decimal, bool) {
	cleaned := currencyReplace.Replace(strings.TrimSpace(s))
	match := amountPattern.FindString(cleaned)
	if match == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(match)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// InTextRange reports whether d lies in [MinTextPrice, MaxTextPrice].
func InTextRange(d decimal.Decimal) bool {
	return d.GreaterThanOrEqual(MinTextPrice) && d.LessThanOrEqual(MaxTextPrice)
}

const amountExpr = `([0-9][0-9,]*(?:\.[0-9]{2})?)`

var (
	textPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\$\s?` + amountExpr),
		regexp.MustCompile(`(?i)` + amountExpr + `\s*(?:USD|dollars?)\b`),
		regexp.MustCompile(`(?i)(?:from|starting(?:\s+at)?|as low as)\s*\$\s?` + amountExpr),
	}

	tooltipPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)price:\s*\$\s?` + amountExpr),
		regexp.MustCompile(`(?i)(?:from|starting(?:\s+at)?|as low as)\s*\$\s?` + amountExpr),
		regexp.MustCompile(`\$\s?` + amountExpr + `\+?`),
		regexp.MustCompile(`(?i)` + amountExpr + `\s*(?:USD|dollars?)\b`),
	}
)

// TextMatch is one in-range amount found in free text.
type TextMatch struct {
	Amount decimal.Decimal
	Raw    string
}

// FindTextPrices scans text with the bare-currency, amount-plus-currency-word
// and prefix-phrase patterns. Out-of-range candidates are dropped.
func FindTextPrices(text string) []TextMatch {
	var out []TextMatch
	for _, re := range textPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			amount, ok := ParseAmount(m[1])
			if !ok || !InTextRange(amount) {
				continue
			}
			out = append(out, TextMatch{Amount: amount, Raw: strings.TrimSpace(m[0])})
		}
	}
	return out
}

// ParseTooltip extracts the price shown in a hover popup. Labelled forms
// ("Price: $X", "from $X", "as low as $X") win over bare amounts.
func ParseTooltip(text string) (decimal.Decimal, bool) {
	for _, re := range tooltipPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		amount, ok := ParseAmount(m[1])
		if ok && InTextRange(amount) {
			return amount, true
		}
	}
	return decimal.Zero, false
}
