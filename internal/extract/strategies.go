package extract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"golang.org/x/net/html"

	"ticket-price-alerts/internal/pricing"
)

var metaSelectors = []string{
	`meta[property="product:price:amount"]`,
	`meta[name="price"]`,
	`meta[itemprop="price"]`,
	`meta[itemprop="lowPrice"]`,
	`meta[itemprop="highPrice"]`,
}

// MetaTags reads price meta tags. They carry no section context.
func MetaTags(doc *goquery.Document) []pricing.PricePoint {
	var out []pricing.PricePoint
	for _, sel := range metaSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			content, ok := s.Attr("content")
			if !ok {
				return
			}
			amount, ok := pricing.ParseAmount(content)
			if !ok || !amount.IsPositive() {
				return
			}
			out = append(out, pricing.PricePoint{
				Section: pricing.DefaultSection,
				Amount:  amount,
				Source:  pricing.SourceMeta,
				Raw:     content,
			})
		})
	}
	return out
}

// JSONLD reads offers out of structured data blocks. Blocks that do not
// decode are skipped.
func JSONLD(doc *goquery.Document) []pricing.PricePoint {
	var out []pricing.PricePoint
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		dec := json.NewDecoder(strings.NewReader(s.Text()))
		dec.UseNumber()
		var body any
		if err := dec.Decode(&body); err != nil {
			return
		}
		out = append(out, jsonLDPrices(body)...)
	})
	return out
}

func jsonLDPrices(node any) []pricing.PricePoint {
	switch v := node.(type) {
	case []any:
		var out []pricing.PricePoint
		for _, item := range v {
			out = append(out, jsonLDPrices(item)...)
		}
		return out
	case map[string]any:
		var out []pricing.PricePoint
		if graph, ok := v["@graph"]; ok {
			out = append(out, jsonLDPrices(graph)...)
		}
		switch offers := v["offers"].(type) {
		case map[string]any:
			out = append(out, offerPrices(offers)...)
		case []any:
			for _, o := range offers {
				if m, ok := o.(map[string]any); ok {
					out = append(out, offerPrices(m)...)
				}
			}
		}
		for _, key := range []string{"priceRange", "price"} {
			if pt, ok := jsonLDPoint(v[key]); ok {
				out = append(out, pt)
			}
		}
		return out
	}
	return nil
}

func offerPrices(offer map[string]any) []pricing.PricePoint {
	var out []pricing.PricePoint
	for _, key := range []string{"price", "lowPrice", "highPrice"} {
		if pt, ok := jsonLDPoint(offer[key]); ok {
			out = append(out, pt)
		}
	}
	return out
}

func jsonLDPoint(raw any) (pricing.PricePoint, bool) {
	var text string
	switch v := raw.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = v
	default:
		return pricing.PricePoint{}, false
	}
	amount, ok := pricing.ParseAmount(text)
	if !ok || !amount.IsPositive() {
		return pricing.PricePoint{}, false
	}
	return pricing.PricePoint{
		Section: pricing.DefaultSection,
		Amount:  amount,
		Source:  pricing.SourceJSONLD,
		Raw:     text,
	}, true
}

var (
	priceMarkers   = []string{"price", "cost", "amount"}
	contextMarkers = []string{"section", "tier", "level", "area", "zone", "seat"}
	sectionAttrs   = []string{"data-section", "data-section-name", "data-tier"}
	gaPattern      = regexp.MustCompile(`(?i)general admission|\bga\b`)
	sectionPattern = regexp.MustCompile(`(?i)\b(?:section|sec|level|tier)\b\.?\s*([a-z0-9]+)`)
	currencyAmount = regexp.MustCompile(`[$€£¥]\s?([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
)

// PriceElements reads elements whose class, id or attribute names mention a
// price. A data-price attribute wins over the element text. Containers that
// hold a more specific price element are skipped.
func PriceElements(doc *goquery.Document) []pricing.PricePoint {
	var out []pricing.PricePoint
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		if !isPriceNode(node) {
			return
		}
		raw, hasData := s.Attr("data-price")
		if !hasData {
			if hasPriceDescendant(node) {
				return
			}
			raw = strings.TrimSpace(s.Text())
		}
		amount, ok := elementAmount(raw)
		if !ok || !amount.IsPositive() {
			return
		}
		out = append(out, pricing.PricePoint{
			Section: sectionFor(s),
			Amount:  amount,
			Source:  pricing.SourceElement,
			Raw:     truncate(raw, 100),
		})
	})
	return out
}

// elementAmount prefers a currency-marked amount so labels such as
// "Sec 112 - $145" resolve to the price rather than the section number.
func elementAmount(raw string) (decimal.Decimal, bool) {
	if m := currencyAmount.FindStringSubmatch(raw); m != nil {
		return pricing.ParseAmount(m[1])
	}
	return pricing.ParseAmount(raw)
}

func isPriceNode(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	switch n.Data {
	case "script", "style", "noscript", "meta":
		return false
	}
	for _, a := range n.Attr {
		key := strings.ToLower(a.Key)
		if containsAny(key, priceMarkers) {
			return true
		}
		if (key == "class" || key == "id") && containsAny(strings.ToLower(a.Val), priceMarkers) {
			return true
		}
	}
	return false
}

func hasPriceDescendant(n *html.Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if isPriceNode(c) || hasPriceDescendant(c) {
			return true
		}
	}
	return false
}

// sectionFor derives a section label from the element, then up to three
// ancestors, then a "Section X" pattern in the element text.
func sectionFor(s *goquery.Selection) string {
	if name := sectionAttr(s); name != "" {
		return name
	}
	text := s.Text()
	if name := tierKeyword(text); name != "" {
		return name
	}

	parent := s.Parent()
	for i := 0; i < 3 && parent.Length() > 0; i++ {
		if name := sectionAttr(parent); name != "" {
			return name
		}
		class, _ := parent.Attr("class")
		if containsAny(strings.ToLower(class), contextMarkers) {
			if name := tierKeyword(parent.Text()); name != "" {
				return name
			}
		}
		parent = parent.Parent()
	}

	if m := sectionPattern.FindStringSubmatch(text); m != nil {
		return "Section " + strings.ToUpper(m[1])
	}
	return pricing.DefaultSection
}

func sectionAttr(s *goquery.Selection) string {
	for _, attr := range sectionAttrs {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func tierKeyword(text string) string {
	lower := strings.ToLower(text)
	switch {
	case gaPattern.MatchString(text):
		return "General Admission"
	case strings.Contains(lower, "floor"):
		return "Floor"
	case strings.Contains(lower, "vip"):
		return "VIP"
	case strings.Contains(lower, "premium"):
		return "Premium"
	}
	return ""
}

// FreeText scans the visible page text for currency amounts.
func FreeText(doc *goquery.Document) []pricing.PricePoint {
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	var buf bytes.Buffer
	for _, n := range body.Nodes {
		visibleText(n, &buf)
	}

	var out []pricing.PricePoint
	for _, m := range pricing.FindTextPrices(buf.String()) {
		out = append(out, pricing.PricePoint{
			Section: pricing.DefaultSection,
			Amount:  m.Amount,
			Source:  pricing.SourceText,
			Raw:     m.Raw,
		})
	}
	return out
}

func visibleText(n *html.Node, buf *bytes.Buffer) {
	switch n.Type {
	case html.TextNode:
		buf.WriteString(n.Data)
		buf.WriteByte(' ')
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "template":
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visibleText(c, buf)
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
