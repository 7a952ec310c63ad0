package extract

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-price-alerts/internal/pricing"
)

var (
	decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
	ignoreRaw    = cmpopts.IgnoreFields(pricing.PricePoint{}, "Raw")
)

const eventPage = `<html><head>
<meta property="product:price:amount" content="89.50">
<script type="application/ld+json">{"@context":"https://schema.org","@type":"Event","offers":[{"price":"120.00"},{"lowPrice":95,"highPrice":450}]}</script>
<script type="application/ld+json">{ not json</script>
<style>.price { color: red }</style>
</head><body>
<div class="section-row" data-section="Floor"><span class="price">$200.00</span></div>
<div class="seat-zone"><p>VIP Lounge</p><span class="ticket-cost">$350</span></div>
<div data-price="75"></div>
<p>Tickets starting at $65 with fees.</p>
<script>var price = "$999";</script>
</body></html>`

func pt(section, amount string, src pricing.Source) pricing.PricePoint {
	return pricing.PricePoint{Section: section, Amount: decimal.RequireFromString(amount), Source: src}
}

func doc(t *testing.T, page string) *goquery.Document {
	t.Helper()
	d, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	require.NoError(t, err)
	return d
}

func TestPipelineRunsStrategiesInOrderAndDedupes(t *testing.T) {
	got, err := NewPipeline(zerolog.Nop()).ExtractHTML(eventPage)
	require.NoError(t, err)

	want := []pricing.PricePoint{
		pt("General", "89.50", pricing.SourceMeta),
		pt("General", "120", pricing.SourceJSONLD),
		pt("General", "95", pricing.SourceJSONLD),
		pt("General", "450", pricing.SourceJSONLD),
		pt("Floor", "200", pricing.SourceElement),
		pt("VIP", "350", pricing.SourceElement),
		pt("General", "75", pricing.SourceElement),
		pt("General", "200", pricing.SourceText),
		pt("General", "350", pricing.SourceText),
		pt("General", "65", pricing.SourceText),
	}
	if diff := cmp.Diff(want, got, decimalEqual, ignoreRaw); diff != "" {
		t.Fatalf("points mismatch (-want +got):\n%s", diff)
	}
}

func TestDedupeKeepsDistinctSections(t *testing.T) {
	in := []pricing.PricePoint{
		pt("Floor", "200", pricing.SourceElement),
		pt("Floor", "200.00", pricing.SourceText),
		pt("VIP", "200", pricing.SourceElement),
	}
	want := []pricing.PricePoint{
		pt("Floor", "200", pricing.SourceElement),
		pt("VIP", "200", pricing.SourceElement),
	}
	if diff := cmp.Diff(want, Dedupe(in), decimalEqual); diff != "" {
		t.Fatalf("dedupe mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, Dedupe(nil))
}

func TestJSONLDGraphAndScalarForms(t *testing.T) {
	page := `<html><head><script type="application/ld+json">
{"@graph":[{"@type":"Event","offers":{"price":"49.99","priceCurrency":"USD"}},{"@type":"Offer","priceRange":"$30 - $90"}]}
</script><script type="application/ld+json">[{"price":12},{"price":"free"}]</script></head><body></body></html>`

	got := JSONLD(doc(t, page))
	want := []pricing.PricePoint{
		pt("General", "49.99", pricing.SourceJSONLD),
		pt("General", "30", pricing.SourceJSONLD),
		pt("General", "12", pricing.SourceJSONLD),
	}
	if diff := cmp.Diff(want, got, decimalEqual, ignoreRaw); diff != "" {
		t.Fatalf("json-ld mismatch (-want +got):\n%s", diff)
	}
}

func TestPriceElementsSectionFromText(t *testing.T) {
	page := `<html><body>
<ul>
  <li class="listing-price">Sec 112 - $145.00</li>
  <li class="listing-price">Section 114 - $150.00</li>
  <li class="listing-price">Level 2 - $95</li>
  <li class="listing-price">Sec. 3b $40</li>
  <li class="listing-price">Sectional seating $55</li>
  <li class="listing-price">General Admission $60</li>
  <li><div class="price-box"><span class="amount">$80</span></div></li>
</ul>
</body></html>`

	got := PriceElements(doc(t, page))
	want := []pricing.PricePoint{
		pt("Section 112", "145", pricing.SourceElement),
		pt("Section 114", "150", pricing.SourceElement),
		pt("Section 2", "95", pricing.SourceElement),
		pt("Section 3B", "40", pricing.SourceElement),
		pt("General", "55", pricing.SourceElement),
		pt("General Admission", "60", pricing.SourceElement),
		pt("General", "80", pricing.SourceElement),
	}
	if diff := cmp.Diff(want, got, decimalEqual, ignoreRaw); diff != "" {
		t.Fatalf("elements mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, pricing.MatchesSection(got[1].Section, []string{"114"}))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcd", 2))
	assert.Equal(t, "€", truncate("€€", 4))
	assert.Equal(t, "", truncate("€", 2))
}

func TestPagesWithoutPricesYieldNothing(t *testing.T) {
	page := `<html><head><meta name="price" content="N/A"></head><body>
<div class="price">Sold out</div><p>Check back later.</p>
<script type="application/ld+json">{"offers":{"price":""}}</script>
</body></html>`

	got, err := NewPipeline(zerolog.Nop()).ExtractHTML(page)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFreeTextIgnoresScriptsAndOutOfRange(t *testing.T) {
	page := `<html><body><p>Parking $5</p><p>Suites 20,000 USD</p><p>Seats 95 dollars</p>
<noscript>$300</noscript><script>"$400"</script></body></html>`

	got := FreeText(doc(t, page))
	want := []pricing.PricePoint{pt("General", "95", pricing.SourceText)}
	if diff := cmp.Diff(want, got, decimalEqual, ignoreRaw); diff != "" {
		t.Fatalf("free text mismatch (-want +got):\n%s", diff)
	}
}

func TestMinBySection(t *testing.T) {
	min := MinBySection([]pricing.PricePoint{
		pt("Floor", "220", pricing.SourceElement),
		pt("Floor", "180", pricing.SourceText),
		pt("VIP", "400", pricing.SourceElement),
	})
	require.Len(t, min, 2)
	assert.Equal(t, "180", min["Floor"].Amount.String())
	assert.Equal(t, "400", min["VIP"].Amount.String())
}
