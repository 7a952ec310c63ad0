package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"$1,234.56":      "1234.56",
		"  $89 ":         "89",
		"€45.5":          "45.5",
		"£120.00 each":   "120",
		"from $75.25+":   "75.25",
		"Price: 2,500":   "2500",
		"150 USD":        "150",
		"$12.345":        "12.34",
	}
	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			got, ok := ParseAmount(in)
			require.True(t, ok)
			assert.True(t, decimal.RequireFromString(want).Equal(got), "got %s", got)
		})
	}
}

func TestParseAmountRejectsUnparsable(t *testing.T) {
	for _, in := range []string{"", "abc", "$", "N/A", "  ", "Sold out"} {
		_, ok := ParseAmount(in)
		assert.False(t, ok, "%q", in)
	}
}

func TestFindTextPricesFiltersRange(t *testing.T) {
	text := "Parking $5. Tickets from $89.00 and up. Suites 15000 USD. Floor seats 250 dollars."
	matches := FindTextPrices(text)

	var amounts []string
	for _, m := range matches {
		amounts = append(amounts, m.Amount.StringFixed(2))
	}
	assert.Contains(t, amounts, "89.00")
	assert.Contains(t, amounts, "250.00")
	assert.NotContains(t, amounts, "5.00")
	assert.NotContains(t, amounts, "15000.00")
}

func TestParseTooltip(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Section 101\nPrice: $125.50", "125.50", true},
		{"Tickets from $89+", "89", true},
		{"as low as $45", "45", true},
		{"150 USD per ticket", "150", true},
		{"$1,200.00+", "1200", true},
		{"Price: $3", "", false},
		{"No tickets available", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := ParseTooltip(tc.in)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.True(t, decimal.RequireFromString(tc.want).Equal(got), "got %s", got)
			}
		})
	}
}

func TestSourceClass(t *testing.T) {
	assert.Equal(t, "api", SourceAPI.Class())
	for _, s := range []Source{SourceMeta, SourceJSONLD, SourceElement, SourceText, SourceTooltip} {
		assert.Equal(t, "scraped", s.Class())
	}
}

func TestMatchesSection(t *testing.T) {
	cases := []struct {
		found   string
		targets []string
		want    bool
	}{
		{"Floor", []string{"floor"}, true},
		{"GA Floor Standing", []string{"Floor"}, true},
		{"General Admission", []string{"General"}, true},
		{"VIP Box 3", []string{"VIP Package"}, true},
		{"Section 101", []string{"101"}, true},
		{"Section 145", []string{"100s"}, true},
		{"Section 245", []string{"100s"}, false},
		{"Section 101", []string{"102"}, false},
		{"Balcony", []string{"Floor", "Lower Bowl"}, false},
		{"", []string{"Floor"}, false},
		{"Floor", nil, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchesSection(tc.found, tc.targets), "%q vs %v", tc.found, tc.targets)
	}
}
