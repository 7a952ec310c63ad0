package ticketing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-price-alerts/internal/backoff"
	"ticket-price-alerts/internal/cache"
	"ticket-price-alerts/internal/ratelimit"
	"ticket-price-alerts/internal/statestore"
)

const eventJSON = `{
  "id": "G5vYZ9",
  "name": "Arena Night",
  "url": "https://www.ticketmaster.com/event/G5vYZ9",
  "dates": {"start": {"localDate": "2026-11-20", "localTime": "19:30:00"}, "timezone": "America/New_York", "status": {"code": "onsale"}},
  "priceRanges": [
    {"type": "standard", "currency": "USD", "min": 89.5, "max": 250},
    {"type": "resale", "currency": "USD", "min": 64.25, "max": 900}
  ],
  "_embedded": {"venues": [{"name": "Garden", "city": {"name": "New York"}, "state": {"name": "New York"}, "country": {"name": "United States Of America"}}]}
}`

type harness struct {
	client  *Client
	store   *statestore.Store
	limiter *ratelimit.Limiter
	hits    *atomic.Int32
}

func newHarness(t *testing.T, handler func(hit int32, w http.ResponseWriter, r *http.Request), maxRequests int) *harness {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(hits.Add(1), w, r)
	}))
	t.Cleanup(srv.Close)

	store, err := statestore.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	limiter := ratelimit.New(store, ratelimit.Options{Service: "ticketmaster", MaxRequests: maxRequests, Window: time.Hour}, zerolog.Nop())
	responses := cache.New(store, cache.Options{DefaultTTL: time.Minute}, zerolog.Nop())
	bo := backoff.New(time.Millisecond, 2*time.Millisecond, 2).WithSeed(1)

	client := New(Options{
		APIKey:      "secret",
		BaseURL:     srv.URL,
		Timeout:     2 * time.Second,
		MaxWait:     time.Second,
		MaxAttempts: 3,
	}, limiter, responses, bo, zerolog.Nop())
	return &harness{client: client, store: store, limiter: limiter, hits: &hits}
}

func TestEventDetailsParsesAndCaches(t *testing.T) {
	h := newHarness(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/G5vYZ9.json", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))
		assert.Equal(t, "TixScanner/1.0 (Ticket Price Monitor)", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(eventJSON))
	}, 10)
	ctx := context.Background()

	ev, err := h.client.EventDetails(ctx, "G5vYZ9")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "Arena Night", ev.Name)
	assert.Equal(t, "onsale", ev.Status)
	assert.Equal(t, "Garden", ev.Venue)
	assert.Equal(t, "New York", ev.City)

	lowest, ok := ev.MinPrice()
	require.True(t, ok)
	assert.True(t, lowest.Equal(decimal.RequireFromString("64.25")), lowest.String())

	date, ok := ev.Date()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 11, 20, 19, 30, 0, 0, time.UTC), date)

	again, err := h.client.EventDetails(ctx, "G5vYZ9")
	require.NoError(t, err)
	assert.Equal(t, ev, again)
	assert.Equal(t, int32(1), h.hits.Load(), "second call served from cache")

	usage, err := h.client.UsageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.RateLimit.Used)
	assert.Equal(t, int64(1), usage.Cache.Active)
}

func TestEventDetailsNotFound(t *testing.T) {
	h := newHarness(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, 10)

	ev, err := h.client.EventDetails(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, ev)

	prices, err := h.client.TicketPrices(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, prices)
	assert.Equal(t, int32(2), h.hits.Load(), "404 is not cached")
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	h := newHarness(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"fault":{"faultstring":"Invalid ApiKey"}}`))
	}, 10)

	_, err := h.client.EventDetails(context.Background(), "G5vYZ9")
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, int32(1), h.hits.Load())
}

func TestRetriesRateLimitAndServerErrors(t *testing.T) {
	h := newHarness(t, func(hit int32, w http.ResponseWriter, _ *http.Request) {
		switch hit {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(eventJSON))
		}
	}, 10)

	ev, err := h.client.EventDetails(context.Background(), "G5vYZ9")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, int32(3), h.hits.Load())

	n, err := h.store.CountSince(context.Background(), "ticketmaster", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n, "every attempt is recorded")
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, 10)

	_, err := h.client.EventDetails(context.Background(), "G5vYZ9")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(3), h.hits.Load())
}

func TestOtherStatusIsAPIError(t *testing.T) {
	h := newHarness(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"code":"DIS1004","detail":"Resource not found with provided criteria"}]}`))
	}, 10)

	_, err := h.client.EventDetails(context.Background(), "G5vYZ9")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "Resource not found with provided criteria", apiErr.Message)
	assert.Equal(t, int32(1), h.hits.Load())
}

func TestLongErrorBodyIsCutOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", 199) + strings.Repeat("é", 10)
	err := parseHTTPError(http.StatusBadRequest, []byte(body))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, strings.Repeat("a", 199), apiErr.Message)
	assert.True(t, utf8.ValidString(apiErr.Message))
}

func TestExhaustedQuotaDefers(t *testing.T) {
	h := newHarness(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(eventJSON))
	}, 1)
	require.NoError(t, h.limiter.Record(context.Background()))

	_, err := h.client.EventDetails(context.Background(), "G5vYZ9")
	assert.ErrorIs(t, err, ratelimit.ErrMustDefer)
	assert.Zero(t, h.hits.Load(), "no request when quota is exhausted")
}

func TestSearchEvents(t *testing.T) {
	h := newHarness(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/events.json", r.URL.Path)
		assert.Equal(t, "taylor", q.Get("keyword"))
		assert.Equal(t, "Chicago", q.Get("city"))
		assert.Equal(t, "200", q.Get("size"))
		assert.Equal(t, "date,asc", q.Get("sort"))
		_, _ = w.Write([]byte(`{"_embedded":{"events":[` + eventJSON + `,{"name":"no id"}]}}`))
	}, 10)

	results, err := h.client.SearchEvents(context.Background(), SearchParams{Keyword: " taylor ", City: "Chicago", Size: 500})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "G5vYZ9", results[0].ID)

	_, err = h.client.SearchEvents(context.Background(), SearchParams{Keyword: "taylor", City: "Chicago", Size: 500})
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.hits.Load())
}

func TestMissingAPIKey(t *testing.T) {
	c := New(Options{}, nil, nil, nil, zerolog.Nop())
	_, err := c.EventDetails(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestMinPriceSkipsMissingMinimums(t *testing.T) {
	ev := &EventDetails{PriceRanges: []PriceRange{
		{Type: "standard"},
		{Type: "zero", Min: decimal.NewNullDecimal(decimal.Zero)},
		{Type: "vip", Min: decimal.NewNullDecimal(decimal.NewFromInt(300))},
	}}
	lowest, ok := ev.MinPrice()
	require.True(t, ok)
	assert.True(t, lowest.Equal(decimal.NewFromInt(300)))

	_, ok = (&EventDetails{}).MinPrice()
	assert.False(t, ok)
}
