// Package ticketing talks to the Ticketmaster Discovery API. Every request
// goes through the response cache and the persistent rate limiter.
package ticketing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"ticket-price-alerts/internal/backoff"
	"ticket-price-alerts/internal/cache"
	"ticket-price-alerts/internal/ratelimit"
	"ticket-price-alerts/internal/version"
)

const DefaultBaseURL = "https://app.ticketmaster.com/discovery/v2"

var (
	ErrAuthentication = errors.New("ticketing: authentication failed, check the API key")
	ErrRateLimited    = errors.New("ticketing: rate limited by API")
	ErrNoAPIKey       = errors.New("ticketing: API key not configured")
)

// APIError is a non-success response that is not otherwise classified.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ticketing api error (%d)", e.Status)
	}
	return fmt.Sprintf("ticketing api error (%d): %s", e.Status, e.Message)
}

// Options parameterise the client.
type Options struct {
	APIKey      string
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	MaxWait     time.Duration
	MaxAttempts int
	CacheTTL    time.Duration
	SearchTTL   time.Duration
}

// Usage reports API quota and cache health.
type Usage struct {
	RateLimit ratelimit.Stats `json:"rate_limit"`
	Cache     cache.Stats     `json:"cache"`
}

// Client is a Discovery API client.
type Client struct {
	opts    Options
	http    *resty.Client
	limiter *ratelimit.Limiter
	cache   *cache.Cache
	backoff *backoff.Backoff
	logger  zerolog.Logger
}

// New constructs a client. limiter and responses may be nil.
func New(opts Options, limiter *ratelimit.Limiter, responses *cache.Cache, bo *backoff.Backoff, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Minute
	}
	if opts.SearchTTL <= 0 {
		opts.SearchTTL = 15 * time.Minute
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = version.DefaultUserAgent
	}
	if bo == nil {
		bo = backoff.New(0, 0, 0)
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseURL)
	client.SetTimeout(opts.Timeout)
	client.SetHeader("User-Agent", ua)
	client.SetHeader("Accept", "application/json")

	return &Client{
		opts:    opts,
		http:    client,
		limiter: limiter,
		cache:   responses,
		backoff: bo,
		logger:  logger.With().Str("component", "ticketing").Logger(),
	}
}

// EventDetails fetches one event. A missing event yields nil, nil.
func (c *Client) EventDetails(ctx context.Context, eventID string) (*EventDetails, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, errors.New("event id required")
	}
	body, err := c.get(ctx, "/events/"+eventID+".json", nil, c.opts.CacheTTL)
	if err != nil || body == nil {
		return nil, err
	}

	var raw apiEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	details := raw.details()
	if details.ID == "" {
		details.ID = eventID
	}
	return &details, nil
}

// TicketPrices returns the price ranges published for an event.
func (c *Client) TicketPrices(ctx context.Context, eventID string) ([]PriceRange, error) {
	details, err := c.EventDetails(ctx, eventID)
	if err != nil || details == nil {
		return nil, err
	}
	var out []PriceRange
	for _, pr := range details.PriceRanges {
		if pr.Min.Valid {
			out = append(out, pr)
		}
	}
	return out, nil
}

// SearchEvents runs an event search. Results are cached for SearchTTL.
func (c *Client) SearchEvents(ctx context.Context, params SearchParams) ([]EventDetails, error) {
	body, err := c.get(ctx, "/events.json", params.query(), c.opts.SearchTTL)
	if err != nil || body == nil {
		return nil, err
	}

	var res searchResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode search: %w", err)
	}
	out := make([]EventDetails, 0, len(res.Embedded.Events))
	for _, ev := range res.Embedded.Events {
		if ev.ID == "" {
			continue
		}
		out = append(out, ev.details())
	}
	c.logger.Info().Str("keyword", params.Keyword).Int("results", len(out)).Msg("event search finished")
	return out, nil
}

// UsageStats reports limiter and cache state.
func (c *Client) UsageStats(ctx context.Context) (Usage, error) {
	var u Usage
	if c.limiter != nil {
		u.RateLimit = c.limiter.Stats(ctx)
	}
	if c.cache != nil {
		st, err := c.cache.Stats(ctx)
		if err != nil {
			return u, err
		}
		u.Cache = st
	}
	return u, nil
}

// ClearCache drops every cached response.
func (c *Client) ClearCache(ctx context.Context) (int64, error) {
	if c.cache == nil {
		return 0, nil
	}
	return c.cache.Clear(ctx)
}

// get returns the body of a 200 response, or nil, nil on 404.
func (c *Client) get(ctx context.Context, endpoint string, params map[string]string, ttl time.Duration) ([]byte, error) {
	if c.opts.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	key := cache.Fingerprint(c.opts.BaseURL+endpoint, params)
	if c.cache != nil {
		if body, ok := c.cache.Get(ctx, key); ok {
			c.logger.Debug().Str("endpoint", endpoint).Msg("cache hit")
			return body, nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug().Err(lastErr).Int("attempt", attempt+1).Str("endpoint", endpoint).Msg("retrying api request")
			if err := c.backoff.Sleep(ctx, attempt-1); err != nil {
				return nil, err
			}
		}

		body, err := c.do(ctx, endpoint, params)
		if err == nil {
			if body != nil && c.cache != nil {
				if err := c.cache.Set(ctx, key, body, ttl); err != nil {
					c.logger.Warn().Err(err).Msg("cache write failed")
				}
			}
			return body, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", c.opts.MaxAttempts, lastErr)
}

func (c *Client) do(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.WaitIfNeeded(ctx, c.opts.MaxWait); err != nil {
			return nil, err
		}
		if err := c.limiter.Record(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("rate record failed")
		}
	}

	started := time.Now()
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetQueryParam("apikey", c.opts.APIKey).
		Get(endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &transportError{err: err}
	}
	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status", res.StatusCode()).
		Dur("elapsed", time.Since(started)).
		Msg("api request completed")

	switch status := res.StatusCode(); {
	case status == http.StatusOK:
		return res.Body(), nil
	case status == http.StatusUnauthorized:
		return nil, ErrAuthentication
	case status == http.StatusNotFound:
		c.logger.Info().Str("endpoint", endpoint).Msg("resource not found")
		return nil, nil
	case status == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, parseHTTPError(status, res.Body())
	}
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "ticketing transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= 500
}

func parseHTTPError(status int, payload []byte) error {
	var res errorResponse
	if err := json.Unmarshal(payload, &res); err == nil {
		switch {
		case res.Fault.FaultString != "":
			return &APIError{Status: status, Message: res.Fault.FaultString}
		case len(res.Errors) > 0 && res.Errors[0].Detail != "":
			return &APIError{Status: status, Message: res.Errors[0].Detail}
		case res.Message != "":
			return &APIError{Status: status, Message: res.Message}
		}
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return &APIError{Status: status, Message: msg}
}
