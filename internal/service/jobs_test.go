package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-price-alerts/internal/alerting"
	"ticket-price-alerts/internal/storage"
)

type fakeSummarySender struct {
	sent []alerting.Summary
	err  error
}

func (f *fakeSummarySender) Name() string       { return "email" }
func (f *fakeSummarySender) Recipients() string { return "fan@example.com" }

func (f *fakeSummarySender) SendSummary(_ context.Context, s alerting.Summary) error {
	f.sent = append(f.sent, s)
	return f.err
}

func TestSendDailySummary(t *testing.T) {
	h := newHarness(
		storage.Event{ID: "a", Name: "Show A", Threshold: dec("100")},
		storage.Event{ID: "b", Name: "Show B", URL: "https://tm.example/b"},
	)
	h.history.records = []storage.PriceRecord{{EventID: "a", Section: "General", Price: dec("90")}}
	sender := &fakeSummarySender{}

	svc, err := New(testConfig(), Deps{Events: h.events, History: h.history, Alerts: h.alerts, Summary: sender}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.SendDailySummary(context.Background()))

	require.Len(t, sender.sent, 1)
	rows := sender.sent[0].Events
	require.Len(t, rows, 2)
	assert.True(t, rows[0].CurrentPrice.Decimal.Equal(dec("90")))
	assert.True(t, rows[0].BelowThreshold)
	assert.Equal(t, "https://www.ticketmaster.com/event/a", rows[0].URL)
	assert.False(t, rows[1].CurrentPrice.Valid)
	assert.True(t, rows[1].Threshold.Equal(dec("180")), "falls back to the default threshold")
	assert.Equal(t, 1, sender.sent[0].BelowThreshold())

	require.Len(t, h.alerts.records, 1)
	rec := h.alerts.records[0]
	assert.Equal(t, storage.AlertKindSummary, rec.Kind)
	assert.Nil(t, rec.EventID)
	assert.Equal(t, "email", rec.Channel)
	assert.Equal(t, "fan@example.com", rec.Recipient)
	assert.True(t, rec.Success)
}

func TestSendDailySummaryFailureIsLogged(t *testing.T) {
	h := newHarness(storage.Event{ID: "a"})
	sender := &fakeSummarySender{err: errors.New("smtp down")}

	svc, err := New(testConfig(), Deps{Events: h.events, Alerts: h.alerts, Summary: sender}, zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorContains(t, svc.SendDailySummary(context.Background()), "smtp down")
	require.Len(t, h.alerts.records, 1)
	assert.False(t, h.alerts.records[0].Success)
}

func TestSendDailySummaryNeedsChannel(t *testing.T) {
	svc, err := New(testConfig(), Deps{Events: &fakeEvents{}}, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, svc.SendDailySummary(context.Background()), ErrNoSummaryChannel)
}

type fakeRetention struct {
	pricesBefore time.Time
	alertsBefore time.Time
	err          error
}

func (f *fakeRetention) DeletePricesBefore(_ context.Context, t time.Time) (int64, error) {
	f.pricesBefore = t
	return 12, nil
}

func (f *fakeRetention) DeleteAlertsBefore(_ context.Context, t time.Time) (int64, error) {
	f.alertsBefore = t
	return 3, f.err
}

type countFunc func(context.Context) (int64, error)

func (f countFunc) SweepExpired(ctx context.Context) (int64, error) { return f(ctx) }
func (f countFunc) Prune(ctx context.Context) (int64, error)        { return f(ctx) }

func TestMaintain(t *testing.T) {
	now := time.Date(2026, 6, 30, 3, 0, 0, 0, time.UTC)
	retention := &fakeRetention{err: errors.New("alert log locked")}
	svc, err := New(testConfig(), Deps{
		Retention: retention,
		Cache:     countFunc(func(context.Context) (int64, error) { return 7, nil }),
		Limiter:   countFunc(func(context.Context) (int64, error) { return 40, nil }),
	}, zerolog.Nop())
	require.NoError(t, err)
	svc.now = func() time.Time { return now }

	report, err := svc.Maintain(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert log locked")
	assert.Equal(t, int64(12), report.PricesDeleted)
	assert.Equal(t, int64(3), report.AlertsDeleted)
	assert.Equal(t, int64(7), report.CacheSwept)
	assert.Equal(t, int64(40), report.RecordsPruned)
	assert.Equal(t, now.AddDate(0, 0, -90), retention.pricesBefore)
	assert.Equal(t, now.AddDate(0, 0, -180), retention.alertsBefore)
}
