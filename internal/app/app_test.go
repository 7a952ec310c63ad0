package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-price-alerts/internal/config"
	"ticket-price-alerts/internal/pricing"
	"ticket-price-alerts/internal/service"
	"ticket-price-alerts/internal/storage"
)

func testApp(out *bytes.Buffer) *App {
	cfg := &config.Config{
		Monitor:   config.MonitorConfig{MinDropPercent: 10, CrossSourceDrops: true},
		Scheduler: config.SchedulerConfig{Interval: time.Hour, SummaryTime: "09:00", MaintenanceTime: "03:00"},
		Alerting:  config.AlertingConfig{Enabled: true},
		Export:    config.ExportConfig{MaxDataPoints: 100, Days: 30},
		Events: []config.EventConfig{
			{ID: "ev1", Name: "Arena Night", Venue: "Garden", Date: "2026-11-20", Threshold: 180},
		},
	}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a
}

func TestSimulateAlertWithLogChannel(t *testing.T) {
	var out bytes.Buffer
	a := testApp(&out)

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		EventID:  "ev1",
		Previous: decimal.NewFromInt(200),
		Current:  decimal.NewFromInt(150),
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Arena Night")
	assert.Contains(t, text, "$150.00")
	assert.Contains(t, text, "-25.00")
	assert.Contains(t, text, "sent")
}

func TestSimulateAlertNoCondition(t *testing.T) {
	var out bytes.Buffer
	a := testApp(&out)

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		EventID:  "ev1",
		Previous: decimal.NewFromInt(200),
		Current:  decimal.NewFromInt(195),
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "no alert condition met")
}

func TestSimulateAlertRejectsBadInput(t *testing.T) {
	var out bytes.Buffer
	a := testApp(&out)
	assert.Error(t, a.SimulateAlert(context.Background(), SimulateOptions{}))

	a.Config.Alerting.Enabled = false
	assert.Error(t, a.SimulateAlert(context.Background(), SimulateOptions{Current: decimal.NewFromInt(1)}))
}

func TestConfigEvents(t *testing.T) {
	events, err := configEvents([]config.EventConfig{
		{ID: "a", Name: "Show A", Date: "2026-11-20", Threshold: 99.5, URL: "https://tm.example/a"},
		{ID: "b"},
	}).ListEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "Show A", events[0].Name)
	require.NotNil(t, events[0].EventDate)
	assert.Equal(t, 2026, events[0].EventDate.Year())
	assert.True(t, events[0].Threshold.Equal(decimal.RequireFromString("99.5")))
	assert.Nil(t, events[1].EventDate)

	_, err = configEvents([]config.EventConfig{{ID: "bad", Date: "someday"}}).ListEvents(context.Background())
	assert.Error(t, err)
}

type recordingEventStore struct {
	upserted []storage.Event
}

func (r *recordingEventStore) UpsertEvent(_ context.Context, ev storage.Event) error {
	r.upserted = append(r.upserted, ev)
	return nil
}

func (r *recordingEventStore) GetEvent(context.Context, string) (*storage.Event, error) {
	return nil, nil
}

func (r *recordingEventStore) ListEvents(context.Context) ([]storage.Event, error) {
	return r.upserted, nil
}

func TestSyncEvents(t *testing.T) {
	store := &recordingEventStore{}
	require.NoError(t, syncEvents(context.Background(), store, []config.EventConfig{{ID: "a", Venue: "Garden"}, {ID: "b"}}))
	require.Len(t, store.upserted, 2)
	assert.Equal(t, "Garden", store.upserted[0].Venue)
}

func TestRenderSummary(t *testing.T) {
	var out bytes.Buffer
	renderSummary(&out, service.Summary{
		CycleID:       "c-1",
		Total:         2,
		PricesChecked: 1,
		AlertsSent:    1,
		Errors:        1,
		Results: []service.EventResult{
			{
				EventID: "ev1",
				Name:    "Arena Night",
				Status:  service.StatusFound,
				Sections: []service.SectionResult{{
					Section:     "General",
					Price:       decimal.NewFromInt(150),
					Source:      pricing.SourceTooltip,
					Previous:    decimal.NewNullDecimal(decimal.NewFromInt(200)),
					ChangePct:   decimal.NewNullDecimal(decimal.RequireFromString("-25")),
					Threshold:   decimal.NewFromInt(180),
					CrossSource: true,
				}},
				AlertSent: true,
			},
			{EventID: "ev2", Status: service.StatusError, Error: "event details: boom"},
		},
	})

	text := out.String()
	assert.Contains(t, text, "Cycle c-1")
	assert.Contains(t, text, "$200.00")
	assert.Contains(t, text, "-25.00")
	assert.Contains(t, text, "tooltip (cross-source)")
	assert.Contains(t, text, "error: event details: boom")

	out.Reset()
	renderSummary(&out, service.Summary{CycleID: "c-2", Skipped: true})
	assert.Contains(t, out.String(), "skipped")
}

func TestEncodeRecordsCSV(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, encodeRecordsCSV(&buf, []storage.PriceRecord{
		{EventID: "ev1", Section: "Floor", Price: decimal.RequireFromString("125.5"), Source: "tooltip", RecordedAt: at},
	}))

	assert.Equal(t, "recorded_at,event_id,section,price,source\n2026-05-01T12:00:00Z,ev1,Floor,125.50,tooltip\n", buf.String())
}

func TestRenderEmptyTables(t *testing.T) {
	var out bytes.Buffer
	renderPrices(&out, nil)
	renderAlerts(&out, nil)
	renderEvents(&out, nil)
	assert.Equal(t, "no prices recorded\nno alerts logged\nno events found\n", out.String())
}

func TestExportValidatesFlags(t *testing.T) {
	var out bytes.Buffer
	a := testApp(&out)
	assert.ErrorContains(t, a.Export(context.Background(), ExportOptions{EventID: "ev1"}), "--csv or --png")
	assert.ErrorContains(t, a.Export(context.Background(), ExportOptions{CSVPath: "x.csv"}), "--event")
	assert.ErrorContains(t, a.Export(context.Background(), ExportOptions{EventID: "ev1", CSVPath: "x.csv"}), "database not configured")
}
