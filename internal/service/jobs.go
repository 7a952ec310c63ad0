package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ticket-price-alerts/internal/alerting"
	"ticket-price-alerts/internal/storage"
)

// SummarySender delivers the daily digest.
type SummarySender interface {
	SendSummary(ctx context.Context, summary alerting.Summary) error
}

// RetentionStore deletes rows past their retention.
type RetentionStore interface {
	DeletePricesBefore(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// Sweeper drops expired cache entries.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Pruner drops rate-limit records outside the window.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// ErrNoSummaryChannel is returned when no email channel can carry the summary.
var ErrNoSummaryChannel = errors.New("daily summary needs the email channel")

// BuildSummary assembles the digest from the latest recorded price of each
// event.
func (s *Service) BuildSummary(ctx context.Context) (alerting.Summary, error) {
	summary := alerting.Summary{Date: s.now()}
	if s.deps.Events == nil {
		return summary, fmt.Errorf("no event source configured")
	}
	events, err := s.deps.Events.ListEvents(ctx)
	if err != nil {
		return summary, fmt.Errorf("list events: %w", err)
	}

	for _, ev := range events {
		row := alerting.SummaryEvent{
			EventID:   ev.ID,
			Name:      ev.Name,
			Venue:     ev.Venue,
			EventDate: ev.EventDate,
			URL:       ev.URL,
			Threshold: s.thresholdFor(ev, ""),
		}
		if row.URL == "" {
			row.URL = EventPageURL(ev.ID)
		}
		if s.deps.History != nil {
			latest, err := s.deps.History.LatestPrice(ctx, ev.ID)
			if err != nil {
				s.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("latest price lookup failed")
			} else if latest != nil {
				row.CurrentPrice = decimal.NewNullDecimal(latest.Price)
				row.BelowThreshold = row.Threshold.IsPositive() && latest.Price.LessThanOrEqual(row.Threshold)
			}
		}
		summary.Events = append(summary.Events, row)
	}
	return summary, nil
}

// SendDailySummary builds and emails the digest and logs the attempt.
func (s *Service) SendDailySummary(ctx context.Context) error {
	if s.deps.Summary == nil {
		return ErrNoSummaryChannel
	}
	summary, err := s.BuildSummary(ctx)
	if err != nil {
		return err
	}
	if len(summary.Events) == 0 {
		s.logger.Info().Msg("no events tracked, skipping daily summary")
		return nil
	}

	sendErr := s.deps.Summary.SendSummary(ctx, summary)
	if s.deps.Alerts != nil {
		record := storage.AlertRecord{
			Kind:      storage.AlertKindSummary,
			Channel:   channelOf(s.deps.Summary),
			Recipient: recipients(s.deps.Summary),
			Subject:   fmt.Sprintf("daily summary (%d events)", len(summary.Events)),
			Success:   sendErr == nil,
			SentAt:    s.now().UTC(),
		}
		if sendErr != nil {
			msg := sendErr.Error()
			record.Error = &msg
		}
		if _, err := s.deps.Alerts.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist summary record")
		}
	}
	if sendErr != nil {
		return fmt.Errorf("send daily summary: %w", sendErr)
	}
	return nil
}

// MaintenanceReport counts what a maintenance run removed.
type MaintenanceReport struct {
	PricesDeleted  int64
	AlertsDeleted  int64
	CacheSwept     int64
	RecordsPruned  int64
	HistoryCutoff  time.Time
	AlertLogCutoff time.Time
}

// Maintain applies retention to history and the alert log, sweeps expired
// cache entries and prunes old rate-limit records. Every step runs; the
// errors are joined.
func (s *Service) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var (
		report MaintenanceReport
		errs   []error
		now    = s.now().UTC()
	)

	if s.deps.Retention != nil {
		if s.historyDays > 0 {
			report.HistoryCutoff = now.AddDate(0, 0, -s.historyDays)
			n, err := s.deps.Retention.DeletePricesBefore(ctx, report.HistoryCutoff)
			if err != nil {
				errs = append(errs, fmt.Errorf("delete old prices: %w", err))
			}
			report.PricesDeleted = n
		}
		if s.alertDays > 0 {
			report.AlertLogCutoff = now.AddDate(0, 0, -s.alertDays)
			n, err := s.deps.Retention.DeleteAlertsBefore(ctx, report.AlertLogCutoff)
			if err != nil {
				errs = append(errs, fmt.Errorf("delete old alerts: %w", err))
			}
			report.AlertsDeleted = n
		}
	}
	if s.deps.Cache != nil {
		n, err := s.deps.Cache.SweepExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep cache: %w", err))
		}
		report.CacheSwept = n
	}
	if s.deps.Limiter != nil {
		n, err := s.deps.Limiter.Prune(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune rate records: %w", err))
		}
		report.RecordsPruned = n
	}

	s.logger.Info().
		Int64("prices_deleted", report.PricesDeleted).
		Int64("alerts_deleted", report.AlertsDeleted).
		Int64("cache_swept", report.CacheSwept).
		Int64("records_pruned", report.RecordsPruned).
		Msg("maintenance completed")
	return report, errors.Join(errs...)
}

// RunDaily schedules the summary and maintenance jobs. It blocks until ctx
// is cancelled.
func (s *Service) RunDaily(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.deps.Scheduler.Daily(ctx, "maintenance", s.maintOffset, func(ctx context.Context, _ time.Time) error {
			_, err := s.Maintain(ctx)
			return err
		})
	})
	if s.summaryOn && s.deps.Summary != nil {
		g.Go(func() error {
			return s.deps.Scheduler.Daily(ctx, "summary", s.summaryOffset, func(ctx context.Context, _ time.Time) error {
				return s.SendDailySummary(ctx)
			})
		})
	}
	return g.Wait()
}

func channelOf(v any) string {
	if named, ok := v.(alerting.Named); ok {
		return named.Name()
	}
	return "email"
}
