package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertEventSQL = `INSERT INTO events (
        event_id,
        name,
        venue,
        event_date,
        threshold_price,
        url
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (event_id) DO UPDATE
    SET
        name            = EXCLUDED.name,
        venue           = EXCLUDED.venue,
        event_date      = EXCLUDED.event_date,
        threshold_price = EXCLUDED.threshold_price,
        url             = EXCLUDED.url,
        updated_at      = NOW();`

	selectEventColumns = `SELECT
        event_id,
        name,
        venue,
        event_date,
        threshold_price::text,
        url,
        created_at,
        updated_at
    FROM events`

	getEventSQL   = selectEventColumns + ` WHERE event_id = $1;`
	listEventsSQL = selectEventColumns + ` ORDER BY COALESCE(event_date, 'infinity'::timestamptz), event_id;`

	insertPriceSQL = `INSERT INTO price_history (
        event_id,
        section,
        price,
        source,
        ticket_type,
        availability,
        recorded_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id;`

	selectPriceColumns = `SELECT
        id,
        event_id,
        section,
        price::text,
        source,
        ticket_type,
        availability,
        recorded_at
    FROM price_history`

	latestSectionPriceSQL = selectPriceColumns + `
    WHERE event_id = $1 AND section = $2
    ORDER BY recorded_at DESC, id DESC
    LIMIT 1;`

	latestPriceSQL = selectPriceColumns + `
    WHERE event_id = $1
    ORDER BY recorded_at DESC, id DESC
    LIMIT 1;`

	priceHistorySQL = selectPriceColumns + `
    WHERE event_id = $1 AND recorded_at >= $2
    ORDER BY recorded_at ASC, id ASC;`

	listRecentPricesSQL = selectPriceColumns + `
    ORDER BY recorded_at DESC, id DESC
    LIMIT $1;`

	deletePricesBeforeSQL = `DELETE FROM price_history WHERE recorded_at < $1;`

	insertAlertSQL = `INSERT INTO alert_log (
        event_id,
        kind,
        channel,
        recipient,
        subject,
        previous_price,
        current_price,
        success,
        error,
        sent_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, sent_at;`

	listRecentAlertsSQL = `SELECT
        id,
        event_id,
        kind,
        channel,
        recipient,
        subject,
        previous_price::text,
        current_price::text,
        success,
        error,
        sent_at
    FROM alert_log
    ORDER BY sent_at DESC, id DESC
    LIMIT $1;`

	lastAlertAtSQL = `SELECT MAX(sent_at) FROM alert_log
    WHERE event_id = $1 AND kind = 'alert' AND success;`

	deleteAlertsBeforeSQL = `DELETE FROM alert_log WHERE sent_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventStore defines operations for the tracked event registry.
type EventStore interface {
	UpsertEvent(ctx context.Context, ev Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context) ([]Event, error)
}

// PriceStore defines operations for price history.
type PriceStore interface {
	AddPriceRecord(ctx context.Context, rec PriceRecord) (PriceRecord, error)
	LatestSectionPrice(ctx context.Context, eventID, section string) (*PriceRecord, error)
	LatestPrice(ctx context.Context, eventID string) (*PriceRecord, error)
	PriceHistory(ctx context.Context, eventID string, days int) ([]PriceRecord, error)
	ListRecentPrices(ctx context.Context, limit int) ([]PriceRecord, error)
	DeletePricesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertStore defines operations for the notification log.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	LastAlertAt(ctx context.Context, eventID string) (*time.Time, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to events, prices, alerts and API state.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertEvent inserts or refreshes an event.
func (s *Store) UpsertEvent(ctx context.Context, ev Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if ev.ID == "" {
		return errors.New("event id required")
	}

	name := ev.Name
	if name == "" {
		name = ev.ID
	}
	_, execErr := pool.Exec(ctx, upsertEventSQL,
		ev.ID,
		name,
		ev.Venue,
		ev.EventDate,
		ev.Threshold.StringFixed(2),
		ev.URL,
	)
	if execErr != nil {
		return fmt.Errorf("upsert event: %w", execErr)
	}
	return nil
}

// GetEvent returns the event or nil when it is unknown.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	ev, scanErr := scanEvent(pool.QueryRow(ctx, getEventSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("get event: %w", scanErr)
	}
	return &ev, nil
}

// ListEvents lists events ordered by date.
func (s *Store) ListEvents(ctx context.Context) ([]Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEventsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		ev, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// AddPriceRecord persists one observation.
func (s *Store) AddPriceRecord(ctx context.Context, rec PriceRecord) (PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PriceRecord{}, err
	}
	if !rec.Price.IsPositive() {
		return PriceRecord{}, fmt.Errorf("price must be positive, got %s", rec.Price)
	}
	if rec.TicketType == "" {
		rec.TicketType = "primary"
	}
	if rec.Availability == "" {
		rec.Availability = "available"
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}

	if scanErr := pool.QueryRow(ctx, insertPriceSQL,
		rec.EventID,
		rec.Section,
		rec.Price.StringFixed(2),
		rec.Source,
		rec.TicketType,
		rec.Availability,
		rec.RecordedAt,
	).Scan(&rec.ID); scanErr != nil {
		return PriceRecord{}, fmt.Errorf("insert price record: %w", scanErr)
	}
	return rec, nil
}

// LatestSectionPrice returns the most recent record for an event section, or nil.
func (s *Store) LatestSectionPrice(ctx context.Context, eventID, section string) (*PriceRecord, error) {
	return s.queryOnePrice(ctx, latestSectionPriceSQL, eventID, section)
}

// LatestPrice returns the most recent record for an event across sections, or nil.
func (s *Store) LatestPrice(ctx context.Context, eventID string) (*PriceRecord, error) {
	return s.queryOnePrice(ctx, latestPriceSQL, eventID)
}

// PriceHistory lists records from the last days, oldest first.
func (s *Store) PriceHistory(ctx context.Context, eventID string, days int) ([]PriceRecord, error) {
	if days <= 0 {
		days = 30
	}
	since := s.now().AddDate(0, 0, -days)
	return s.queryPrices(ctx, priceHistorySQL, eventID, since)
}

// ListRecentPrices lists the newest records across events.
func (s *Store) ListRecentPrices(ctx context.Context, limit int) ([]PriceRecord, error) {
	return s.queryPrices(ctx, listRecentPricesSQL, limit)
}

// DeletePricesBefore removes history older than the cutoff.
func (s *Store) DeletePricesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deletePricesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete prices before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertAlert logs a notification attempt.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}
	if alert.SentAt.IsZero() {
		alert.SentAt = s.now()
	}

	if scanErr := pool.QueryRow(ctx, insertAlertSQL,
		alert.EventID,
		alert.Kind,
		alert.Channel,
		alert.Recipient,
		alert.Subject,
		nullableDecimal(alert.PreviousPrice),
		nullableDecimal(alert.CurrentPrice),
		alert.Success,
		alert.Error,
		alert.SentAt,
	).Scan(&alert.ID, &alert.SentAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return alert, nil
}

// ListRecentAlerts lists most recent notification attempts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec                  AlertRecord
			previousStr, current *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.EventID,
			&rec.Kind,
			&rec.Channel,
			&rec.Recipient,
			&rec.Subject,
			&previousStr,
			&current,
			&rec.Success,
			&rec.Error,
			&rec.SentAt,
		); err != nil {
			return nil, err
		}
		if rec.PreviousPrice, err = parseNullDecimal(previousStr); err != nil {
			return nil, fmt.Errorf("parse previous price: %w", err)
		}
		if rec.CurrentPrice, err = parseNullDecimal(current); err != nil {
			return nil, fmt.Errorf("parse current price: %w", err)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// LastAlertAt returns when the event last had a successful price alert.
func (s *Store) LastAlertAt(ctx context.Context, eventID string) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var at *time.Time
	if scanErr := pool.QueryRow(ctx, lastAlertAtSQL, eventID).Scan(&at); scanErr != nil {
		return nil, fmt.Errorf("last alert: %w", scanErr)
	}
	return at, nil
}

// DeleteAlertsBefore deletes historical alert log entries.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) queryOnePrice(ctx context.Context, query string, args ...any) (*PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rec, scanErr := scanPrice(pool.QueryRow(ctx, query, args...))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("latest price: %w", scanErr)
	}
	return &rec, nil
}

func (s *Store) queryPrices(ctx context.Context, query string, args ...any) ([]PriceRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list prices: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PriceRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPrice(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		ev           Event
		thresholdStr string
	)
	if err := row.Scan(
		&ev.ID,
		&ev.Name,
		&ev.Venue,
		&ev.EventDate,
		&thresholdStr,
		&ev.URL,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	); err != nil {
		return Event{}, err
	}
	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return Event{}, fmt.Errorf("parse threshold: %w", err)
	}
	ev.Threshold = threshold
	return ev, nil
}

func scanPrice(row pgx.Row) (PriceRecord, error) {
	var (
		rec      PriceRecord
		priceStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.EventID,
		&rec.Section,
		&priceStr,
		&rec.Source,
		&rec.TicketType,
		&rec.Availability,
		&rec.RecordedAt,
	); err != nil {
		return PriceRecord{}, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return PriceRecord{}, fmt.Errorf("parse price: %w", err)
	}
	rec.Price = price
	return rec, nil
}

func nullableDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.StringFixed(2)
}

func parseNullDecimal(raw *string) (decimal.NullDecimal, error) {
	if raw == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

var (
	_ EventStore     = (*Store)(nil)
	_ PriceStore     = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
