package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Reasons a notification fires.
const (
	ReasonBelowThreshold  = "below_threshold"
	ReasonSignificantDrop = "significant_drop"
)

// Notification carries the context of one price alert.
type Notification struct {
	EventID       string
	EventName     string
	Venue         string
	EventDate     *time.Time
	URL           string
	Section       string
	PreviousPrice decimal.NullDecimal
	CurrentPrice  decimal.Decimal
	ChangePct     decimal.NullDecimal
	Threshold     decimal.Decimal
	Reasons       []string
	ObservedAt    time.Time
}

// Subject is the headline used by every channel.
func (n Notification) Subject() string {
	name := n.EventName
	if name == "" {
		name = n.EventID
	}
	return fmt.Sprintf("Price alert: %s now $%s", name, n.CurrentPrice.StringFixed(2))
}

// Delta returns current minus previous when a previous price is known.
func (n Notification) Delta() (decimal.Decimal, bool) {
	if !n.PreviousPrice.Valid {
		return decimal.Zero, false
	}
	return n.CurrentPrice.Sub(n.PreviousPrice.Decimal), true
}

// PurchaseURL falls back to a search link when the event has no URL.
func (n Notification) PurchaseURL() string {
	if n.URL != "" {
		return n.URL
	}
	q := n.EventName
	if q == "" {
		q = n.EventID
	}
	return "https://www.ticketmaster.com/search?q=" + strings.ReplaceAll(strings.TrimSpace(q), " ", "+")
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Named is implemented by notifiers that report a channel name.
type Named interface {
	Name() string
}

// ChannelName names n for the alert log.
func ChannelName(n Notifier) string {
	if named, ok := n.(Named); ok {
		return named.Name()
	}
	return "notifier"
}

// Multi fans a notification out to several channels. It succeeds when at
// least one channel does.
type Multi struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewMulti constructs a fan-out notifier.
func NewMulti(logger zerolog.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger.With().Str("component", "alert_multi").Logger()}
}

// Name lists the wrapped channels.
func (m *Multi) Name() string {
	names := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		names = append(names, ChannelName(n))
	}
	return strings.Join(names, ",")
}

// Len reports the number of channels.
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify implements Notifier.
func (m *Multi) Notify(ctx context.Context, note Notification) error {
	if len(m.notifiers) == 0 {
		return errors.New("no notification channels configured")
	}
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			m.logger.Warn().Err(err).Str("channel", ChannelName(n)).Str("event_id", note.EventID).Msg("channel delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", ChannelName(n), err))
		}
	}
	if len(errs) == len(m.notifiers) {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier only logs. It stands in when no channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Name implements Named.
func (l *LogNotifier) Name() string { return "log" }

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, note Notification) error {
	l.logger.Info().
		Str("event_id", note.EventID).
		Str("section", note.Section).
		Str("price", note.CurrentPrice.StringFixed(2)).
		Strs("reasons", note.Reasons).
		Msg(note.Subject())
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Ticket Price Alert]\n")
	name := note.EventName
	if name == "" {
		name = note.EventID
	}
	builder.WriteString(fmt.Sprintf("Event: %s\n", name))
	if note.Venue != "" {
		builder.WriteString(fmt.Sprintf("Venue: %s\n", note.Venue))
	}
	if note.EventDate != nil {
		builder.WriteString(fmt.Sprintf("Date: %s\n", note.EventDate.Format("Jan 2, 2006")))
	}
	if note.Section != "" {
		builder.WriteString(fmt.Sprintf("Section: %s\n", note.Section))
	}
	builder.WriteString(fmt.Sprintf("Price: $%s", note.CurrentPrice.StringFixed(2)))
	if note.PreviousPrice.Valid {
		builder.WriteString(fmt.Sprintf(" (was $%s", note.PreviousPrice.Decimal.StringFixed(2)))
		if note.ChangePct.Valid {
			builder.WriteString(fmt.Sprintf(", %s%%", note.ChangePct.Decimal.StringFixed(2)))
		}
		builder.WriteString(")")
	}
	builder.WriteString("\n")
	if note.Threshold.IsPositive() {
		builder.WriteString(fmt.Sprintf("Threshold: $%s\n", note.Threshold.StringFixed(2)))
	}
	if len(note.Reasons) > 0 {
		builder.WriteString(fmt.Sprintf("Why: %s\n", strings.Join(note.Reasons, ", ")))
	}
	builder.WriteString(note.PurchaseURL())
	return builder.String()
}

var (
	_ Notifier = (*Multi)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
