package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is a tracked event.
type Event struct {
	ID        string
	Name      string
	Venue     string
	EventDate *time.Time
	Threshold decimal.Decimal
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PriceRecord is one observed section price.
type PriceRecord struct {
	ID           int64
	EventID      string
	Section      string
	Price        decimal.Decimal
	Source       string
	TicketType   string
	Availability string
	RecordedAt   time.Time
}

// Alert kinds.
const (
	AlertKindPrice   = "alert"
	AlertKindSummary = "summary"
)

// AlertRecord logs one notification attempt, successful or not.
type AlertRecord struct {
	ID            int64
	EventID       *string
	Kind          string
	Channel       string
	Recipient     string
	Subject       string
	PreviousPrice decimal.NullDecimal
	CurrentPrice  decimal.NullDecimal
	Success       bool
	Error         *string
	SentAt        time.Time
}
