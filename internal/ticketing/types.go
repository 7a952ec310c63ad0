package ticketing

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceRange is one priceRanges entry of a Discovery event.
type PriceRange struct {
	Type     string              `json:"type"`
	Currency string              `json:"currency"`
	Min      decimal.NullDecimal `json:"min"`
	Max      decimal.NullDecimal `json:"max"`
}

// EventDetails is the subset of a Discovery event the monitor uses.
type EventDetails struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	URL         string       `json:"url"`
	Status      string       `json:"status"`
	LocalDate   string       `json:"local_date,omitempty"`
	LocalTime   string       `json:"local_time,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
	Venue       string       `json:"venue,omitempty"`
	City        string       `json:"city,omitempty"`
	State       string       `json:"state,omitempty"`
	Country     string       `json:"country,omitempty"`
	PriceRanges []PriceRange `json:"price_ranges,omitempty"`
}

// MinPrice returns the lowest positive minimum across price ranges.
func (e *EventDetails) MinPrice() (decimal.Decimal, bool) {
	if e == nil {
		return decimal.Zero, false
	}
	var (
		best  decimal.Decimal
		found bool
	)
	for _, pr := range e.PriceRanges {
		if !pr.Min.Valid || !pr.Min.Decimal.IsPositive() {
			continue
		}
		if !found || pr.Min.Decimal.LessThan(best) {
			best = pr.Min.Decimal
			found = true
		}
	}
	return best, found
}

// Date parses the local start date, if any.
func (e *EventDetails) Date() (time.Time, bool) {
	if e == nil || e.LocalDate == "" {
		return time.Time{}, false
	}
	raw := e.LocalDate
	layout := "2006-01-02"
	if e.LocalTime != "" {
		raw += "T" + e.LocalTime
		layout = "2006-01-02T15:04:05"
	}
	t, err := time.Parse(layout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SearchParams narrows an event search.
type SearchParams struct {
	Keyword        string
	City           string
	StateCode      string
	Classification string
	Start          time.Time
	End            time.Time
	Size           int
	Page           int
}

const maxPageSize = 200

func (p SearchParams) query() map[string]string {
	size := p.Size
	if size <= 0 {
		size = 20
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	q := map[string]string{
		"size": strconv.Itoa(size),
		"page": strconv.Itoa(max(p.Page, 0)),
		"sort": "date,asc",
	}
	if kw := strings.TrimSpace(p.Keyword); kw != "" {
		q["keyword"] = kw
	}
	if p.City != "" {
		q["city"] = p.City
	}
	if p.StateCode != "" {
		q["stateCode"] = p.StateCode
	}
	if p.Classification != "" {
		q["classificationName"] = p.Classification
	}
	if !p.Start.IsZero() {
		q["startDateTime"] = p.Start.UTC().Format("2006-01-02T15:04:05Z")
	}
	if !p.End.IsZero() {
		q["endDateTime"] = p.End.UTC().Format("2006-01-02T15:04:05Z")
	}
	return q
}

type apiEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Dates struct {
		Start struct {
			LocalDate string `json:"localDate"`
			LocalTime string `json:"localTime"`
		} `json:"start"`
		Timezone string `json:"timezone"`
		Status   struct {
			Code string `json:"code"`
		} `json:"status"`
	} `json:"dates"`
	PriceRanges []PriceRange `json:"priceRanges"`
	Embedded    struct {
		Venues []struct {
			Name string `json:"name"`
			City struct {
				Name string `json:"name"`
			} `json:"city"`
			State struct {
				Name string `json:"name"`
			} `json:"state"`
			Country struct {
				Name string `json:"name"`
			} `json:"country"`
		} `json:"venues"`
	} `json:"_embedded"`
}

type searchResponse struct {
	Embedded struct {
		Events []apiEvent `json:"events"`
	} `json:"_embedded"`
}

type errorResponse struct {
	Fault struct {
		FaultString string `json:"faultstring"`
	} `json:"fault"`
	Errors []struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	} `json:"errors"`
	Message string `json:"message"`
}

func (a apiEvent) details() EventDetails {
	out := EventDetails{
		ID:          a.ID,
		Name:        a.Name,
		URL:         a.URL,
		Status:      a.Dates.Status.Code,
		LocalDate:   a.Dates.Start.LocalDate,
		LocalTime:   a.Dates.Start.LocalTime,
		Timezone:    a.Dates.Timezone,
		PriceRanges: a.PriceRanges,
	}
	if out.Status == "" {
		out.Status = "unknown"
	}
	if len(a.Embedded.Venues) > 0 {
		v := a.Embedded.Venues[0]
		out.Venue = v.Name
		out.City = v.City.Name
		out.State = v.State.Name
		out.Country = v.Country.Name
	}
	return out
}
