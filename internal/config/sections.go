package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SectionMap merges per-event section lists with the flat "sections" entries.
// Events without entries are absent from the map.
func (c *Config) SectionMap() (map[string][]string, error) {
	out := make(map[string][]string)
	add := func(eventID string, sections []string) {
		for _, s := range sections {
			s = strings.TrimSpace(s)
			if s == "" || containsFold(out[eventID], s) {
				continue
			}
			out[eventID] = append(out[eventID], s)
		}
	}

	for _, ev := range c.Events {
		add(ev.ID, ev.Sections)
	}
	for _, entry := range c.Sections {
		eventID, sections, err := ParseSectionEntry(entry)
		if err != nil {
			return nil, err
		}
		add(eventID, sections)
	}
	return out, nil
}

// ThresholdMap merges per-event section thresholds with the flat
// "section_thresholds" entries. Flat entries win on conflict.
func (c *Config) ThresholdMap() (map[string]map[string]decimal.Decimal, error) {
	out := make(map[string]map[string]decimal.Decimal)
	set := func(eventID, section string, price decimal.Decimal) {
		if out[eventID] == nil {
			out[eventID] = make(map[string]decimal.Decimal)
		}
		out[eventID][section] = price
	}

	for _, ev := range c.Events {
		for _, st := range ev.SectionThresholds {
			section := strings.TrimSpace(st.Section)
			if section == "" {
				return nil, fmt.Errorf("event %s: section threshold without section name", ev.ID)
			}
			if st.Threshold <= 0 {
				return nil, fmt.Errorf("event %s: threshold for %q must be positive", ev.ID, section)
			}
			set(ev.ID, section, decimal.NewFromFloat(st.Threshold))
		}
	}
	for _, entry := range c.SectionThresholds {
		eventID, section, price, err := ParseThresholdEntry(entry)
		if err != nil {
			return nil, err
		}
		set(eventID, section, price)
	}
	return out, nil
}

// ParseSectionEntry parses "eventId=Section A, Section B".
func ParseSectionEntry(entry string) (string, []string, error) {
	key, value, ok := strings.Cut(entry, "=")
	eventID := strings.TrimSpace(key)
	if !ok || eventID == "" {
		return "", nil, fmt.Errorf("invalid section entry %q (expected eventId=Section A, Section B)", entry)
	}
	var sections []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			sections = append(sections, s)
		}
	}
	if len(sections) == 0 {
		return "", nil, fmt.Errorf("section entry %q lists no sections", entry)
	}
	return eventID, sections, nil
}

// ParseThresholdEntry parses "eventId.Section Name=price".
func ParseThresholdEntry(entry string) (string, string, decimal.Decimal, error) {
	key, value, ok := strings.Cut(entry, "=")
	if !ok {
		return "", "", decimal.Zero, fmt.Errorf("invalid section threshold %q (expected eventId.section=price)", entry)
	}
	eventID, section, ok := strings.Cut(strings.TrimSpace(key), ".")
	eventID = strings.TrimSpace(eventID)
	section = strings.TrimSpace(section)
	if !ok || eventID == "" || section == "" {
		return "", "", decimal.Zero, fmt.Errorf("invalid section threshold key %q (expected eventId.section)", key)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "$")))
	if err != nil {
		return "", "", decimal.Zero, fmt.Errorf("invalid section threshold price in %q: %w", entry, err)
	}
	if !price.IsPositive() {
		return "", "", decimal.Zero, fmt.Errorf("section threshold in %q must be positive", entry)
	}
	return eventID, section, price, nil
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
