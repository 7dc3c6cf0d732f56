// Package types holds the value types shared by the download core, the
// source drivers and the report builder.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FilterKind selects which expiry date drives filtering and sorting.
type FilterKind string

const (
	// FilterDeviceLifetime filters by the fiscal storage (ФН) expiry date.
	FilterDeviceLifetime FilterKind = "fn"
	// FilterTariffExpiry filters by the date the register is paid up to.
	FilterTariffExpiry FilterKind = "tariff"
)

// Canonical date columns of the consolidated report.
const (
	ColumnFNExpiry  = "Окончание срока ФН"
	ColumnPaidUntil = "Касса оплачена до"
)

// DateLayout is the operator-facing date format.
const DateLayout = "02.01.2006"

// ParseFilterKind accepts the canonical names plus a few operator aliases.
func ParseFilterKind(raw string) (FilterKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "fn", "lifetime", "device", "фн":
		return FilterDeviceLifetime, nil
	case "tariff", "ofd", "офд":
		return FilterTariffExpiry, nil
	default:
		return "", errors.Errorf("unknown filter kind %q", raw)
	}
}

// DateColumn is the canonical column the filter applies to.
func (k FilterKind) DateColumn() string {
	if k == FilterTariffExpiry {
		return ColumnPaidUntil
	}
	return ColumnFNExpiry
}

// Label is the operator-facing description used in report notes.
func (k FilterKind) Label() string {
	if k == FilterTariffExpiry {
		return "Срок ОФД"
	}
	return "Срок ФН"
}

// DateRange is an inclusive calendar-day window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange truncates both bounds to days and rejects inverted ranges.
func NewDateRange(start, end time.Time) (DateRange, error) {
	start, end = day(start), day(end)
	if end.Before(start) {
		return DateRange{}, errors.Errorf("end date %s is before start date %s",
			end.Format(DateLayout), start.Format(DateLayout))
	}
	return DateRange{Start: start, End: end}, nil
}

// Contains reports whether t falls on a day within the range.
func (r DateRange) Contains(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	d := day(t)
	return !d.Before(day(r.Start)) && !d.After(day(r.End))
}

func (r DateRange) String() string {
	return fmt.Sprintf("%s-%s", r.Start.Format(DateLayout), r.End.Format(DateLayout))
}

// MonthRange returns the full calendar month offset months away from ref.
func MonthRange(ref time.Time, offset int) DateRange {
	first := time.Date(ref.Year(), ref.Month()+time.Month(offset), 1, 0, 0, 0, 0, ref.Location())
	last := first.AddDate(0, 1, -1)
	return DateRange{Start: first, End: last}
}

// ParseDate parses an operator-entered DD.MM.YYYY date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(raw), time.Local)
	if err != nil {
		return time.Time{}, errors.Errorf("date %q must be in DD.MM.YYYY format", raw)
	}
	return t, nil
}

// looseLayouts are the date renderings seen in portal exports.
var looseLayouts = []string{
	DateLayout,
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02/01/2006",
	"2.1.2006",
}

// ParseLooseDate accepts the date formats portals emit and returns the day
// part in local time.
func ParseLooseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("empty date")
	}
	for _, layout := range looseLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.Local), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognized date %q", raw)
}

// Preset names mirror the quick-choice menu offered to the operator.
const (
	PresetFNThisMonth     = "fn-this-month"
	PresetFNNextMonth     = "fn-next-month"
	PresetTariffThisMonth = "tariff-this-month"
	PresetTariffNextMonth = "tariff-next-month"
)

// Presets lists the supported preset names in menu order.
func Presets() []string {
	return []string{PresetFNThisMonth, PresetFNNextMonth, PresetTariffThisMonth, PresetTariffNextMonth}
}

// ResolvePreset maps a preset name to its filter kind and month window.
func ResolvePreset(name string, now time.Time) (FilterKind, DateRange, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PresetFNThisMonth:
		return FilterDeviceLifetime, MonthRange(now, 0), nil
	case PresetFNNextMonth:
		return FilterDeviceLifetime, MonthRange(now, 1), nil
	case PresetTariffThisMonth:
		return FilterTariffExpiry, MonthRange(now, 0), nil
	case PresetTariffNextMonth:
		return FilterTariffExpiry, MonthRange(now, 1), nil
	default:
		return "", DateRange{}, errors.Errorf("unknown preset %q (expected one of %s)",
			name, strings.Join(Presets(), ", "))
	}
}

func day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
