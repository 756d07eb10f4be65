// Package report aggregates stored sessions into overviews and exports.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRange is returned for malformed or oversized report ranges.
var ErrInvalidRange = errors.New("report: invalid range")

// Range modes
const (
	ModeDay    = "day"
	ModeWeek   = "week"
	ModeMonth  = "month"
	ModeCustom = "custom"
)

// MaxCustomDays is the longest accepted custom range.
const MaxCustomDays = 365

const dateLayout = "2006-01-02"

// Range is a half-open [Start, End) interval aligned to local midnights.
type Range struct {
	Mode   string
	Start  time.Time
	End    time.Time
	Anchor time.Time
}

// StartTs returns the range start as a unix timestamp.
func (r Range) StartTs() int64 { return r.Start.Unix() }

// EndTs returns the exclusive range end as a unix timestamp.
func (r Range) EndTs() int64 { return r.End.Unix() }

// LastDay returns the inclusive last calendar day of the range.
func (r Range) LastDay() time.Time { return r.End.AddDate(0, 0, -1) }

// Days returns the number of calendar days covered.
func (r Range) Days() int {
	days := 0
	for d := r.Start; d.Before(r.End); d = d.AddDate(0, 0, 1) {
		days++
	}
	if days < 1 {
		return 1
	}
	return days
}

// Contains reports whether ts falls inside the range.
func (r Range) Contains(ts int64) bool {
	return ts >= r.StartTs() && ts < r.EndTs()
}

// ResolveRange turns query parameters into a concrete range in now's
// location. Dates use YYYY-MM-DD; the custom end date is inclusive.
func ResolveRange(mode, anchor, start, end string, now time.Time) (Range, error) {
	loc := now.Location()

	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeDay
	}

	anchorDate := midnight(now)
	if strings.TrimSpace(anchor) != "" {
		d, err := parseDate(anchor, "anchor_date", loc)
		if err != nil {
			return Range{}, err
		}
		anchorDate = d
	}

	switch mode {
	case ModeDay:
		return Range{Mode: mode, Start: anchorDate, End: anchorDate.AddDate(0, 0, 1), Anchor: anchorDate}, nil

	case ModeWeek:
		// Weeks start on Monday.
		offset := (int(anchorDate.Weekday()) + 6) % 7
		s := anchorDate.AddDate(0, 0, -offset)
		return Range{Mode: mode, Start: s, End: s.AddDate(0, 0, 7), Anchor: anchorDate}, nil

	case ModeMonth:
		s := time.Date(anchorDate.Year(), anchorDate.Month(), 1, 0, 0, 0, 0, loc)
		return Range{Mode: mode, Start: s, End: s.AddDate(0, 1, 0), Anchor: anchorDate}, nil

	case ModeCustom:
		if strings.TrimSpace(start) == "" || strings.TrimSpace(end) == "" {
			return Range{}, fmt.Errorf("%w: custom mode requires start_date and end_date", ErrInvalidRange)
		}
		s, err := parseDate(start, "start_date", loc)
		if err != nil {
			return Range{}, err
		}
		e, err := parseDate(end, "end_date", loc)
		if err != nil {
			return Range{}, err
		}
		if e.Before(s) {
			return Range{}, fmt.Errorf("%w: end_date is before start_date", ErrInvalidRange)
		}

		r := Range{Mode: mode, Start: s, End: e.AddDate(0, 0, 1), Anchor: anchorDate}
		if r.Days() > MaxCustomDays {
			return Range{}, fmt.Errorf("%w: custom range exceeds %d days", ErrInvalidRange, MaxCustomDays)
		}
		return r, nil

	default:
		return Range{}, fmt.Errorf("%w: mode must be day, week, month or custom", ErrInvalidRange)
	}
}

func parseDate(raw, field string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, strings.TrimSpace(raw), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must use YYYY-MM-DD", ErrInvalidRange, field)
	}
	return d, nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
