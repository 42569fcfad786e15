// Package period provides pure calendar-period calculations for quota resets
// and usage bucketing. All functions are deterministic with no side effects.
package period

import "time"

// Period identifies a reset/bucketing window.
type Period string

const (
	None    Period = "none" // never resets
	Hourly  Period = "hourly"
	Daily   Period = "daily"
	Weekly  Period = "weekly"
	Monthly Period = "monthly"
	Yearly  Period = "yearly"
)

// Valid reports whether p is a known period value.
func (p Period) Valid() bool {
	switch p {
	case None, Hourly, Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// Bounds describes one calendar window. End is inclusive (last representable
// instant of the window). NextReset is the start of the following window.
type Bounds struct {
	Start     time.Time
	End       time.Time
	NextReset time.Time
}

// BoundsAt returns the window containing t for period p.
// weekStart selects the first day of the week for Weekly periods.
// The second return value is false for None (no window exists).
// This is a PURE function.
func BoundsAt(p Period, t time.Time, weekStart time.Weekday) (Bounds, bool) {
	start, ok := StartOf(p, t, weekStart)
	if !ok {
		return Bounds{}, false
	}
	next := advance(p, start)
	return Bounds{
		Start:     start,
		End:       next.Add(-time.Nanosecond),
		NextReset: next,
	}, true
}

// StartOf returns the start of the window containing t.
// Returns false for None. This is a PURE function.
func StartOf(p Period, t time.Time, weekStart time.Weekday) (time.Time, bool) {
	loc := t.Location()
	switch p {
	case Hourly:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc), true
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), true
	case Weekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) - int(weekStart) + 7) % 7
		return day.AddDate(0, 0, -offset), true
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc), true
	case Yearly:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc), true
	}
	return time.Time{}, false
}

// NextResetAt returns the first reset instant strictly after t, or nil for
// None. This is a PURE function.
func NextResetAt(p Period, t time.Time, weekStart time.Weekday) *time.Time {
	b, ok := BoundsAt(p, t, weekStart)
	if !ok {
		return nil
	}
	next := b.NextReset
	return &next
}

// advance moves a window start forward by one window.
// AddDate normalizes overflow, so month/year arithmetic from a window start
// (always day 1) cannot drift across variable month lengths or leap years.
func advance(p Period, start time.Time) time.Time {
	switch p {
	case Hourly:
		return start.Add(time.Hour)
	case Daily:
		return start.AddDate(0, 0, 1)
	case Weekly:
		return start.AddDate(0, 0, 7)
	case Monthly:
		return start.AddDate(0, 1, 0)
	case Yearly:
		return start.AddDate(1, 0, 0)
	}
	return start
}
