package billing

import (
	"fmt"
	"time"
)

// NextDate advances from by one period of f using calendar arithmetic.
//
// A day-of-month missing from the target month rolls forward into the following month
// (Jan 31 + 1 month = Mar 2 in a leap year) exactly like time.Time.AddDate. Schedules already
// stored depend on this rule, so it must not change to clamping.
func NextDate(from time.Time, f Frequency) time.Time {
	switch f {
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0)
	case FrequencyQuarterly:
		return from.AddDate(0, 3, 0)
	case FrequencyBiannual:
		return from.AddDate(0, 6, 0)
	case FrequencyAnnual:
		return from.AddDate(1, 0, 0)
	}
	panic(fmt.Sprintf("billing: NextDate called with unvalidated frequency %q", string(f)))
}

// PeriodEnd returns the last day covered by a period whose successor starts at nextStart.
func PeriodEnd(nextStart time.Time) time.Time {
	return nextStart.AddDate(0, 0, -1)
}

// DateOf truncates t to its calendar date in loc, expressed as midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidInput, raw)
	}
	return t, nil
}
