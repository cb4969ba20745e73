package reports

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coachdesk/coachdesk/internal/billing"
)

// Validate checks the filter once, before it is translated to SQL.
func (f HistoryFilter) Validate() error {
	if f.ClientID != nil && *f.ClientID <= 0 {
		return fmt.Errorf("%w: clientId must be positive", billing.ErrInvalidInput)
	}
	if f.Year != nil && (*f.Year < 1900 || *f.Year > 9999) {
		return fmt.Errorf("%w: year %d out of range", billing.ErrInvalidInput, *f.Year)
	}
	if f.Month != nil {
		if f.Year == nil {
			return fmt.Errorf("%w: month requires year", billing.ErrInvalidInput)
		}
		if *f.Month < 1 || *f.Month > 12 {
			return fmt.Errorf("%w: month must be between 1 and 12", billing.ErrInvalidInput)
		}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return fmt.Errorf("%w: to is before from", billing.ErrInvalidInput)
	}
	if f.Limit < 0 || f.Limit > MaxHistoryLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d", billing.ErrInvalidInput, MaxHistoryLimit)
	}
	return nil
}

// EffectiveLimit returns Limit or DefaultHistoryLimit when unset.
func (f HistoryFilter) EffectiveLimit() int {
	if f.Limit == 0 {
		return DefaultHistoryLimit
	}
	return f.Limit
}

// Build renders the filter as a WHERE clause over billing_ledger aliased as l.
// Conditions are emitted in a fixed order so equal filters always produce equal SQL.
func (f HistoryFilter) Build() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.ClientID != nil {
		add("l.client_id = ?", *f.ClientID)
	}
	if from, to, ok := f.calendarRange(); ok {
		add("l.payment_date >= ?", from)
		add("l.payment_date < ?", to)
	}
	if f.From != nil {
		add("l.payment_date >= ?", billing.DateOf(*f.From, f.From.Location()))
	}
	if f.To != nil {
		add("l.payment_date <= ?", billing.DateOf(*f.To, f.To.Location()))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// calendarRange turns Year/Month into a half-open date range.
func (f HistoryFilter) calendarRange() (time.Time, time.Time, bool) {
	if f.Year == nil {
		return time.Time{}, time.Time{}, false
	}
	if f.Month != nil {
		start := time.Date(*f.Year, time.Month(*f.Month), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), true
	}
	start := time.Date(*f.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, 0), true
}

// cacheKey renders the filter as stable cache key parts.
func (f HistoryFilter) cacheKey() []string {
	return []string{
		"reports", "history",
		optionalToken(f.ClientID, func(v int64) string { return strconv.FormatInt(v, 10) }),
		optionalToken(f.Year, strconv.Itoa),
		optionalToken(f.Month, strconv.Itoa),
		optionalToken(f.From, func(v time.Time) string { return v.Format(time.DateOnly) }),
		optionalToken(f.To, func(v time.Time) string { return v.Format(time.DateOnly) }),
		strconv.Itoa(f.EffectiveLimit()),
	}
}

func optionalToken[T any](v *T, format func(T) string) string {
	if v == nil {
		return "-"
	}
	return format(*v)
}
