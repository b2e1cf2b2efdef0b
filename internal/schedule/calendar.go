/**
 * @description
 * Calendar arithmetic for recurring donation schedules. Month steps clamp to the last
 * valid day of the target month (Jan 31 + 1 month = Feb 28/29) instead of rolling over,
 * and the same rule backs both the next-date computation and the dashboard interval label.
 */
package schedule

import (
	"fmt"
	"time"

	"github.com/donorhub/recurring-donation-service/internal/domain"
)

// Display labels for the canonical cadences.
const (
	LabelMonthly      = "Monthly"
	LabelQuarterly    = "Quarterly"
	LabelYearly       = "Yearly"
	LabelNotAvailable = "N/A"
)

var intervalMonths = map[domain.IntervalType]int{
	domain.IntervalMonthly:   1,
	domain.IntervalQuarterly: 3,
	domain.IntervalYearly:    12,
}

// IntervalMonths returns the number of calendar months in one cycle of the interval type.
func IntervalMonths(it domain.IntervalType) (int, error) {
	months, ok := intervalMonths[it]
	if !ok {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnsupportedInterval, string(it))
	}
	return months, nil
}

// DateOf truncates t to its calendar date, expressed as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonths moves t forward (or back, for negative n) by n calendar months, keeping the
// time of day and clamping the day-of-month to the length of the target month.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	target := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	if last := DaysIn(target.Year(), target.Month()); d > last {
		d = last
	}
	hh, mm, ss := t.Clock()
	return time.Date(target.Year(), target.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

// ComputeNextDonationDate returns the next schedule date after from for the interval
// type. The result is always strictly after from.
func ComputeNextDonationDate(from time.Time, it domain.IntervalType) (time.Time, error) {
	months, err := IntervalMonths(it)
	if err != nil {
		return time.Time{}, err
	}
	return AddMonths(from, months), nil
}

// Exhausted reports whether next falls after the inclusive end date. A nil end date
// never exhausts.
func Exhausted(next time.Time, endDate *time.Time) bool {
	if endDate == nil {
		return false
	}
	return DateOf(next).After(DateOf(*endDate))
}

// MonthsBetween counts the whole calendar months from start to end, using the same
// clamping rule as AddMonths. It returns a negative count when end precedes start.
func MonthsBetween(start, end time.Time) int {
	s, e := DateOf(start), DateOf(end)
	if e.Before(s) {
		return -MonthsBetween(end, start)
	}
	n := (e.Year()-s.Year())*12 + int(e.Month()-s.Month())
	for n > 0 && AddMonths(s, n).After(e) {
		n--
	}
	return n
}

// DeriveDisplayInterval renders the dashboard label for the span between two dates:
// Monthly, Quarterly and Yearly for exact 1, 3 and 12 month spans, "N months" otherwise,
// and N/A when either date is missing or the span runs backwards.
func DeriveDisplayInterval(start, end *time.Time) string {
	if start == nil || end == nil || start.IsZero() || end.IsZero() {
		return LabelNotAvailable
	}
	months := MonthsBetween(*start, *end)
	switch {
	case months < 0:
		return LabelNotAvailable
	case months == 1:
		return LabelMonthly
	case months == 3:
		return LabelQuarterly
	case months == 12:
		return LabelYearly
	default:
		return fmt.Sprintf("%d months", months)
	}
}
