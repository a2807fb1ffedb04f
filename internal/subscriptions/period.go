package subscriptions

import (
	"fmt"
	"time"

	"paywall-service/internal/models"
)

// AddPeriod advances t by interval billing periods. Day and week periods are
// exact durations; month and year periods are calendar arithmetic with the
// day-of-month clamped to the target month's length, so Jan 31 plus one month
// is the last day of February, never March 2-3. Leap years follow the full
// Gregorian rule.
func AddPeriod(t time.Time, period string, interval int) (time.Time, error) {
	if interval <= 0 {
		interval = 1
	}
	switch period {
	case models.PeriodDay:
		return t.AddDate(0, 0, interval), nil
	case models.PeriodWeek:
		return t.AddDate(0, 0, 7*interval), nil
	case models.PeriodMonth:
		return addMonthsClamped(t, interval), nil
	case models.PeriodYear:
		return addMonthsClamped(t, 12*interval), nil
	default:
		return time.Time{}, fmt.Errorf("unknown billing period %q", period)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	total := int(month) - 1 + months
	targetYear := year + total/12
	targetMonth := time.Month(total%12 + 1)
	if last := daysInMonth(targetYear, targetMonth); day > last {
		day = last
	}
	return time.Date(targetYear, targetMonth, day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// daysInMonth exploits time.Date's normalization: day 0 of the next month is
// the last day of this one.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
