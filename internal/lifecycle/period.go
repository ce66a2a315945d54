package lifecycle

import (
	"time"

	"entitle/internal/types"
)

// DueDateConfig holds the association's defaults for computing due dates.
type DueDateConfig struct {
	// AnnualDueMonth/AnnualDueDay default the due date of an annual due.
	// The association's fiscal convention is March 31.
	AnnualDueMonth time.Month
	AnnualDueDay   int
	// MonthlyDueDay is the day-of-month for monthly dues, clamped to the
	// last day of short months.
	MonthlyDueDay int
}

// DefaultDueDateConfig returns the standard association due-date rules.
func DefaultDueDateConfig() DueDateConfig {
	return DueDateConfig{
		AnnualDueMonth: time.March,
		AnnualDueDay:   31,
		MonthlyDueDay:  10,
	}
}

// ComputeWindow returns the validity window for a subscription approved at
// start with the given plan duration. The end date is start plus
// durationMonths calendar months, clamped to the last valid day of the
// target month so that e.g. Aug 31 + 6 months lands on the last day of
// February instead of overflowing into March.
func ComputeWindow(start time.Time, durationMonths int) (time.Time, time.Time, error) {
	if durationMonths < 1 {
		return time.Time{}, time.Time{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPlan,
			"plan duration must be at least one month",
			nil,
			map[string]any{"duration_months": durationMonths},
		)
	}
	return start, addMonthsClamped(start, durationMonths), nil
}

// ComputeDueDate returns the due date for a period. Annual dues (nil month)
// fall on the configured annual date of that year; monthly dues fall on the
// configured day of the period's month, clamped to the month's length.
func ComputeDueDate(period types.PeriodKey, cfg DueDateConfig) (time.Time, error) {
	if period.Year < 1 {
		return time.Time{}, types.NewAppError(
			types.ErrCodeValidationInvalidPeriod,
			"period year is required",
			nil,
		)
	}
	if period.Month == nil {
		day := clampDay(period.Year, cfg.AnnualDueMonth, cfg.AnnualDueDay)
		return time.Date(period.Year, cfg.AnnualDueMonth, day, 0, 0, 0, 0, time.UTC), nil
	}
	m := *period.Month
	if m < 1 || m > 12 {
		return time.Time{}, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPeriod,
			"period month must be between 1 and 12",
			nil,
			map[string]any{"month": m},
		)
	}
	day := clampDay(period.Year, time.Month(m), cfg.MonthlyDueDay)
	return time.Date(period.Year, time.Month(m), day, 0, 0, 0, 0, time.UTC), nil
}

// addMonthsClamped adds calendar months without the normalization overflow
// of time.AddDate. If the source day does not exist in the target month the
// result is clamped to the target month's last day.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	total := int(month) - 1 + months
	targetYear := year + total/12
	targetMonth := time.Month(total%12 + 1)
	day = min(day, daysInMonth(targetYear, targetMonth))
	return time.Date(targetYear, targetMonth, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func clampDay(year int, month time.Month, day int) int {
	return min(day, daysInMonth(year, month))
}

// daysInMonth exploits time.Date normalization: day 0 of the next month is
// the last day of this one.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
