package timeslot

import (
	"fmt"
	"time"
)

// DayOfWeek numbers weekdays 1=Sunday through 7=Saturday, matching the day
// positions inside a MinuteWeek.
func DayOfWeek(t time.Time) int {
	return int(t.Weekday()) + 1
}

// WeekOfMonth returns the calendar week position of t within its month.
// Week 1 runs from day 1 through the first Saturday; every later week is a
// Sunday-to-Saturday chunk. A trailing partial week takes the next ordinal,
// clamped to 5 so the result always addresses the five-week grid.
func WeekOfMonth(t time.Time) int {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	firstSaturday := daysPerWeek - int(first.Weekday())
	day := t.Day()
	if day <= firstSaturday {
		return 1
	}
	week := 1 + (day-firstSaturday+daysPerWeek-1)/daysPerWeek
	if week > weeksPerMonth {
		week = weeksPerMonth
	}
	return week
}

// calendarCell maps a real calendar date to its (week, day) cell.
func calendarCell(year, month, date int) (int, int, error) {
	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("month %d out of range 1..12", month)
	}
	if date < 1 || date > 31 {
		return 0, 0, fmt.Errorf("date %d out of range 1..31", date)
	}
	t := time.Date(year, time.Month(month), date, 0, 0, 0, 0, time.Local)
	if t.Day() != date {
		return 0, 0, fmt.Errorf("date %d does not exist in %d-%02d", date, year, month)
	}
	return WeekOfMonth(t), DayOfWeek(t), nil
}
