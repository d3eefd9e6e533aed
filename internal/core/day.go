package core

import "time"

// FallbackDayType classifies a date when no calendar override exists
func FallbackDayType(date time.Time) string {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return DayTypeWeekend
	default:
		return DayTypeWeekday
	}
}

// StartOfDay truncates an instant to midnight in its own location
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the last second of the day holding t, in t's location
func EndOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

// SameDate reports whether two instants fall on the same calendar date
// after converting both into loc
func SameDate(a, b time.Time, loc *time.Location) bool {
	al, bl := a.In(loc), b.In(loc)
	ay, am, ad := al.Date()
	by, bm, bd := bl.Date()
	return ay == by && am == bm && ad == bd
}

// IsSchoolDay reports whether a date counts as a school day: a weekday
// with no holiday or vacation override
func IsSchoolDay(date time.Time, override string) bool {
	if FallbackDayType(date) != DayTypeWeekday {
		return false
	}
	return override != DayTypeHoliday && override != DayTypeVacation
}
