package recurrence

import "time"

// MinLeadTime is the shortest distance between now and a generated deadline.
const MinLeadTime = 30 * time.Minute

// Next returns the first slot of rule, computed in loc, that lies at least lead
// after now. Weekly and monthly rules roll to the following week or month when
// the current period's slot is too close; monthly days are clamped to the
// length of the month they land in.
func Next(rule Rule, now time.Time, loc *time.Location, lead time.Duration) (time.Time, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	earliest := now.Add(lead)
	local := now.In(loc)
	y, m, d := local.Date()

	var candidate time.Time
	var step func(time.Time) time.Time

	switch rule.Pattern {
	case Daily:
		candidate = rule.At.on(y, m, d, loc)
		step = func(t time.Time) time.Time {
			ty, tm, td := t.In(loc).Date()
			return rule.At.on(ty, tm, td+1, loc)
		}
	case Weekly:
		offset := (int(*rule.DayOfWeek) - int(local.Weekday()) + 7) % 7
		candidate = rule.At.on(y, m, d+offset, loc)
		step = func(t time.Time) time.Time {
			ty, tm, td := t.In(loc).Date()
			return rule.At.on(ty, tm, td+7, loc)
		}
	case Monthly:
		candidate = rule.At.on(y, m, clampDay(y, m, rule.DayOfMonth), loc)
		step = func(t time.Time) time.Time {
			first := time.Date(t.In(loc).Year(), t.In(loc).Month()+1, 1, 0, 0, 0, 0, loc)
			ny, nm := first.Year(), first.Month()
			return rule.At.on(ny, nm, clampDay(ny, nm, rule.DayOfMonth), loc)
		}
	}

	// Bounded; a single step always clears any lead shorter than a day.
	for i := 0; i < 4 && candidate.Before(earliest); i++ {
		candidate = step(candidate)
	}
	return candidate, nil
}

// DayKey identifies the scheduling window of t: its calendar day in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}

// DayBounds returns the start of t's calendar day in loc and the start of the next.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	l := t.In(loc)
	start := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
	return start, time.Date(l.Year(), l.Month(), l.Day()+1, 0, 0, 0, 0, loc)
}

func clampDay(year int, month time.Month, day int) int {
	if last := daysInMonth(year, month); day > last {
		return last
	}
	return day
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
