package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRule is wrapped by every rule parsing and validation error.
var ErrInvalidRule = errors.New("invalid recurrence rule")

type Pattern string

const (
	None    Pattern = "none"
	Daily   Pattern = "daily"
	Weekly  Pattern = "weekly"
	Monthly Pattern = "monthly"
)

// ParsePattern maps a stored pattern name to a Pattern. The empty string is None.
func ParsePattern(s string) (Pattern, error) {
	switch p := Pattern(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return None, nil
	case None, Daily, Weekly, Monthly:
		return p, nil
	}
	return None, fmt.Errorf("%w: unknown pattern %q", ErrInvalidRule, s)
}

var dayNames = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

var dayAbbrev = map[time.Weekday]string{
	time.Sunday:    "SU",
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
}

// TimeOfDay is a wall-clock time in the family's time zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS"; seconds are dropped.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q must be HH:MM", ErrInvalidRule, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("%w: invalid hour in %q", ErrInvalidRule, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: invalid minute in %q", ErrInvalidRule, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// on returns the instant of t on the given calendar day in loc. Day and month
// overflow is normalized by time.Date.
func (t TimeOfDay) on(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, t.Hour, t.Minute, 0, 0, loc)
}

type Rule struct {
	Pattern    Pattern
	At         TimeOfDay
	DayOfWeek  *time.Weekday // weekly only
	DayOfMonth int           // monthly only, 1..31, clamped to the month length
}

// Validate reports whether the rule carries every field its pattern needs.
func (r Rule) Validate() error {
	switch r.Pattern {
	case Daily:
	case Weekly:
		if r.DayOfWeek == nil {
			return fmt.Errorf("%w: weekly recurrence requires a day of week", ErrInvalidRule)
		}
		if *r.DayOfWeek < time.Sunday || *r.DayOfWeek > time.Saturday {
			return fmt.Errorf("%w: day of week %d out of range", ErrInvalidRule, *r.DayOfWeek)
		}
	case Monthly:
		if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
			return fmt.Errorf("%w: monthly recurrence requires a day of month between 1 and 31", ErrInvalidRule)
		}
	case None, "":
		return fmt.Errorf("%w: pattern is required", ErrInvalidRule)
	default:
		return fmt.Errorf("%w: unknown pattern %q", ErrInvalidRule, r.Pattern)
	}
	if r.At.Hour < 0 || r.At.Hour > 23 || r.At.Minute < 0 || r.At.Minute > 59 {
		return fmt.Errorf("%w: time of day %s out of range", ErrInvalidRule, r.At)
	}
	return nil
}

// Parse parses the compact form used on the command line:
// "daily@09:00", "weekly:MO@17:30", "monthly:31@08:00".
func Parse(s string) (Rule, error) {
	if s == "" {
		return Rule{}, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}
	head, at, ok := strings.Cut(s, "@")
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q is missing @HH:MM", ErrInvalidRule, s)
	}
	tod, err := ParseTimeOfDay(at)
	if err != nil {
		return Rule{}, err
	}

	name, arg, _ := strings.Cut(head, ":")
	p, err := ParsePattern(name)
	if err != nil {
		return Rule{}, err
	}
	r := Rule{Pattern: p, At: tod}

	switch p {
	case Weekly:
		wd, ok := dayNames[strings.ToUpper(strings.TrimSpace(arg))]
		if !ok {
			return Rule{}, fmt.Errorf("%w: unknown day %q", ErrInvalidRule, arg)
		}
		r.DayOfWeek = &wd
	case Monthly:
		n, err := strconv.Atoi(arg)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: invalid day of month %q", ErrInvalidRule, arg)
		}
		r.DayOfMonth = n
	}

	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// String serializes the rule back to the compact form accepted by Parse.
func (r Rule) String() string {
	switch r.Pattern {
	case Weekly:
		if r.DayOfWeek != nil {
			return fmt.Sprintf("weekly:%s@%s", dayAbbrev[*r.DayOfWeek], r.At)
		}
	case Monthly:
		return fmt.Sprintf("monthly:%d@%s", r.DayOfMonth, r.At)
	}
	return fmt.Sprintf("%s@%s", r.Pattern, r.At)
}

// Describe returns a human-readable description of the rule.
func (r Rule) Describe() string {
	switch r.Pattern {
	case Daily:
		return "Repeats daily at " + r.At.String()
	case Weekly:
		if r.DayOfWeek == nil {
			return "Repeats weekly"
		}
		return fmt.Sprintf("Repeats weekly on %s at %s", r.DayOfWeek, r.At)
	case Monthly:
		if r.DayOfMonth > 28 {
			return fmt.Sprintf("Repeats monthly on day %d at %s (last day in shorter months)", r.DayOfMonth, r.At)
		}
		return fmt.Sprintf("Repeats monthly on day %d at %s", r.DayOfMonth, r.At)
	}
	return ""
}
