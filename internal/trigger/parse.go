package trigger

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Parse builds a trigger of the given kind from loosely typed fields, as
// they arrive from configuration files or the command line. Keyword sets
// are closed per kind; an unknown key fails construction.
func Parse(kind string, fields map[string]any) (Trigger, error) {
	switch kind {
	case KindCron:
		return parseCron(fields)
	case KindInterval:
		return parseInterval(fields)
	case KindCalendarInterval:
		return parseCalendar(fields)
	case KindDate:
		return parseDate(fields)
	default:
		return nil, fmt.Errorf("%w: unknown trigger kind %q", ErrInvalidTrigger, kind)
	}
}

// fieldMap reads loosely typed trigger fields with a sticky first error.
type fieldMap struct {
	kind   string
	fields map[string]any
	err    error
}

func newFieldMap(kind string, fields map[string]any, allowed ...string) *fieldMap {
	f := &fieldMap{kind: kind, fields: fields}
	for k := range fields {
		if !slices.Contains(allowed, k) {
			f.err = fmt.Errorf("%w: %q is not a %s trigger field", ErrInvalidTriggerField, k, kind)
			break
		}
	}
	return f
}

func (f *fieldMap) fail(key, want string, got any) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %s must be %s, got %T", ErrInvalidTriggerField, key, want, got)
	}
}

func (f *fieldMap) str(key string) string {
	v, ok := f.fields[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		f.fail(key, "a string", v)
		return ""
	}
	return s
}

func (f *fieldMap) num(key string) int {
	v, ok := f.fields[key]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n != math.Trunc(n) {
			f.fail(key, "a whole number", v)
			return 0
		}
		return int(n)
	default:
		f.fail(key, "an integer", v)
		return 0
	}
}

func (f *fieldMap) when(key string) *time.Time {
	v, ok := f.fields[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case time.Time:
		return &t
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			if f.err == nil {
				f.err = fmt.Errorf("%w: %s: %v", ErrInvalidTriggerField, key, err)
			}
			return nil
		}
		return &parsed
	default:
		f.fail(key, "an RFC 3339 timestamp", v)
		return nil
	}
}

func (f *fieldMap) build(t Trigger) (Trigger, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func parseCron(fields map[string]any) (Trigger, error) {
	f := newFieldMap(KindCron, fields,
		"crontab", "minute", "hour", "day", "month", "day_of_week", "timezone", "start", "end")
	return f.build(&Cron{
		Expr:      f.str("crontab"),
		Minute:    f.str("minute"),
		Hour:      f.str("hour"),
		Day:       f.str("day"),
		Month:     f.str("month"),
		DayOfWeek: f.str("day_of_week"),
		Timezone:  f.str("timezone"),
		Start:     f.when("start"),
		End:       f.when("end"),
	})
}

func parseInterval(fields map[string]any) (Trigger, error) {
	f := newFieldMap(KindInterval, fields,
		"weeks", "days", "hours", "minutes", "seconds", "microseconds", "start", "end")
	return f.build(&Interval{
		Weeks:        f.num("weeks"),
		Days:         f.num("days"),
		Hours:        f.num("hours"),
		Minutes:      f.num("minutes"),
		Seconds:      f.num("seconds"),
		Microseconds: f.num("microseconds"),
		Start:        f.when("start"),
		End:          f.when("end"),
	})
}

func parseCalendar(fields map[string]any) (Trigger, error) {
	f := newFieldMap(KindCalendarInterval, fields,
		"years", "months", "weeks", "days", "at_hour", "at_minute", "at_second",
		"start_date", "end_date", "timezone")
	return f.build(&CalendarInterval{
		Years:     f.num("years"),
		Months:    f.num("months"),
		Weeks:     f.num("weeks"),
		Days:      f.num("days"),
		AtHour:    f.num("at_hour"),
		AtMinute:  f.num("at_minute"),
		AtSecond:  f.num("at_second"),
		StartDate: f.when("start_date"),
		EndDate:   f.when("end_date"),
		Timezone:  f.str("timezone"),
	})
}

func parseDate(fields map[string]any) (Trigger, error) {
	f := newFieldMap(KindDate, fields, "run_at")
	run := f.when("run_at")
	t := &Date{}
	if run != nil {
		t.RunAt = *run
	}
	return f.build(t)
}
