package trigger

import (
	"fmt"
	"time"
)

// maxCalendarSteps guards the lattice walk against pathological start
// dates far in the past.
const maxCalendarSteps = 100000

// CalendarInterval advances by calendar units rather than a fixed duration:
// adding one month to January 31 lands on the last day of February, never
// in March. Each fire's clock is pinned to AtHour:AtMinute:AtSecond in the
// trigger's zone, so fires stay at the same local time across DST shifts.
type CalendarInterval struct {
	Years  int `json:"years,omitempty"`
	Months int `json:"months,omitempty"`
	Weeks  int `json:"weeks,omitempty"`
	Days   int `json:"days,omitempty"`

	AtHour   int `json:"at_hour,omitempty"`
	AtMinute int `json:"at_minute,omitempty"`
	AtSecond int `json:"at_second,omitempty"`

	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`

	loc *time.Location
}

func (c *CalendarInterval) Kind() string { return KindCalendarInterval }

func (c *CalendarInterval) location() (*time.Location, error) {
	if c.loc != nil {
		return c.loc, nil
	}
	if c.Timezone == "" {
		c.loc = time.Local
		return c.loc, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	c.loc = loc
	return loc, nil
}

func (c *CalendarInterval) Validate() error {
	for name, v := range map[string]int{
		"years": c.Years, "months": c.Months, "weeks": c.Weeks, "days": c.Days,
	} {
		if v < 0 {
			return fmt.Errorf("%w: calendar interval %s is negative", ErrInvalidTrigger, name)
		}
	}
	if c.Years == 0 && c.Months == 0 && c.Weeks == 0 && c.Days == 0 {
		return fmt.Errorf("%w: calendar interval needs at least one date unit", ErrInvalidTrigger)
	}
	if c.AtHour < 0 || c.AtHour > 23 || c.AtMinute < 0 || c.AtMinute > 59 || c.AtSecond < 0 || c.AtSecond > 59 {
		return fmt.Errorf("%w: calendar interval time of day out of range", ErrInvalidTrigger)
	}
	if c.StartDate != nil && c.EndDate != nil && c.EndDate.Before(*c.StartDate) {
		return fmt.Errorf("%w: calendar interval end precedes start", ErrInvalidTrigger)
	}
	_, err := c.location()
	return err
}

// advance moves a calendar date forward by one interval. Year and month
// units are applied first with end-of-month clamping, then weeks and days
// as exact day counts.
func (c *CalendarInterval) advance(year int, month time.Month, day int) (int, time.Month, int) {
	y := year + c.Years
	m := int(month) + c.Months
	y += (m - 1) / 12
	m = (m-1)%12 + 1
	if last := daysIn(y, time.Month(m)); day > last {
		day = last
	}
	t := time.Date(y, time.Month(m), day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, c.Weeks*7+c.Days)
	return t.Year(), t.Month(), t.Day()
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (c *CalendarInterval) Next(after time.Time) (time.Time, bool) {
	loc, err := c.location()
	if err != nil {
		return time.Time{}, false
	}
	// Anchor on the start date when given, keeping fires on the
	// start-aligned lattice; otherwise anchor on the day of `after`.
	var y int
	var m time.Month
	var d int
	if c.StartDate != nil {
		y, m, d = c.StartDate.In(loc).Date()
	} else {
		y, m, d = after.In(loc).Date()
	}
	cand := time.Date(y, m, d, c.AtHour, c.AtMinute, c.AtSecond, 0, loc)
	for steps := 0; !cand.After(after); steps++ {
		if steps >= maxCalendarSteps {
			return time.Time{}, false
		}
		y, m, d = c.advance(y, m, d)
		cand = time.Date(y, m, d, c.AtHour, c.AtMinute, c.AtSecond, 0, loc)
	}
	if c.EndDate != nil && cand.After(*c.EndDate) {
		return time.Time{}, false
	}
	return cand, true
}
