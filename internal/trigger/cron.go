package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron fires on a five-field crontab lattice (minute hour day month
// day-of-week). Either Expr or the per-field form is set, never both.
// Day-of-week is 0=Sunday through 6=Saturday, three-letter names accepted.
type Cron struct {
	Expr string `json:"expr,omitempty"`

	Minute    string `json:"minute,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Day       string `json:"day,omitempty"`
	Month     string `json:"month,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`

	Timezone string     `json:"timezone,omitempty"`
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`

	sched cron.Schedule
}

func (c *Cron) Kind() string { return KindCron }

func (c *Cron) fieldForm() bool {
	return c.Minute != "" || c.Hour != "" || c.Day != "" || c.Month != "" || c.DayOfWeek != ""
}

// spec assembles the crontab line handed to the parser. The timezone is
// bound here, so fires are computed in the schedule's zone regardless of
// the zone of the instant passed to Next.
func (c *Cron) spec() string {
	line := c.Expr
	if line == "" {
		field := func(v string) string {
			if v == "" {
				return "*"
			}
			return v
		}
		line = strings.Join([]string{
			field(c.Minute), field(c.Hour), field(c.Day), field(c.Month), field(c.DayOfWeek),
		}, " ")
	}
	if c.Timezone != "" {
		line = "CRON_TZ=" + c.Timezone + " " + line
	}
	return line
}

func (c *Cron) compile() error {
	if c.Expr != "" && c.fieldForm() {
		return fmt.Errorf("%w: cron accepts either a crontab string or separate fields, not both", ErrInvalidTrigger)
	}
	if c.Expr == "" && !c.fieldForm() {
		return fmt.Errorf("%w: cron requires a crontab string or at least one field", ErrInvalidTrigger)
	}
	sched, err := cron.ParseStandard(c.spec())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	c.sched = sched
	return nil
}

func (c *Cron) Validate() error {
	if c.Start != nil && c.End != nil && c.End.Before(*c.Start) {
		return fmt.Errorf("%w: cron end precedes start", ErrInvalidTrigger)
	}
	return c.compile()
}

func (c *Cron) Next(after time.Time) (time.Time, bool) {
	if c.sched == nil {
		if err := c.compile(); err != nil {
			return time.Time{}, false
		}
	}
	if c.Start != nil && after.Before(*c.Start) {
		// Back off one second so a fire exactly at Start is not skipped.
		after = c.Start.Add(-time.Second)
	}
	next := c.sched.Next(after)
	if next.IsZero() {
		return time.Time{}, false
	}
	if c.End != nil && next.After(*c.End) {
		return time.Time{}, false
	}
	return next, true
}
