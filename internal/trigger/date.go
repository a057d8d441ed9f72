package trigger

import (
	"fmt"
	"time"
)

// Date fires exactly once, at RunAt.
type Date struct {
	RunAt time.Time `json:"run_at"`
}

func (d *Date) Kind() string { return KindDate }

func (d *Date) Validate() error {
	if d.RunAt.IsZero() {
		return fmt.Errorf("%w: date trigger requires a run time", ErrInvalidTrigger)
	}
	return nil
}

func (d *Date) Next(after time.Time) (time.Time, bool) {
	if after.Before(d.RunAt) {
		return d.RunAt, true
	}
	return time.Time{}, false
}
