package trigger

import (
	"fmt"
	"time"
)

// Interval fires at a fixed wall-clock period: each fire is the previous
// instant plus the step, pulled forward to Start for the first fire and
// exhausted past End.
type Interval struct {
	Weeks        int `json:"weeks,omitempty"`
	Days         int `json:"days,omitempty"`
	Hours        int `json:"hours,omitempty"`
	Minutes      int `json:"minutes,omitempty"`
	Seconds      int `json:"seconds,omitempty"`
	Microseconds int `json:"microseconds,omitempty"`

	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Every is shorthand for a plain duration interval.
func Every(d time.Duration) *Interval {
	return &Interval{Microseconds: int(d.Microseconds())}
}

func (iv *Interval) Kind() string { return KindInterval }

func (iv *Interval) Step() time.Duration {
	return time.Duration(iv.Weeks)*7*24*time.Hour +
		time.Duration(iv.Days)*24*time.Hour +
		time.Duration(iv.Hours)*time.Hour +
		time.Duration(iv.Minutes)*time.Minute +
		time.Duration(iv.Seconds)*time.Second +
		time.Duration(iv.Microseconds)*time.Microsecond
}

func (iv *Interval) Validate() error {
	for name, v := range map[string]int{
		"weeks": iv.Weeks, "days": iv.Days, "hours": iv.Hours,
		"minutes": iv.Minutes, "seconds": iv.Seconds, "microseconds": iv.Microseconds,
	} {
		if v < 0 {
			return fmt.Errorf("%w: interval %s is negative", ErrInvalidTrigger, name)
		}
	}
	if iv.Step() <= 0 {
		return fmt.Errorf("%w: interval step must be positive", ErrInvalidTrigger)
	}
	if iv.Start != nil && iv.End != nil && iv.End.Before(*iv.Start) {
		return fmt.Errorf("%w: interval end precedes start", ErrInvalidTrigger)
	}
	return nil
}

func (iv *Interval) Next(after time.Time) (time.Time, bool) {
	next := after.Add(iv.Step())
	if iv.Start != nil && next.Before(*iv.Start) {
		next = *iv.Start
	}
	if iv.End != nil && next.After(*iv.End) {
		return time.Time{}, false
	}
	return next, true
}
