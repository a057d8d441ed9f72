// Package trigger implements the fire-time calculus for schedules: cron
// expressions, fixed intervals, calendar-aware intervals and one-shot dates.
// Triggers are pure values; all state a schedule needs between fires lives
// on the schedule itself.
package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	KindCron             = "cron"
	KindInterval         = "interval"
	KindCalendarInterval = "calendar-interval"
	KindDate             = "date"
)

var (
	ErrInvalidTrigger      = errors.New("invalid trigger")
	ErrInvalidTriggerField = errors.New("invalid trigger field")
)

// Trigger computes fire instants for a schedule.
type Trigger interface {
	// Next returns the first fire strictly after the given instant.
	// ok=false means the trigger is exhausted.
	Next(after time.Time) (next time.Time, ok bool)
	Kind() string
	Validate() error
}

// Wire codes for persisted triggers. Stable; append only.
const (
	codeCron = iota + 1
	codeInterval
	codeCalendarInterval
	codeDate
)

type envelope struct {
	Kind int             `json:"trigger_kind"`
	Body json.RawMessage `json:"trigger"`
}

// KindCode returns the stable wire code for a trigger; SQL stores persist
// it in its own column next to the body.
func KindCode(t Trigger) (int, error) {
	switch t.(type) {
	case *Cron:
		return codeCron, nil
	case *Interval:
		return codeInterval, nil
	case *CalendarInterval:
		return codeCalendarInterval, nil
	case *Date:
		return codeDate, nil
	default:
		return 0, fmt.Errorf("%w: unknown trigger type %T", ErrInvalidTrigger, t)
	}
}

// EncodeBody returns the JSON body of a trigger without the kind envelope.
func EncodeBody(t Trigger) ([]byte, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode %s trigger: %w", t.Kind(), err)
	}
	return body, nil
}

// DecodeBody rebuilds and validates a trigger from its wire code and body.
func DecodeBody(code int, body []byte) (Trigger, error) {
	var t Trigger
	switch code {
	case codeCron:
		t = &Cron{}
	case codeInterval:
		t = &Interval{}
	case codeCalendarInterval:
		t = &CalendarInterval{}
	case codeDate:
		t = &Date{}
	default:
		return nil, fmt.Errorf("%w: unknown trigger code %d", ErrInvalidTrigger, code)
	}
	if err := json.Unmarshal(body, t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Marshal encodes a trigger for store persistence.
func Marshal(t Trigger) ([]byte, error) {
	code, err := KindCode(t)
	if err != nil {
		return nil, err
	}
	body, err := EncodeBody(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: code, Body: body})
}

// Unmarshal decodes a trigger previously encoded with Marshal.
func Unmarshal(data []byte) (Trigger, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	return DecodeBody(env.Kind, env.Body)
}
