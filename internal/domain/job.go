package domain

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusDeferred Status = "deferred"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether no further forward transition exists. Failed jobs
// with retries left and finished jobs with repeats left re-enter the queue,
// but only through the store's requeue operations.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCanceled
}

// CanTransition encodes the job state machine:
//
//	queued → deferred | started | canceled
//	deferred → queued | canceled
//	started → finished | failed
//	failed → queued (retry)
//	finished → queued (repeat)
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusDeferred || to == StatusStarted || to == StatusCanceled
	case StatusDeferred:
		return to == StatusQueued || to == StatusCanceled
	case StatusStarted:
		return to == StatusFinished || to == StatusFailed
	case StatusFailed:
		return to == StatusQueued
	case StatusFinished:
		return to == StatusQueued
	default:
		return false
	}
}

type Executor string

const (
	ExecutorAsync       Executor = "async"
	ExecutorThreadPool  Executor = "thread-pool"
	ExecutorProcessPool Executor = "process-pool"
)

func (e Executor) Valid() bool {
	switch e {
	case ExecutorAsync, ExecutorThreadPool, ExecutorProcessPool:
		return true
	}
	return false
}

// FunctionRef names a callable by module path and symbol, resolved by the
// worker through the function registry. The function object itself never
// travels with the job.
type FunctionRef struct {
	Module string `json:"module"`
	Symbol string `json:"symbol"`
}

func (r FunctionRef) String() string {
	return r.Module + ":" + r.Symbol
}

func (r FunctionRef) IsZero() bool {
	return r.Module == "" && r.Symbol == ""
}

// ParseFunctionRef parses "module.path:symbol" into a FunctionRef.
func ParseFunctionRef(s string) (FunctionRef, error) {
	module, symbol, ok := strings.Cut(s, ":")
	if !ok || module == "" || symbol == "" {
		return FunctionRef{}, fmt.Errorf("%w: function reference %q (want module:symbol)", ErrInvalidArgument, s)
	}
	return FunctionRef{Module: module, Symbol: symbol}, nil
}

// RetryPolicy bounds worker-side re-execution after a failure.
// Max is the number of additional attempts; Delay is applied before each.
type RetryPolicy struct {
	Max   int           `json:"max"`
	Delay time.Duration `json:"delay"`
}

// RepeatPolicy re-enqueues a job after successful completion, Max times.
type RepeatPolicy struct {
	Max int `json:"max"`
}

type Job struct {
	ID     string
	Func   FunctionRef
	Args   []any
	Kwargs map[string]any
	Queue  string

	Status      Status
	EnqueuedAt  time.Time
	ScheduledAt *time.Time // future fire time; nil means immediately eligible
	StartedAt   *time.Time
	CompletedAt *time.Time

	Attempt int // 0 until first acquisition
	Repeats int // completed repeat cycles
	Retry   RetryPolicy
	Repeat  RepeatPolicy

	ResultTTL time.Duration // 0 = do not persist the result
	JobTTL    time.Duration // bounds total lifetime from enqueue; 0 = unbounded
	Executor  Executor

	Result  []byte // encoded result payload, empty until finished
	Failure string

	WorkerID       string // worker that currently holds or last held the job
	LeaseExpiresAt *time.Time
	PurgeAt        *time.Time // deferred-deletion deadline set by DeleteJob with a ttl

	ScheduleID string // set when the job was materialized from a schedule
	DedupKey   string // guards against duplicate schedule fires
}

// Due reports whether the job is eligible for acquisition at now.
func (j *Job) Due(now time.Time) bool {
	if j.Status != StatusQueued && j.Status != StatusDeferred {
		return false
	}
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// TTLDeadline returns the absolute job-TTL eviction deadline, nil if unbounded.
func (j *Job) TTLDeadline() *time.Time {
	if j.JobTTL <= 0 {
		return nil
	}
	d := j.EnqueuedAt.Add(j.JobTTL)
	return &d
}

// Expired reports whether the job's total lifetime bound has elapsed.
func (j *Job) Expired(now time.Time) bool {
	d := j.TTLDeadline()
	return d != nil && now.After(*d)
}

// ResultDeadline returns the instant after which the stored result is purged.
// Nil when the job has not finished or no result was persisted.
func (j *Job) ResultDeadline() *time.Time {
	if j.CompletedAt == nil || j.ResultTTL <= 0 {
		return nil
	}
	d := j.CompletedAt.Add(j.ResultTTL)
	return &d
}

// Evictable reports whether the sweeper should remove the job at now: a
// purge deadline, the job TTL or the result retention window has elapsed.
func (j *Job) Evictable(now time.Time) bool {
	if j.PurgeAt != nil && now.After(*j.PurgeAt) {
		return true
	}
	if j.Expired(now) {
		return true
	}
	if j.Status == StatusFinished {
		if d := j.ResultDeadline(); d != nil && now.After(*d) {
			return true
		}
	}
	return false
}
