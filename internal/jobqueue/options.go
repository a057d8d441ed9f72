package jobqueue

import (
	"fmt"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
	"github.com/flowerpower-dev/flowerpower/internal/worker"
)

// ManagerOption tunes a Manager at construction.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	store        repository.Store
	events       repository.EventBroker
	eventBackend *backend.Descriptor
	workerOpts   []worker.Option
	schedOpts    []worker.SchedulerOption
	defaults     ScheduleDefaults
	now          func() time.Time
}

// WithClients injects prebuilt store and broker clients. The manager will
// not close injected clients.
func WithClients(store repository.Store, events repository.EventBroker) ManagerOption {
	return func(o *managerOptions) { o.store, o.events = store, events }
}

// WithEventBackend routes events through a different backend than the data
// store, such as MQTT next to a MongoDB store.
func WithEventBackend(desc *backend.Descriptor) ManagerOption {
	return func(o *managerOptions) { o.eventBackend = desc }
}

// WithWorkerOptions is applied to every worker the manager starts.
func WithWorkerOptions(opts ...worker.Option) ManagerOption {
	return func(o *managerOptions) { o.workerOpts = append(o.workerOpts, opts...) }
}

// WithSchedulerOptions is applied to the scheduler loop the manager runs.
func WithSchedulerOptions(opts ...worker.SchedulerOption) ManagerOption {
	return func(o *managerOptions) { o.schedOpts = append(o.schedOpts, opts...) }
}

// WithScheduleDefaults sets the trigger tuning applied when an AddSchedule
// call does not choose its own.
func WithScheduleDefaults(d ScheduleDefaults) ManagerOption {
	return func(o *managerOptions) { o.defaults = d }
}

func WithNow(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.now = now }
}

// ScheduleDefaults carries project-wide schedule tuning. Zero values defer
// to the built-in defaults.
type ScheduleDefaults struct {
	Coalesce     domain.Coalesce
	MisfireGrace time.Duration
	MaxJitter    time.Duration
}

// JobOption shapes a single enqueue.
type JobOption func(*jobOptions) error

type jobOptions struct {
	id        string
	queue     string
	args      []any
	kwargs    map[string]any
	runAt     *time.Time
	runIn     *time.Duration
	resultTTL *time.Duration
	jobTTL    time.Duration
	retry     domain.RetryPolicy
	repeat    domain.RepeatPolicy
	executor  domain.Executor
}

func applyJobOptions(opts []JobOption) (*jobOptions, error) {
	o := &jobOptions{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.runAt != nil && o.runIn != nil {
		return nil, fmt.Errorf("%w: run_at and run_in are mutually exclusive", domain.ErrInvalidArgument)
	}
	return o, nil
}

// WithArgs sets the positional arguments passed to the function.
func WithArgs(args ...any) JobOption {
	return func(o *jobOptions) error { o.args = args; return nil }
}

// WithKwargs sets the keyword arguments passed to the function.
func WithKwargs(kwargs map[string]any) JobOption {
	return func(o *jobOptions) error { o.kwargs = kwargs; return nil }
}

// WithJobID pins the job id instead of minting a fresh one.
func WithJobID(id string) JobOption {
	return func(o *jobOptions) error {
		if id == "" {
			return fmt.Errorf("%w: empty job id", domain.ErrInvalidArgument)
		}
		o.id = id
		return nil
	}
}

// WithQueue places the job on a specific queue instead of a random
// configured one.
func WithQueue(queue string) JobOption {
	return func(o *jobOptions) error {
		if queue == "" {
			return fmt.Errorf("%w: empty queue name", domain.ErrInvalidArgument)
		}
		o.queue = queue
		return nil
	}
}

// WithRunAt defers the job until the given instant.
func WithRunAt(at time.Time) JobOption {
	return func(o *jobOptions) error { o.runAt = &at; return nil }
}

// WithRunIn defers the job by the given amount. Mutually exclusive with
// WithRunAt.
func WithRunIn(d time.Duration) JobOption {
	return func(o *jobOptions) error {
		if d < 0 {
			return fmt.Errorf("%w: negative run_in %s", domain.ErrInvalidArgument, d)
		}
		o.runIn = &d
		return nil
	}
}

// WithResultTTL sets how long the result stays retrievable after the job
// finishes. Zero keeps no result at all.
func WithResultTTL(d time.Duration) JobOption {
	return func(o *jobOptions) error {
		if d < 0 {
			return fmt.Errorf("%w: negative result ttl %s", domain.ErrInvalidArgument, d)
		}
		o.resultTTL = &d
		return nil
	}
}

// WithJobTTL bounds the job's total lifetime from enqueue, queue wait
// included. It also bounds how long RunJob and a waiting GetJobResult block.
func WithJobTTL(d time.Duration) JobOption {
	return func(o *jobOptions) error {
		if d < 0 {
			return fmt.Errorf("%w: negative job ttl %s", domain.ErrInvalidArgument, d)
		}
		o.jobTTL = d
		return nil
	}
}

// WithRetry allows up to max additional attempts after a failed run, each
// deferred by delay.
func WithRetry(max int, delay time.Duration) JobOption {
	return func(o *jobOptions) error {
		if max < 0 || delay < 0 {
			return fmt.Errorf("%w: negative retry policy", domain.ErrInvalidArgument)
		}
		o.retry = domain.RetryPolicy{Max: max, Delay: delay}
		return nil
	}
}

// WithRepeat re-enqueues the job up to max more times after each successful
// completion.
func WithRepeat(max int) JobOption {
	return func(o *jobOptions) error {
		if max < 0 {
			return fmt.Errorf("%w: negative repeat count", domain.ErrInvalidArgument)
		}
		o.repeat = domain.RepeatPolicy{Max: max}
		return nil
	}
}

// WithExecutor overrides the descriptor's default executor for this job.
func WithExecutor(e domain.Executor) JobOption {
	return func(o *jobOptions) error {
		if !e.Valid() {
			return fmt.Errorf("%w: executor %q", domain.ErrInvalidArgument, e)
		}
		o.executor = e
		return nil
	}
}

// ScheduleOption shapes a single AddSchedule call.
type ScheduleOption func(*scheduleOptions) error

type scheduleOptions struct {
	id             string
	queue          string
	args           []any
	kwargs         map[string]any
	cron           string
	interval       *time.Duration
	runDate        *time.Time
	coalesce       domain.Coalesce
	misfireGrace   *time.Duration
	maxJitter      *time.Duration
	maxRunningJobs int
	conflict       domain.ConflictPolicy
	paused         bool
	resultTTL      *time.Duration
	executor       domain.Executor
}

func applyScheduleOptions(opts []ScheduleOption, defaults ScheduleDefaults) (*scheduleOptions, error) {
	o := &scheduleOptions{conflict: domain.ConflictDoNothing}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.coalesce == "" {
		o.coalesce = defaults.Coalesce
	}
	if o.coalesce == "" {
		o.coalesce = domain.CoalesceLatest
	}
	if o.misfireGrace == nil && defaults.MisfireGrace > 0 {
		o.misfireGrace = &defaults.MisfireGrace
	}
	if o.maxJitter == nil && defaults.MaxJitter > 0 {
		o.maxJitter = &defaults.MaxJitter
	}
	return o, nil
}

// WithScheduleID pins the schedule id instead of deriving one from the
// function reference.
func WithScheduleID(id string) ScheduleOption {
	return func(o *scheduleOptions) error {
		if id == "" {
			return fmt.Errorf("%w: empty schedule id", domain.ErrInvalidArgument)
		}
		o.id = id
		return nil
	}
}

// WithScheduleArgs sets the positional arguments of every materialized job.
func WithScheduleArgs(args ...any) ScheduleOption {
	return func(o *scheduleOptions) error { o.args = args; return nil }
}

// WithScheduleKwargs sets the keyword arguments of every materialized job.
func WithScheduleKwargs(kwargs map[string]any) ScheduleOption {
	return func(o *scheduleOptions) error { o.kwargs = kwargs; return nil }
}

// WithScheduleQueue places materialized jobs on a specific queue.
func WithScheduleQueue(queue string) ScheduleOption {
	return func(o *scheduleOptions) error {
		if queue == "" {
			return fmt.Errorf("%w: empty queue name", domain.ErrInvalidArgument)
		}
		o.queue = queue
		return nil
	}
}

// WithCron supplies a five-field crontab trigger.
func WithCron(expr string) ScheduleOption {
	return func(o *scheduleOptions) error {
		if expr == "" {
			return fmt.Errorf("%w: empty cron expression", domain.ErrInvalidArgument)
		}
		o.cron = expr
		return nil
	}
}

// WithInterval supplies a fixed-step trigger firing every d.
func WithInterval(d time.Duration) ScheduleOption {
	return func(o *scheduleOptions) error {
		if d <= 0 {
			return fmt.Errorf("%w: interval %s not positive", domain.ErrInvalidArgument, d)
		}
		o.interval = &d
		return nil
	}
}

// WithRunDate supplies a trigger firing exactly once at t.
func WithRunDate(t time.Time) ScheduleOption {
	return func(o *scheduleOptions) error { o.runDate = &t; return nil }
}

// WithCoalesce chooses how accumulated missed fires collapse.
func WithCoalesce(c domain.Coalesce) ScheduleOption {
	return func(o *scheduleOptions) error {
		if !c.Valid() {
			return fmt.Errorf("%w: coalesce policy %q", domain.ErrInvalidArgument, c)
		}
		o.coalesce = c
		return nil
	}
}

// WithMisfireGrace bounds how late a missed fire may still run. Zero means
// no bound.
func WithMisfireGrace(d time.Duration) ScheduleOption {
	return func(o *scheduleOptions) error {
		if d < 0 {
			return fmt.Errorf("%w: negative misfire grace %s", domain.ErrInvalidArgument, d)
		}
		o.misfireGrace = &d
		return nil
	}
}

// WithMaxJitter delays each fire by a uniform random amount up to d.
func WithMaxJitter(d time.Duration) ScheduleOption {
	return func(o *scheduleOptions) error {
		if d < 0 {
			return fmt.Errorf("%w: negative jitter %s", domain.ErrInvalidArgument, d)
		}
		o.maxJitter = &d
		return nil
	}
}

// WithMaxRunningJobs caps how many unfinished jobs the schedule may have at
// once. Zero means unlimited.
func WithMaxRunningJobs(n int) ScheduleOption {
	return func(o *scheduleOptions) error {
		if n < 0 {
			return fmt.Errorf("%w: negative running-jobs cap", domain.ErrInvalidArgument)
		}
		o.maxRunningJobs = n
		return nil
	}
}

// WithConflictPolicy decides what an AddSchedule with an existing id does.
func WithConflictPolicy(p domain.ConflictPolicy) ScheduleOption {
	return func(o *scheduleOptions) error {
		if !p.Valid() {
			return fmt.Errorf("%w: conflict policy %q", domain.ErrInvalidArgument, p)
		}
		o.conflict = p
		return nil
	}
}

// WithPaused registers the schedule paused; it fires only after a resume.
func WithPaused() ScheduleOption {
	return func(o *scheduleOptions) error { o.paused = true; return nil }
}

// WithScheduleResultTTL sets the result retention of materialized jobs.
func WithScheduleResultTTL(d time.Duration) ScheduleOption {
	return func(o *scheduleOptions) error {
		if d < 0 {
			return fmt.Errorf("%w: negative result ttl %s", domain.ErrInvalidArgument, d)
		}
		o.resultTTL = &d
		return nil
	}
}

// WithScheduleExecutor overrides the executor of materialized jobs.
func WithScheduleExecutor(e domain.Executor) ScheduleOption {
	return func(o *scheduleOptions) error {
		if !e.Valid() {
			return fmt.Errorf("%w: executor %q", domain.ErrInvalidArgument, e)
		}
		o.executor = e
		return nil
	}
}
