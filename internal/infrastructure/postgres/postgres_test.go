package postgres

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
	"github.com/flowerpower-dev/flowerpower/internal/trigger"
)

// fakeRow feeds canned column values into the scan helpers.
type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(r.values), len(dest))
	}
	for i, v := range r.values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *bool:
			*d = v.(bool)
		case *[]byte:
			if v == nil {
				*d = nil
			} else {
				*d = v.([]byte)
			}
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				t := v.(time.Time)
				*d = &t
			}
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

func TestStatusCodesRoundTrip(t *testing.T) {
	t.Parallel()

	statuses := []domain.Status{
		domain.StatusQueued, domain.StatusDeferred, domain.StatusStarted,
		domain.StatusFinished, domain.StatusFailed, domain.StatusCanceled,
	}
	for _, status := range statuses {
		code, err := codeForStatus(status)
		require.NoError(t, err)
		back, err := statusFromCode(code)
		require.NoError(t, err)
		assert.Equal(t, status, back)
	}

	_, err := codeForStatus(domain.Status("meditating"))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = statusFromCode(42)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCoalesceCodesRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range []domain.Coalesce{domain.CoalesceLatest, domain.CoalesceEarliest, domain.CoalesceAll} {
		code, err := codeForCoalesce(c)
		require.NoError(t, err)
		back, err := coalesceFromCode(code)
		require.NoError(t, err)
		assert.Equal(t, c, back)
	}

	_, err := coalesceFromCode(0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestScanJob(t *testing.T) {
	t.Parallel()

	payload, err := domain.EncodeArgs([]any{"a", float64(1)}, map[string]any{"k": "v"})
	require.NoError(t, err)
	enqueued := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	started := enqueued.Add(2 * time.Second)
	lease := started.Add(time.Minute)

	row := fakeRow{values: []any{
		"job-1", "default", "app.tasks", "send_email", payload, codeStarted,
		enqueued, nil, started, nil,
		2, 0, 5, int64(30000), 1,
		int64(300000), int64(0), "thread-pool", nil, "",
		"worker-7", lease, nil, "", "",
	}}

	job, err := scanJob(row)
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, domain.FunctionRef{Module: "app.tasks", Symbol: "send_email"}, job.Func)
	assert.Equal(t, domain.StatusStarted, job.Status)
	assert.Equal(t, []any{"a", float64(1)}, job.Args)
	assert.Equal(t, map[string]any{"k": "v"}, job.Kwargs)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, domain.RetryPolicy{Max: 5, Delay: 30 * time.Second}, job.Retry)
	assert.Equal(t, domain.RepeatPolicy{Max: 1}, job.Repeat)
	assert.Equal(t, 5*time.Minute, job.ResultTTL)
	assert.Zero(t, job.JobTTL)
	assert.Equal(t, domain.ExecutorThreadPool, job.Executor)
	assert.Equal(t, "worker-7", job.WorkerID)
	require.NotNil(t, job.LeaseExpiresAt)
	assert.Equal(t, lease, *job.LeaseExpiresAt)
	assert.Nil(t, job.ScheduledAt)
	assert.Nil(t, job.CompletedAt)
	assert.Nil(t, job.PurgeAt)
}

func TestScanJobRejectsUnknownStatusCode(t *testing.T) {
	t.Parallel()

	row := fakeRow{values: []any{
		"job-1", "default", "app.tasks", "send_email", []byte(nil), 99,
		time.Now(), nil, nil, nil,
		0, 0, 0, int64(0), 0,
		int64(0), int64(0), "thread-pool", nil, "",
		"", nil, nil, "", "",
	}}

	_, err := scanJob(row)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestScanSchedule(t *testing.T) {
	t.Parallel()

	tr := &trigger.Interval{Seconds: 30}
	kind, err := trigger.KindCode(tr)
	require.NoError(t, err)
	body, err := trigger.EncodeBody(tr)
	require.NoError(t, err)
	payload, err := domain.EncodeArgs(nil, map[string]any{"day": "monday"})
	require.NoError(t, err)
	next := time.Date(2024, 1, 16, 9, 0, 0, 0, time.UTC)
	created := next.Add(-24 * time.Hour)

	row := fakeRow{values: []any{
		"sched-1", "reports", "app.reports", "nightly", payload,
		kind, body, next, nil,
		int64(60000), int64(0), codeCoalesceLatest, 3, false,
		int64(0), "async", created, created,
	}}

	schedule, err := scanSchedule(row)
	require.NoError(t, err)

	assert.Equal(t, "sched-1", schedule.ID)
	assert.Equal(t, domain.FunctionRef{Module: "app.reports", Symbol: "nightly"}, schedule.Func)
	require.IsType(t, &trigger.Interval{}, schedule.Trigger)
	assert.Equal(t, map[string]any{"day": "monday"}, schedule.Kwargs)
	require.NotNil(t, schedule.NextFireAt)
	assert.Equal(t, next, *schedule.NextFireAt)
	assert.Nil(t, schedule.LastFireAt)
	assert.Equal(t, time.Minute, schedule.MisfireGrace)
	assert.Equal(t, domain.CoalesceLatest, schedule.Coalesce)
	assert.Equal(t, 3, schedule.MaxRunningJobs)
	assert.False(t, schedule.Paused)
	assert.Equal(t, domain.ExecutorAsync, schedule.Executor)
}

func TestNormalizeURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "no query untouched",
			in:   "postgresql://localhost:5432/flowerpower",
			want: "postgresql://localhost:5432/flowerpower",
		},
		{
			name: "ssl allow becomes sslmode",
			in:   "postgresql://u:p@db:5432/flowerpower?ssl=allow",
			want: "postgresql://u:p@db:5432/flowerpower?sslmode=allow",
		},
		{
			name: "ssl true requires",
			in:   "postgresql://db:5432/flowerpower?ssl=true",
			want: "postgresql://db:5432/flowerpower?sslmode=require",
		},
		{
			name: "ssl false disables",
			in:   "postgresql://db:5432/flowerpower?ssl=false",
			want: "postgresql://db:5432/flowerpower?sslmode=disable",
		},
		{
			name: "other parameters survive",
			in:   "postgresql://db:5432/flowerpower?application_name=fp&ssl=allow",
			want: "postgresql://db:5432/flowerpower?application_name=fp&sslmode=allow",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, normalizeURI(tt.in))
		})
	}
}
