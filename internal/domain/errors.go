package domain

import (
	"context"
	"errors"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrJobNotFound      = errors.New("job not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrResultNotFound   = errors.New("job result not found or expired")
	ErrJobNotFinished   = errors.New("job not finished")
	ErrJobFailed        = errors.New("job failed")
	ErrJobCanceled      = errors.New("job canceled")
	ErrJobTimeout       = errors.New("timed out waiting for job result")

	ErrDuplicateJobID      = errors.New("job id already exists")
	ErrDuplicateScheduleID = errors.New("schedule id already exists")
	ErrIllegalTransition   = errors.New("illegal job status transition")
	ErrLeaseExpired        = errors.New("job lease expired")

	ErrBackendUnavailable    = errors.New("backend unavailable")
	ErrUnsupportedOperation  = errors.New("operation not supported by backend role")
	ErrFunctionNotRegistered = errors.New("function not registered")
	ErrQueueShutdown         = errors.New("job queue is shut down")
)

var permanentErrs = []error{
	ErrInvalidArgument,
	ErrJobNotFound,
	ErrScheduleNotFound,
	ErrResultNotFound,
	ErrJobNotFinished,
	ErrJobFailed,
	ErrJobCanceled,
	ErrJobTimeout,
	ErrDuplicateJobID,
	ErrDuplicateScheduleID,
	ErrIllegalTransition,
	ErrLeaseExpired,
	ErrUnsupportedOperation,
	ErrFunctionNotRegistered,
	ErrQueueShutdown,
	context.Canceled,
	context.DeadlineExceeded,
}

// Transient reports whether an operation error is worth retrying.
// Unrecognized errors are assumed to come from a flaky backend.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	for _, perm := range permanentErrs {
		if errors.Is(err, perm) {
			return false
		}
	}
	return true
}
