package repository

import (
	"context"
	"time"

	"github.com/flowerpower-dev/flowerpower/internal/domain"
)

const (
	// PublishRetries bounds how often enqueues and event publishes are
	// reattempted after a transient backend error.
	PublishRetries = 3

	retryBaseDelay  = 100 * time.Millisecond
	retryMultiplier = 4
)

// Retry runs fn and reattempts it after transient failures, sleeping
// 100ms, 400ms, 1600ms between tries. Permanent errors and context
// cancellation surface immediately.
func Retry(ctx context.Context, retries int, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !domain.Transient(err) {
			return err
		}
		if attempt >= retries {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= retryMultiplier
	}
}
