package poller

import (
	"context"
	"errors"
	"time"

	"mpesa-stk-gateway/internal/models"
)

// Outcome is what a polling loop reports. TimedOut is distinct from
// Failed: the provider rejected nothing, the callback simply never came.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeTimedOut  Outcome = "TIMEOUT"
)

const (
	DefaultInterval = 3 * time.Second
	DefaultTimeout  = 120 * time.Second
)

// StatusFunc fetches the current status of the session being watched.
type StatusFunc func(ctx context.Context) (models.SessionStatus, error)

// Poll calls fn immediately and then on every interval tick until a
// terminal status is seen or the overall timeout elapses. Exactly one
// outcome is reported and no status calls happen after it; the ticker and
// deadline are released on return.
func Poll(ctx context.Context, fn StatusFunc, interval, timeout time.Duration) (Outcome, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := fn(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return OutcomeTimedOut, nil
			}
			return "", err
		}

		switch status {
		case models.StatusCompleted:
			return OutcomeCompleted, nil
		case models.StatusFailed:
			return OutcomeFailed, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return OutcomeTimedOut, nil
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
