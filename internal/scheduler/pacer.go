package scheduler

import (
	"context"
	"time"
)

// Pacer spaces out consecutive site checks in a global run.
type Pacer interface {
	Wait(ctx context.Context) error
}

// FixedDelay waits the same duration every time.
type FixedDelay time.Duration

func (d FixedDelay) Wait(ctx context.Context) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(d))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
