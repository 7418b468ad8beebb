package health

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Sweeper is anything driven on a fixed period by a Handle. The health
// monitor and the healer both qualify.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Handle owns one periodic sweep task. Stop cancels the schedule and waits
// for an in-flight sweep to finish or time out; it is safe to call more than
// once.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs the sweeper on the given interval until Stop. A tick that fires
// while the previous sweep is still executing is skipped, never queued, so
// slow device I/O cannot pile up work.
func Start(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := sweeper.Sweep(ctx)
				if errors.Is(err, ErrSweepInProgress) {
					logger.Debug("Skipping tick, previous sweep still running")
					continue
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("Sweep failed", zap.Error(err))
				}
			}
		}
	}()

	return h
}

// Stop halts the schedule and blocks until the loop has exited.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}
