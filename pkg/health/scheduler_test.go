package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingSweeper struct {
	sweeps int32
	block  chan struct{}
}

func (c *countingSweeper) Sweep(ctx context.Context) error {
	atomic.AddInt32(&c.sweeps, 1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
		}
	}
	return nil
}

func TestSchedulerRunsAndStops(t *testing.T) {
	sweeper := &countingSweeper{}
	h := Start(sweeper, 10*time.Millisecond, nil)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&sweeper.sweeps) < 3 {
		select {
		case <-deadline:
			t.Fatal("scheduler never reached 3 sweeps")
		case <-time.After(5 * time.Millisecond):
		}
	}

	h.Stop()
	after := atomic.LoadInt32(&sweeper.sweeps)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&sweeper.sweeps), "no sweeps after Stop")
}

func TestSchedulerStopUnblocksSlowSweep(t *testing.T) {
	sweeper := &countingSweeper{block: make(chan struct{})}
	h := Start(sweeper, 10*time.Millisecond, nil)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&sweeper.sweeps) == 0 {
		select {
		case <-deadline:
			t.Fatal("sweep never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a sweep was in flight")
	}
}
