package device

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"homeraid/pkg/types"
)

// RetryingStore wraps a ChunkStore with a bounded per-call timeout and
// exponential backoff with jitter. A device that exhausts its attempts is
// reported as unavailable and treated as offline for the operation; the
// caller's sweep keeps going.
type RetryingStore struct {
	inner        ChunkStore
	logger       *zap.Logger
	timeout      time.Duration
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

func NewRetryingStore(inner ChunkStore, timeout time.Duration, maxAttempts int, logger *zap.Logger) *RetryingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryingStore{
		inner:        inner,
		logger:       logger,
		timeout:      timeout,
		maxAttempts:  maxAttempts,
		baseDelay:    100 * time.Millisecond,
		maxDelay:     5 * time.Second,
		jitterFactor: 0.2,
	}
}

func (r *RetryingStore) do(ctx context.Context, deviceID types.DeviceID, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return &UnavailableError{DeviceID: deviceID, Op: op, Err: ctx.Err()}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err

		r.logger.Debug("Device operation failed, retrying",
			zap.String("device_id", string(deviceID)),
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < r.maxAttempts-1 {
			select {
			case <-time.After(r.backoff(attempt)):
			case <-ctx.Done():
				return &UnavailableError{DeviceID: deviceID, Op: op, Err: ctx.Err()}
			}
		}
	}

	return &UnavailableError{DeviceID: deviceID, Op: op, Err: lastErr}
}

func (r *RetryingStore) backoff(attempt int) time.Duration {
	delay := float64(r.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(r.maxDelay) {
		delay = float64(r.maxDelay)
	}

	jitter := delay * r.jitterFactor * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(r.baseDelay)
	}
	return time.Duration(delay)
}

// isRetryable separates transient I/O failures from hard answers like
// ErrChunkNotFound, which retrying cannot change.
func isRetryable(err error) bool {
	if errors.Is(err, ErrChunkNotFound) {
		return false
	}
	var integrity *IntegrityError
	return !errors.As(err, &integrity)
}

func (r *RetryingStore) Put(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID, data []byte) error {
	return r.do(ctx, deviceID, "put", func(ctx context.Context) error {
		return r.inner.Put(ctx, deviceID, chunkID, data)
	})
}

func (r *RetryingStore) Get(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) ([]byte, error) {
	var data []byte
	err := r.do(ctx, deviceID, "get", func(ctx context.Context) error {
		var err error
		data, err = r.inner.Get(ctx, deviceID, chunkID)
		return err
	})
	return data, err
}

func (r *RetryingStore) Delete(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) error {
	return r.do(ctx, deviceID, "delete", func(ctx context.Context) error {
		return r.inner.Delete(ctx, deviceID, chunkID)
	})
}

func (r *RetryingStore) Stat(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) (int64, error) {
	var size int64
	err := r.do(ctx, deviceID, "stat", func(ctx context.Context) error {
		var err error
		size, err = r.inner.Stat(ctx, deviceID, chunkID)
		return err
	})
	return size, err
}
