package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homeraid/pkg/types"
)

// flakyStore fails the first failures calls of each op, then delegates.
type flakyStore struct {
	mu       sync.Mutex
	inner    *MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) tick() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return &UnavailableError{DeviceID: "dev-1", Op: "io", Err: errors.New("connection reset")}
	}
	return nil
}

func (f *flakyStore) Put(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID, data []byte) error {
	if err := f.tick(); err != nil {
		return err
	}
	return f.inner.Put(ctx, deviceID, chunkID, data)
}

func (f *flakyStore) Get(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) ([]byte, error) {
	if err := f.tick(); err != nil {
		return nil, err
	}
	return f.inner.Get(ctx, deviceID, chunkID)
}

func (f *flakyStore) Delete(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) error {
	if err := f.tick(); err != nil {
		return err
	}
	return f.inner.Delete(ctx, deviceID, chunkID)
}

func (f *flakyStore) Stat(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) (int64, error) {
	if err := f.tick(); err != nil {
		return 0, err
	}
	return f.inner.Stat(ctx, deviceID, chunkID)
}

func newFastRetrying(inner ChunkStore, maxAttempts int) *RetryingStore {
	r := NewRetryingStore(inner, time.Second, maxAttempts, nil)
	r.baseDelay = time.Millisecond
	r.maxDelay = 5 * time.Millisecond
	return r
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	flaky := &flakyStore{inner: NewMemoryStore(), failures: 2}
	r := newFastRetrying(flaky, 3)

	require.NoError(t, r.Put(context.Background(), "dev-1", "c1", []byte("payload")))

	flaky.calls = 0
	flaky.failures = 0
	data, err := r.Get(context.Background(), "dev-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestRetryExhaustionReportsUnavailable(t *testing.T) {
	flaky := &flakyStore{inner: NewMemoryStore(), failures: 100}
	r := newFastRetrying(flaky, 3)

	err := r.Put(context.Background(), "dev-1", "c1", []byte("payload"))
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, types.DeviceID("dev-1"), unavailable.DeviceID)
	assert.Equal(t, 3, flaky.calls, "exactly maxAttempts calls")
}

func TestRetryDoesNotRetryHardAnswers(t *testing.T) {
	inner := NewMemoryStore()
	r := newFastRetrying(inner, 3)

	_, err := r.Get(context.Background(), "dev-1", "no-such-chunk")
	assert.ErrorIs(t, err, ErrChunkNotFound)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	flaky := &flakyStore{inner: NewMemoryStore(), failures: 100}
	r := NewRetryingStore(flaky, time.Second, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Put(ctx, "dev-1", "c1", []byte("payload"))
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.ErrorIs(t, unavailable.Err, context.Canceled)
}

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	r := NewRetryingStore(NewMemoryStore(), time.Second, 3, nil)

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := r.backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, r.maxDelay+time.Duration(float64(r.maxDelay)*r.jitterFactor))
		if attempt > 0 && attempt < 5 {
			assert.Greater(t, d, prev/4, "backoff broadly increases")
		}
		prev = d
	}
}
