package device

import (
	"context"
	"sync"

	"homeraid/pkg/types"
)

// MemoryStore is an in-process ChunkStore holding every device's chunks in
// maps. It backs tests and single-machine runs, and can simulate offline or
// flaky devices via SetUnavailable and Corrupt.
type MemoryStore struct {
	mu          sync.RWMutex
	chunks      map[types.DeviceID]map[types.ChunkID][]byte
	unavailable map[types.DeviceID]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:      make(map[types.DeviceID]map[types.ChunkID][]byte),
		unavailable: make(map[types.DeviceID]bool),
	}
}

// SetUnavailable makes every operation against the device fail with
// UnavailableError until cleared.
func (m *MemoryStore) SetUnavailable(deviceID types.DeviceID, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable[deviceID] = down
}

// Corrupt overwrites a stored chunk's bytes in place, leaving its recorded
// location untouched. Used to exercise integrity verification.
func (m *MemoryStore) Corrupt(deviceID types.DeviceID, chunkID types.ChunkID, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.chunks[deviceID]; ok {
		if _, ok := held[chunkID]; ok {
			held[chunkID] = append([]byte(nil), data...)
		}
	}
}

func (m *MemoryStore) check(ctx context.Context, deviceID types.DeviceID, op string) error {
	if err := ctx.Err(); err != nil {
		return &UnavailableError{DeviceID: deviceID, Op: op, Err: err}
	}
	if m.unavailable[deviceID] {
		return &UnavailableError{DeviceID: deviceID, Op: op, Err: context.DeadlineExceeded}
	}
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, deviceID, "put"); err != nil {
		return err
	}

	held, ok := m.chunks[deviceID]
	if !ok {
		held = make(map[types.ChunkID][]byte)
		m.chunks[deviceID] = held
	}
	held[chunkID] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, deviceID, "get"); err != nil {
		return nil, err
	}

	data, ok := m.chunks[deviceID][chunkID]
	if !ok {
		return nil, ErrChunkNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Delete(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, deviceID, "delete"); err != nil {
		return err
	}

	delete(m.chunks[deviceID], chunkID)
	return nil
}

func (m *MemoryStore) Stat(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check(ctx, deviceID, "stat"); err != nil {
		return 0, err
	}

	data, ok := m.chunks[deviceID][chunkID]
	if !ok {
		return 0, ErrChunkNotFound
	}
	return int64(len(data)), nil
}
