package device

import (
	"context"
	"fmt"

	"homeraid/pkg/types"
)

// ChunkStore is the per-device storage capability. Each member device exposes
// upload/download/delete of opaque chunk bytes; the transport behind it
// (local disk, browser storage, a phone over the network) is outside the
// engine. All calls cross a boundary to a possibly offline device and must
// respect ctx.
type ChunkStore interface {
	Put(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID, data []byte) error
	Get(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) ([]byte, error)
	Delete(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) error
	Stat(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) (int64, error)
}

// UnavailableError marks a device that did not answer within its timeout.
// Transient: callers retry with backoff and treat the device as offline for
// the operation meanwhile.
type UnavailableError struct {
	DeviceID types.DeviceID
	Op       string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("device %s unavailable during %s: %v", e.DeviceID, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IntegrityError marks a downloaded chunk whose bytes hash differently from
// the manifest. Routed into the healing path, never a fatal abort.
type IntegrityError struct {
	ChunkID  types.ChunkID
	DeviceID types.DeviceID
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunk %s on device %s failed integrity check: expected %s, got %s",
		e.ChunkID, e.DeviceID, e.Expected, e.Actual)
}

// ErrChunkNotFound is returned when a device does not hold the chunk.
var ErrChunkNotFound = fmt.Errorf("chunk not found on device")
