package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"homeraid/pkg/types"
)

// DiskStore keeps each device's chunks under its own directory. It stands in
// for real device transports when every "device" is a folder on one machine,
// which is also how the CLI persists chunks between runs.
type DiskStore struct {
	baseDir string
}

func NewDiskStore(baseDir string) (*DiskStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	return &DiskStore{baseDir: baseDir}, nil
}

func (d *DiskStore) chunkPath(deviceID types.DeviceID, chunkID types.ChunkID) string {
	safe := strings.ReplaceAll(string(chunkID), "/", "_")
	return filepath.Join(d.baseDir, string(deviceID), safe)
}

func (d *DiskStore) Put(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &UnavailableError{DeviceID: deviceID, Op: "put", Err: err}
	}

	path := d.chunkPath(deviceID, chunkID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create device directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	return nil
}

func (d *DiskStore) Get(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &UnavailableError{DeviceID: deviceID, Op: "get", Err: err}
	}

	data, err := os.ReadFile(d.chunkPath(deviceID, chunkID))
	if os.IsNotExist(err) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	return data, nil
}

func (d *DiskStore) Delete(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) error {
	if err := ctx.Err(); err != nil {
		return &UnavailableError{DeviceID: deviceID, Op: "delete", Err: err}
	}

	err := os.Remove(d.chunkPath(deviceID, chunkID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}

func (d *DiskStore) Stat(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, &UnavailableError{DeviceID: deviceID, Op: "stat", Err: err}
	}

	info, err := os.Stat(d.chunkPath(deviceID, chunkID))
	if os.IsNotExist(err) {
		return 0, ErrChunkNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat chunk: %w", err)
	}
	return info.Size(), nil
}
