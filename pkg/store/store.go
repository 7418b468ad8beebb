package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"homeraid/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned by CompareAndSetStatus when the location's
	// current status does not match the expected one. Callers treat it as
	// "someone else got there first" and move on.
	ErrConflict = errors.New("status conflict")
)

// Store is the data-access boundary for the redundancy engine. It is backed
// by an in-memory implementation for tests and a bbolt implementation for
// persistent deployments.
type Store interface {
	// Devices
	PutDevice(d *types.Device) error
	GetDevice(id types.DeviceID) (*types.Device, error)
	ListDevices() ([]*types.Device, error)

	// Raid configs
	PutConfig(c *types.RaidConfig) error
	GetConfig(id types.ConfigID) (*types.RaidConfig, error)
	ListActiveConfigs() ([]*types.RaidConfig, error)
	ListConfigDevices(id types.ConfigID) ([]*types.Device, error)

	// File manifests
	PutManifest(m *types.FileManifest) error
	GetManifest(id types.FileID) (*types.FileManifest, error)

	// Chunk locations
	InsertLocation(l *types.ChunkLocation) error
	GetLocation(id types.LocationID) (*types.ChunkLocation, error)
	// FindStoredLocations returns locations with status stored whose device
	// is in the given set. The set is an explicit parameter, never
	// interpolated into a query string.
	FindStoredLocations(configID types.ConfigID, deviceIDs []types.DeviceID) ([]*types.ChunkLocation, error)
	// FindLocationsByStatus returns locations with the given status. An
	// empty configID matches every config.
	FindLocationsByStatus(configID types.ConfigID, status types.LocationStatus) ([]*types.ChunkLocation, error)
	// ListStripeLocations returns every location in one stripe of a file,
	// regardless of status.
	ListStripeLocations(fileID types.FileID, stripeIndex int) ([]*types.ChunkLocation, error)
	// CompareAndSetStatus transitions a location's status only if it
	// currently equals expected; otherwise ErrConflict.
	CompareAndSetStatus(id types.LocationID, expected, next types.LocationStatus) error

	// Healing events (append-only)
	InsertHealingEvent(e *types.HealingEvent) error
	ListHealingEvents(configID types.ConfigID, limit int) ([]*types.HealingEvent, error)

	Close() error
}

// NewID generates a random identifier with a type prefix, e.g. "dev-a1b2...".
func NewID(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("id generation failed: %v", err))
	}
	return prefix + "-" + hex.EncodeToString(buf)
}
