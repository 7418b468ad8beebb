package registry

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"homeraid/pkg/store"
	"homeraid/pkg/types"
)

// ValidationError rejects a device registration with bad metadata.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid device %s: %s", e.Field, e.Message)
}

// Registry tracks member devices and their heartbeats. It never stores an
// online flag: liveness is derived from LastSeen whenever it is needed, so a
// stale flag can never disagree with reality.
type Registry struct {
	store            store.Store
	logger           *zap.Logger
	offlineThreshold time.Duration
}

func New(s store.Store, offlineThreshold time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:            s,
		logger:           logger,
		offlineThreshold: offlineThreshold,
	}
}

// Register assigns an identity to a new device. The first heartbeat is
// implicit in registration.
func (r *Registry) Register(owner string, platform types.Platform, totalCapacity, availableCapacity int64) (types.DeviceID, error) {
	if platform == "" {
		return "", &ValidationError{Field: "platform", Message: "platform is required"}
	}
	if totalCapacity <= 0 {
		return "", &ValidationError{Field: "capacity", Message: fmt.Sprintf("total capacity must be positive, got %d", totalCapacity)}
	}
	if availableCapacity < 0 || availableCapacity > totalCapacity {
		return "", &ValidationError{Field: "capacity", Message: fmt.Sprintf("available capacity %d outside 0..%d", availableCapacity, totalCapacity)}
	}

	now := time.Now()
	dev := &types.Device{
		ID:                types.DeviceID(store.NewID("dev")),
		Owner:             owner,
		Platform:          platform,
		TotalCapacity:     totalCapacity,
		AvailableCapacity: availableCapacity,
		LastSeen:          now,
		RegisteredAt:      now,
	}
	if err := r.store.PutDevice(dev); err != nil {
		return "", fmt.Errorf("failed to persist device: %w", err)
	}

	r.logger.Info("Device registered",
		zap.String("device_id", string(dev.ID)),
		zap.String("owner", owner),
		zap.String("platform", string(platform)),
		zap.Int64("total_capacity", totalCapacity))

	return dev.ID, nil
}

// Heartbeat refreshes a device's last-seen timestamp and available capacity.
// Idempotent; unknown devices get store.ErrNotFound.
func (r *Registry) Heartbeat(id types.DeviceID, availableCapacity int64) error {
	dev, err := r.store.GetDevice(id)
	if err != nil {
		return err
	}

	dev.LastSeen = time.Now()
	if availableCapacity >= 0 {
		dev.AvailableCapacity = availableCapacity
	}
	if err := r.store.PutDevice(dev); err != nil {
		return fmt.Errorf("failed to persist heartbeat: %w", err)
	}
	return nil
}

// Retire marks a device as permanently gone. It is never hard-deleted; its
// stored chunk locations become reconstruction candidates on the next sweep.
func (r *Registry) Retire(id types.DeviceID) error {
	dev, err := r.store.GetDevice(id)
	if err != nil {
		return err
	}

	dev.Retired = true
	if err := r.store.PutDevice(dev); err != nil {
		return fmt.Errorf("failed to retire device: %w", err)
	}

	// Everything the device held needs a new home.
	flagged := 0
	configs, err := r.store.ListActiveConfigs()
	if err != nil {
		return fmt.Errorf("failed to list configs: %w", err)
	}
	for _, cfg := range configs {
		locs, err := r.store.FindStoredLocations(cfg.ID, []types.DeviceID{id})
		if err != nil {
			return fmt.Errorf("failed to find locations for config %s: %w", cfg.ID, err)
		}
		for _, loc := range locs {
			err := r.store.CompareAndSetStatus(loc.ID, types.StatusStored, types.StatusNeedsReconstruction)
			if err == store.ErrConflict {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to flag location %s: %w", loc.ID, err)
			}
			flagged++
		}
	}

	r.logger.Info("Device retired",
		zap.String("device_id", string(id)),
		zap.Int("flagged_locations", flagged))
	return nil
}

// Get returns a device by id.
func (r *Registry) Get(id types.DeviceID) (*types.Device, error) {
	return r.store.GetDevice(id)
}

// List returns all known devices, retired ones included.
func (r *Registry) List() ([]*types.Device, error) {
	return r.store.ListDevices()
}

// Classify splits a config's members into online and offline sets as of now.
func (r *Registry) Classify(devices []*types.Device, now time.Time) (online, offline []*types.Device) {
	for _, d := range devices {
		if d.Online(now, r.offlineThreshold) {
			online = append(online, d)
		} else {
			offline = append(offline, d)
		}
	}
	return online, offline
}
