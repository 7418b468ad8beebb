package raid

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"homeraid/pkg/store"
	"homeraid/pkg/types"
)

// ConfigurationError rejects an array definition that the chosen level
// cannot honor, most commonly too few member devices.
type ConfigurationError struct {
	Level   types.RaidLevel
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s configuration: %s", e.Level, e.Message)
}

// Manager owns array definitions: creating them, reporting their derived
// health, and soft-deleting them.
type Manager struct {
	store            store.Store
	logger           *zap.Logger
	offlineThreshold time.Duration
}

func NewManager(s store.Store, offlineThreshold time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:            s,
		logger:           logger,
		offlineThreshold: offlineThreshold,
	}
}

// Configure validates and persists a new active array for owner. A
// minDevices of 0 defaults to the level's structural minimum. Any existing
// active config for the owner is deactivated first; one user runs at most
// one active array.
func (m *Manager) Configure(owner string, level types.RaidLevel, chunkSize int64, minDevices int, deviceIDs []types.DeviceID) (types.ConfigID, error) {
	strategy, err := ForLevel(level)
	if err != nil {
		return "", &ConfigurationError{Level: level, Message: err.Error()}
	}

	if chunkSize <= 0 {
		return "", &ConfigurationError{Level: level, Message: fmt.Sprintf("chunk size must be positive, got %d", chunkSize)}
	}

	if len(deviceIDs) < strategy.StructuralMinimum() {
		return "", &ConfigurationError{
			Level:   level,
			Message: fmt.Sprintf("requires at least %d devices, got %d", strategy.StructuralMinimum(), len(deviceIDs)),
		}
	}

	seen := make(map[types.DeviceID]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		if seen[id] {
			return "", &ConfigurationError{Level: level, Message: fmt.Sprintf("device %s listed twice", id)}
		}
		seen[id] = true

		dev, err := m.store.GetDevice(id)
		if err == store.ErrNotFound {
			return "", &ConfigurationError{Level: level, Message: fmt.Sprintf("unknown device %s", id)}
		}
		if err != nil {
			return "", fmt.Errorf("failed to look up device %s: %w", id, err)
		}
		if dev.Retired {
			return "", &ConfigurationError{Level: level, Message: fmt.Sprintf("device %s is retired", id)}
		}
	}

	if minDevices == 0 {
		minDevices = strategy.StructuralMinimum()
	}
	if minDevices < strategy.StructuralMinimum() || minDevices > len(deviceIDs) {
		return "", &ConfigurationError{
			Level:   level,
			Message: fmt.Sprintf("min devices %d outside %d..%d", minDevices, strategy.StructuralMinimum(), len(deviceIDs)),
		}
	}

	// One active array per owner.
	active, err := m.store.ListActiveConfigs()
	if err != nil {
		return "", fmt.Errorf("failed to list configs: %w", err)
	}
	for _, c := range active {
		if c.Owner != owner {
			continue
		}
		c.Active = false
		if err := m.store.PutConfig(c); err != nil {
			return "", fmt.Errorf("failed to deactivate config %s: %w", c.ID, err)
		}
		m.logger.Info("Deactivated previous array",
			zap.String("config_id", string(c.ID)),
			zap.String("owner", owner))
	}

	cfg := &types.RaidConfig{
		ID:         types.ConfigID(store.NewID("cfg")),
		Owner:      owner,
		Level:      level,
		ChunkSize:  chunkSize,
		MinDevices: minDevices,
		Active:     true,
		DeviceIDs:  append([]types.DeviceID(nil), deviceIDs...),
		CreatedAt:  time.Now(),
	}
	if err := m.store.PutConfig(cfg); err != nil {
		return "", fmt.Errorf("failed to persist config: %w", err)
	}

	m.logger.Info("Array configured",
		zap.String("config_id", string(cfg.ID)),
		zap.String("owner", owner),
		zap.String("level", string(level)),
		zap.Int("devices", len(deviceIDs)),
		zap.Int("min_devices", minDevices))

	return cfg.ID, nil
}

// Status joins the config's membership with current device liveness.
// Degraded holds iff online < MinDevices; equality is still healthy.
func (m *Manager) Status(configID types.ConfigID) (*types.ArrayStatus, error) {
	cfg, err := m.store.GetConfig(configID)
	if err != nil {
		return nil, err
	}

	devices, err := m.store.ListConfigDevices(configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list config devices: %w", err)
	}

	now := time.Now()
	st := &types.ArrayStatus{ConfigID: configID, Total: len(cfg.DeviceIDs)}
	for _, d := range devices {
		if d.Online(now, m.offlineThreshold) {
			st.Online++
		}
	}
	st.Offline = st.Total - st.Online
	st.Degraded = st.Online < cfg.MinDevices
	return st, nil
}

// Deactivate is a soft delete: chunk locations and manifests stay
// addressable for recovery and export.
func (m *Manager) Deactivate(configID types.ConfigID) error {
	cfg, err := m.store.GetConfig(configID)
	if err != nil {
		return err
	}

	cfg.Active = false
	if err := m.store.PutConfig(cfg); err != nil {
		return fmt.Errorf("failed to deactivate config: %w", err)
	}

	m.logger.Info("Array deactivated", zap.String("config_id", string(configID)))
	return nil
}
