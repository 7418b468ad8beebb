package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"homeraid/pkg/config"
	"homeraid/pkg/device"
	"homeraid/pkg/healing"
	"homeraid/pkg/health"
	"homeraid/pkg/placement"
	"homeraid/pkg/raid"
	"homeraid/pkg/registry"
	"homeraid/pkg/store"
	"homeraid/pkg/types"
)

// Service is the request/response surface exposed to UI shells, CLIs, and
// other callers. It wires the registry, array manager, placement engine,
// health monitor, and healer over one Store and one ChunkStore.
type Service struct {
	cfg      *config.Config
	store    store.Store
	chunks   device.ChunkStore
	logger   *zap.Logger
	registry *registry.Registry
	arrays   *raid.Manager
	placer   *placement.Engine
	monitor  *health.Monitor
	healer   *healing.Healer
	verifier *healing.Verifier

	monitorHandle *health.Handle
	healerHandle  *health.Handle
}

func New(cfg *config.Config, st store.Store, chunks device.ChunkStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	retrying := device.NewRetryingStore(chunks, cfg.IOTimeout(), cfg.Device.MaxAttempts, logger)
	threshold := cfg.OfflineThreshold()

	return &Service{
		cfg:      cfg,
		store:    st,
		chunks:   retrying,
		logger:   logger,
		registry: registry.New(st, threshold, logger),
		arrays:   raid.NewManager(st, threshold, logger),
		placer:   placement.NewEngine(st, retrying, logger),
		monitor:  health.NewMonitor(st, threshold, cfg.Health.MaxConcurrentConfigs, logger),
		healer:   healing.NewHealer(st, retrying, threshold, logger),
		verifier: healing.NewVerifier(st, retrying, logger),
	}
}

// StartBackground launches the periodic health and healing sweeps. Stop with
// StopBackground.
func (s *Service) StartBackground() {
	s.monitorHandle = health.Start(s.monitor, s.cfg.SweepInterval(), s.logger.With(zap.String("task", "health")))
	s.healerHandle = health.Start(s.healer, s.cfg.HealInterval(), s.logger.With(zap.String("task", "healing")))
	s.logger.Info("Background sweeps started",
		zap.Duration("health_interval", s.cfg.SweepInterval()),
		zap.Duration("healing_interval", s.cfg.HealInterval()))
}

// StopBackground halts the schedulers and waits for in-flight sweeps.
func (s *Service) StopBackground() {
	if s.monitorHandle != nil {
		s.monitorHandle.Stop()
		s.monitorHandle = nil
	}
	if s.healerHandle != nil {
		s.healerHandle.Stop()
		s.healerHandle = nil
	}
	s.logger.Info("Background sweeps stopped")
}

// Device operations.

func (s *Service) RegisterDevice(owner string, platform types.Platform, totalCapacity, availableCapacity int64) (types.DeviceID, error) {
	return s.registry.Register(owner, platform, totalCapacity, availableCapacity)
}

func (s *Service) Heartbeat(id types.DeviceID, availableCapacity int64) error {
	return s.registry.Heartbeat(id, availableCapacity)
}

func (s *Service) RetireDevice(id types.DeviceID) error {
	return s.registry.Retire(id)
}

func (s *Service) ListDevices() ([]*types.Device, error) {
	return s.registry.List()
}

// Array operations.

func (s *Service) ConfigureArray(owner string, level types.RaidLevel, chunkSize int64, minDevices int, deviceIDs []types.DeviceID) (types.ConfigID, error) {
	return s.arrays.Configure(owner, level, chunkSize, minDevices, deviceIDs)
}

func (s *Service) ArrayStatus(configID types.ConfigID) (*types.ArrayStatus, error) {
	return s.arrays.Status(configID)
}

func (s *Service) DeactivateArray(configID types.ConfigID) error {
	return s.arrays.Deactivate(configID)
}

// File operations.

func (s *Service) UploadFile(ctx context.Context, configID types.ConfigID, name string, data []byte) (*types.FileManifest, error) {
	return s.placer.Place(ctx, configID, name, data)
}

func (s *Service) DownloadFile(ctx context.Context, fileID types.FileID) ([]byte, error) {
	return s.placer.Reassemble(ctx, fileID)
}

func (s *Service) DeleteChunk(ctx context.Context, deviceID types.DeviceID, chunkID types.ChunkID) error {
	return s.chunks.Delete(ctx, deviceID, chunkID)
}

// Healing operations.

// TriggerHeal runs a health sweep followed by a healing sweep, on demand.
// A non-empty configID scopes the healing pass to that array; the health
// sweep always evaluates every active config, so liveness stays current.
func (s *Service) TriggerHeal(ctx context.Context, configID types.ConfigID) error {
	if err := s.monitor.Sweep(ctx); err != nil {
		return err
	}
	return s.healer.SweepConfig(ctx, configID)
}

// RepairChunk heals one flagged location immediately, outside the sweep
// cadence.
func (s *Service) RepairChunk(ctx context.Context, locationID types.LocationID) error {
	return s.healer.Repair(ctx, locationID)
}

func (s *Service) ReconstructFile(ctx context.Context, fileID types.FileID) (repaired, unrecoverable []types.ChunkID, err error) {
	return s.healer.ReconstructFile(ctx, fileID)
}

// ListPendingChunks returns locations awaiting reconstruction, and the ones
// already declared unrecoverable so data loss is surfaced, not hidden. A
// missing row whose chunk has a live stored copy elsewhere is rebuild history,
// not loss, and is excluded.
func (s *Service) ListPendingChunks(configID types.ConfigID) (pending, lost []*types.ChunkLocation, err error) {
	pending, err = s.store.FindLocationsByStatus(configID, types.StatusNeedsReconstruction)
	if err != nil {
		return nil, nil, err
	}

	stored, err := s.store.FindLocationsByStatus(configID, types.StatusStored)
	if err != nil {
		return nil, nil, err
	}
	live := make(map[types.ChunkID]bool, len(stored))
	for _, loc := range stored {
		live[loc.ChunkID] = true
	}

	missing, err := s.store.FindLocationsByStatus(configID, types.StatusMissing)
	if err != nil {
		return nil, nil, err
	}
	for _, loc := range missing {
		if !live[loc.ChunkID] {
			lost = append(lost, loc)
		}
	}
	return pending, lost, nil
}

func (s *Service) VerifyFile(ctx context.Context, fileID types.FileID) ([]types.LocationID, error) {
	return s.verifier.VerifyFile(ctx, fileID)
}

func (s *Service) VerifyChunkLocation(ctx context.Context, locationID types.LocationID) error {
	return s.verifier.VerifyLocation(ctx, locationID)
}

func (s *Service) ListEvents(configID types.ConfigID, limit int) ([]*types.HealingEvent, error) {
	return s.store.ListHealingEvents(configID, limit)
}

// WaitHealthy polls the array status until it reports healthy or the context
// expires. Useful for scripted recovery flows.
func (s *Service) WaitHealthy(ctx context.Context, configID types.ConfigID, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		st, err := s.arrays.Status(configID)
		if err != nil {
			return err
		}
		if !st.Degraded {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
