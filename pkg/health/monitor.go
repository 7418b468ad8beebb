package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"homeraid/pkg/store"
	"homeraid/pkg/types"
)

// ErrSweepInProgress means a sweep was requested while the previous one was
// still executing. The caller skips the tick; ticks are never queued.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Monitor periodically reconciles device liveness against the recorded chunk
// layout. Offline devices get their stored locations flagged for
// reconstruction even while the array is still technically healthy: losing
// one more device could tip it into unrecoverable loss, so repairs are
// pre-staged.
type Monitor struct {
	store            store.Store
	logger           *zap.Logger
	offlineThreshold time.Duration
	maxConcurrent    int

	running int32

	// now is swappable so tests can pin the clock.
	now func() time.Time
}

func NewMonitor(s store.Store, offlineThreshold time.Duration, maxConcurrent int, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Monitor{
		store:            s,
		logger:           logger,
		offlineThreshold: offlineThreshold,
		maxConcurrent:    maxConcurrent,
		now:              time.Now,
	}
}

// Sweep evaluates every active config once. Config evaluations run on a
// bounded worker pool and are independent: one config failing never stops
// the others. Overlapping sweeps are rejected with ErrSweepInProgress.
func (m *Monitor) Sweep(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return ErrSweepInProgress
	}
	defer atomic.StoreInt32(&m.running, 0)

	configs, err := m.store.ListActiveConfigs()
	if err != nil {
		return fmt.Errorf("failed to list active configs: %w", err)
	}

	now := m.now()
	sem := make(chan struct{}, m.maxConcurrent)
	var wg sync.WaitGroup

	for _, cfg := range configs {
		cfg := cfg
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			if err := m.evaluateConfig(ctx, cfg, now); err != nil {
				m.logger.Error("Config evaluation failed",
					zap.String("config_id", string(cfg.ID)),
					zap.Error(err))
			}
		}()
	}

	wg.Wait()
	return nil
}

// evaluateConfig classifies members, flags stored locations on offline
// devices, and records exactly one HealingEvent for the evaluation.
func (m *Monitor) evaluateConfig(ctx context.Context, cfg *types.RaidConfig, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	devices, err := m.store.ListConfigDevices(cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	online := 0
	offlineIDs := []types.DeviceID{}
	for _, d := range devices {
		if d.Online(now, m.offlineThreshold) {
			online++
		} else {
			offlineIDs = append(offlineIDs, d.ID)
		}
	}
	total := len(cfg.DeviceIDs)
	offline := total - online
	degraded := online < cfg.MinDevices

	flagged := 0
	if len(offlineIDs) > 0 {
		flagged, err = m.flagOfflineLocations(cfg.ID, offlineIDs)
		if err != nil {
			return err
		}
	}

	trigger := types.TriggerHealthy
	switch {
	case degraded:
		trigger = types.TriggerDegraded
	case len(offlineIDs) > 0:
		trigger = types.TriggerOfflineDevices
	}

	event := &types.HealingEvent{
		ID:             types.EventID(store.NewID("evt")),
		ConfigID:       cfg.ID,
		Trigger:        trigger,
		OnlineDevices:  online,
		OfflineDevices: offline,
		FlaggedChunks:  flagged,
		CreatedAt:      now,
	}
	if err := m.store.InsertHealingEvent(event); err != nil {
		return fmt.Errorf("failed to record healing event: %w", err)
	}

	if trigger != types.TriggerHealthy {
		m.logger.Warn("Array needs attention",
			zap.String("config_id", string(cfg.ID)),
			zap.String("trigger", string(trigger)),
			zap.Int("online", online),
			zap.Int("offline", offline),
			zap.Int("flagged_chunks", flagged))
	} else {
		m.logger.Debug("Array healthy",
			zap.String("config_id", string(cfg.ID)),
			zap.Int("online", online))
	}

	return nil
}

// flagOfflineLocations moves stored locations on the given devices to
// needs_reconstruction. Idempotent: locations already flagged, mid-repair, or
// missing are left untouched, so status only ever progresses forward.
func (m *Monitor) flagOfflineLocations(configID types.ConfigID, deviceIDs []types.DeviceID) (int, error) {
	locs, err := m.store.FindStoredLocations(configID, deviceIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to find stored locations: %w", err)
	}

	flagged := 0
	for _, loc := range locs {
		err := m.store.CompareAndSetStatus(loc.ID, types.StatusStored, types.StatusNeedsReconstruction)
		if err == store.ErrConflict {
			// Another pass got here first.
			continue
		}
		if err != nil {
			return flagged, fmt.Errorf("failed to flag location %s: %w", loc.ID, err)
		}
		flagged++
	}
	return flagged, nil
}
