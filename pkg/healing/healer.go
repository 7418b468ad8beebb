package healing

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"homeraid/pkg/device"
	"homeraid/pkg/health"
	"homeraid/pkg/raid"
	"homeraid/pkg/store"
	"homeraid/pkg/types"
)

// InsufficientRedundancyError is terminal for a chunk: its stripe no longer
// holds enough surviving units to rebuild it. The location is marked missing
// and surfaced to the owner, never silently dropped or retried.
type InsufficientRedundancyError struct {
	ChunkID   types.ChunkID
	FileID    types.FileID
	Survivors int
	Needed    int
}

func (e *InsufficientRedundancyError) Error() string {
	return fmt.Sprintf("chunk %s of file %s unrecoverable: %d surviving units, need %d",
		e.ChunkID, e.FileID, e.Survivors, e.Needed)
}

// Healer consumes flagged chunk locations and rebuilds them from their
// stripe-mates. It runs on its own cadence, independent of the health
// monitor; the two coordinate only through compare-and-set status
// transitions.
type Healer struct {
	store            store.Store
	chunks           device.ChunkStore
	logger           *zap.Logger
	offlineThreshold time.Duration

	running int32
	now     func() time.Time
}

func NewHealer(s store.Store, chunks device.ChunkStore, offlineThreshold time.Duration, logger *zap.Logger) *Healer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Healer{
		store:            s,
		chunks:           chunks,
		logger:           logger,
		offlineThreshold: offlineThreshold,
		now:              time.Now,
	}
}

// Sweep repairs every location currently flagged needs_reconstruction.
// Failures are isolated per chunk: one chunk that cannot be rebuilt never
// stops the rest of the pass.
func (h *Healer) Sweep(ctx context.Context) error {
	return h.SweepConfig(ctx, "")
}

// SweepConfig is Sweep scoped to one array; an empty configID covers all.
func (h *Healer) SweepConfig(ctx context.Context, configID types.ConfigID) error {
	if !atomic.CompareAndSwapInt32(&h.running, 0, 1) {
		return health.ErrSweepInProgress
	}
	defer atomic.StoreInt32(&h.running, 0)

	flagged, err := h.store.FindLocationsByStatus(configID, types.StatusNeedsReconstruction)
	if err != nil {
		return fmt.Errorf("failed to list flagged locations: %w", err)
	}

	for _, loc := range flagged {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.Repair(ctx, loc.ID); err != nil {
			var insufficient *InsufficientRedundancyError
			if errors.As(err, &insufficient) {
				h.logger.Error("Chunk lost",
					zap.String("location_id", string(loc.ID)),
					zap.String("chunk_id", string(loc.ChunkID)),
					zap.Error(err))
				continue
			}
			h.logger.Warn("Repair attempt failed, will retry on a later sweep",
				zap.String("location_id", string(loc.ID)),
				zap.Error(err))
		}
	}
	return nil
}

// Repair rebuilds one flagged location. The status walk is
// needs_reconstruction -> reconstructing -> stored on the replacement (with
// the old row closed out) or -> missing when the stripe cannot recover. Any
// transient failure reverts reconstructing back to needs_reconstruction so a
// crash mid-heal leaves the chunk re-picked-up, never orphaned.
func (h *Healer) Repair(ctx context.Context, locationID types.LocationID) error {
	err := h.store.CompareAndSetStatus(locationID, types.StatusNeedsReconstruction, types.StatusReconstructing)
	if err == store.ErrConflict {
		// Someone else is on it, or it already resolved.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim location %s: %w", locationID, err)
	}

	loc, err := h.store.GetLocation(locationID)
	if err != nil {
		return h.revert(locationID, fmt.Errorf("failed to load location: %w", err))
	}

	repairErr := h.repairClaimed(ctx, loc)
	if repairErr == nil {
		return nil
	}

	var insufficient *InsufficientRedundancyError
	if errors.As(repairErr, &insufficient) {
		// Terminal: surface the loss, do not retry.
		if err := h.store.CompareAndSetStatus(locationID, types.StatusReconstructing, types.StatusMissing); err != nil {
			h.logger.Error("Failed to mark location missing",
				zap.String("location_id", string(locationID)),
				zap.Error(err))
		}
		h.emit(loc.ConfigID, types.TriggerUnrecoverable, 0, 1, repairErr.Error())
		return repairErr
	}

	h.emit(loc.ConfigID, types.TriggerRepair, 0, 0, repairErr.Error())
	return h.revert(locationID, repairErr)
}

// repairClaimed does the actual rebuild once the location is claimed.
func (h *Healer) repairClaimed(ctx context.Context, loc *types.ChunkLocation) error {
	manifest, err := h.store.GetManifest(loc.FileID)
	if err != nil {
		return fmt.Errorf("failed to load manifest %s: %w", loc.FileID, err)
	}
	cfg, err := h.store.GetConfig(loc.ConfigID)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", loc.ConfigID, err)
	}
	level, err := raid.ForLevel(cfg.Level)
	if err != nil {
		return err
	}

	stripe, ref, err := findStripeUnit(manifest, loc.StripeIndex, loc.ChunkID)
	if err != nil {
		return err
	}

	// Replacement candidates come from the owner's whole device pool, not
	// just config members: a stripe usually spans every member, so rebuilding
	// needs a spare the user registered since.
	all, err := h.store.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	now := h.now()
	online := make(map[types.DeviceID]*types.Device)
	for _, d := range all {
		if d.Owner == cfg.Owner && d.Online(now, h.offlineThreshold) {
			online[d.ID] = d
		}
	}

	stripeLocs, err := h.store.ListStripeLocations(loc.FileID, loc.StripeIndex)
	if err != nil {
		return fmt.Errorf("failed to list stripe locations: %w", err)
	}

	// Surviving units: stored stripe-mates whose device is online right now.
	width := len(stripe.Units)
	survivors := map[int]*types.ChunkLocation{}
	stripeDevices := map[types.DeviceID]bool{}
	for _, sl := range stripeLocs {
		// The claimed location's own device stays eligible: rewriting a
		// corrupt chunk back onto its online device is a legitimate repair.
		if sl.ID != loc.ID && (sl.Status == types.StatusStored || sl.Status == types.StatusReconstructing) {
			stripeDevices[sl.DeviceID] = true
		}
		if sl.Status != types.StatusStored || sl.ChunkID == loc.ChunkID {
			continue
		}
		if _, ok := online[sl.DeviceID]; !ok {
			continue
		}
		if unitRef := unitForChunk(stripe, sl.ChunkID); unitRef != nil {
			survivors[unitRef.Index] = sl
		}
	}

	needed := level.RecoveryThreshold(width)
	if len(survivors) < needed {
		return &InsufficientRedundancyError{
			ChunkID:   loc.ChunkID,
			FileID:    loc.FileID,
			Survivors: len(survivors),
			Needed:    needed,
		}
	}

	units := make([][]byte, width)
	for idx, sl := range survivors {
		data, err := h.chunks.Get(ctx, sl.DeviceID, sl.ChunkID)
		if err != nil {
			return fmt.Errorf("failed to fetch surviving unit %d: %w", idx, err)
		}
		units[idx] = data
	}

	rebuilt, err := level.Recover(units, ref.Index)
	if err != nil {
		return fmt.Errorf("failed to rebuild unit: %w", err)
	}

	target, err := h.pickReplacement(online, stripeDevices, int64(len(rebuilt)))
	if err != nil {
		return err
	}

	if err := h.chunks.Put(ctx, target.ID, loc.ChunkID, rebuilt); err != nil {
		return fmt.Errorf("failed to upload rebuilt unit to device %s: %w", target.ID, err)
	}

	newLoc := &types.ChunkLocation{
		ID:          types.LocationID(store.NewID("loc")),
		ConfigID:    loc.ConfigID,
		FileID:      loc.FileID,
		ChunkID:     loc.ChunkID,
		StripeIndex: loc.StripeIndex,
		DeviceID:    target.ID,
		Status:      types.StatusStored,
		UpdatedAt:   h.now(),
	}
	if err := h.store.InsertLocation(newLoc); err != nil {
		return fmt.Errorf("failed to record rebuilt location: %w", err)
	}

	// The old row stays as history; missing marks it non-live.
	if err := h.store.CompareAndSetStatus(loc.ID, types.StatusReconstructing, types.StatusMissing); err != nil && err != store.ErrConflict {
		return fmt.Errorf("failed to close out old location: %w", err)
	}

	h.emit(loc.ConfigID, types.TriggerRepair, 1, 0,
		fmt.Sprintf("chunk %s rebuilt onto device %s", loc.ChunkID, target.ID))

	h.logger.Info("Chunk rebuilt",
		zap.String("chunk_id", string(loc.ChunkID)),
		zap.String("source_device", string(loc.DeviceID)),
		zap.String("target_device", string(target.ID)),
		zap.String("config_id", string(loc.ConfigID)))

	return nil
}

// pickReplacement chooses an online device that holds nothing else from the
// stripe and has room, preferring more available capacity. Placing two units
// of a stripe on one device would destroy the fault tolerance the level
// promises.
func (h *Healer) pickReplacement(online map[types.DeviceID]*types.Device, stripeDevices map[types.DeviceID]bool, size int64) (*types.Device, error) {
	candidates := []*types.Device{}
	for id, d := range online {
		if stripeDevices[id] {
			continue
		}
		if d.AvailableCapacity < size {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no online device outside the stripe with %d bytes free", size)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AvailableCapacity != candidates[j].AvailableCapacity {
			return candidates[i].AvailableCapacity > candidates[j].AvailableCapacity
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

// revert returns a claimed location to the flagged pool after a transient
// failure.
func (h *Healer) revert(locationID types.LocationID, cause error) error {
	if err := h.store.CompareAndSetStatus(locationID, types.StatusReconstructing, types.StatusNeedsReconstruction); err != nil && err != store.ErrConflict {
		h.logger.Error("Failed to revert location after failed repair",
			zap.String("location_id", string(locationID)),
			zap.Error(err))
	}
	return cause
}

func (h *Healer) emit(configID types.ConfigID, trigger types.HealTrigger, repaired, unrecoverable int, detail string) {
	online, offline := h.deviceCounts(configID)
	event := &types.HealingEvent{
		ID:             types.EventID(store.NewID("evt")),
		ConfigID:       configID,
		Trigger:        trigger,
		OnlineDevices:  online,
		OfflineDevices: offline,
		RepairedChunks: repaired,
		Unrecoverable:  unrecoverable,
		Detail:         detail,
		CreatedAt:      h.now(),
	}
	if err := h.store.InsertHealingEvent(event); err != nil {
		h.logger.Error("Failed to record healing event", zap.Error(err))
	}
}

// deviceCounts classifies the config's members as of now, for event records.
func (h *Healer) deviceCounts(configID types.ConfigID) (online, offline int) {
	devices, err := h.store.ListConfigDevices(configID)
	if err != nil {
		h.logger.Warn("Failed to count devices for event",
			zap.String("config_id", string(configID)),
			zap.Error(err))
		return 0, 0
	}
	now := h.now()
	for _, d := range devices {
		if d.Online(now, h.offlineThreshold) {
			online++
		} else {
			offline++
		}
	}
	return online, offline
}

// ReconstructFile repairs every flagged location of one file and reports
// which chunks were repaired and which are beyond recovery.
func (h *Healer) ReconstructFile(ctx context.Context, fileID types.FileID) (repaired, unrecoverable []types.ChunkID, err error) {
	manifest, err := h.store.GetManifest(fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load manifest %s: %w", fileID, err)
	}

	flagged, err := h.store.FindLocationsByStatus(manifest.ConfigID, types.StatusNeedsReconstruction)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list flagged locations: %w", err)
	}

	for _, loc := range flagged {
		if loc.FileID != fileID {
			continue
		}
		repairErr := h.Repair(ctx, loc.ID)
		if repairErr == nil {
			repaired = append(repaired, loc.ChunkID)
			continue
		}
		var insufficient *InsufficientRedundancyError
		if errors.As(repairErr, &insufficient) {
			unrecoverable = append(unrecoverable, loc.ChunkID)
			continue
		}
		return repaired, unrecoverable, repairErr
	}
	return repaired, unrecoverable, nil
}

func findStripeUnit(manifest *types.FileManifest, stripeIndex int, chunkID types.ChunkID) (*types.Stripe, *types.ChunkRef, error) {
	for i := range manifest.Stripes {
		if manifest.Stripes[i].Index != stripeIndex {
			continue
		}
		stripe := &manifest.Stripes[i]
		if ref := unitForChunk(stripe, chunkID); ref != nil {
			return stripe, ref, nil
		}
		return nil, nil, fmt.Errorf("chunk %s not part of stripe %d", chunkID, stripeIndex)
	}
	return nil, nil, fmt.Errorf("stripe %d not in manifest %s", stripeIndex, manifest.ID)
}

func unitForChunk(stripe *types.Stripe, chunkID types.ChunkID) *types.ChunkRef {
	for i := range stripe.Units {
		if stripe.Units[i].ChunkID == chunkID {
			return &stripe.Units[i]
		}
	}
	return nil
}

// hashHex is the placement-time content hash. Shared with the verifier.
func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
