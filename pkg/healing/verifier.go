package healing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"homeraid/pkg/device"
	"homeraid/pkg/store"
	"homeraid/pkg/types"
)

// Verifier spot-checks stored chunks against their placement-time hashes.
// Corruption is handled exactly like an offline-device loss: the location is
// flagged needs_reconstruction and the healer takes it from there.
type Verifier struct {
	store  store.Store
	chunks device.ChunkStore
	logger *zap.Logger
}

func NewVerifier(s store.Store, chunks device.ChunkStore, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{store: s, chunks: chunks, logger: logger}
}

// VerifyLocation downloads one stored chunk and compares its hash to the
// manifest. On mismatch it returns device.IntegrityError after flagging the
// location.
func (v *Verifier) VerifyLocation(ctx context.Context, locationID types.LocationID) error {
	loc, err := v.store.GetLocation(locationID)
	if err != nil {
		return err
	}
	if loc.Status != types.StatusStored {
		// Only live copies are worth checking.
		return nil
	}

	manifest, err := v.store.GetManifest(loc.FileID)
	if err != nil {
		return fmt.Errorf("failed to load manifest %s: %w", loc.FileID, err)
	}
	_, ref, err := findStripeUnit(manifest, loc.StripeIndex, loc.ChunkID)
	if err != nil {
		return err
	}

	data, err := v.chunks.Get(ctx, loc.DeviceID, loc.ChunkID)
	if err != nil {
		// Unreachable is the liveness path's problem, not corruption.
		return err
	}

	actual := hashHex(data)
	if actual == ref.Hash {
		return nil
	}

	cerr := v.store.CompareAndSetStatus(loc.ID, types.StatusStored, types.StatusNeedsReconstruction)
	if cerr != nil && cerr != store.ErrConflict {
		return fmt.Errorf("failed to flag corrupt location %s: %w", loc.ID, cerr)
	}

	event := &types.HealingEvent{
		ID:            types.EventID(store.NewID("evt")),
		ConfigID:      loc.ConfigID,
		Trigger:       types.TriggerVerify,
		FlaggedChunks: 1,
		Detail:        fmt.Sprintf("chunk %s corrupt on device %s", loc.ChunkID, loc.DeviceID),
		CreatedAt:     time.Now(),
	}
	if err := v.store.InsertHealingEvent(event); err != nil {
		v.logger.Error("Failed to record verify event", zap.Error(err))
	}

	v.logger.Warn("Chunk failed integrity check",
		zap.String("chunk_id", string(loc.ChunkID)),
		zap.String("device_id", string(loc.DeviceID)),
		zap.String("location_id", string(loc.ID)))

	return &device.IntegrityError{
		ChunkID:  loc.ChunkID,
		DeviceID: loc.DeviceID,
		Expected: ref.Hash,
		Actual:   actual,
	}
}

// VerifyFile checks every stored location of a file. It returns the
// locations that failed verification; device I/O errors are logged and
// skipped so one unreachable device does not stop the pass.
func (v *Verifier) VerifyFile(ctx context.Context, fileID types.FileID) ([]types.LocationID, error) {
	manifest, err := v.store.GetManifest(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest %s: %w", fileID, err)
	}

	corrupt := []types.LocationID{}
	for _, stripe := range manifest.Stripes {
		locs, err := v.store.ListStripeLocations(fileID, stripe.Index)
		if err != nil {
			return nil, fmt.Errorf("failed to list stripe locations: %w", err)
		}
		for _, loc := range locs {
			if loc.Status != types.StatusStored {
				continue
			}
			err := v.VerifyLocation(ctx, loc.ID)
			if err == nil {
				continue
			}
			if _, ok := err.(*device.IntegrityError); ok {
				corrupt = append(corrupt, loc.ID)
				continue
			}
			v.logger.Warn("Could not verify chunk, skipping",
				zap.String("location_id", string(loc.ID)),
				zap.Error(err))
		}
	}
	return corrupt, nil
}
