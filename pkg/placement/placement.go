package placement

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"homeraid/pkg/device"
	"homeraid/pkg/raid"
	"homeraid/pkg/store"
	"homeraid/pkg/types"
)

// Error fails a whole placement. Nothing from the attempt is recorded as
// stored; a partially-redundant stripe must never masquerade as a healthy
// one.
type Error struct {
	FileID  types.FileID
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("placement of %s failed: %s: %v", e.FileID, e.Message, e.Err)
	}
	return fmt.Sprintf("placement of %s failed: %s", e.FileID, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Engine splits files into chunks, computes redundancy units per the array's
// level, and writes them to distinct member devices.
type Engine struct {
	store  store.Store
	chunks device.ChunkStore
	logger *zap.Logger
}

func NewEngine(s store.Store, chunks device.ChunkStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, chunks: chunks, logger: logger}
}

// Place uploads a file into the array and records its manifest and chunk
// locations. Every unit of every stripe lands on a distinct device; the
// assignment rotates with the stripe index so parity does not pile onto one
// device, and higher-available-capacity devices come first.
func (e *Engine) Place(ctx context.Context, configID types.ConfigID, name string, data []byte) (*types.FileManifest, error) {
	cfg, err := e.store.GetConfig(configID)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", configID, err)
	}

	level, err := raid.ForLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	members, err := e.store.ListConfigDevices(configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list config devices: %w", err)
	}
	if len(members) < level.StructuralMinimum() {
		return nil, &Error{Message: fmt.Sprintf("config has %d devices, level needs %d", len(members), level.StructuralMinimum())}
	}

	// Prefer devices with more available capacity.
	ordered := append([]*types.Device(nil), members...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].AvailableCapacity != ordered[j].AvailableCapacity {
			return ordered[i].AvailableCapacity > ordered[j].AvailableCapacity
		}
		return ordered[i].ID < ordered[j].ID
	})

	fileID := types.FileID(store.NewID("file"))
	width := len(ordered)
	dataPerStripe := level.DataUnits(width)

	units := splitChunks(data, cfg.ChunkSize)
	manifest := &types.FileManifest{
		ID:        fileID,
		ConfigID:  configID,
		Name:      name,
		Size:      int64(len(data)),
		ChunkSize: cfg.ChunkSize,
		CreatedAt: time.Now(),
	}

	var locations []*types.ChunkLocation
	var uploaded []uploadRecord

	for stripeIdx := 0; stripeIdx*dataPerStripe < len(units) || (len(units) == 0 && stripeIdx == 0); stripeIdx++ {
		start := stripeIdx * dataPerStripe
		end := start + dataPerStripe
		if end > len(units) {
			end = len(units)
		}
		dataUnits := units[start:end]
		if len(dataUnits) == 0 {
			break
		}

		encoded, err := level.Encode(dataUnits, width)
		if err != nil {
			return nil, &Error{FileID: fileID, Message: "encoding failed", Err: err}
		}

		stripe := types.Stripe{Index: stripeIdx}
		for unitIdx, unit := range encoded {
			// Rotate so stripe-mates land on distinct devices and no
			// single device always carries the same unit position.
			dev := ordered[(unitIdx+stripeIdx)%width]

			size := int64(len(unit))
			parity := unitIdx >= len(dataUnits) && cfg.Level == types.LevelStripedParity
			if !parity && unitIdx < len(dataUnits) {
				size = int64(len(dataUnits[unitIdx]))
			}
			if cfg.Level == types.LevelMirror {
				size = int64(len(dataUnits[0]))
			}

			hash := sha256.Sum256(unit)
			chunkID := chunkID(fileID, stripeIdx, unitIdx, hash[:])

			if err := e.chunks.Put(ctx, dev.ID, chunkID, unit); err != nil {
				e.rollback(ctx, uploaded)
				return nil, &Error{FileID: fileID, Message: fmt.Sprintf("upload to device %s exhausted retries", dev.ID), Err: err}
			}
			uploaded = append(uploaded, uploadRecord{deviceID: dev.ID, chunkID: chunkID})

			stripe.Units = append(stripe.Units, types.ChunkRef{
				ChunkID: chunkID,
				Index:   unitIdx,
				Size:    size,
				Hash:    fmt.Sprintf("%x", hash),
				Parity:  parity,
			})

			locations = append(locations, &types.ChunkLocation{
				ID:          types.LocationID(store.NewID("loc")),
				ConfigID:    configID,
				FileID:      fileID,
				ChunkID:     chunkID,
				StripeIndex: stripeIdx,
				DeviceID:    dev.ID,
				Status:      types.StatusStored,
				UpdatedAt:   time.Now(),
			})
		}
		manifest.Stripes = append(manifest.Stripes, stripe)
	}

	// Only after every upload succeeded do the stored rows exist.
	for _, loc := range locations {
		if err := e.store.InsertLocation(loc); err != nil {
			return nil, &Error{FileID: fileID, Message: "failed to record chunk location", Err: err}
		}
	}
	if err := e.store.PutManifest(manifest); err != nil {
		return nil, &Error{FileID: fileID, Message: "failed to record manifest", Err: err}
	}

	e.logger.Info("File placed",
		zap.String("file_id", string(fileID)),
		zap.String("config_id", string(configID)),
		zap.String("level", string(cfg.Level)),
		zap.Int("stripes", len(manifest.Stripes)),
		zap.Int("locations", len(locations)))

	return manifest, nil
}

type uploadRecord struct {
	deviceID types.DeviceID
	chunkID  types.ChunkID
}

// rollback best-effort deletes chunks uploaded before a placement failed.
func (e *Engine) rollback(ctx context.Context, uploaded []uploadRecord) {
	for _, u := range uploaded {
		if err := e.chunks.Delete(ctx, u.deviceID, u.chunkID); err != nil {
			e.logger.Warn("Failed to clean up chunk after aborted placement",
				zap.String("device_id", string(u.deviceID)),
				zap.String("chunk_id", string(u.chunkID)),
				zap.Error(err))
		}
	}
}

// Reassemble downloads a file's data units and concatenates them, rebuilding
// any single lost unit per stripe through the array's level.
func (e *Engine) Reassemble(ctx context.Context, fileID types.FileID) ([]byte, error) {
	manifest, err := e.store.GetManifest(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest %s: %w", fileID, err)
	}
	cfg, err := e.store.GetConfig(manifest.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	level, err := raid.ForLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, manifest.Size)
	for _, stripe := range manifest.Stripes {
		units, missing, err := e.fetchStripe(ctx, manifest, stripe)
		if err != nil {
			return nil, err
		}

		width := len(stripe.Units)
		surviving := width - len(missing)
		if surviving < level.RecoveryThreshold(width) {
			return nil, fmt.Errorf("stripe %d of file %s has %d surviving units, level %s needs %d",
				stripe.Index, fileID, surviving, cfg.Level, level.RecoveryThreshold(width))
		}

		if cfg.Level == types.LevelMirror {
			// Any surviving replica is the data.
			ref := stripe.Units[0]
			for _, u := range units {
				if u != nil {
					out = append(out, u[:ref.Size]...)
					break
				}
			}
			continue
		}

		if len(missing) == 1 {
			rebuilt, err := level.Recover(units, missing[0])
			if err != nil {
				return nil, fmt.Errorf("failed to rebuild stripe %d of file %s: %w", stripe.Index, fileID, err)
			}
			units[missing[0]] = rebuilt
		}
		for _, ref := range stripe.Units {
			if ref.Parity {
				continue
			}
			out = append(out, units[ref.Index][:ref.Size]...)
		}
	}

	return out, nil
}

// fetchStripe downloads every reachable unit of a stripe, verifying bytes
// against the manifest hash. Units that are unreachable or corrupt come back
// as nil with their indexes in missing.
func (e *Engine) fetchStripe(ctx context.Context, manifest *types.FileManifest, stripe types.Stripe) (units [][]byte, missing []int, err error) {
	units = make([][]byte, len(stripe.Units))
	locs, err := e.store.ListStripeLocations(manifest.ID, stripe.Index)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list stripe locations: %w", err)
	}

	for _, ref := range stripe.Units {
		var loc *types.ChunkLocation
		for _, l := range locs {
			if l.ChunkID == ref.ChunkID && l.Status == types.StatusStored {
				loc = l
				break
			}
		}
		if loc == nil {
			missing = append(missing, ref.Index)
			continue
		}

		data, err := e.chunks.Get(ctx, loc.DeviceID, ref.ChunkID)
		if err != nil {
			e.logger.Warn("Failed to fetch stripe unit",
				zap.String("chunk_id", string(ref.ChunkID)),
				zap.String("device_id", string(loc.DeviceID)),
				zap.Error(err))
			missing = append(missing, ref.Index)
			continue
		}

		hash := sha256.Sum256(data)
		if fmt.Sprintf("%x", hash) != ref.Hash {
			e.logger.Warn("Stripe unit failed hash check during reassembly",
				zap.String("chunk_id", string(ref.ChunkID)),
				zap.String("device_id", string(loc.DeviceID)))
			missing = append(missing, ref.Index)
			continue
		}

		units[ref.Index] = data
	}
	return units, missing, nil
}

// splitChunks divides data into fixed-size units.
func splitChunks(data []byte, chunkSize int64) [][]byte {
	if chunkSize <= 0 {
		return nil
	}
	out := [][]byte{}
	for start := 0; start < len(data); start += int(chunkSize) {
		end := start + int(chunkSize)
		if end > len(data) {
			end = len(data)
		}
		cp := make([]byte, end-start)
		copy(cp, data[start:end])
		out = append(out, cp)
	}
	return out
}

func chunkID(fileID types.FileID, stripeIdx, unitIdx int, hash []byte) types.ChunkID {
	safe := strings.ReplaceAll(string(fileID), "/", "_")
	return types.ChunkID(fmt.Sprintf("%s-%d-%d-%x", safe, stripeIdx, unitIdx, hash[:8]))
}
