package healing

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homeraid/pkg/device"
	"homeraid/pkg/placement"
	"homeraid/pkg/store"
	"homeraid/pkg/types"
)

const testThreshold = 5 * time.Minute

type healFixture struct {
	store   *store.MemoryStore
	chunks  *device.MemoryStore
	engine  *placement.Engine
	healer  *Healer
	now     time.Time
	cfgID   types.ConfigID
	members []types.DeviceID
}

// newFixture builds an array of members plus one spare device the owner
// registered afterwards, and places one file on it.
func newFixture(t *testing.T, level types.RaidLevel, memberCount int, data []byte) (*healFixture, *types.FileManifest) {
	t.Helper()

	f := &healFixture{
		store:  store.NewMemoryStore(),
		chunks: device.NewMemoryStore(),
		now:    time.Now(),
		cfgID:  "cfg-1",
	}

	names := []types.DeviceID{"dev-a", "dev-b", "dev-c", "dev-d", "dev-e"}
	for i := 0; i < memberCount; i++ {
		require.NoError(t, f.store.PutDevice(&types.Device{
			ID:                names[i],
			Owner:             "alice",
			Platform:          types.PlatformDesktop,
			TotalCapacity:     1 << 30,
			AvailableCapacity: 1 << 29,
			LastSeen:          f.now,
		}))
		f.members = append(f.members, names[i])
	}
	require.NoError(t, f.store.PutDevice(&types.Device{
		ID:                "dev-spare",
		Owner:             "alice",
		Platform:          types.PlatformMobile,
		TotalCapacity:     1 << 30,
		AvailableCapacity: 1 << 28,
		LastSeen:          f.now,
	}))

	require.NoError(t, f.store.PutConfig(&types.RaidConfig{
		ID:         f.cfgID,
		Owner:      "alice",
		Level:      level,
		ChunkSize:  16,
		MinDevices: memberCount,
		DeviceIDs:  f.members,
		Active:     true,
	}))

	f.engine = placement.NewEngine(f.store, f.chunks, nil)
	manifest, err := f.engine.Place(context.Background(), f.cfgID, "vault.bin", data)
	require.NoError(t, err)

	f.healer = NewHealer(f.store, f.chunks, testThreshold, nil)
	f.healer.now = func() time.Time { return f.now }
	return f, manifest
}

// takeOffline backdates a device past the liveness threshold and flags its
// stored locations, the way a monitor sweep would.
func (f *healFixture) takeOffline(t *testing.T, id types.DeviceID) []types.LocationID {
	t.Helper()

	dev, err := f.store.GetDevice(id)
	require.NoError(t, err)
	dev.LastSeen = f.now.Add(-time.Hour)
	require.NoError(t, f.store.PutDevice(dev))

	locs, err := f.store.FindStoredLocations(f.cfgID, []types.DeviceID{id})
	require.NoError(t, err)

	var flagged []types.LocationID
	for _, loc := range locs {
		require.NoError(t, f.store.CompareAndSetStatus(loc.ID, types.StatusStored, types.StatusNeedsReconstruction))
		flagged = append(flagged, loc.ID)
	}
	return flagged
}

func TestSweepRebuildsOntoSpare(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i*3 + 1)
	}
	f, manifest := newFixture(t, types.LevelStripedParity, 3, data)

	flagged := f.takeOffline(t, f.members[0])
	require.NotEmpty(t, flagged)

	require.NoError(t, f.healer.Sweep(context.Background()))

	// Old rows are closed out, replacements are live.
	for _, id := range flagged {
		loc, err := f.store.GetLocation(id)
		require.NoError(t, err)
		assert.Equal(t, types.StatusMissing, loc.Status)
	}
	pending, err := f.store.FindLocationsByStatus(f.cfgID, types.StatusNeedsReconstruction)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Every stripe still keeps its units on distinct devices.
	for _, stripe := range manifest.Stripes {
		locs, err := f.store.ListStripeLocations(manifest.ID, stripe.Index)
		require.NoError(t, err)
		seen := map[types.DeviceID]bool{}
		for _, loc := range locs {
			if loc.Status != types.StatusStored {
				continue
			}
			assert.False(t, seen[loc.DeviceID], "stripe %d has two live units on %s", stripe.Index, loc.DeviceID)
			seen[loc.DeviceID] = true
		}
		assert.Len(t, seen, len(stripe.Units))
	}

	// The rebuilt file reads back intact even with the donor device gone.
	got, err := f.engine.Reassemble(context.Background(), manifest.ID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	events, err := f.store.ListHealingEvents(f.cfgID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.TriggerRepair, events[0].Trigger)
	assert.Equal(t, 1, events[0].RepairedChunks)
	assert.Equal(t, 2, events[0].OnlineDevices)
	assert.Equal(t, 1, events[0].OfflineDevices)
}

// A sweep scoped to one array must not touch another array's flagged
// locations.
func TestSweepConfigLeavesOtherArraysAlone(t *testing.T) {
	f, _ := newFixture(t, types.LevelStripedParity, 3, make([]byte, 32))

	flagged := f.takeOffline(t, f.members[0])
	require.NotEmpty(t, flagged)

	require.NoError(t, f.store.PutConfig(&types.RaidConfig{
		ID:        "cfg-other",
		Owner:     "bob",
		Level:     types.LevelMirror,
		ChunkSize: 16,
		DeviceIDs: []types.DeviceID{"dev-x", "dev-y"},
		Active:    true,
	}))
	require.NoError(t, f.store.InsertLocation(&types.ChunkLocation{
		ID: "loc-other", ConfigID: "cfg-other", FileID: "file-other", ChunkID: "chunk-other",
		DeviceID: "dev-x", Status: types.StatusNeedsReconstruction,
	}))

	require.NoError(t, f.healer.SweepConfig(context.Background(), f.cfgID))

	// The scoped array healed.
	pending, err := f.store.FindLocationsByStatus(f.cfgID, types.StatusNeedsReconstruction)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The other array was never claimed; any repair attempt would have
	// recorded an event.
	loc, err := f.store.GetLocation("loc-other")
	require.NoError(t, err)
	assert.Equal(t, types.StatusNeedsReconstruction, loc.Status)

	events, err := f.store.ListHealingEvents("cfg-other", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRepairMirrorFromSurvivingReplica(t *testing.T) {
	data := []byte("irreplaceable家photos")
	f, manifest := newFixture(t, types.LevelMirror, 2, data)

	flagged := f.takeOffline(t, f.members[1])
	require.NotEmpty(t, flagged)

	for _, id := range flagged {
		require.NoError(t, f.healer.Repair(context.Background(), id))
	}

	got, err := f.engine.Reassemble(context.Background(), manifest.ID)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

// With two of three devices gone a striped-parity stripe is below its
// recovery threshold: the chunks are declared missing, surfaced, and never
// silently retried.
func TestRepairTerminalWhenBelowRecoveryThreshold(t *testing.T) {
	f, _ := newFixture(t, types.LevelStripedParity, 3, make([]byte, 32))

	flagged := f.takeOffline(t, f.members[0])
	flagged = append(flagged, f.takeOffline(t, f.members[1])...)
	require.NotEmpty(t, flagged)

	var insufficient *InsufficientRedundancyError
	err := f.healer.Repair(context.Background(), flagged[0])
	require.Error(t, err)
	require.ErrorAs(t, err, &insufficient)

	loc, err := f.store.GetLocation(flagged[0])
	require.NoError(t, err)
	assert.Equal(t, types.StatusMissing, loc.Status)

	// A later sweep has nothing left to pick up for this location.
	require.NoError(t, f.healer.Sweep(context.Background()))
	loc, err = f.store.GetLocation(flagged[0])
	require.NoError(t, err)
	assert.Equal(t, types.StatusMissing, loc.Status)

	events, err := f.store.ListHealingEvents(f.cfgID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	found := false
	for _, e := range events {
		if e.Trigger == types.TriggerUnrecoverable {
			found = true
			assert.Equal(t, 1, e.Unrecoverable)
			assert.Equal(t, 1, e.OnlineDevices)
			assert.Equal(t, 2, e.OfflineDevices)
		}
	}
	assert.True(t, found, "loss must be surfaced as an event")
}

func TestRepairRevertsOnTransientFailure(t *testing.T) {
	f, _ := newFixture(t, types.LevelStripedParity, 3, make([]byte, 32))

	flagged := f.takeOffline(t, f.members[0])
	require.NotEmpty(t, flagged)

	// The only replacement candidate refuses writes for now.
	f.chunks.SetUnavailable("dev-spare", true)

	err := f.healer.Repair(context.Background(), flagged[0])
	require.Error(t, err)
	var insufficient *InsufficientRedundancyError
	assert.False(t, errors.As(err, &insufficient), "a flaky target is not data loss")

	loc, err := f.store.GetLocation(flagged[0])
	require.NoError(t, err)
	assert.Equal(t, types.StatusNeedsReconstruction, loc.Status, "transient failure reverts the claim")

	// Once the device comes back the next pass succeeds.
	f.chunks.SetUnavailable("dev-spare", false)
	require.NoError(t, f.healer.Repair(context.Background(), flagged[0]))

	loc, err = f.store.GetLocation(flagged[0])
	require.NoError(t, err)
	assert.Equal(t, types.StatusMissing, loc.Status)
}

func TestRepairSkipsLocationClaimedElsewhere(t *testing.T) {
	f, _ := newFixture(t, types.LevelStripedParity, 3, make([]byte, 32))

	flagged := f.takeOffline(t, f.members[0])
	require.NotEmpty(t, flagged)
	require.NoError(t, f.store.CompareAndSetStatus(flagged[0], types.StatusNeedsReconstruction, types.StatusReconstructing))

	require.NoError(t, f.healer.Repair(context.Background(), flagged[0]))

	loc, err := f.store.GetLocation(flagged[0])
	require.NoError(t, err)
	assert.Equal(t, types.StatusReconstructing, loc.Status, "a claim held elsewhere is left alone")
}

func TestReconstructFileReportsOutcomes(t *testing.T) {
	data := make([]byte, 32)
	f, manifest := newFixture(t, types.LevelStripedParity, 3, data)

	flagged := f.takeOffline(t, f.members[0])
	require.NotEmpty(t, flagged)

	repaired, unrecoverable, err := f.healer.ReconstructFile(context.Background(), manifest.ID)
	require.NoError(t, err)
	assert.Len(t, repaired, len(flagged))
	assert.Empty(t, unrecoverable)
}
