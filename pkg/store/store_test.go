package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homeraid/pkg/types"
)

// The memory and bolt backends must behave identically; every test runs
// against both.
func withStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("Memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("Bolt", func(t *testing.T) {
		s, err := NewBoltStore(t.TempDir())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestDeviceRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		_, err := s.GetDevice("dev-missing")
		assert.ErrorIs(t, err, ErrNotFound)

		dev := &types.Device{ID: "dev-1", Owner: "alice", Platform: types.PlatformDesktop, TotalCapacity: 100}
		require.NoError(t, s.PutDevice(dev))

		got, err := s.GetDevice("dev-1")
		require.NoError(t, err)
		assert.Equal(t, dev.Owner, got.Owner)
		assert.Equal(t, dev.TotalCapacity, got.TotalCapacity)

		all, err := s.ListDevices()
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestListActiveConfigs(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		require.NoError(t, s.PutConfig(&types.RaidConfig{ID: "cfg-a", Active: true}))
		require.NoError(t, s.PutConfig(&types.RaidConfig{ID: "cfg-b", Active: false}))

		active, err := s.ListActiveConfigs()
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, types.ConfigID("cfg-a"), active[0].ID)
	})
}

func TestFindStoredLocationsFiltersByDeviceSet(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		locs := []*types.ChunkLocation{
			{ID: "loc-1", ConfigID: "cfg-1", DeviceID: "dev-a", Status: types.StatusStored},
			{ID: "loc-2", ConfigID: "cfg-1", DeviceID: "dev-b", Status: types.StatusStored},
			{ID: "loc-3", ConfigID: "cfg-1", DeviceID: "dev-a", Status: types.StatusMissing},
			{ID: "loc-4", ConfigID: "cfg-2", DeviceID: "dev-a", Status: types.StatusStored},
		}
		for _, l := range locs {
			require.NoError(t, s.InsertLocation(l))
		}

		found, err := s.FindStoredLocations("cfg-1", []types.DeviceID{"dev-a"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, types.LocationID("loc-1"), found[0].ID)

		found, err = s.FindStoredLocations("cfg-1", []types.DeviceID{"dev-a", "dev-b"})
		require.NoError(t, err)
		assert.Len(t, found, 2)

		found, err = s.FindStoredLocations("cfg-1", nil)
		require.NoError(t, err)
		assert.Empty(t, found, "empty device set matches nothing")
	})
}

func TestCompareAndSetStatus(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		require.NoError(t, s.InsertLocation(&types.ChunkLocation{
			ID: "loc-1", ConfigID: "cfg-1", DeviceID: "dev-a", Status: types.StatusStored,
		}))

		err := s.CompareAndSetStatus("loc-1", types.StatusStored, types.StatusNeedsReconstruction)
		require.NoError(t, err)

		// Second identical transition loses the race on purpose.
		err = s.CompareAndSetStatus("loc-1", types.StatusStored, types.StatusNeedsReconstruction)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetLocation("loc-1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusNeedsReconstruction, got.Status)

		err = s.CompareAndSetStatus("loc-ghost", types.StatusStored, types.StatusMissing)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFindLocationsByStatusAcrossConfigs(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		require.NoError(t, s.InsertLocation(&types.ChunkLocation{
			ID: "loc-1", ConfigID: "cfg-1", Status: types.StatusNeedsReconstruction,
		}))
		require.NoError(t, s.InsertLocation(&types.ChunkLocation{
			ID: "loc-2", ConfigID: "cfg-2", Status: types.StatusNeedsReconstruction,
		}))
		require.NoError(t, s.InsertLocation(&types.ChunkLocation{
			ID: "loc-3", ConfigID: "cfg-2", Status: types.StatusStored,
		}))

		all, err := s.FindLocationsByStatus("", types.StatusNeedsReconstruction)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		scoped, err := s.FindLocationsByStatus("cfg-2", types.StatusNeedsReconstruction)
		require.NoError(t, err)
		require.Len(t, scoped, 1)
		assert.Equal(t, types.LocationID("loc-2"), scoped[0].ID)
	})
}

func TestHealingEventsNewestFirstWithLimit(t *testing.T) {
	withStores(t, func(t *testing.T, s Store) {
		for i, trigger := range []types.HealTrigger{types.TriggerHealthy, types.TriggerOfflineDevices, types.TriggerDegraded} {
			require.NoError(t, s.InsertHealingEvent(&types.HealingEvent{
				ID:       types.EventID(NewID("evt")),
				ConfigID: "cfg-1",
				Trigger:  trigger,
				Detail:   string(rune('a' + i)),
			}))
		}

		events, err := s.ListHealingEvents("cfg-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, types.TriggerDegraded, events[0].Trigger, "newest first")

		limited, err := s.ListHealingEvents("cfg-1", 2)
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		other, err := s.ListHealingEvents("cfg-other", 0)
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}
