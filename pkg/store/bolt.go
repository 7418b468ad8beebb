package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"homeraid/pkg/types"
)

var (
	bucketDevices   = []byte("devices")
	bucketConfigs   = []byte("configs")
	bucketManifests = []byte("manifests")
	bucketLocations = []byte("locations")
	bucketEvents    = []byte("events")
)

// BoltStore persists the engine's records in a single bbolt file, one bucket
// per entity, JSON-encoded values.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(dir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dir, "homeraid.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDevices, bucketConfigs, bucketManifests, bucketLocations, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) PutDevice(d *types.Device) error {
	return s.put(bucketDevices, string(d.ID), d)
}

func (s *BoltStore) GetDevice(id types.DeviceID) (*types.Device, error) {
	var d types.Device
	if err := s.get(bucketDevices, string(id), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	out := []*types.Device{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, &d)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutConfig(c *types.RaidConfig) error {
	return s.put(bucketConfigs, string(c.ID), c)
}

func (s *BoltStore) GetConfig(id types.ConfigID) (*types.RaidConfig, error) {
	var c types.RaidConfig
	if err := s.get(bucketConfigs, string(id), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListActiveConfigs() ([]*types.RaidConfig, error) {
	out := []*types.RaidConfig{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfigs).ForEach(func(_, v []byte) error {
			var c types.RaidConfig
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.Active {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListConfigDevices(id types.ConfigID) ([]*types.Device, error) {
	cfg, err := s.GetConfig(id)
	if err != nil {
		return nil, err
	}

	out := make([]*types.Device, 0, len(cfg.DeviceIDs))
	for _, did := range cfg.DeviceIDs {
		d, err := s.GetDevice(did)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *BoltStore) PutManifest(m *types.FileManifest) error {
	return s.put(bucketManifests, string(m.ID), m)
}

func (s *BoltStore) GetManifest(id types.FileID) (*types.FileManifest, error) {
	var m types.FileManifest
	if err := s.get(bucketManifests, string(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) InsertLocation(l *types.ChunkLocation) error {
	return s.put(bucketLocations, string(l.ID), l)
}

func (s *BoltStore) GetLocation(id types.LocationID) (*types.ChunkLocation, error) {
	var l types.ChunkLocation
	if err := s.get(bucketLocations, string(id), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) filterLocations(keep func(*types.ChunkLocation) bool) ([]*types.ChunkLocation, error) {
	out := []*types.ChunkLocation{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocations).ForEach(func(_, v []byte) error {
			var l types.ChunkLocation
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if keep(&l) {
				out = append(out, &l)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *BoltStore) FindStoredLocations(configID types.ConfigID, deviceIDs []types.DeviceID) ([]*types.ChunkLocation, error) {
	inSet := make(map[types.DeviceID]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		inSet[id] = true
	}
	return s.filterLocations(func(l *types.ChunkLocation) bool {
		return l.ConfigID == configID && l.Status == types.StatusStored && inSet[l.DeviceID]
	})
}

func (s *BoltStore) FindLocationsByStatus(configID types.ConfigID, status types.LocationStatus) ([]*types.ChunkLocation, error) {
	return s.filterLocations(func(l *types.ChunkLocation) bool {
		if l.Status != status {
			return false
		}
		return configID == "" || l.ConfigID == configID
	})
}

func (s *BoltStore) ListStripeLocations(fileID types.FileID, stripeIndex int) ([]*types.ChunkLocation, error) {
	return s.filterLocations(func(l *types.ChunkLocation) bool {
		return l.FileID == fileID && l.StripeIndex == stripeIndex
	})
}

func (s *BoltStore) CompareAndSetStatus(id types.LocationID, expected, next types.LocationStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLocations)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var l types.ChunkLocation
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		if l.Status != expected {
			return ErrConflict
		}

		l.Status = next
		l.UpdatedAt = time.Now()
		updated, err := json.Marshal(&l)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) InsertHealingEvent(e *types.HealingEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	// Events are keyed by insertion sequence so listing preserves order.
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListHealingEvents(configID types.ConfigID, limit int) ([]*types.HealingEvent, error) {
	out := []*types.HealingEvent{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e types.HealingEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if configID != "" && e.ConfigID != configID {
				continue
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
