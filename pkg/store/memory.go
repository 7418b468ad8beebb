package store

import (
	"sort"
	"sync"
	"time"

	"homeraid/pkg/types"
)

// MemoryStore is a map-backed Store used by tests and single-process runs.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[types.DeviceID]*types.Device
	configs   map[types.ConfigID]*types.RaidConfig
	manifests map[types.FileID]*types.FileManifest
	locations map[types.LocationID]*types.ChunkLocation
	events    []*types.HealingEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[types.DeviceID]*types.Device),
		configs:   make(map[types.ConfigID]*types.RaidConfig),
		manifests: make(map[types.FileID]*types.FileManifest),
		locations: make(map[types.LocationID]*types.ChunkLocation),
	}
}

func (s *MemoryStore) PutDevice(d *types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDevice(id types.DeviceID) (*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDevices() ([]*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutConfig(c *types.RaidConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	cp.DeviceIDs = append([]types.DeviceID(nil), c.DeviceIDs...)
	s.configs[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConfig(id types.ConfigID) (*types.RaidConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.DeviceIDs = append([]types.DeviceID(nil), c.DeviceIDs...)
	return &cp, nil
}

func (s *MemoryStore) ListActiveConfigs() ([]*types.RaidConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*types.RaidConfig{}
	for _, c := range s.configs {
		if !c.Active {
			continue
		}
		cp := *c
		cp.DeviceIDs = append([]types.DeviceID(nil), c.DeviceIDs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListConfigDevices(id types.ConfigID) ([]*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.configs[id]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]*types.Device, 0, len(c.DeviceIDs))
	for _, did := range c.DeviceIDs {
		d, ok := s.devices[did]
		if !ok {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutManifest(m *types.FileManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	cp.Stripes = append([]types.Stripe(nil), m.Stripes...)
	s.manifests[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetManifest(id types.FileID) (*types.FileManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.manifests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	cp.Stripes = append([]types.Stripe(nil), m.Stripes...)
	return &cp, nil
}

func (s *MemoryStore) InsertLocation(l *types.ChunkLocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	s.locations[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLocation(id types.LocationID) (*types.ChunkLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) FindStoredLocations(configID types.ConfigID, deviceIDs []types.DeviceID) ([]*types.ChunkLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inSet := make(map[types.DeviceID]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		inSet[id] = true
	}

	out := []*types.ChunkLocation{}
	for _, l := range s.locations {
		if l.ConfigID != configID || l.Status != types.StatusStored || !inSet[l.DeviceID] {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) FindLocationsByStatus(configID types.ConfigID, status types.LocationStatus) ([]*types.ChunkLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*types.ChunkLocation{}
	for _, l := range s.locations {
		if l.Status != status {
			continue
		}
		if configID != "" && l.ConfigID != configID {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListStripeLocations(fileID types.FileID, stripeIndex int) ([]*types.ChunkLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*types.ChunkLocation{}
	for _, l := range s.locations {
		if l.FileID != fileID || l.StripeIndex != stripeIndex {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CompareAndSetStatus(id types.LocationID, expected, next types.LocationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locations[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != expected {
		return ErrConflict
	}
	l.Status = next
	l.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) InsertHealingEvent(e *types.HealingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListHealingEvents(configID types.ConfigID, limit int) ([]*types.HealingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*types.HealingEvent{}
	// Newest first.
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if configID != "" && e.ConfigID != configID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
