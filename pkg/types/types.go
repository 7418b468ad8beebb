package types

import (
	"time"
)

type DeviceID string
type ConfigID string
type FileID string
type ChunkID string
type LocationID string
type EventID string

// RaidLevel selects the redundancy scheme for an array.
type RaidLevel string

const (
	LevelMirror        RaidLevel = "mirror"
	LevelStripedParity RaidLevel = "striped-parity"
)

// Platform describes what kind of device a member is.
type Platform string

const (
	PlatformDesktop Platform = "desktop"
	PlatformBrowser Platform = "browser"
	PlatformMobile  Platform = "mobile"
)

// Device is a member machine contributing storage to an array. Online/offline
// is never stored; it is derived from LastSeen at evaluation time.
type Device struct {
	ID                DeviceID
	Owner             string
	Platform          Platform
	TotalCapacity     int64
	AvailableCapacity int64
	LastSeen          time.Time
	Retired           bool
	RegisteredAt      time.Time
}

// Online reports whether the device has heartbeated within threshold of now.
func (d *Device) Online(now time.Time, threshold time.Duration) bool {
	if d.Retired {
		return false
	}
	return now.Sub(d.LastSeen) < threshold
}

// RaidConfig is a user's array definition. Deactivation is a soft delete:
// chunk history stays addressable for recovery and forensics.
type RaidConfig struct {
	ID         ConfigID
	Owner      string
	Level      RaidLevel
	ChunkSize  int64
	MinDevices int
	Active     bool
	DeviceIDs  []DeviceID
	CreatedAt  time.Time
}

// FileManifest records how one file was split and encoded across an array.
type FileManifest struct {
	ID        FileID
	ConfigID  ConfigID
	Name      string
	Size      int64
	ChunkSize int64
	Stripes   []Stripe
	CreatedAt time.Time
}

// Stripe is the set of units (data plus parity) that protect one span of a
// file. Losing any single unit of a stripe must be recoverable from the rest.
type Stripe struct {
	Index int
	Units []ChunkRef
}

// ChunkRef identifies one unit of a stripe. Hash is computed at placement
// time and never updated; a later mismatch means corruption.
type ChunkRef struct {
	ChunkID ChunkID
	Index   int
	Size    int64
	Hash    string
	Parity  bool
}

type LocationStatus string

const (
	StatusStored              LocationStatus = "stored"
	StatusNeedsReconstruction LocationStatus = "needs_reconstruction"
	StatusReconstructing      LocationStatus = "reconstructing"
	StatusMissing             LocationStatus = "missing"
)

// ChunkLocation binds a chunk to the device holding it. Status only moves
// forward through the monitor and healer; routine sweeps never reset it.
type ChunkLocation struct {
	ID          LocationID
	ConfigID    ConfigID
	FileID      FileID
	ChunkID     ChunkID
	StripeIndex int
	DeviceID    DeviceID
	Status      LocationStatus
	UpdatedAt   time.Time
}

// HealTrigger is the reason a sweep produced a HealingEvent.
type HealTrigger string

const (
	TriggerHealthy        HealTrigger = "healthy"
	TriggerOfflineDevices HealTrigger = "offline_devices"
	TriggerDegraded       HealTrigger = "degraded"
	TriggerRepair         HealTrigger = "repair"
	TriggerUnrecoverable  HealTrigger = "unrecoverable"
	TriggerVerify         HealTrigger = "verify"
)

// HealingEvent is an append-only audit record of health and healing activity.
type HealingEvent struct {
	ID             EventID
	ConfigID       ConfigID
	Trigger        HealTrigger
	OnlineDevices  int
	OfflineDevices int
	FlaggedChunks  int
	RepairedChunks int
	Unrecoverable  int
	Detail         string
	CreatedAt      time.Time
}

// ArrayStatus is the derived health summary for one config.
type ArrayStatus struct {
	ConfigID ConfigID
	Online   int
	Offline  int
	Total    int
	Degraded bool
}
