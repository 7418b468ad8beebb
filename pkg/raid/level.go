package raid

import (
	"fmt"

	"homeraid/pkg/types"
)

// Level is the redundancy strategy for an array. A stripe is a set of units
// (data plus any parity) written to distinct devices; the contract is that
// any single lost unit must be recoverable from the surviving ones.
type Level interface {
	Name() types.RaidLevel

	// StructuralMinimum is the fewest member devices a config needs for the
	// level to mean anything.
	StructuralMinimum() int

	// DataUnits is how many of a stripe's width units carry file data.
	DataUnits(width int) int

	// Encode expands the data units of one stripe into the full unit set,
	// width units long. Short data units are zero-padded for encoding; the
	// caller tracks original sizes.
	Encode(data [][]byte, width int) ([][]byte, error)

	// Recover rebuilds the unit at index missing. units has one entry per
	// stripe position; lost units are nil.
	Recover(units [][]byte, missing int) ([]byte, error)

	// RecoveryThreshold is how many surviving units a stripe of the given
	// width needs for a single lost unit to be recoverable.
	RecoveryThreshold(width int) int
}

// ForLevel returns the strategy for a configured raid level.
func ForLevel(level types.RaidLevel) (Level, error) {
	switch level {
	case types.LevelMirror:
		return Mirror{}, nil
	case types.LevelStripedParity:
		return StripedParity{}, nil
	default:
		return nil, fmt.Errorf("unknown raid level %q", level)
	}
}

// Mirror replicates every chunk verbatim to every member device. Any single
// surviving replica recovers a lost one.
type Mirror struct{}

func (Mirror) Name() types.RaidLevel { return types.LevelMirror }

func (Mirror) StructuralMinimum() int { return 2 }

func (Mirror) DataUnits(width int) int { return 1 }

func (Mirror) Encode(data [][]byte, width int) ([][]byte, error) {
	if len(data) != 1 {
		return nil, fmt.Errorf("mirror stripes carry one data unit, got %d", len(data))
	}
	if width < 2 {
		return nil, fmt.Errorf("mirror stripe width must be at least 2, got %d", width)
	}

	units := make([][]byte, width)
	for i := range units {
		cp := make([]byte, len(data[0]))
		copy(cp, data[0])
		units[i] = cp
	}
	return units, nil
}

func (Mirror) Recover(units [][]byte, missing int) ([]byte, error) {
	if missing < 0 || missing >= len(units) {
		return nil, fmt.Errorf("missing index %d out of range", missing)
	}
	for i, u := range units {
		if i != missing && u != nil {
			cp := make([]byte, len(u))
			copy(cp, u)
			return cp, nil
		}
	}
	return nil, fmt.Errorf("no surviving replica in stripe")
}

func (Mirror) RecoveryThreshold(width int) int { return 1 }

// StripedParity stripes data across width-1 devices and writes a byte-wise
// XOR parity unit on the last. Any one lost unit is recoverable from the
// other width-1.
type StripedParity struct{}

func (StripedParity) Name() types.RaidLevel { return types.LevelStripedParity }

func (StripedParity) StructuralMinimum() int { return 3 }

func (StripedParity) DataUnits(width int) int { return width - 1 }

func (StripedParity) Encode(data [][]byte, width int) ([][]byte, error) {
	if width < 3 {
		return nil, fmt.Errorf("striped-parity stripe width must be at least 3, got %d", width)
	}
	if len(data) == 0 || len(data) > width-1 {
		return nil, fmt.Errorf("striped-parity stripe of width %d takes 1..%d data units, got %d", width, width-1, len(data))
	}

	unitSize := 0
	for _, d := range data {
		if len(d) > unitSize {
			unitSize = len(d)
		}
	}

	units := make([][]byte, width)
	parity := make([]byte, unitSize)
	for i := 0; i < width-1; i++ {
		unit := make([]byte, unitSize)
		if i < len(data) {
			copy(unit, data[i])
		}
		for j, b := range unit {
			parity[j] ^= b
		}
		units[i] = unit
	}
	units[width-1] = parity
	return units, nil
}

func (StripedParity) Recover(units [][]byte, missing int) ([]byte, error) {
	if missing < 0 || missing >= len(units) {
		return nil, fmt.Errorf("missing index %d out of range", missing)
	}

	unitSize := 0
	for i, u := range units {
		if i == missing {
			continue
		}
		if u == nil {
			return nil, fmt.Errorf("stripe has more than one lost unit")
		}
		if len(u) > unitSize {
			unitSize = len(u)
		}
	}
	if unitSize == 0 && len(units) <= 1 {
		return nil, fmt.Errorf("stripe has no surviving units")
	}

	rebuilt := make([]byte, unitSize)
	for i, u := range units {
		if i == missing {
			continue
		}
		for j, b := range u {
			rebuilt[j] ^= b
		}
	}
	return rebuilt, nil
}

func (StripedParity) RecoveryThreshold(width int) int { return width - 1 }
