package raid

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"homeraid/pkg/types"
)

func TestForLevel(t *testing.T) {
	mirror, err := ForLevel(types.LevelMirror)
	require.NoError(t, err)
	assert.Equal(t, types.LevelMirror, mirror.Name())
	assert.Equal(t, 2, mirror.StructuralMinimum())

	parity, err := ForLevel(types.LevelStripedParity)
	require.NoError(t, err)
	assert.Equal(t, types.LevelStripedParity, parity.Name())
	assert.Equal(t, 3, parity.StructuralMinimum())

	_, err = ForLevel(types.RaidLevel("raid6"))
	assert.Error(t, err)
}

func TestMirrorEncodeAndRecover(t *testing.T) {
	m := Mirror{}
	data := []byte("the quick brown fox")

	units, err := m.Encode([][]byte{data}, 3)
	require.NoError(t, err)
	require.Len(t, units, 3)
	for _, u := range units {
		assert.Equal(t, data, u)
	}

	// Any single survivor recovers a lost replica.
	for missing := 0; missing < 3; missing++ {
		lossy := make([][]byte, 3)
		copy(lossy, units)
		lossy[missing] = nil
		// Knock out one more to leave a single survivor.
		lossy[(missing+1)%3] = nil

		rebuilt, err := m.Recover(lossy, missing)
		require.NoError(t, err)
		assert.Equal(t, data, rebuilt)
	}

	assert.Equal(t, 1, m.RecoveryThreshold(3))
}

func TestMirrorEncodeRejectsBadInput(t *testing.T) {
	m := Mirror{}

	_, err := m.Encode([][]byte{{1}, {2}}, 3)
	assert.Error(t, err, "mirror takes exactly one data unit")

	_, err = m.Encode([][]byte{{1}}, 1)
	assert.Error(t, err, "mirror needs at least two replicas")
}

func TestMirrorRecoverNoSurvivors(t *testing.T) {
	m := Mirror{}
	_, err := m.Recover([][]byte{nil, nil, nil}, 0)
	assert.Error(t, err)
}

func TestStripedParityRoundTrip(t *testing.T) {
	p := StripedParity{}

	tests := []struct {
		name  string
		width int
		sizes []int
	}{
		{"EqualUnits", 3, []int{64, 64}},
		{"RaggedTail", 4, []int{128, 128, 5}},
		{"SingleDataUnit", 3, []int{32}},
		{"WideStripe", 5, []int{256, 256, 256, 256}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([][]byte, len(tt.sizes))
			for i, size := range tt.sizes {
				data[i] = make([]byte, size)
				_, err := rand.Read(data[i])
				require.NoError(t, err)
			}

			units, err := p.Encode(data, tt.width)
			require.NoError(t, err)
			require.Len(t, units, tt.width)

			// Every unit, data or parity, must be recoverable from the
			// other width-1.
			for missing := 0; missing < tt.width; missing++ {
				lossy := make([][]byte, tt.width)
				copy(lossy, units)
				lossy[missing] = nil

				rebuilt, err := p.Recover(lossy, missing)
				require.NoError(t, err)
				assert.Equal(t, units[missing], rebuilt, "unit %d should rebuild exactly", missing)
			}
		})
	}
}

func TestStripedParityRecoverTwoLost(t *testing.T) {
	p := StripedParity{}
	units, err := p.Encode([][]byte{{1, 2}, {3, 4}}, 3)
	require.NoError(t, err)

	units[0] = nil
	units[1] = nil
	_, err = p.Recover(units, 0)
	assert.Error(t, err, "single parity cannot survive two lost units")
}

func TestStripedParityThreshold(t *testing.T) {
	p := StripedParity{}
	assert.Equal(t, 2, p.RecoveryThreshold(3))
	assert.Equal(t, 4, p.RecoveryThreshold(5))
	assert.Equal(t, 2, p.DataUnits(3))
}
