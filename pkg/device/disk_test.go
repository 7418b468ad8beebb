package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	d, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, d.Put(ctx, "dev-1", "file-1-0-0-abcd", []byte("chunk bytes")))

	data, err := d.Get(ctx, "dev-1", "file-1-0-0-abcd")
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk bytes"), data)

	size, err := d.Stat(ctx, "dev-1", "file-1-0-0-abcd")
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	// Devices do not see each other's chunks.
	_, err = d.Get(ctx, "dev-2", "file-1-0-0-abcd")
	assert.ErrorIs(t, err, ErrChunkNotFound)

	require.NoError(t, d.Delete(ctx, "dev-1", "file-1-0-0-abcd"))
	_, err = d.Get(ctx, "dev-1", "file-1-0-0-abcd")
	assert.ErrorIs(t, err, ErrChunkNotFound)

	// Deleting what is already gone is not an error.
	assert.NoError(t, d.Delete(ctx, "dev-1", "file-1-0-0-abcd"))
}
