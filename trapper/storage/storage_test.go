package storage_test

import (
	"io"
	"strings"
	"testing"
	"trapper/trapper/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedDiskRoundTrip(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	path := storage.ResourceFilePath(uuid.New(), ".jpg")
	require.NoError(t, store.Write(path, strings.NewReader("jpeg-bytes")))

	exists, err := store.Exists(path)
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := store.Size(path)
	require.NoError(t, err)
	assert.EqualValues(t, 10, size)

	reader, err := store.Read(path)
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, "jpeg-bytes", string(data))

	require.NoError(t, store.Delete(path))
	exists, err = store.Exists(path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSharedDiskUsage(t *testing.T) {
	store := storage.NewSharedDisk(t.TempDir())

	usage, err := store.Usage()
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, uint64(0))
	assert.LessOrEqual(t, usage.FreeBytes, usage.TotalBytes)
}
