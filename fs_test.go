package tinyfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyfs/tinyfs/blockstore"
	"github.com/tinyfs/tinyfs/errors"
)

func TestFormatGeometry(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	stat := fs.Stat()
	assert.Equal(t, blockstore.BlockSize, stat.BlockSize)
	assert.Equal(t, blockstore.TotalBlocks, stat.TotalBlocks)

	// 16 bitmap blocks plus blocks 0..33 for the inode bitmap, inode table,
	// and root directory.
	assert.Equal(t, 16+34, stat.UsedBlocks)
	assert.Equal(t, blockstore.AvailBlocks-34, stat.FreeBlocks)

	assert.Equal(t, 256, stat.TotalInodes)
	assert.Equal(t, 1, stat.UsedInodes)
	assert.Equal(t, 255, stat.FreeInodes)
}

func TestFormatMountRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.img")

	fs, err := Format(path)
	require.NoError(t, err)
	before := fs.Stat()
	require.NoError(t, fs.Unmount())

	fs, err = Mount(path)
	require.NoError(t, err)
	defer fs.Unmount()

	records, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, records)

	// Everything reserved at format time is still marked allocated.
	assert.Equal(t, before, fs.Stat())
}

func TestMountPersistsFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.img")

	fs, err := Format(path)
	require.NoError(t, err)

	require.NoError(t, fs.Create("/docs", Directory))
	require.NoError(t, fs.Create("/docs/readme", Regular))

	fd, err := fs.Open("/docs/readme")
	require.NoError(t, err)
	n, err := fs.Write(fd, []byte("persist me"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.NoError(t, fs.Close(fd))
	require.NoError(t, fs.Unmount())

	fs, err = Mount(path)
	require.NoError(t, err)
	defer fs.Unmount()

	fd, err = fs.Open("/docs/readme")
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err = fs.Read(fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "persist me", string(buf[:n]))
}

func TestMountRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.img")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))

	_, err := Mount(path)
	assert.Error(t, err)
}

func TestMountRejectsUnformattedImage(t *testing.T) {
	// A valid-size image whose root inode was never allocated.
	storage := make([]byte, blockstore.ImageBytes)
	storage[blockstore.ImageBytes-1] = 0xFF
	storage[blockstore.ImageBytes-2] = 0xFF

	_, err := MountSlice(storage)
	assert.ErrorIs(t, err, errors.ErrFileSystemCorrupted)
}

func TestFormatSliceThenMountSlice(t *testing.T) {
	storage := make([]byte, blockstore.ImageBytes)

	fs, err := FormatSlice(storage)
	require.NoError(t, err)
	require.NoError(t, fs.Create("/a", Regular))
	require.NoError(t, fs.Unmount())

	fs, err = MountSlice(storage)
	require.NoError(t, err)
	defer fs.Unmount()

	records, err := fs.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, FileRecord{Name: "a", Type: Regular}, records[0])
}

func TestFormatRejectsBadPath(t *testing.T) {
	_, err := Format("")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	_, err = Format(filepath.Join(t.TempDir(), "no", "such", "dir", "fs.img"))
	assert.ErrorIs(t, err, errors.ErrIOFailed)
}

func TestUnmountTwice(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Unmount())
	assert.ErrorIs(t, fs.Unmount(), errors.ErrInvalidArgument)

	var unmounted *FileSystem
	assert.ErrorIs(t, unmounted.Unmount(), errors.ErrInvalidArgument)
}
