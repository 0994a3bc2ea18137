package tinyfs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyfs/tinyfs/errors"
)

func TestCreateAndDuplicate(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/a", Regular))
	assert.ErrorIs(t, fs.Create("/a", Regular), errors.ErrExists)
	// The name is taken regardless of the requested type.
	assert.ErrorIs(t, fs.Create("/a", Directory), errors.ErrExists)

	records, err := fs.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, FileRecord{Name: "a", Type: Regular}, records[0])
}

func TestCreateValidation(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Create("/x", FileType('z')), errors.ErrInvalidArgument)
	assert.ErrorIs(t, fs.Create("", Regular), errors.ErrInvalidArgument)
	assert.ErrorIs(t, fs.Create("relative", Regular), errors.ErrInvalidArgument)
	assert.ErrorIs(t, fs.Create("/x/", Regular), errors.ErrInvalidArgument)
	assert.ErrorIs(t, fs.Create("/", Directory), errors.ErrNotPermitted)
}

func TestReadDirAgreesWithCreatesAndRemoves(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/docs", Directory))
	require.NoError(t, fs.Create("/docs/a", Regular))
	require.NoError(t, fs.Create("/docs/b", Regular))
	require.NoError(t, fs.Create("/docs/sub", Directory))
	require.NoError(t, fs.Remove("/docs/a"))
	require.NoError(t, fs.Create("/docs/c", Regular))

	records, err := fs.ReadDir("/docs")
	require.NoError(t, err)

	byName := map[string]FileType{}
	for _, record := range records {
		byName[record.Name] = record.Type
	}
	assert.Equal(t, map[string]FileType{
		"b":   Regular,
		"c":   Regular,
		"sub": Directory,
	}, byName)
}

func TestReadDirOnFileFails(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/f", Regular))
	_, err = fs.ReadDir("/f")
	assert.ErrorIs(t, err, errors.ErrNotADirectory)

	_, err = fs.ReadDir("/missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestDirectoryHoldsAtMostSevenChildren(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/d", Directory))
	for i := 0; i < 7; i++ {
		require.NoError(t, fs.Create(fmt.Sprintf("/d/c%d", i), Regular))
	}

	err = fs.Create("/d/overflow", Regular)
	assert.ErrorIs(t, err, errors.ErrDirectoryFull)

	// Removing one child makes room again, in the freed slot.
	require.NoError(t, fs.Remove("/d/c3"))
	require.NoError(t, fs.Create("/d/again", Regular))

	records, err := fs.ReadDir("/d")
	require.NoError(t, err)
	assert.Len(t, records, 7)
}

func TestRemoveRestoresFreeBlocks(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	before := fs.Stat()

	require.NoError(t, fs.Create("/big", Regular))
	fd, err := fs.Open("/big")
	require.NoError(t, err)

	// Spread the file across the direct, indirect, and double-indirect
	// pools: 300 blocks crosses every boundary.
	n, err := fs.Write(fd, pattern(0, 300*512))
	require.NoError(t, err)
	require.Equal(t, 300*512, n)
	require.NoError(t, fs.Close(fd))

	require.Less(t, fs.Stat().FreeBlocks, before.FreeBlocks)
	require.NoError(t, fs.Remove("/big"))

	assert.Equal(t, before, fs.Stat())
}

func TestRemoveEmptyDirectoryRestoresState(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	before := fs.Stat()
	require.NoError(t, fs.Create("/d", Directory))
	require.NoError(t, fs.Remove("/d"))
	assert.Equal(t, before, fs.Stat())

	records, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRemoveNonEmptyDirectoryFails(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/d", Directory))
	require.NoError(t, fs.Create("/d/child", Regular))
	snapshot := fs.Stat()

	assert.ErrorIs(t, fs.Remove("/d"), errors.ErrDirectoryNotEmpty)
	assert.Equal(t, snapshot, fs.Stat())

	require.NoError(t, fs.Remove("/d/child"))
	require.NoError(t, fs.Remove("/d"))
}

func TestRemoveMissingAndRoot(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	assert.ErrorIs(t, fs.Remove("/ghost"), errors.ErrNotFound)
	assert.ErrorIs(t, fs.Remove("/"), errors.ErrNotPermitted)
}

func TestRemoveClosesOpenDescriptors(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/f", Regular))
	fd, err := fs.Open("/f")
	require.NoError(t, err)

	require.NoError(t, fs.Remove("/f"))

	buf := make([]byte, 4)
	_, err = fs.Read(fd, buf)
	assert.ErrorIs(t, err, errors.ErrInvalidFileDescriptor)
}

func TestMoveKeepsDescriptorsWorking(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/file", Regular))
	require.NoError(t, fs.Create("/folder", Directory))

	fd, err := fs.Open("/file")
	require.NoError(t, err)

	require.NoError(t, fs.Move("/file", "/folder/new"))

	n, err := fs.Write(fd, []byte("12345678"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	folder, err := fs.ReadDir("/folder")
	require.NoError(t, err)
	require.Len(t, folder, 1)
	assert.Equal(t, "new", folder[0].Name)

	root, err := fs.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.Equal(t, "folder", root[0].Name)

	// The data written through the moved descriptor is at the new path.
	moved, err := fs.Open("/folder/new")
	require.NoError(t, err)
	buf := make([]byte, 8)
	_, err = fs.Read(moved, buf)
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(buf))
}

func TestMoveRenameWithinDirectory(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/old", Regular))
	require.NoError(t, fs.Move("/old", "/new"))

	records, err := fs.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].Name)
}

func TestMoveOntoItselfIsRejected(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/a", Regular))
	require.NoError(t, fs.Create("/sub", Directory))
	require.NoError(t, fs.Create("/sub/b", Regular))

	assert.ErrorIs(t, fs.Move("/a", "/a"), errors.ErrExists)
	assert.ErrorIs(t, fs.Move("/sub/b", "/sub/b"), errors.ErrExists)

	// The entries are untouched by the rejected moves.
	records, err := fs.ReadDir("/")
	require.NoError(t, err)
	assert.Len(t, records, 2)
	sub, err := fs.ReadDir("/sub")
	require.NoError(t, err)
	require.Len(t, sub, 1)
	assert.Equal(t, "b", sub[0].Name)
}

func TestMoveRenameInFullDirectory(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/d", Directory))
	for i := 0; i < 7; i++ {
		require.NoError(t, fs.Create(fmt.Sprintf("/d/c%d", i), Regular))
	}

	// Renaming inside a full directory reuses the freed slot.
	require.NoError(t, fs.Move("/d/c0", "/d/renamed"))

	records, err := fs.ReadDir("/d")
	require.NoError(t, err)
	assert.Len(t, records, 7)
}

func TestMoveRejectsCycles(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/d", Directory))
	require.NoError(t, fs.Create("/d/e", Directory))

	assert.ErrorIs(t, fs.Move("/d", "/d/e/x"), errors.ErrInvalidArgument)
	assert.ErrorIs(t, fs.Move("/d", "/d/x"), errors.ErrInvalidArgument)

	// Moving a regular file below a sibling directory is fine.
	require.NoError(t, fs.Create("/f", Regular))
	require.NoError(t, fs.Move("/f", "/d/e/f"))
}

func TestMoveErrors(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/a", Regular))
	require.NoError(t, fs.Create("/b", Regular))
	require.NoError(t, fs.Create("/full", Directory))
	for i := 0; i < 7; i++ {
		require.NoError(t, fs.Create(fmt.Sprintf("/full/c%d", i), Regular))
	}

	assert.ErrorIs(t, fs.Move("/ghost", "/x"), errors.ErrNotFound)
	assert.ErrorIs(t, fs.Move("/a", "/b"), errors.ErrExists)
	assert.ErrorIs(t, fs.Move("/a", "/a"), errors.ErrExists)
	assert.ErrorIs(t, fs.Move("/", "/x"), errors.ErrNotPermitted)
	assert.ErrorIs(t, fs.Move("/a", "/"), errors.ErrNotPermitted)
	assert.ErrorIs(t, fs.Move("/a", "/full/x"), errors.ErrDirectoryFull)
	assert.ErrorIs(t, fs.Move("/a", "/ghost/x"), errors.ErrNotFound)
}

func TestInodeTableExhaustion(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	// Fill directories seven children at a time, descending into a fresh
	// subdirectory whenever the current one fills up. The root's inode is
	// already taken, so 255 creations fit.
	created := 0
	dir := ""
	for created < totalInodes-1 {
		for i := 0; i < 6 && created < totalInodes-1; i++ {
			require.NoError(t, fs.Create(fmt.Sprintf("%s/f%d", dir, i), Regular))
			created++
		}
		if created < totalInodes-1 {
			require.NoError(t, fs.Create(dir+"/d", Directory))
			created++
			dir += "/d"
		}
	}

	assert.Equal(t, totalInodes, fs.Stat().UsedInodes)
	err = fs.Create(dir+"/overflow", Regular)
	assert.ErrorIs(t, err, errors.ErrNoSpaceOnDevice)
}

func TestCreateAfterRemoveReusesName(t *testing.T) {
	fs, err := FormatMemory()
	require.NoError(t, err)

	require.NoError(t, fs.Create("/a", Regular))
	require.NoError(t, fs.Remove("/a"))
	require.NoError(t, fs.Create("/a", Directory))

	records, err := fs.ReadDir("/")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, FileRecord{Name: "a", Type: Directory}, records[0])
}
