package tinyfs

import (
	"github.com/hashicorp/go-multierror"

	"github.com/tinyfs/tinyfs/blockstore"
	"github.com/tinyfs/tinyfs/errors"
)

// FileSystem is a mounted tinyfs volume. It carries all mutable state: the
// block store with its free bitmap, the inode store overlay, and the
// in-memory descriptor table. A FileSystem must not be shared across
// goroutines without external locking.
type FileSystem struct {
	bs     *blockstore.BlockStore
	inodes *inodeStore
	fds    *descriptorTable
}

// Format creates a new image file at `path` and returns it mounted: blocks
// 0 through 33 are claimed for the inode bitmap, the inode table, and the
// root directory, and inode 0 becomes the empty root directory.
func Format(path string) (*FileSystem, error) {
	bs, err := blockstore.Create(path)
	if err != nil {
		return nil, err
	}

	fs, err := format(bs)
	if err != nil {
		bs.Close()
		return nil, err
	}
	return fs, nil
}

// FormatMemory is Format over an image held entirely in process memory.
func FormatMemory() (*FileSystem, error) {
	bs, err := blockstore.NewMemory()
	if err != nil {
		return nil, err
	}

	fs, err := format(bs)
	if err != nil {
		bs.Close()
		return nil, err
	}
	return fs, nil
}

// FormatSlice formats a caller-owned buffer of exactly the image size in
// place and returns it mounted.
func FormatSlice(storage []byte) (*FileSystem, error) {
	for i := range storage {
		storage[i] = 0
	}
	if len(storage) >= 2 {
		// Self-reserve the free bitmap's own blocks, as Create does.
		storage[len(storage)-1] = 0xFF
		storage[len(storage)-2] = 0xFF
	}

	bs, err := blockstore.WrapSlice(storage)
	if err != nil {
		return nil, err
	}

	fs, err := format(bs)
	if err != nil {
		bs.Close()
		return nil, err
	}
	return fs, nil
}

func format(bs *blockstore.BlockStore) (*FileSystem, error) {
	// Claim the fixed layout: block 0 (inode bitmap), 1..32 (inode table),
	// and 33 (root directory data).
	for id := blockstore.BlockID(0); id <= rootDirBlock; id++ {
		if err := bs.Request(id); err != nil {
			return nil, err
		}
	}

	inodes, err := newInodeStore(bs)
	if err != nil {
		return nil, err
	}

	rootNumber, err := inodes.Allocate()
	if err != nil {
		return nil, err
	}
	if rootNumber != RootInumber {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			"root directory did not receive inode 0",
		)
	}

	root := Inode{
		Type:      Directory,
		Number:    RootInumber,
		Size:      blockstore.BlockSize,
		LinkCount: 1,
	}
	root.Direct[0] = uint16(rootDirBlock)
	if err := inodes.WriteInode(&root); err != nil {
		return nil, err
	}

	if _, err := bs.WriteBlock(rootDirBlock, make([]byte, blockstore.BlockSize)); err != nil {
		return nil, err
	}
	if err := bs.Flush(); err != nil {
		return nil, err
	}

	return &FileSystem{bs: bs, inodes: inodes, fds: newDescriptorTable()}, nil
}

// Mount attaches to an existing image file at `path`.
func Mount(path string) (*FileSystem, error) {
	bs, err := blockstore.Open(path)
	if err != nil {
		return nil, err
	}

	fs, err := mount(bs)
	if err != nil {
		bs.Close()
		return nil, err
	}
	return fs, nil
}

// MountSlice attaches to an existing image held in a caller-owned buffer.
func MountSlice(storage []byte) (*FileSystem, error) {
	bs, err := blockstore.WrapSlice(storage)
	if err != nil {
		return nil, err
	}

	fs, err := mount(bs)
	if err != nil {
		bs.Close()
		return nil, err
	}
	return fs, nil
}

func mount(bs *blockstore.BlockStore) (*FileSystem, error) {
	inodes, err := newInodeStore(bs)
	if err != nil {
		return nil, err
	}

	// The root directory must have survived since format.
	if !inodes.IsAllocated(RootInumber) {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			"root directory inode is not allocated",
		)
	}
	root, err := inodes.ReadInode(RootInumber)
	if err != nil {
		return nil, err
	}
	if !root.IsDir() || root.Direct[0] != uint16(rootDirBlock) {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			"root directory inode is malformed",
		)
	}

	return &FileSystem{bs: bs, inodes: inodes, fds: newDescriptorTable()}, nil
}

// Unmount flushes every pending change and releases all resources held by
// the filesystem. The handle must not be used afterwards.
func (fs *FileSystem) Unmount() error {
	if fs == nil || fs.bs == nil {
		return errors.ErrInvalidArgument.WithMessage("filesystem is not mounted")
	}

	var result *multierror.Error
	if err := fs.bs.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	fs.bs = nil
	fs.inodes = nil
	fs.fds = nil
	return result.ErrorOrNil()
}

// Stat reports the volume's current resource usage.
func (fs *FileSystem) Stat() FSStat {
	return FSStat{
		BlockSize:   blockstore.BlockSize,
		TotalBlocks: fs.bs.Total(),
		UsedBlocks:  fs.bs.UsedBlocks(),
		FreeBlocks:  fs.bs.FreeBlocks(),
		TotalInodes: totalInodes,
		UsedInodes:  fs.inodes.Used(),
		FreeInodes:  totalInodes - fs.inodes.Used(),
	}
}
