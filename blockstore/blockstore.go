// Package blockstore manages the single-file disk image backing a tinyfs
// volume: a fixed region of 2^16 blocks of 512 bytes, the free-block bitmap
// stored in the image's trailing blocks, and block-granular I/O.
package blockstore

import (
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/bytesextra"

	"github.com/tinyfs/tinyfs/bitmap"
	"github.com/tinyfs/tinyfs/errors"
)

// BlockID identifies one block of the image. It matches the 16-bit width of
// the block pointers stored in inodes.
type BlockID uint16

const (
	// BlockSize is the size of every block, in bytes.
	BlockSize = 512
	// TotalBlocks is the number of blocks in an image.
	TotalBlocks = 1 << 16
	// AvailBlocks is the number of user-addressable blocks. The trailing
	// TotalBlocks-AvailBlocks blocks hold the free-block bitmap itself.
	AvailBlocks = 65520
	// ImageBytes is the exact byte size of a fresh image file.
	ImageBytes = TotalBlocks * BlockSize

	// freeBitmapStart is the first of the blocks holding the free bitmap:
	// 65536 bits packed into the last 16 blocks of the image.
	freeBitmapStart  = BlockID(AvailBlocks)
	freeBitmapBlocks = TotalBlocks - AvailBlocks
)

// openMaxBytes is the largest backing file Open accepts. The slack above
// ImageBytes tolerates legacy images that carried an external bitmap copy.
const openMaxBytes = ImageBytes + ImageBytes/8

// BlockStore partitions a fixed-size byte region into blocks and tracks
// which of them are allocated via the on-image free bitmap.
type BlockStore struct {
	cache   *blockCache
	file    *os.File
	freeMap bitmap.Overlay
	closed  bool
}

// Create establishes a new image file at `path`: the file is created (or
// truncated) at exactly ImageBytes of zeros and the bitmap region is marked
// as taken so it can never be handed out as data.
func Create(path string) (*BlockStore, error) {
	if path == "" {
		return nil, errors.ErrInvalidArgument.WithMessage("empty image path")
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	if err := file.Truncate(ImageBytes); err != nil {
		file.Close()
		return nil, errors.ErrIOFailed.WrapError(err)
	}

	// A freshly truncated file reads back as zeros, so the cache can start
	// fully loaded without touching the disk.
	bs, err := initialize(newZeroedBlockCache(file), file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return bs, nil
}

// Open attaches to an existing image at `path`. The file must be between
// ImageBytes and ImageBytes+ImageBytes/8 bytes; only the first ImageBytes
// are used.
func Open(path string) (*BlockStore, error) {
	if path == "" {
		return nil, errors.ErrInvalidArgument.WithMessage("empty image path")
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	if info.Size() < ImageBytes || info.Size() > openMaxBytes {
		file.Close()
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf(
				"image is %d bytes, must be in [%d, %d]",
				info.Size(),
				ImageBytes,
				openMaxBytes,
			),
		)
	}

	bs, err := attach(newBlockCache(file), file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return bs, nil
}

// NewMemory creates a fresh image held entirely in process memory. It behaves
// exactly like a store returned by Create, without a backing file.
func NewMemory() (*BlockStore, error) {
	storage := make([]byte, ImageBytes)
	stream := bytesextra.NewReadWriteSeeker(storage)
	return initialize(newZeroedBlockCache(stream), nil)
}

// WrapSlice attaches to an existing image held in `storage`, which must be
// exactly ImageBytes long. Writes go to the slice on Flush or Close.
func WrapSlice(storage []byte) (*BlockStore, error) {
	if len(storage) != ImageBytes {
		return nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("image is %d bytes, must be %d", len(storage), ImageBytes),
		)
	}
	return attach(newBlockCache(bytesextra.NewReadWriteSeeker(storage)), nil)
}

// initialize builds a store over a zeroed cache and claims the bitmap's own
// blocks in the free map.
func initialize(cache *blockCache, file *os.File) (*BlockStore, error) {
	bs, err := attach(cache, file)
	if err != nil {
		return nil, err
	}

	for block := int(freeBitmapStart); block < TotalBlocks; block++ {
		bs.freeMap.Set(block)
	}
	cache.markDirty(freeBitmapStart, freeBitmapBlocks)
	return bs, nil
}

// attach overlays the free bitmap on the cache's copy of the trailing blocks.
func attach(cache *blockCache, file *os.File) (*BlockStore, error) {
	bitmapBytes, err := cache.slice(freeBitmapStart, freeBitmapBlocks)
	if err != nil {
		return nil, err
	}

	return &BlockStore{
		cache:   cache,
		file:    file,
		freeMap: bitmap.NewOverlay(bitmapBytes, TotalBlocks),
	}, nil
}

// Flush writes all modified blocks back to the backing storage.
func (bs *BlockStore) Flush() error {
	return bs.cache.flush()
}

// Close flushes pending writes and releases the backing file. Closing an
// already-closed store is a no-op.
func (bs *BlockStore) Close() error {
	if bs == nil || bs.closed {
		return nil
	}
	bs.closed = true

	var result *multierror.Error
	if err := bs.cache.flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if bs.file != nil {
		if err := bs.file.Close(); err != nil {
			result = multierror.Append(result, errors.ErrIOFailed.WrapError(err))
		}
	}
	return result.ErrorOrNil()
}

// Allocate claims the lowest-numbered free block and returns its id.
func (bs *BlockStore) Allocate() (BlockID, error) {
	id := bs.freeMap.FirstZero()
	if id == bitmap.None || id >= AvailBlocks {
		return 0, errors.ErrNoSpaceOnDevice
	}

	bs.freeMap.Set(id)
	bs.markBitmapDirty(id)
	return BlockID(id), nil
}

// Request claims the specific block `id`. It fails if the id is outside the
// user-addressable range or the block is already taken.
func (bs *BlockStore) Request(id BlockID) error {
	if id >= AvailBlocks {
		return errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("block %d not in [0, %d)", id, AvailBlocks),
		)
	}
	if bs.freeMap.Test(int(id)) {
		return errors.ErrExists.WithMessage(
			fmt.Sprintf("block %d is already allocated", id),
		)
	}

	bs.freeMap.Set(int(id))
	bs.markBitmapDirty(int(id))
	return nil
}

// Release frees block `id`. Out-of-range ids and already-free blocks are
// ignored, so release sweeps over partially built pointer trees are safe.
func (bs *BlockStore) Release(id BlockID) {
	if id >= AvailBlocks || !bs.freeMap.Test(int(id)) {
		return
	}
	bs.freeMap.Clear(int(id))
	bs.markBitmapDirty(int(id))
}

// IsAllocated reports whether block `id` is currently claimed.
func (bs *BlockStore) IsAllocated(id BlockID) bool {
	return id < AvailBlocks && bs.freeMap.Test(int(id))
}

// markBitmapDirty flags the bitmap block containing bit `bit` for writeback.
func (bs *BlockStore) markBitmapDirty(bit int) {
	bs.cache.markDirty(freeBitmapStart+BlockID(bit/(BlockSize*8)), 1)
}

// ReadBlock copies block `id` into `buf`, which must hold at least BlockSize
// bytes. It returns the number of bytes copied.
func (bs *BlockStore) ReadBlock(id BlockID, buf []byte) (int, error) {
	if len(buf) < BlockSize {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer is %d bytes, need %d", len(buf), BlockSize),
		)
	}

	source, err := bs.cache.slice(id, 1)
	if err != nil {
		return 0, err
	}
	copy(buf[:BlockSize], source)
	return BlockSize, nil
}

// WriteBlock copies BlockSize bytes from `buf` into block `id` and returns
// the number of bytes written.
func (bs *BlockStore) WriteBlock(id BlockID, buf []byte) (int, error) {
	if len(buf) < BlockSize {
		return 0, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer is %d bytes, need %d", len(buf), BlockSize),
		)
	}

	target, err := bs.cache.slice(id, 1)
	if err != nil {
		return 0, err
	}
	copy(target, buf[:BlockSize])
	bs.cache.markDirty(id, 1)
	return BlockSize, nil
}

// Slice exposes the store's live memory for `count` blocks starting at
// `start`. Components that overlay persistent structures on the image (the
// inode table and its bitmap) build on this; any mutation through the
// returned slice must be followed by MarkDirty for the same range.
func (bs *BlockStore) Slice(start BlockID, count int) ([]byte, error) {
	return bs.cache.slice(start, count)
}

// MarkDirty flags `count` blocks starting at `start` for writeback.
func (bs *BlockStore) MarkDirty(start BlockID, count int) error {
	return bs.cache.markDirty(start, count)
}

// UsedBlocks returns the number of set bits in the free bitmap, including the
// bitmap's own self-reserved blocks.
func (bs *BlockStore) UsedBlocks() int {
	return bs.freeMap.Popcount()
}

// FreeBlocks returns the number of user-addressable blocks still free.
func (bs *BlockStore) FreeBlocks() int {
	return AvailBlocks - (bs.freeMap.Popcount() - freeBitmapBlocks)
}

// Total returns the total number of blocks in the image.
func (bs *BlockStore) Total() int {
	return TotalBlocks
}

var _ io.Closer = (*BlockStore)(nil)
