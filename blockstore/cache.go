package blockstore

import (
	"fmt"
	"io"

	bm "github.com/boljen/go-bitmap"

	"github.com/tinyfs/tinyfs/errors"
)

// blockCache keeps an in-memory copy of the image, one block at a time. It
// stands in for a memory mapping of the backing file: blocks are faulted in
// from the stream on first touch, mutations land in the buffer immediately,
// and dirty blocks are written back on flush.
type blockCache struct {
	// loaded marks blocks whose bytes are present in data. A block never
	// leaves the cache once loaded.
	loaded bm.Bitmap
	// dirty marks blocks that differ from the backing stream.
	dirty  bm.Bitmap
	data   []byte
	stream io.ReadWriteSeeker
}

// newBlockCache wraps `stream` in an empty cache covering the full image.
func newBlockCache(stream io.ReadWriteSeeker) *blockCache {
	return &blockCache{
		loaded: bm.NewSlice(TotalBlocks),
		dirty:  bm.NewSlice(TotalBlocks),
		data:   make([]byte, ImageBytes),
		stream: stream,
	}
}

// newZeroedBlockCache wraps `stream` in a cache whose every block is already
// present and zeroed. Used when the backing file was just created, so nothing
// needs to be faulted in.
func newZeroedBlockCache(stream io.ReadWriteSeeker) *blockCache {
	cache := newBlockCache(stream)
	for i := 0; i < TotalBlocks; i++ {
		cache.loaded.Set(i, true)
	}
	return cache
}

func (cache *blockCache) checkBounds(start BlockID, count int) error {
	if count < 1 || int(start)+count > TotalBlocks {
		return errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf(
				"block range [%d, %d) not in [0, %d)",
				start,
				int(start)+count,
				TotalBlocks,
			),
		)
	}
	return nil
}

// load faults in every block of [start, start+count) that isn't yet present.
func (cache *blockCache) load(start BlockID, count int) error {
	err := cache.checkBounds(start, count)
	if err != nil {
		return err
	}

	for block := int(start); block < int(start)+count; block++ {
		if cache.loaded.Get(block) {
			continue
		}

		offset := int64(block) * BlockSize
		if _, err := cache.stream.Seek(offset, io.SeekStart); err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}

		buffer := cache.data[offset : offset+BlockSize]
		if _, err := io.ReadFull(cache.stream, buffer); err != nil {
			return errors.ErrIOFailed.WithMessage(
				fmt.Sprintf("reading block %d: %s", block, err.Error()),
			)
		}

		cache.loaded.Set(block, true)
		cache.dirty.Set(block, false)
	}
	return nil
}

// slice returns the cache's live storage for [start, start+count). Callers
// that modify the returned bytes must call markDirty for the same range.
func (cache *blockCache) slice(start BlockID, count int) ([]byte, error) {
	err := cache.load(start, count)
	if err != nil {
		return nil, err
	}

	startOffset := int64(start) * BlockSize
	endOffset := startOffset + int64(count)*BlockSize
	return cache.data[startOffset:endOffset], nil
}

func (cache *blockCache) markDirty(start BlockID, count int) error {
	err := cache.checkBounds(start, count)
	if err != nil {
		return err
	}

	for block := int(start); block < int(start)+count; block++ {
		cache.loaded.Set(block, true)
		cache.dirty.Set(block, true)
	}
	return nil
}

// flush writes every dirty block back to the stream and marks it clean.
func (cache *blockCache) flush() error {
	for block := 0; block < TotalBlocks; block++ {
		if !cache.dirty.Get(block) {
			continue
		}

		offset := int64(block) * BlockSize
		if _, err := cache.stream.Seek(offset, io.SeekStart); err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}
		if _, err := cache.stream.Write(cache.data[offset : offset+BlockSize]); err != nil {
			return errors.ErrIOFailed.WithMessage(
				fmt.Sprintf("flushing block %d: %s", block, err.Error()),
			)
		}

		cache.dirty.Set(block, false)
	}
	return nil
}
