package tinyfs

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyfs/tinyfs/blockstore"
	"github.com/tinyfs/tinyfs/errors"
)

// level names the three tiers of a file's block index. The values are part
// of the descriptor format: direct=1, indirect=2, double-indirect=4.
type level int

const (
	levelDirect   = level(1)
	levelIndirect = level(2)
	levelDouble   = level(4)
)

const (
	blockSizeBytes = int64(blockstore.BlockSize)

	// Orders per level: six direct pointers, 256 pointers in the indirect
	// index block, and 256*256 through the double-indirect tree.
	directOrders   = 6
	indirectOrders = 256
	doubleOrders   = indirectOrders * indirectOrders

	// pointersPerIndex is the number of 16-bit block ids in one index block.
	pointersPerIndex = blockstore.BlockSize / 2
)

// prefix returns the number of data blocks addressed by all levels below
// this one: 0 for direct, 6 for indirect, 262 for double-indirect.
func (l level) prefix() int64 {
	switch l {
	case levelIndirect:
		return directOrders
	case levelDouble:
		return directOrders + indirectOrders
	}
	return 0
}

// orders returns the number of data blocks this level can address.
func (l level) orders() uint32 {
	switch l {
	case levelDirect:
		return directOrders
	case levelIndirect:
		return indirectOrders
	}
	return doubleOrders
}

// next returns the level a descriptor rolls over to when its order reaches
// the level's capacity.
func (l level) next() level {
	if l == levelDirect {
		return levelIndirect
	}
	return levelDouble
}

// decomposePosition splits a linear byte position into the (level, order,
// offset) triple used by descriptors.
func decomposePosition(pos int64) (level, uint32, uint16) {
	block := pos / blockSizeBytes
	offset := uint16(pos % blockSizeBytes)

	switch {
	case block < directOrders:
		return levelDirect, uint32(block), offset
	case block < directOrders+indirectOrders:
		return levelIndirect, uint32(block - directOrders), offset
	default:
		return levelDouble, uint32(block - directOrders - indirectOrders), offset
	}
}

// readIndexBlock loads the 256 block pointers held in index block `id`.
func (fs *FileSystem) readIndexBlock(id blockstore.BlockID) ([pointersPerIndex]uint16, error) {
	var index [pointersPerIndex]uint16

	buf := make([]byte, blockstore.BlockSize)
	if _, err := fs.bs.ReadBlock(id, buf); err != nil {
		return index, err
	}
	for i := range index {
		index[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return index, nil
}

// writeIndexBlock persists 256 block pointers into index block `id`.
func (fs *FileSystem) writeIndexBlock(id blockstore.BlockID, index *[pointersPerIndex]uint16) error {
	buf := make([]byte, blockstore.BlockSize)
	for i, pointer := range index {
		binary.LittleEndian.PutUint16(buf[i*2:], pointer)
	}
	_, err := fs.bs.WriteBlock(id, buf)
	return err
}

// allocZeroedBlock claims a block and clears its contents. Data blocks are
// zeroed on allocation so the tail of a half-filled terminal block always
// reads back as zeros; index blocks are zeroed so every pointer starts out
// as "absent".
func (fs *FileSystem) allocZeroedBlock() (blockstore.BlockID, error) {
	id, err := fs.bs.Allocate()
	if err != nil {
		return 0, err
	}
	if _, err := fs.bs.WriteBlock(id, make([]byte, blockstore.BlockSize)); err != nil {
		return 0, err
	}
	return id, nil
}

// translate maps a descriptor position (level, order) on `inode` to the id
// of the data block holding that position. When `mayAllocate` is set,
// missing data blocks and missing intermediate index blocks are allocated on
// demand; the inode's pointer fields may be modified, and the caller is
// responsible for persisting the inode afterwards.
//
// On an allocation failure partway through the double-indirect chain, index
// blocks that were already claimed stay recorded in the inode (the outer
// block) or in the outer index block (an inner block). They remain reachable
// and are released with the rest of the file on remove.
func (fs *FileSystem) translate(inode *Inode, lvl level, order uint32, mayAllocate bool) (blockstore.BlockID, error) {
	if order >= lvl.orders() {
		return 0, errors.ErrArgumentOutOfRange.WithMessage(
			fmt.Sprintf("block order %d exceeds level capacity %d", order, lvl.orders()),
		)
	}

	switch lvl {
	case levelDirect:
		return fs.translateDirect(inode, order, mayAllocate)
	case levelIndirect:
		return fs.translateIndirect(inode, order, mayAllocate)
	default:
		return fs.translateDouble(inode, order, mayAllocate)
	}
}

func (fs *FileSystem) translateDirect(inode *Inode, order uint32, mayAllocate bool) (blockstore.BlockID, error) {
	if inode.Direct[order] != 0 {
		return blockstore.BlockID(inode.Direct[order]), nil
	}
	if !mayAllocate {
		return 0, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("inode %d has no block at direct[%d]", inode.Number, order),
		)
	}

	id, err := fs.allocZeroedBlock()
	if err != nil {
		return 0, err
	}
	inode.Direct[order] = uint16(id)
	return id, nil
}

func (fs *FileSystem) translateIndirect(inode *Inode, order uint32, mayAllocate bool) (blockstore.BlockID, error) {
	if inode.Indirect == 0 {
		if !mayAllocate {
			return 0, errors.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("inode %d has no indirect index block", inode.Number),
			)
		}
		id, err := fs.allocZeroedBlock()
		if err != nil {
			return 0, err
		}
		inode.Indirect = uint16(id)
	}

	return fs.indexEntry(blockstore.BlockID(inode.Indirect), order, mayAllocate)
}

func (fs *FileSystem) translateDouble(inode *Inode, order uint32, mayAllocate bool) (blockstore.BlockID, error) {
	if inode.DoubleIndirect == 0 {
		if !mayAllocate {
			return 0, errors.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("inode %d has no double-indirect index block", inode.Number),
			)
		}
		id, err := fs.allocZeroedBlock()
		if err != nil {
			return 0, err
		}
		inode.DoubleIndirect = uint16(id)
	}

	outer := blockstore.BlockID(inode.DoubleIndirect)
	inner, err := fs.indexEntryAt(outer, order/pointersPerIndex, mayAllocate, true)
	if err != nil {
		return 0, err
	}
	return fs.indexEntry(inner, order%pointersPerIndex, mayAllocate)
}

// indexEntry resolves entry `slot` of index block `id` to a data block,
// allocating the data block when permitted.
func (fs *FileSystem) indexEntry(id blockstore.BlockID, slot uint32, mayAllocate bool) (blockstore.BlockID, error) {
	return fs.indexEntryAt(id, slot, mayAllocate, false)
}

// indexEntryAt is indexEntry for an entry that may name either a data block
// or an inner index block. The allocated block is zeroed either way, so every
// entry of a fresh inner index block reads as absent; `isIndex` only selects
// the block kind named in the error for a missing entry.
func (fs *FileSystem) indexEntryAt(id blockstore.BlockID, slot uint32, mayAllocate, isIndex bool) (blockstore.BlockID, error) {
	index, err := fs.readIndexBlock(id)
	if err != nil {
		return 0, err
	}

	if index[slot] != 0 {
		return blockstore.BlockID(index[slot]), nil
	}
	if !mayAllocate {
		kind := "data"
		if isIndex {
			kind = "index"
		}
		return 0, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("index block %d has no %s block at entry %d", id, kind, slot),
		)
	}

	allocated, err := fs.allocZeroedBlock()
	if err != nil {
		return 0, err
	}

	index[slot] = uint16(allocated)
	if err := fs.writeIndexBlock(id, &index); err != nil {
		return 0, err
	}
	return allocated, nil
}
