package tinyfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"

	"github.com/tinyfs/tinyfs/bitmap"
	"github.com/tinyfs/tinyfs/blockstore"
	"github.com/tinyfs/tinyfs/errors"
)

// Inumber identifies one of the 256 inode slots.
type Inumber uint8

// RootInumber is the inode of the root directory, allocated at format time
// and never released.
const RootInumber = Inumber(0)

// Image layout: block 0 carries the inode-allocation bitmap in its first 32
// bytes, blocks 1..32 carry the inode table, and block 33 is the root
// directory's data block. Everything from block 34 up to the free bitmap is
// the general data region.
const (
	inodeBitmapBlock = blockstore.BlockID(0)
	inodeBitmapBytes = 32
	inodeTableStart  = blockstore.BlockID(1)
	inodeTableBlocks = 32
	rootDirBlock     = blockstore.BlockID(33)

	inodeSize      = 64
	inodesPerBlock = blockstore.BlockSize / inodeSize
	totalInodes    = inodeTableBlocks * inodesPerBlock
)

// Inode is the in-memory form of one 64-byte inode record.
type Inode struct {
	// Vacant is the occupancy bitmap of the directory's seven child slots.
	// Bit 7 is reserved and always zero. Meaningless for regular files.
	Vacant uint8
	Type   FileType
	Number Inumber
	// Size of the file in bytes. Directories are always one block.
	Size      uint32
	LinkCount uint32
	// Block pointers. Zero means "not allocated"; block 0 holds the inode
	// bitmap and can never be file data, so the value is unambiguous.
	Direct         [6]uint16
	Indirect       uint16
	DoubleIndirect uint16
}

// rawInode is the exact wire layout of an inode record.
type rawInode struct {
	Vacant         uint8
	Owner          [18]byte
	FileType       byte
	InodeNumber    uint32
	FileSize       uint32
	LinkCount      uint32
	Direct         [6]uint16
	Indirect       uint16
	DoubleIndirect uint16
	Reserved       [16]byte
}

func decodeInode(number Inumber, data []byte) (Inode, error) {
	var raw rawInode
	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw)
	if err != nil {
		return Inode{}, errors.ErrIOFailed.WrapError(err)
	}

	return Inode{
		Vacant:         raw.Vacant,
		Type:           FileType(raw.FileType),
		Number:         number,
		Size:           raw.FileSize,
		LinkCount:      raw.LinkCount,
		Direct:         raw.Direct,
		Indirect:       raw.Indirect,
		DoubleIndirect: raw.DoubleIndirect,
	}, nil
}

func encodeInode(inode *Inode, target []byte) error {
	raw := rawInode{
		Vacant:         inode.Vacant,
		FileType:       byte(inode.Type),
		InodeNumber:    uint32(inode.Number),
		FileSize:       inode.Size,
		LinkCount:      inode.LinkCount,
		Direct:         inode.Direct,
		Indirect:       inode.Indirect,
		DoubleIndirect: inode.DoubleIndirect,
	}

	writer := bytewriter.New(target)
	err := binary.Write(writer, binary.LittleEndian, &raw)
	if err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	return nil
}

// IsDir reports whether the inode describes a directory.
func (inode *Inode) IsDir() bool {
	return inode.Type == Directory
}

// SlotOccupied reports whether directory child slot `k` holds a live entry.
func (inode *Inode) SlotOccupied(k int) bool {
	return inode.Vacant&(1<<uint(k)) != 0
}

// OccupySlot marks directory child slot `k` as live.
func (inode *Inode) OccupySlot(k int) {
	inode.Vacant |= 1 << uint(k)
}

// FreeSlot marks directory child slot `k` as unused.
func (inode *Inode) FreeSlot(k int) {
	inode.Vacant &^= 1 << uint(k)
}

// inodeStore is the allocator for the 256 inode slots. Its bitmap and table
// are overlays on the block store's memory, so every mutation lands in the
// persisted image.
type inodeStore struct {
	bs     *blockstore.BlockStore
	bitmap bitmap.Overlay
	table  []byte
}

func newInodeStore(bs *blockstore.BlockStore) (*inodeStore, error) {
	bitmapBlock, err := bs.Slice(inodeBitmapBlock, 1)
	if err != nil {
		return nil, err
	}
	table, err := bs.Slice(inodeTableStart, inodeTableBlocks)
	if err != nil {
		return nil, err
	}

	return &inodeStore{
		bs:     bs,
		bitmap: bitmap.NewOverlay(bitmapBlock[:inodeBitmapBytes], totalInodes),
		table:  table,
	}, nil
}

// Allocate claims the lowest free inode slot.
func (store *inodeStore) Allocate() (Inumber, error) {
	slot := store.bitmap.FirstZero()
	if slot == bitmap.None {
		return 0, errors.ErrNoSpaceOnDevice.WithMessage("inode table full")
	}

	store.bitmap.Set(slot)
	store.bs.MarkDirty(inodeBitmapBlock, 1)
	return Inumber(slot), nil
}

// Release frees inode slot `number`.
func (store *inodeStore) Release(number Inumber) {
	store.bitmap.Clear(int(number))
	store.bs.MarkDirty(inodeBitmapBlock, 1)
}

// IsAllocated reports whether inode slot `number` is claimed.
func (store *inodeStore) IsAllocated(number Inumber) bool {
	return store.bitmap.Test(int(number))
}

// Used returns the number of allocated inodes.
func (store *inodeStore) Used() int {
	return store.bitmap.Popcount()
}

// ReadInode decodes the 64-byte record for `number` from the inode table.
func (store *inodeStore) ReadInode(number Inumber) (Inode, error) {
	offset := int(number) * inodeSize
	return decodeInode(number, store.table[offset:offset+inodeSize])
}

// WriteInode encodes `inode` into its slot of the table and marks the
// containing block for writeback.
func (store *inodeStore) WriteInode(inode *Inode) error {
	offset := int(inode.Number) * inodeSize
	err := encodeInode(inode, store.table[offset:offset+inodeSize])
	if err != nil {
		return err
	}

	block := inodeTableStart + blockstore.BlockID(int(inode.Number)/inodesPerBlock)
	return store.bs.MarkDirty(block, 1)
}

// readInodeChecked reads an inode that callers expect to be live.
func (store *inodeStore) readInodeChecked(number Inumber) (Inode, error) {
	if !store.IsAllocated(number) {
		return Inode{}, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("inode %d referenced but not allocated", number),
		)
	}
	return store.ReadInode(number)
}
