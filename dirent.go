package tinyfs

import (
	"bytes"
	"encoding/binary"

	"github.com/noxer/bytewriter"

	"github.com/tinyfs/tinyfs/blockstore"
	"github.com/tinyfs/tinyfs/errors"
)

// A directory's single data block holds seven fixed entries of a 64-byte
// null-padded name plus a one-byte inode id. Which slots are live is tracked
// by the owning inode's Vacant bitmap, not by the block itself, so a free
// slot's bytes are indeterminate.
const (
	dirSlots     = 7
	dirNameBytes = 64
)

type dirEntry struct {
	Name  [dirNameBytes]byte
	Inode uint8
}

type dirBlock struct {
	Entries [dirSlots]dirEntry
	Padding [blockstore.BlockSize - dirSlots*(dirNameBytes+1)]byte
}

func decodeDirBlock(data []byte) (dirBlock, error) {
	var block dirBlock
	err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &block)
	if err != nil {
		return dirBlock{}, errors.ErrIOFailed.WrapError(err)
	}
	return block, nil
}

func encodeDirBlock(block *dirBlock, target []byte) error {
	writer := bytewriter.New(target)
	err := binary.Write(writer, binary.LittleEndian, block)
	if err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	return nil
}

// entryName returns slot `k`'s name up to its null terminator.
func (block *dirBlock) entryName(k int) string {
	name := block.Entries[k].Name[:]
	if end := bytes.IndexByte(name, 0); end >= 0 {
		name = name[:end]
	}
	return string(name)
}

// setEntry fills slot `k` with a name/inode pair. The name is null-padded to
// the full slot width so stale bytes from prior occupants never leak.
func (block *dirBlock) setEntry(k int, name string, child Inumber) {
	entry := &block.Entries[k]
	*entry = dirEntry{Inode: uint8(child)}
	copy(entry.Name[:], name)
}

// findEntry scans the live slots of a directory for `name`. It returns the
// slot index and the child's inode number.
func findEntry(dir *Inode, block *dirBlock, name string) (int, Inumber, bool) {
	for k := 0; k < dirSlots; k++ {
		if !dir.SlotOccupied(k) {
			continue
		}
		if block.entryName(k) == name {
			return k, Inumber(block.Entries[k].Inode), true
		}
	}
	return 0, 0, false
}

// freeSlot returns the first unused child slot of a directory, or false if
// all seven are taken.
func freeSlot(dir *Inode) (int, bool) {
	for k := 0; k < dirSlots; k++ {
		if !dir.SlotOccupied(k) {
			return k, true
		}
	}
	return 0, false
}

// readDirBlock loads a directory inode's data block.
func (fs *FileSystem) readDirBlock(dir *Inode) (dirBlock, error) {
	buf := make([]byte, blockstore.BlockSize)
	_, err := fs.bs.ReadBlock(blockstore.BlockID(dir.Direct[0]), buf)
	if err != nil {
		return dirBlock{}, err
	}
	return decodeDirBlock(buf)
}

// writeDirBlock persists a directory inode's data block.
func (fs *FileSystem) writeDirBlock(dir *Inode, block *dirBlock) error {
	buf := make([]byte, blockstore.BlockSize)
	err := encodeDirBlock(block, buf)
	if err != nil {
		return err
	}
	_, err = fs.bs.WriteBlock(blockstore.BlockID(dir.Direct[0]), buf)
	return err
}
