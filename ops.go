package tinyfs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/tinyfs/tinyfs/blockstore"
	"github.com/tinyfs/tinyfs/errors"
)

// Create makes a new regular file or directory at `path`. Intermediate
// directories must already exist.
func (fs *FileSystem) Create(path string, typ FileType) error {
	if !typ.valid() {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid file type %q", byte(typ)),
		)
	}
	if err := validatePath(path); err != nil {
		return err
	}
	if fs.inodes.Used() >= totalInodes {
		return errors.ErrNoSpaceOnDevice.WithMessage("inode table full")
	}

	parent, base, err := fs.resolveParent(path)
	if err != nil {
		return err
	}

	block, err := fs.readDirBlock(&parent)
	if err != nil {
		return err
	}
	if _, _, found := findEntry(&parent, &block, base); found {
		return errors.ErrExists.WithMessage(fmt.Sprintf("%q already exists", path))
	}
	slot, ok := freeSlot(&parent)
	if !ok {
		return errors.ErrDirectoryFull.WithMessage(
			fmt.Sprintf("parent of %q has %d entries", path, dirSlots),
		)
	}

	number, err := fs.inodes.Allocate()
	if err != nil {
		return err
	}

	child := Inode{Type: typ, Number: number, LinkCount: 1}
	if typ == Directory {
		// A directory is born with its single, empty data block.
		id, err := fs.allocZeroedBlock()
		if err != nil {
			fs.inodes.Release(number)
			return err
		}
		child.Direct[0] = uint16(id)
		child.Size = blockstore.BlockSize
	}
	if err := fs.inodes.WriteInode(&child); err != nil {
		return err
	}

	block.setEntry(slot, base, number)
	parent.OccupySlot(slot)
	if err := fs.writeDirBlock(&parent, &block); err != nil {
		return err
	}
	return fs.inodes.WriteInode(&parent)
}

// Remove deletes the file or directory at `path`, releasing every block it
// holds. Directories must be empty; the root cannot be removed. Any open
// descriptors on the removed file are closed.
func (fs *FileSystem) Remove(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}

	parent, base, err := fs.resolveParent(path)
	if err != nil {
		return err
	}

	block, err := fs.readDirBlock(&parent)
	if err != nil {
		return err
	}
	slot, number, found := findEntry(&parent, &block, base)
	if !found {
		return errors.ErrNotFound.WithMessage(fmt.Sprintf("no entry at %q", path))
	}

	target, err := fs.inodes.readInodeChecked(number)
	if err != nil {
		return err
	}
	if target.IsDir() && target.Vacant != 0 {
		return errors.ErrDirectoryNotEmpty.WithMessage(
			fmt.Sprintf("%q still has children", path),
		)
	}

	// Releasing is tolerant: a pointer tree left half-built by an
	// out-of-space write may reference blocks that are already free.
	releaseErr := fs.releaseFileBlocks(&target)

	target.LinkCount = 0
	if err := fs.inodes.WriteInode(&target); err != nil {
		return err
	}
	fs.inodes.Release(number)
	parent.FreeSlot(slot)
	if err := fs.inodes.WriteInode(&parent); err != nil {
		return err
	}

	fs.fds.CloseAllFor(number)
	return releaseErr
}

// releaseFileBlocks returns every data and index block of `inode` to the
// free pool: the direct pointers, the indirect index block and everything it
// references, and the full double-indirect tree.
func (fs *FileSystem) releaseFileBlocks(inode *Inode) error {
	var result *multierror.Error

	for _, pointer := range inode.Direct {
		if pointer != 0 {
			fs.bs.Release(blockstore.BlockID(pointer))
		}
	}

	if inode.Indirect != 0 {
		if err := fs.releaseIndexTree(blockstore.BlockID(inode.Indirect), false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if inode.DoubleIndirect != 0 {
		if err := fs.releaseIndexTree(blockstore.BlockID(inode.DoubleIndirect), true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// releaseIndexTree frees the index block `id`, everything it points at, and
// (for a double-indirect outer block) the inner index blocks in between.
func (fs *FileSystem) releaseIndexTree(id blockstore.BlockID, double bool) error {
	var result *multierror.Error

	index, err := fs.readIndexBlock(id)
	if err != nil {
		result = multierror.Append(result, err)
	} else {
		for _, pointer := range index {
			if pointer == 0 {
				continue
			}
			if double {
				if err := fs.releaseIndexTree(blockstore.BlockID(pointer), false); err != nil {
					result = multierror.Append(result, err)
				}
			} else {
				fs.bs.Release(blockstore.BlockID(pointer))
			}
		}
	}

	fs.bs.Release(id)
	return result.ErrorOrNil()
}

// ReadDir returns a snapshot of the live entries of the directory at
// `path`, one record per child with its name and type.
func (fs *FileSystem) ReadDir(path string) ([]FileRecord, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	dir, err := fs.resolvePath(path)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, errors.ErrNotADirectory.WithMessage(
			fmt.Sprintf("cannot list %q", path),
		)
	}

	block, err := fs.readDirBlock(&dir)
	if err != nil {
		return nil, err
	}

	// Callers historically received room for 15 records even though a
	// directory holds at most 7.
	records := make([]FileRecord, 0, 15)
	for k := 0; k < dirSlots; k++ {
		if !dir.SlotOccupied(k) {
			continue
		}

		child, err := fs.inodes.readInodeChecked(Inumber(block.Entries[k].Inode))
		if err != nil {
			return nil, err
		}
		records = append(records, FileRecord{
			Name: block.entryName(k),
			Type: child.Type,
		})
	}
	return records, nil
}

// Move renames `src` to `dst` without touching file data: the entry leaves
// the source parent's slot and lands in a slot of the destination parent.
// Open descriptors are unaffected since they bind to the inode, not the
// name. Moving a directory underneath itself is rejected.
func (fs *FileSystem) Move(src, dst string) error {
	if err := validatePath(src); err != nil {
		return err
	}
	if err := validatePath(dst); err != nil {
		return err
	}
	if src == "/" || dst == "/" {
		return errors.ErrNotPermitted.WithMessage("the root directory cannot be moved")
	}

	srcParent, srcBase, err := fs.resolveParent(src)
	if err != nil {
		return err
	}
	srcBlock, err := fs.readDirBlock(&srcParent)
	if err != nil {
		return err
	}
	srcSlot, number, found := findEntry(&srcParent, &srcBlock, srcBase)
	if !found {
		return errors.ErrNotFound.WithMessage(fmt.Sprintf("no entry at %q", src))
	}

	target, err := fs.inodes.readInodeChecked(number)
	if err != nil {
		return err
	}

	dstComponents := splitComponents(dst)
	trace, dstParent, err := fs.walkDirectories(dstComponents[:len(dstComponents)-1])
	if err != nil {
		return err
	}
	dstBase := dstComponents[len(dstComponents)-1]

	// Cycle prevention: the destination parent chain must not pass through
	// the directory being moved.
	if target.IsDir() {
		for _, ancestor := range trace {
			if ancestor == number {
				return errors.ErrInvalidArgument.WithMessage(
					fmt.Sprintf("%q is inside %q", dst, src),
				)
			}
		}
	}

	if srcParent.Number == dstParent.Number {
		// Rename within one directory. The existence check runs while the
		// source entry is still live, so renaming a file onto itself is
		// rejected like any other occupied destination.
		if _, _, found := findEntry(&srcParent, &srcBlock, dstBase); found {
			return errors.ErrExists.WithMessage(fmt.Sprintf("%q already exists", dst))
		}

		// Freeing the source slot before claiming the destination means a
		// full directory can still rename its own children.
		srcParent.FreeSlot(srcSlot)
		slot, ok := freeSlot(&srcParent)
		if !ok {
			return errors.ErrDirectoryFull.WithMessage(
				fmt.Sprintf("parent of %q has %d entries", dst, dirSlots),
			)
		}
		srcBlock.setEntry(slot, dstBase, number)
		srcParent.OccupySlot(slot)

		if err := fs.writeDirBlock(&srcParent, &srcBlock); err != nil {
			return err
		}
		return fs.inodes.WriteInode(&srcParent)
	}

	dstBlock, err := fs.readDirBlock(&dstParent)
	if err != nil {
		return err
	}
	if _, _, found := findEntry(&dstParent, &dstBlock, dstBase); found {
		return errors.ErrExists.WithMessage(fmt.Sprintf("%q already exists", dst))
	}
	dstSlot, ok := freeSlot(&dstParent)
	if !ok {
		return errors.ErrDirectoryFull.WithMessage(
			fmt.Sprintf("parent of %q has %d entries", dst, dirSlots),
		)
	}

	// Claim the destination slot before clearing the source one.
	dstBlock.setEntry(dstSlot, dstBase, number)
	dstParent.OccupySlot(dstSlot)
	if err := fs.writeDirBlock(&dstParent, &dstBlock); err != nil {
		return err
	}
	if err := fs.inodes.WriteInode(&dstParent); err != nil {
		return err
	}

	srcParent.FreeSlot(srcSlot)
	if err := fs.inodes.WriteInode(&srcParent); err != nil {
		return err
	}
	return nil
}
