package tinyfs

import (
	"fmt"

	"github.com/tinyfs/tinyfs/bitmap"
	"github.com/tinyfs/tinyfs/errors"
)

// maxDescriptors is the capacity of the descriptor table. Descriptors are
// identified by their slot index, so valid fds are [0, maxDescriptors).
const maxDescriptors = 256

// descriptor binds an open file's read/write position to an inode. The
// position is held decomposed as (level, order, offset), the form the
// data-block translation in read and write takes; position and setPosition
// convert to and from the linear byte position.
type descriptor struct {
	inode  Inumber
	level  level
	order  uint32
	offset uint16
}

// position reconstructs the linear byte position from the decomposed form.
func (d *descriptor) position() int64 {
	return (d.level.prefix() + int64(d.order)) * blockSizeBytes + int64(d.offset)
}

// setPosition decomposes a linear byte position back into the descriptor.
func (d *descriptor) setPosition(pos int64) {
	d.level, d.order, d.offset = decomposePosition(pos)
}

// descriptorTable allocates descriptor slots out of process memory. It uses
// the same bitmap sub-allocator shape as the inode store, but nothing here is
// ever persisted: the table is rebuilt empty on every mount.
type descriptorTable struct {
	slots bitmap.Overlay
	table [maxDescriptors]descriptor
}

func newDescriptorTable() *descriptorTable {
	return &descriptorTable{slots: bitmap.New(maxDescriptors)}
}

// Open claims a descriptor slot bound to `inode` with the position at the
// beginning of the file.
func (dt *descriptorTable) Open(inode Inumber) (int, error) {
	fd := dt.slots.FirstZero()
	if fd == bitmap.None {
		return -1, errors.ErrTooManyOpenFiles
	}

	dt.slots.Set(fd)
	dt.table[fd] = descriptor{inode: inode, level: levelDirect}
	return fd, nil
}

// Get returns the live descriptor for `fd`.
func (dt *descriptorTable) Get(fd int) (*descriptor, error) {
	if fd < 0 || fd >= maxDescriptors {
		return nil, errors.ErrInvalidFileDescriptor.WithMessage(
			fmt.Sprintf("fd %d not in [0, %d)", fd, maxDescriptors),
		)
	}
	if !dt.slots.Test(fd) {
		return nil, errors.ErrInvalidFileDescriptor.WithMessage(
			fmt.Sprintf("fd %d is not open", fd),
		)
	}
	return &dt.table[fd], nil
}

// Close releases `fd`. Closing a descriptor that isn't open is an error.
func (dt *descriptorTable) Close(fd int) error {
	_, err := dt.Get(fd)
	if err != nil {
		return err
	}
	dt.slots.Clear(fd)
	return nil
}

// CloseAllFor releases every descriptor bound to `inode`. Used when the file
// they reference is removed.
func (dt *descriptorTable) CloseAllFor(inode Inumber) {
	for fd := 0; fd < maxDescriptors; fd++ {
		if dt.slots.Test(fd) && dt.table[fd].inode == inode {
			dt.slots.Clear(fd)
		}
	}
}
