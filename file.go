package tinyfs

import (
	stderrors "errors"
	"fmt"

	"github.com/tinyfs/tinyfs/blockstore"
	"github.com/tinyfs/tinyfs/errors"
)

// Open opens the regular file at `path` for reading and writing, with the
// position at the beginning of the file. Directories cannot be opened.
func (fs *FileSystem) Open(path string) (int, error) {
	if err := validatePath(path); err != nil {
		return -1, err
	}

	inode, err := fs.resolvePath(path)
	if err != nil {
		return -1, err
	}
	if inode.IsDir() {
		return -1, errors.ErrIsADirectory.WithMessage(
			fmt.Sprintf("cannot open %q", path),
		)
	}

	return fs.fds.Open(inode.Number)
}

// Close releases the descriptor `fd`. Closing a descriptor twice is an
// error.
func (fs *FileSystem) Close(fd int) error {
	return fs.fds.Close(fd)
}

// Seek moves the position of `fd` to `offset` bytes relative to `whence`.
// Positions are clamped to [0, file size]; the clamped absolute position is
// returned.
func (fs *FileSystem) Seek(fd int, offset int64, whence Whence) (int64, error) {
	desc, err := fs.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	inode, err := fs.inodes.readInodeChecked(desc.inode)
	if err != nil {
		return -1, err
	}

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = desc.position()
	case SeekEnd:
		base = int64(inode.Size)
	default:
		return -1, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("invalid whence %d", whence),
		)
	}

	pos := base + offset
	if pos < 0 {
		pos = 0
	}
	if pos > int64(inode.Size) {
		pos = int64(inode.Size)
	}

	desc.setPosition(pos)
	return pos, nil
}

// Read copies up to len(dst) bytes from the current position of `fd` into
// `dst` and advances the position. Reading stops at end of file; the number
// of bytes read is returned.
func (fs *FileSystem) Read(fd int, dst []byte) (int, error) {
	desc, err := fs.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	if len(dst) == 0 {
		return 0, nil
	}

	inode, err := fs.inodes.readInodeChecked(desc.inode)
	if err != nil {
		return -1, err
	}

	scratch := make([]byte, blockstore.BlockSize)
	total := 0

	for total < len(dst) {
		pos := desc.position()
		if pos >= int64(inode.Size) {
			break
		}

		chunk := len(dst) - total
		if remainingInBlock := blockstore.BlockSize - int(desc.offset); chunk > remainingInBlock {
			chunk = remainingInBlock
		}
		if remainingInFile := int64(inode.Size) - pos; int64(chunk) > remainingInFile {
			chunk = int(remainingInFile)
		}

		id, err := fs.translate(&inode, desc.level, desc.order, false)
		if err != nil {
			return total, err
		}
		if _, err := fs.bs.ReadBlock(id, scratch); err != nil {
			return total, err
		}

		copy(dst[total:total+chunk], scratch[desc.offset:int(desc.offset)+chunk])
		total += chunk
		desc.setPosition(pos + int64(chunk))
	}
	return total, nil
}

// Write copies len(src) bytes from `src` to the current position of `fd`,
// extending the file as needed, and advances the position. If the image
// runs out of blocks partway through, the write is truncated: the bytes
// persisted so far are kept, the file size reflects them, and the short
// count is returned without an error. Hitting the structural per-file
// addressing cap instead returns the short count with ErrFileTooLarge.
func (fs *FileSystem) Write(fd int, src []byte) (int, error) {
	desc, err := fs.fds.Get(fd)
	if err != nil {
		return -1, err
	}
	if len(src) == 0 {
		return 0, nil
	}

	inode, err := fs.inodes.readInodeChecked(desc.inode)
	if err != nil {
		return -1, err
	}

	scratch := make([]byte, blockstore.BlockSize)
	total := 0
	inodeDirty := false

	var failure error
	for total < len(src) {
		pos := desc.position()
		if pos >= MaxFileBytes {
			failure = errors.ErrFileTooLarge.WithMessage(
				fmt.Sprintf("file cannot grow past %d bytes", MaxFileBytes),
			)
			break
		}

		chunk := len(src) - total
		if remainingInBlock := blockstore.BlockSize - int(desc.offset); chunk > remainingInBlock {
			chunk = remainingInBlock
		}

		before := inode
		id, err := fs.translate(&inode, desc.level, desc.order, true)
		if inode != before {
			inodeDirty = true
		}
		if err != nil {
			failure = err
			break
		}

		if desc.offset != 0 || chunk < blockstore.BlockSize {
			// Partial block: read-modify-write within the block.
			if _, err := fs.bs.ReadBlock(id, scratch); err != nil {
				failure = err
				break
			}
			copy(scratch[desc.offset:int(desc.offset)+chunk], src[total:total+chunk])
			if _, err := fs.bs.WriteBlock(id, scratch); err != nil {
				failure = err
				break
			}
		} else {
			if _, err := fs.bs.WriteBlock(id, src[total:total+blockstore.BlockSize]); err != nil {
				failure = err
				break
			}
		}

		total += chunk
		newPos := pos + int64(chunk)
		desc.setPosition(newPos)

		if newPos > int64(inode.Size) {
			inode.Size = uint32(newPos)
			inodeDirty = true
		}
	}

	// Persist the inode even on a truncated write so the size and any new
	// block pointers cover everything that actually landed on disk.
	if inodeDirty {
		if err := fs.inodes.WriteInode(&inode); err != nil {
			return total, err
		}
	}

	// Running out of blocks truncates the write; the short count is the
	// result. Anything else is a real failure.
	if failure != nil && !stderrors.Is(failure, errors.ErrNoSpaceOnDevice) {
		return total, failure
	}
	return total, nil
}
