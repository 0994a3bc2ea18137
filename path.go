package tinyfs

import (
	"fmt"
	"strings"

	"github.com/tinyfs/tinyfs/errors"
)

// validatePath checks the shape of an absolute path: non-empty, leading
// slash, no trailing slash (except the root itself), no empty components,
// and every component within the name-length limit.
func validatePath(path string) error {
	if path == "" {
		return errors.ErrInvalidArgument.WithMessage("empty path")
	}
	if path[0] != '/' {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("path %q is not absolute", path),
		)
	}
	if path == "/" {
		return nil
	}
	if strings.HasSuffix(path, "/") {
		return errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("path %q ends with a slash", path),
		)
	}

	for _, component := range splitComponents(path) {
		if component == "" {
			return errors.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("path %q has an empty component", path),
			)
		}
		if len(component) > MaxNameLen {
			return errors.ErrNameTooLong.WithMessage(
				fmt.Sprintf("component %q exceeds %d bytes", component, MaxNameLen),
			)
		}
	}
	return nil
}

// splitComponents returns a path's components without the leading slash.
// The root path has no components.
func splitComponents(path string) []string {
	if path == "/" {
		return nil
	}
	return strings.Split(path[1:], "/")
}

// walkDirectories descends from the root through `components`, which must
// all name directories. It returns the inode numbers visited, root first,
// and the inode of the final directory. A component that is missing or that
// names a regular file fails with ErrNotFound.
func (fs *FileSystem) walkDirectories(components []string) ([]Inumber, Inode, error) {
	current, err := fs.inodes.readInodeChecked(RootInumber)
	if err != nil {
		return nil, Inode{}, err
	}

	trace := make([]Inumber, 0, len(components)+1)
	trace = append(trace, RootInumber)

	for _, component := range components {
		block, err := fs.readDirBlock(&current)
		if err != nil {
			return nil, Inode{}, err
		}

		_, childNumber, found := findEntry(&current, &block, component)
		if !found {
			return nil, Inode{}, errors.ErrNotFound.WithMessage(
				fmt.Sprintf("no directory named %q", component),
			)
		}

		child, err := fs.inodes.readInodeChecked(childNumber)
		if err != nil {
			return nil, Inode{}, err
		}
		if !child.IsDir() {
			// A regular file in an intermediate position is indistinguishable
			// from a missing directory to the caller.
			return nil, Inode{}, errors.ErrNotFound.WithMessage(
				fmt.Sprintf("%q is not a directory", component),
			)
		}

		trace = append(trace, childNumber)
		current = child
	}
	return trace, current, nil
}

// resolveDir resolves a path that must name a directory.
func (fs *FileSystem) resolveDir(path string) (Inode, error) {
	_, dir, err := fs.walkDirectories(splitComponents(path))
	return dir, err
}

// resolveParent splits `path` into its parent directory and basename and
// resolves the parent. The root path has no parent and is rejected.
func (fs *FileSystem) resolveParent(path string) (Inode, string, error) {
	components := splitComponents(path)
	if len(components) == 0 {
		return Inode{}, "", errors.ErrNotPermitted.WithMessage(
			"the root directory has no parent",
		)
	}

	_, parent, err := fs.walkDirectories(components[:len(components)-1])
	if err != nil {
		return Inode{}, "", err
	}
	return parent, components[len(components)-1], nil
}

// resolvePath resolves a path to its inode, whatever its type.
func (fs *FileSystem) resolvePath(path string) (Inode, error) {
	if path == "/" {
		return fs.inodes.readInodeChecked(RootInumber)
	}

	parent, base, err := fs.resolveParent(path)
	if err != nil {
		return Inode{}, err
	}

	block, err := fs.readDirBlock(&parent)
	if err != nil {
		return Inode{}, err
	}

	_, childNumber, found := findEntry(&parent, &block, base)
	if !found {
		return Inode{}, errors.ErrNotFound.WithMessage(
			fmt.Sprintf("no entry named %q", base),
		)
	}
	return fs.inodes.readInodeChecked(childNumber)
}
