package nandfs

import (
	"fmt"
)

// Open opens (or creates, per flags) the object at path and returns a file
// descriptor.
func (fs *FS) Open(path string, oflag int) (int, error) {
	o, fd, err := fs.allocObject()
	if err != nil {
		fs.setErr(err)
		return -1, err
	}
	if err := fs.openObject(o, path, oflag); err != nil {
		fs.releaseObject(fd)
		return -1, err
	}
	return fd, nil
}

// Close closes a descriptor.
func (fs *FS) Close(fd int) error {
	o := fs.objectByFd(fd)
	if o == nil {
		fs.setErr(ErrBadFd)
		return ErrBadFd
	}
	o.ClearErr()
	err := o.close()
	fs.releaseObject(fd)
	return err
}

// Read reads into p from the descriptor's position.
func (fs *FS) Read(fd int, p []byte) (int, error) {
	o := fs.objectByFd(fd)
	if o == nil {
		fs.setErr(ErrBadFd)
		return -1, ErrBadFd
	}
	o.ClearErr()
	return o.read(p)
}

// Write writes p at the descriptor's position.
func (fs *FS) Write(fd int, p []byte) (int, error) {
	o := fs.objectByFd(fd)
	if o == nil {
		fs.setErr(ErrBadFd)
		return -1, ErrBadFd
	}
	o.ClearErr()
	return o.write(p)
}

// Seek repositions the descriptor; the result is clamped to [0, length].
func (fs *FS) Seek(fd int, offset int64, whence int) (int64, error) {
	o := fs.objectByFd(fd)
	if o == nil {
		fs.setErr(ErrBadFd)
		return -1, ErrBadFd
	}
	o.ClearErr()
	return o.seek(offset, whence)
}

// Tell returns the descriptor's position.
func (fs *FS) Tell(fd int) (int64, error) {
	o := fs.objectByFd(fd)
	if o == nil || !o.opened {
		fs.setErr(ErrBadFd)
		return -1, ErrBadFd
	}
	return int64(o.pos), nil
}

// EOF reports whether the descriptor's position is at or past the end.
func (fs *FS) EOF(fd int) (bool, error) {
	o := fs.objectByFd(fd)
	if o == nil || !o.opened || o.node == nil {
		fs.setErr(ErrBadFd)
		return false, ErrBadFd
	}
	return o.pos >= o.node.Len, nil
}

// Flush forces the descriptor's buffered writes to flash.
func (fs *FS) Flush(fd int) error {
	o := fs.objectByFd(fd)
	if o == nil {
		fs.setErr(ErrBadFd)
		return ErrBadFd
	}
	o.ClearErr()
	return o.Flush()
}

// FTruncate cuts the descriptor's file to length n.
func (fs *FS) FTruncate(fd int, n int64) error {
	o := fs.objectByFd(fd)
	if o == nil {
		fs.setErr(ErrBadFd)
		return ErrBadFd
	}
	o.ClearErr()
	if n < 0 {
		return o.setErr(fmt.Errorf("length %d: %w", n, ErrInval))
	}
	if err := o.truncate(uint32(n), true); err != nil {
		return err
	}
	return o.truncate(uint32(n), false)
}

// Mkdir creates a directory.
func (fs *FS) Mkdir(path string) error {
	fd, err := fs.Open(path, O_CREATE|O_EXCL|O_DIR)
	if err != nil {
		return err
	}
	return fs.Close(fd)
}

// Rmdir removes an empty directory.
func (fs *FS) Rmdir(path string) error {
	return fs.remove(path, true)
}

// Remove deletes a file.
func (fs *FS) Remove(path string) error {
	return fs.remove(path, false)
}

func (fs *FS) remove(path string, wantDir bool) error {
	oflag := O_RDWR
	if wantDir {
		oflag |= O_DIR
	}
	o, fd, err := fs.allocObject()
	if err != nil {
		fs.setErr(err)
		return err
	}
	defer fs.releaseObject(fd)

	if err := fs.openObject(o, path, oflag); err != nil {
		return err
	}
	return o.deleteObject()
}

// Rename moves old to new, possibly across directories of the same device.
func (fs *FS) Rename(oldPath, newPath string) error {
	// The destination must not exist, as file or as directory.
	for _, fl := range []int{O_RDONLY, O_RDONLY | O_DIR} {
		if fd, err := fs.Open(newPath, fl); err == nil {
			fs.Close(fd)
			err := fmt.Errorf("%q: %w", newPath, ErrExist)
			fs.setErr(err)
			return err
		}
	}

	newMnt, newParent, newName, err := fs.parsePath(newPath)
	if err != nil {
		fs.setErr(err)
		return err
	}
	if newName == "" {
		err := fmt.Errorf("%q: %w", newPath, ErrInval)
		fs.setErr(err)
		return err
	}

	o, fd, err := fs.allocObject()
	if err != nil {
		fs.setErr(err)
		return err
	}
	defer fs.releaseObject(fd)

	if err := fs.openObject(o, oldPath, O_RDONLY); err != nil {
		if err := fs.openObject(o, oldPath, O_RDONLY|O_DIR); err != nil {
			return err
		}
	}
	defer o.close()

	if o.mnt != newMnt {
		return o.setErr(fmt.Errorf("rename across mount points: %w", ErrInval))
	}
	return o.moveObject(newParent, newName)
}
