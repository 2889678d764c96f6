package nandfs

import (
	"fmt"
	"io"

	"github.com/nandfs/nandfs/internal/store"
	"github.com/nandfs/nandfs/internal/tag"
)

// Dir is an open directory iterator.
type Dir struct {
	fs     *FS
	dev    *store.Device
	serial uint16
	it     *store.DirIterator
	slot   int
}

// Dirent is one directory entry.
type Dirent struct {
	Name   string
	Serial uint16
	Size   int64
	IsDir  bool
}

// OpenDir opens a directory for iteration.
func (fs *FS) OpenDir(path string) (*Dir, error) {
	o, fd, err := fs.allocObject()
	if err != nil {
		fs.setErr(err)
		return nil, err
	}
	defer fs.releaseObject(fd)

	if err := fs.openObject(o, path, O_RDONLY|O_DIR); err != nil {
		return nil, err
	}
	serial := o.serial
	dev := o.dev
	o.close()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.dirs {
		if fs.dirs[i] == nil {
			d := &Dir{
				fs:     fs,
				dev:    dev,
				serial: serial,
				it:     dev.NewDirIterator(serial),
				slot:   i,
			}
			fs.dirs[i] = d
			return d, nil
		}
	}
	fs.setErr(ErrTooManyFiles)
	return nil, ErrTooManyFiles
}

// Next returns the next entry, or io.EOF when the directory is exhausted.
func (d *Dir) Next() (*Dirent, error) {
	d.dev.Lock()
	defer d.dev.Unlock()

	node, typ := d.it.Next()
	if node == nil {
		return nil, io.EOF
	}

	fi, err := d.dev.ReadObjectInfo(typ, node)
	if err != nil {
		err := fmt.Errorf("%v: %w", err, ErrIO)
		d.fs.setErr(err)
		return nil, err
	}
	ent := &Dirent{
		Name:   fi.Name,
		Serial: node.Serial,
		IsDir:  typ == tag.TypeDir,
	}
	if typ == tag.TypeFile {
		ent.Size = int64(node.Len)
	}
	return ent, nil
}

// Rewind restarts the iteration.
func (d *Dir) Rewind() {
	d.dev.Lock()
	d.it.Reset()
	d.dev.Unlock()
}

// Close releases the directory handle.
func (d *Dir) Close() error {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if d.fs.dirs[d.slot] == d {
		d.fs.dirs[d.slot] = nil
	}
	return nil
}
