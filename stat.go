package nandfs

import (
	"fmt"

	"github.com/nandfs/nandfs/internal/store"
	"github.com/nandfs/nandfs/internal/tag"
)

// Stat describes one object.
type Stat struct {
	Name       string
	Serial     uint16
	Attr       uint32
	CreateTime uint32
	LastModify uint32
	Size       int64
	IsDir      bool
}

func statOf(o *Object) (*Stat, error) {
	if o.node == nil {
		// The root directory has no block of its own.
		return &Stat{Name: "/", Serial: store.RootDirSerial, Attr: tag.AttrDir, IsDir: true}, nil
	}

	o.lockDev()
	defer o.unlockDev()

	fi, err := o.dev.ReadObjectInfo(o.typ, o.node)
	if err != nil {
		return nil, o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
	}
	st := &Stat{
		Name:       fi.Name,
		Serial:     o.node.Serial,
		Attr:       fi.Attr,
		CreateTime: fi.CreateTime,
		LastModify: fi.LastModify,
		IsDir:      fi.IsDir(),
	}
	if o.typ == tag.TypeFile {
		st.Size = int64(o.node.Len)
	}
	return st, nil
}

// Stat describes the object at path. There are no symlinks, so Lstat is an
// alias.
func (fs *FS) Stat(path string) (*Stat, error) {
	o, fd, err := fs.allocObject()
	if err != nil {
		fs.setErr(err)
		return nil, err
	}
	defer fs.releaseObject(fd)

	if err := fs.openObject(o, path, O_RDONLY); err != nil {
		if err := fs.openObject(o, path, O_RDONLY|O_DIR); err != nil {
			return nil, err
		}
	}
	defer o.close()
	return statOf(o)
}

// Lstat is Stat; the file system has no links.
func (fs *FS) Lstat(path string) (*Stat, error) { return fs.Stat(path) }

// FStat describes an open descriptor.
func (fs *FS) FStat(fd int) (*Stat, error) {
	o := fs.objectByFd(fd)
	if o == nil || !o.opened {
		fs.setErr(ErrBadFd)
		return nil, ErrBadFd
	}
	return statOf(o)
}
