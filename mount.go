package nandfs

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/nandfs/nandfs/internal/store"
)

// maxObjectHandles bounds open objects per mount, and separately open
// directory iterators per mount.
const maxObjectHandles = 10

// fdOffset keeps descriptors clear of stdin/stdout/stderr, like the original
// protocol expects.
const fdOffset = 3

// Mount binds one device to a mount point.
type Mount struct {
	Dev   *store.Device
	Point string
}

// FS owns the mount table and the object handle pool. Mounts are rare and
// externally synchronised; per-device state is guarded by the device lock.
type FS struct {
	mu     sync.Mutex
	mounts []*Mount
	objs   [maxObjectHandles]*Object
	dirs   [maxObjectHandles]*Dir
	errno  int
}

// New returns an empty file system context.
func New() *FS {
	return &FS{}
}

// Mount registers a device under a mount point and builds its tree.
func (fs *FS) Mount(point string, dev *store.Device) error {
	point, err := normalizeMountPoint(point)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, m := range fs.mounts {
		if m.Point == point {
			return xerrors.Errorf("mount point %s already in use", point)
		}
	}
	dev.Lock()
	err = dev.Build()
	dev.Unlock()
	if err != nil {
		return err
	}
	fs.mounts = append(fs.mounts, &Mount{Dev: dev, Point: point})
	return nil
}

// Unmount flushes and removes a mount.
func (fs *FS) Unmount(point string) error {
	point, err := normalizeMountPoint(point)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i, m := range fs.mounts {
		if m.Point != point {
			continue
		}
		m.Dev.Lock()
		err := m.Dev.Release()
		m.Dev.Unlock()
		if err != nil {
			return err
		}
		fs.mounts = append(fs.mounts[:i], fs.mounts[i+1:]...)
		return nil
	}
	return fmt.Errorf("%s: %w", point, ErrNotFound)
}

// Format erases the device behind a mount point and rebuilds an empty tree.
func (fs *FS) Format(point string) error {
	m, err := fs.mountFor(point)
	if err != nil {
		return err
	}
	m.Dev.Lock()
	defer m.Dev.Unlock()
	return m.Dev.Format()
}

func normalizeMountPoint(point string) (string, error) {
	if !strings.HasPrefix(point, "/") {
		return "", xerrors.Errorf("mount point %q must be absolute", point)
	}
	if !strings.HasSuffix(point, "/") {
		point += "/"
	}
	return point, nil
}

func (fs *FS) mountFor(point string) (*Mount, error) {
	point, err := normalizeMountPoint(point)
	if err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, m := range fs.mounts {
		if m.Point == point {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", point, ErrNotFound)
}

// lookupPath resolves a path to its mount by longest prefix match and
// returns the path remainder relative to the mount root.
func (fs *FS) lookupPath(path string) (*Mount, string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, "", fmt.Errorf("%q: %w", path, ErrInval)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var best *Mount
	for _, m := range fs.mounts {
		if !strings.HasPrefix(path, m.Point) && path+"/" != m.Point {
			continue
		}
		if best == nil || len(m.Point) > len(best.Point) {
			best = m
		}
	}
	if best == nil {
		return nil, "", fmt.Errorf("%q: no mount: %w", path, ErrNotFound)
	}
	rel := strings.TrimPrefix(path, best.Point)
	if path+"/" == best.Point {
		rel = ""
	}
	return best, rel, nil
}

// SpaceTotal returns the capacity of the device behind a mount point.
func (fs *FS) SpaceTotal(point string) (int64, error) {
	m, err := fs.mountFor(point)
	if err != nil {
		return 0, err
	}
	m.Dev.Lock()
	defer m.Dev.Unlock()
	return m.Dev.SpaceTotal(), nil
}

// SpaceUsed returns the allocated bytes of the device behind a mount point.
func (fs *FS) SpaceUsed(point string) (int64, error) {
	m, err := fs.mountFor(point)
	if err != nil {
		return 0, err
	}
	m.Dev.Lock()
	defer m.Dev.Unlock()
	return m.Dev.SpaceUsed(), nil
}

// SpaceFree returns the free bytes of the device behind a mount point.
func (fs *FS) SpaceFree(point string) (int64, error) {
	m, err := fs.mountFor(point)
	if err != nil {
		return 0, err
	}
	m.Dev.Lock()
	defer m.Dev.Unlock()
	return m.Dev.SpaceFree(), nil
}

// GetError returns the process-wide errno mirror.
func (fs *FS) GetError() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.errno
}

// SetError sets the errno mirror.
func (fs *FS) SetError(code int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.errno = code
}

func (fs *FS) setErr(err error) {
	fs.mu.Lock()
	fs.errno = Errno(err)
	fs.mu.Unlock()
}
