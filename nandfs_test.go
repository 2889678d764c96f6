package nandfs_test

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nandfs/nandfs"
	"github.com/nandfs/nandfs/internal/flash"
	"github.com/nandfs/nandfs/internal/nandemu"
	"github.com/nandfs/nandfs/internal/store"
)

func testAttr(blocks, pages int) *flash.Attr {
	return &flash.Attr{
		TotalBlocks:       blocks,
		PagesPerBlock:     pages,
		PageDataSize:      512,
		SpareSize:         16,
		BlockStatusOffset: 4,
		ECCOpt:            flash.ECCSoft,
	}
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func newDevice(t *testing.T, emu *nandemu.Chip, attr *flash.Attr) *store.Device {
	t.Helper()
	chip, err := flash.NewChip(attr, emu, quietLog())
	if err != nil {
		t.Fatal(err)
	}
	dev, err := store.NewDevice(chip, 0, attr.TotalBlocks-1, store.Config{Now: func() uint32 { return 1234567890 }}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return dev
}

// newTestFS formats a fresh 128-block, 32-page, 512+16 device and mounts it
// at /.
func newTestFS(t *testing.T) (*nandfs.FS, *nandemu.Chip, *store.Device) {
	t.Helper()
	return newTestFSWith(t, testAttr(128, 32))
}

func newTestFSWith(t *testing.T, attr *flash.Attr) (*nandfs.FS, *nandemu.Chip, *store.Device) {
	t.Helper()
	emu, err := nandemu.New(attr)
	if err != nil {
		t.Fatal(err)
	}
	dev := newDevice(t, emu, attr)
	fs := nandfs.New()
	if err := fs.Mount("/", dev); err != nil {
		t.Fatal(err)
	}
	if err := fs.Format("/"); err != nil {
		t.Fatal(err)
	}
	return fs, emu, dev
}

// remount drops the FS and rebuilds everything from the emulated flash
// contents alone.
func remount(t *testing.T, fs *nandfs.FS, emu *nandemu.Chip, attr *flash.Attr) (*nandfs.FS, *store.Device) {
	t.Helper()
	if err := fs.Unmount("/"); err != nil {
		t.Fatal(err)
	}
	dev := newDevice(t, emu, attr)
	nfs := nandfs.New()
	if err := nfs.Mount("/", dev); err != nil {
		t.Fatal(err)
	}
	return nfs, dev
}

func writeFile(t *testing.T, fs *nandfs.FS, path string, data []byte) {
	t.Helper()
	fd, err := fs.Open(path, nandfs.O_RDWR|nandfs.O_CREATE|nandfs.O_TRUNC)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	if n, err := fs.Write(fd, data); err != nil || n != len(data) {
		t.Fatalf("write %s: n=%d err=%v", path, n, err)
	}
	if err := fs.Close(fd); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}

func readFile(t *testing.T, fs *nandfs.FS, path string) []byte {
	t.Helper()
	fd, err := fs.Open(path, nandfs.O_RDONLY)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer fs.Close(fd)
	var out []byte
	buf := make([]byte, 1024)
	for {
		n, err := fs.Read(fd, buf)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func TestFormatYieldsEmptyRoot(t *testing.T) {
	fs, _, _ := newTestFS(t)

	d, err := fs.OpenDir("/")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if _, err := d.Next(); err != io.EOF {
		t.Fatalf("fresh root not empty: %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	fs, _, _ := newTestFS(t)

	if _, err := fs.Open("/nope", nandfs.O_RDONLY); !errors.Is(err, nandfs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if fs.GetError() != nandfs.ENOENT {
		t.Errorf("errno mirror = %d, want %d", fs.GetError(), nandfs.ENOENT)
	}
}

func TestCreateExclusive(t *testing.T) {
	fs, _, _ := newTestFS(t)

	writeFile(t, fs, "/f", []byte("x"))
	if _, err := fs.Open("/f", nandfs.O_RDWR|nandfs.O_CREATE|nandfs.O_EXCL); !errors.Is(err, nandfs.ErrExist) {
		t.Fatalf("err = %v, want ErrExist", err)
	}
}

func TestTellAndEOF(t *testing.T) {
	fs, _, _ := newTestFS(t)

	writeFile(t, fs, "/f", []byte("abcdef"))
	fd, err := fs.Open("/f", nandfs.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.Close(fd)

	if eof, _ := fs.EOF(fd); eof {
		t.Error("EOF at position 0 of a non-empty file")
	}
	if _, err := fs.Seek(fd, 0, nandfs.SeekEnd); err != nil {
		t.Fatal(err)
	}
	if pos, _ := fs.Tell(fd); pos != 6 {
		t.Errorf("Tell = %d, want 6", pos)
	}
	if eof, _ := fs.EOF(fd); !eof {
		t.Error("not EOF at the end")
	}
	// Seeks clamp to [0, length].
	if pos, _ := fs.Seek(fd, 100, nandfs.SeekSet); pos != 6 {
		t.Errorf("over-seek clamps to %d, want 6", pos)
	}
	if pos, _ := fs.Seek(fd, -100, nandfs.SeekCur); pos != 0 {
		t.Errorf("under-seek clamps to %d, want 0", pos)
	}
}

func TestMkdirRmdir(t *testing.T) {
	fs, _, _ := newTestFS(t)

	if err := fs.Mkdir("/d"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, fs, "/d/f", []byte("x"))

	if err := fs.Rmdir("/d"); !errors.Is(err, nandfs.ErrNotEmpty) {
		t.Fatalf("rmdir of non-empty dir: %v, want ErrNotEmpty", err)
	}
	if err := fs.Remove("/d/f"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rmdir("/d"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat("/d"); !errors.Is(err, nandfs.ErrNotFound) {
		t.Fatalf("stat of removed dir: %v", err)
	}
}

func TestStat(t *testing.T) {
	fs, _, _ := newTestFS(t)

	writeFile(t, fs, "/f", []byte("hello"))
	st, err := fs.Stat("/f")
	if err != nil {
		t.Fatal(err)
	}
	if st.Name != "f" || st.Size != 5 || st.IsDir {
		t.Errorf("stat = %+v", st)
	}

	if err := fs.Mkdir("/d"); err != nil {
		t.Fatal(err)
	}
	st, err = fs.Stat("/d")
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsDir {
		t.Errorf("dir stat = %+v", st)
	}
}

func TestSpaceAccounting(t *testing.T) {
	fs, _, dev := newTestFS(t)

	total, err := fs.SpaceTotal("/")
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(128) * int64(dev.BlockDataSize()); total != want {
		t.Errorf("total = %d, want %d", total, want)
	}
	free0, _ := fs.SpaceFree("/")

	writeFile(t, fs, "/f", []byte("data"))
	free1, _ := fs.SpaceFree("/")
	if free1 >= free0 {
		t.Errorf("free space did not drop: %d -> %d", free0, free1)
	}
	used, _ := fs.SpaceUsed("/")
	if used+free1 != total {
		t.Errorf("used %d + free %d != total %d", used, free1, total)
	}
}

func TestVersion(t *testing.T) {
	if nandfs.Version() == "" {
		t.Error("empty version")
	}
}
