package nandfs_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/nandfs/nandfs"
)

// Scenario: create a file in a fresh directory, write, seek into the middle
// and read back.
func TestWriteSeekRead(t *testing.T) {
	fs, _, _ := newTestFS(t)

	if err := fs.Mkdir("/abc"); err != nil {
		t.Fatal(err)
	}
	fd, err := fs.Open("/abc/test.txt", nandfs.O_RDWR|nandfs.O_CREATE)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Write(fd, []byte("123456789ABCDEF")); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Seek(fd, 3, nandfs.SeekSet); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 5)
	n, err := fs.Read(fd, got)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:n]) != "45678" {
		t.Fatalf("read %q, want %q", got[:n], "45678")
	}
	if err := fs.Close(fd); err != nil {
		t.Fatal(err)
	}
}

// Scenario: many append-and-close rounds; the file must replay the exact
// byte sequence.
func TestAppendRounds(t *testing.T) {
	fs, _, _ := newTestFS(t)

	var want []byte
	for i := 1; i <= 500; i += 29 {
		fd, err := fs.Open("/x", nandfs.O_RDWR|nandfs.O_APPEND|nandfs.O_CREATE)
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if _, err := fs.Seek(fd, 0, nandfs.SeekEnd); err != nil {
			t.Fatal(err)
		}
		chunk := make([]byte, i)
		for k := range chunk {
			chunk[k] = byte(k)
		}
		if n, err := fs.Write(fd, chunk); err != nil || n != i {
			t.Fatalf("round %d: wrote %d, err %v", i, n, err)
		}
		if err := fs.Close(fd); err != nil {
			t.Fatal(err)
		}
		want = append(want, chunk...)
	}

	if got := readFile(t, fs, "/x"); !bytes.Equal(got, want) {
		t.Fatalf("append sequence mismatch: %d bytes vs %d", len(got), len(want))
	}
}

// Scenario: 80 files under /, each containing its own path; readdir sees
// each exactly once.
func TestManyFilesReaddir(t *testing.T) {
	fs, _, dev := newTestFS(t)

	var want []string
	for i := 0; i < 80; i++ {
		name := fmt.Sprintf("/File%03d", i)
		writeFile(t, fs, name, []byte(name))
		want = append(want, name[1:])
	}

	d, err := fs.OpenDir("/")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	var got []string
	for {
		ent, err := d.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, ent.Name)
	}
	sort.Strings(got)
	sort.Strings(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("directory listing (-want +got):\n%s", diff)
	}

	for _, name := range want {
		if got := readFile(t, fs, "/"+name); string(got) != "/"+name {
			t.Fatalf("%s contains %q", name, got)
		}
	}

	dev.Lock()
	err = dev.Validate()
	dev.Unlock()
	if err != nil {
		t.Fatal(err)
	}
}

// Scenario: a factory bad block must survive format and remount on the bad
// list without costing any file data.
func TestBadBlockSurvivesRemount(t *testing.T) {
	attr := testAttr(128, 32)
	fs, emu, _ := newTestFSWith(t, attr)

	emu.MarkBad(5)
	if err := fs.Format("/"); err != nil {
		t.Fatal(err)
	}

	var want []string
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("/f%d", i)
		writeFile(t, fs, name, []byte(name))
		want = append(want, name)
	}

	fs2, dev2 := remount(t, fs, emu, attr)
	dev2.Lock()
	if dev2.BadCount() != 1 {
		t.Errorf("bad count after remount = %d, want 1", dev2.BadCount())
	}
	if err := dev2.Validate(); err != nil {
		t.Error(err)
	}
	dev2.Unlock()

	for _, name := range want {
		if got := readFile(t, fs2, name); string(got) != name {
			t.Fatalf("%s contains %q after remount", name, got)
		}
	}
}

// Scenario: two files on one device written in interleaved steps.
func TestInterleavedWrites(t *testing.T) {
	fs, _, _ := newTestFS(t)

	fdA, err := fs.Open("/a", nandfs.O_RDWR|nandfs.O_CREATE)
	if err != nil {
		t.Fatal(err)
	}
	fdB, err := fs.Open("/b", nandfs.O_RDWR|nandfs.O_CREATE)
	if err != nil {
		t.Fatal(err)
	}
	for _, step := range []string{"Hello,", "World."} {
		if _, err := fs.Write(fdA, []byte(step)); err != nil {
			t.Fatal(err)
		}
		if _, err := fs.Write(fdB, []byte(step)); err != nil {
			t.Fatal(err)
		}
	}
	if err := fs.Close(fdA); err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(fdB); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"/a", "/b"} {
		if got := readFile(t, fs, name); string(got) != "Hello,World." {
			t.Fatalf("%s contains %q", name, got)
		}
	}
}

// Concurrent readers on one device; the device lock serialises the engine.
func TestConcurrentReaders(t *testing.T) {
	fs, _, _ := newTestFS(t)

	for i := 0; i < 8; i++ {
		writeFile(t, fs, fmt.Sprintf("/c%d", i), bytes.Repeat([]byte{byte(i)}, 700))
	}

	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		eg.Go(func() error {
			fd, err := fs.Open(fmt.Sprintf("/c%d", i), nandfs.O_RDONLY)
			if err != nil {
				return err
			}
			defer fs.Close(fd)
			buf := make([]byte, 700)
			total := 0
			for total < len(buf) {
				n, err := fs.Read(fd, buf[total:])
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
				total += n
			}
			if total != 700 {
				return fmt.Errorf("file c%d: read %d bytes", i, total)
			}
			for _, b := range buf {
				if b != byte(i) {
					return fmt.Errorf("file c%d: wrong byte %#x", i, b)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
}

// A mount must reproduce the exact tree and contents a previous mount left
// behind.
func TestRemountIdentity(t *testing.T) {
	attr := testAttr(128, 32)
	fs, emu, _ := newTestFSWith(t, attr)

	if err := fs.Mkdir("/d"); err != nil {
		t.Fatal(err)
	}
	files := map[string][]byte{
		"/one":    []byte("first"),
		"/two":    bytes.Repeat([]byte{0xAB}, 3000),
		"/d/deep": []byte("nested"),
		// Spans the head block into DATA blocks.
		"/big": bytes.Repeat([]byte("0123456789abcdef"), 1200),
	}
	for name, data := range files {
		writeFile(t, fs, name, data)
	}

	fs2, dev2 := remount(t, fs, emu, attr)
	for name, data := range files {
		if got := readFile(t, fs2, name); !bytes.Equal(got, data) {
			t.Fatalf("%s: %d bytes after remount, want %d", name, len(got), len(data))
		}
		st, err := fs2.Stat(name)
		if err != nil {
			t.Fatal(err)
		}
		if st.Size != int64(len(data)) {
			t.Errorf("%s: size %d after remount, want %d", name, st.Size, len(data))
		}
	}
	dev2.Lock()
	err := dev2.Validate()
	dev2.Unlock()
	if err != nil {
		t.Fatal(err)
	}
}

// Renaming there and back is an identity on contents, and the name lookup
// follows both hops.
func TestRenameRoundTrip(t *testing.T) {
	fs, _, _ := newTestFS(t)

	content := []byte("rename me")
	writeFile(t, fs, "/r1", content)
	if err := fs.Mkdir("/sub"); err != nil {
		t.Fatal(err)
	}

	if err := fs.Rename("/r1", "/sub/r2"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat("/r1"); !errors.Is(err, nandfs.ErrNotFound) {
		t.Fatalf("old name still resolves: %v", err)
	}
	if got := readFile(t, fs, "/sub/r2"); !bytes.Equal(got, content) {
		t.Fatalf("content after rename: %q", got)
	}

	if err := fs.Rename("/sub/r2", "/r1"); err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, "/r1"); !bytes.Equal(got, content) {
		t.Fatalf("content after rename back: %q", got)
	}
}

// Truncating to a block boundary frees the tail block; one byte less keeps
// it and rewrites the last partial page.
func TestTruncateAtBlockBoundary(t *testing.T) {
	fs, _, dev := newTestFS(t)

	usable := dev.UsableSize()
	headBytes := usable * (32 - 1)
	total := headBytes + 3*usable // head block + three pages into DATA block 1
	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i * 31)
	}
	writeFile(t, fs, "/t", data)

	dev.Lock()
	freeBefore := dev.ErasedCount()
	dev.Unlock()

	fd, err := fs.Open("/t", nandfs.O_RDWR)
	if err != nil {
		t.Fatal(err)
	}

	// Exactly at the head/DATA boundary: the whole DATA block goes back to
	// the pool.
	if err := fs.FTruncate(fd, int64(headBytes)); err != nil {
		t.Fatal(err)
	}
	dev.Lock()
	freeAfter := dev.ErasedCount()
	dev.Unlock()
	if freeAfter <= freeBefore {
		t.Errorf("tail block not freed: %d -> %d erased", freeBefore, freeAfter)
	}
	if st, _ := fs.FStat(fd); st.Size != int64(headBytes) {
		t.Fatalf("size = %d, want %d", st.Size, headBytes)
	}

	// One byte less: the last head page is rewritten partially.
	if err := fs.FTruncate(fd, int64(headBytes-1)); err != nil {
		t.Fatal(err)
	}
	if st, _ := fs.FStat(fd); st.Size != int64(headBytes-1) {
		t.Fatalf("size = %d, want %d", st.Size, headBytes-1)
	}
	if err := fs.Close(fd); err != nil {
		t.Fatal(err)
	}

	got := readFile(t, fs, "/t")
	if !bytes.Equal(got, data[:headBytes-1]) {
		t.Fatalf("content after truncate: %d bytes", len(got))
	}

	dev.Lock()
	err = dev.Validate()
	dev.Unlock()
	if err != nil {
		t.Fatal(err)
	}
}

// Filling a small device to the erased-block reserve must fail with ErrNoMem
// and leave the tree intact.
func TestDeviceFullIsClean(t *testing.T) {
	fs, _, dev := newTestFSWith(t, testAttr(16, 8))

	var wrote int
	var failed error
	for i := 0; i < 64 && failed == nil; i++ {
		name := fmt.Sprintf("/fill%02d", i)
		fd, err := fs.Open(name, nandfs.O_RDWR|nandfs.O_CREATE)
		if err != nil {
			failed = err
			break
		}
		data := bytes.Repeat([]byte{byte(i)}, dev.BlockDataSize())
		if _, err := fs.Write(fd, data); err != nil {
			failed = err
		}
		fs.Close(fd)
		if failed == nil {
			wrote++
		}
	}

	if failed == nil {
		t.Fatal("device never filled up")
	}
	if !errors.Is(failed, nandfs.ErrNoMem) {
		t.Fatalf("fill error = %v, want ErrNoMem", failed)
	}
	if wrote == 0 {
		t.Fatal("nothing was written before the device filled")
	}

	dev.Lock()
	err := dev.Validate()
	dev.Unlock()
	if err != nil {
		t.Fatal(err)
	}
}

// A block going bad mid-write is absorbed by recovery; the caller never sees
// an error and the data survives.
func TestGrownBadBlockDuringWrite(t *testing.T) {
	fs, emu, dev := newTestFS(t)

	writeFile(t, fs, "/pre", []byte("existing"))

	emu.FailWriteAfter(3)
	payload := bytes.Repeat([]byte{0x42}, 2000)
	writeFile(t, fs, "/victim", payload)

	if got := readFile(t, fs, "/victim"); !bytes.Equal(got, payload) {
		t.Fatalf("victim corrupted: %d bytes", len(got))
	}
	if got := readFile(t, fs, "/pre"); string(got) != "existing" {
		t.Fatalf("bystander corrupted: %q", got)
	}

	dev.Lock()
	defer dev.Unlock()
	if dev.BadCount() == 0 {
		t.Error("grown bad block not on the bad list")
	}
	if err := dev.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSerialExhaustionLeavesTree(t *testing.T) {
	fs, _, dev := newTestFSWith(t, testAttr(16, 8))

	// Far fewer blocks than serials, so the block reserve trips first; both
	// paths must report ErrNoMem without touching the tree.
	var lastErr error
	for i := 0; i < 32; i++ {
		fd, err := fs.Open(fmt.Sprintf("/s%02d", i), nandfs.O_RDWR|nandfs.O_CREATE)
		if err != nil {
			lastErr = err
			break
		}
		fs.Close(fd)
	}
	if lastErr == nil {
		t.Skip("pool larger than expected")
	}
	if !errors.Is(lastErr, nandfs.ErrNoMem) {
		t.Fatalf("err = %v, want ErrNoMem", lastErr)
	}
	dev.Lock()
	err := dev.Validate()
	dev.Unlock()
	if err != nil {
		t.Fatal(err)
	}
}
