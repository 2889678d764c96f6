package store

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nandfs/nandfs/internal/flash"
	"github.com/nandfs/nandfs/internal/nandemu"
	"github.com/nandfs/nandfs/internal/tag"
)

func testDevice(t *testing.T, blocks int) (*Device, *nandemu.Chip) {
	t.Helper()
	attr := &flash.Attr{
		TotalBlocks:       blocks,
		PagesPerBlock:     32,
		PageDataSize:      512,
		SpareSize:         16,
		BlockStatusOffset: 4,
		ECCOpt:            flash.ECCSoft,
	}
	emu, err := nandemu.New(attr)
	if err != nil {
		t.Fatal(err)
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	chip, err := flash.NewChip(attr, emu, logrus.NewEntry(log))
	if err != nil {
		t.Fatal(err)
	}
	dev, err := NewDevice(chip, 0, blocks-1, Config{Now: func() uint32 { return 1234567890 }}, nil)
	if err != nil {
		t.Fatal(err)
	}
	dev.Lock()
	t.Cleanup(dev.Unlock)
	if err := dev.Build(); err != nil {
		t.Fatal(err)
	}
	return dev, emu
}

func TestBuildEmptyDevice(t *testing.T) {
	dev, _ := testDevice(t, 32)

	if got, want := dev.ErasedCount(), 32; got != want {
		t.Errorf("erased count = %d, want %d", got, want)
	}
	if dev.BadCount() != 0 {
		t.Errorf("bad count = %d", dev.BadCount())
	}
	if err := dev.Validate(); err != nil {
		t.Fatal(err)
	}
}

// TestHandBuiltPage writes one page with a hand-built tag into an erased
// block and reads everything back.
func TestHandBuiltPage(t *testing.T) {
	dev, _ := testDevice(t, 32)
	usable := dev.UsableSize()

	node := dev.GetErasedNode()
	if node == nil {
		t.Fatal("no erased block")
	}
	bc := dev.BlockInfoGet(node.Block)

	clone, err := dev.BufClone(nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < usable; i++ {
		clone.Data[i] = byte(i)
	}
	clone.DataLen = usable
	clone.Type = tag.TypeData

	tg := tag.Tag{
		Type:    tag.TypeData,
		PageID:  3,
		Parent:  100,
		Serial:  10,
		BlockTS: 1,
		DataLen: uint16(usable),
	}
	if err := dev.commitPage(bc, 3, &tg, clone); err != nil {
		t.Fatal(err)
	}
	dev.BufFreeClone(clone)

	// The cached tag must match what went to flash.
	dev.BlockInfoExpire(bc, AllPages)
	if err := dev.BlockInfoLoad(bc, 3); err != nil {
		t.Fatal(err)
	}
	rt := bc.Tag(3)
	if !rt.IsCommitted() {
		t.Fatalf("page not committed: %+v", rt)
	}
	if rt.Type != tag.TypeData || rt.PageID != 3 || rt.Parent != 100 || rt.Serial != 10 || rt.BlockTS != 1 || int(rt.DataLen) != usable {
		t.Fatalf("tag fields mangled: %+v", rt)
	}

	back, err := dev.BufClone(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.loadPageToBuf(back, node.Block, 3); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < usable; i++ {
		if back.Data[i] != byte(i) {
			t.Fatalf("data mismatch at %d: %#x", i, back.Data[i])
		}
	}
	dev.BufFreeClone(back)
	dev.BlockInfoPut(bc)

	// Put the block back so the tree stays consistent.
	if err := dev.Chip.EraseBlock(int(node.Block)); err != nil {
		t.Fatal(err)
	}
	dev.InsertToErasedListTail(node)
	if err := dev.Validate(); err != nil {
		t.Fatal(err)
	}
}

func writeFilePage0(t *testing.T, dev *Device, parent, serial uint16, name string) {
	t.Helper()
	buf, err := dev.BufNew(tag.TypeFile, parent, serial, 0)
	if err != nil {
		t.Fatal(err)
	}
	fi := tag.FileInfo{Attr: tag.AttrWrite, CreateTime: 1, LastModify: 1, Name: name}
	enc, err := tag.EncodeFileInfo(&fi)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.BufWrite(buf, enc, 0); err != nil {
		t.Fatal(err)
	}
	dev.BufPut(buf)
	if err := dev.BufFlushGroup(parent, serial); err != nil {
		t.Fatal(err)
	}
}

func TestFlushNewBlockThenAppend(t *testing.T) {
	dev, _ := testDevice(t, 32)

	writeFilePage0(t, dev, RootDirSerial, 1, "f")
	node := dev.FindFileNode(1)
	if node == nil {
		t.Fatal("file node not inserted")
	}
	block := node.Block

	// Appending file data must not change the block (strategy 2).
	buf, err := dev.BufNew(tag.TypeFile, RootDirSerial, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.BufWrite(buf, []byte("hello"), 0); err != nil {
		t.Fatal(err)
	}
	dev.BufPut(buf)
	if err := dev.BufFlushGroup(RootDirSerial, 1); err != nil {
		t.Fatal(err)
	}
	if node.Block != block {
		t.Errorf("append moved the block: %d -> %d", block, node.Block)
	}

	bc := dev.BlockInfoGet(node.Block)
	if got := dev.freePagesCount(bc); got != dev.Attr.PagesPerBlock-2 {
		t.Errorf("free pages = %d, want %d", got, dev.Attr.PagesPerBlock-2)
	}
	dev.BlockInfoPut(bc)

	if err := dev.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestRewriteTriggersBlockCover(t *testing.T) {
	dev, _ := testDevice(t, 32)

	writeFilePage0(t, dev, RootDirSerial, 1, "f")
	node := dev.FindFileNode(1)
	origBlock := node.Block

	// Rewriting page 0 over and over burns one page per flush; once the
	// block is full the next flush must cover to a fresh block.
	covered := false
	for i := 0; i < dev.Attr.PagesPerBlock+2; i++ {
		buf, err := dev.BufGetEx(tag.TypeFile, node, 0)
		if err != nil {
			t.Fatal(err)
		}
		fi := tag.FileInfo{Attr: tag.AttrWrite, LastModify: uint32(i), Name: "f"}
		enc, err := tag.EncodeFileInfo(&fi)
		if err != nil {
			t.Fatal(err)
		}
		if err := dev.BufWrite(buf, enc, 0); err != nil {
			t.Fatal(err)
		}
		dev.BufPut(buf)
		if err := dev.BufFlushGroup(RootDirSerial, 1); err != nil {
			t.Fatal(err)
		}
		if node.Block != origBlock {
			covered = true
			break
		}
	}
	if !covered {
		t.Fatal("block cover never happened")
	}
	if err := dev.Validate(); err != nil {
		t.Fatal(err)
	}

	// The old block must be erased and back in circulation.
	if n, region := dev.findNodeByBlock(origBlock, regionErased|regionBad); n == nil || region != regionErased {
		t.Errorf("old block %d not on the erased list (region %v)", origBlock, region)
	}
}

func TestBadBlockDuringFlushIsAbsorbed(t *testing.T) {
	dev, emu := testDevice(t, 32)

	emu.FailWriteAfter(0) // first page program fails: the new block goes bad

	writeFilePage0(t, dev, RootDirSerial, 1, "f")
	node := dev.FindFileNode(1)
	if node == nil {
		t.Fatal("file node not inserted despite recovery")
	}
	if dev.BadCount() != 1 {
		t.Errorf("bad count = %d, want 1", dev.BadCount())
	}

	fi, err := dev.ReadObjectInfo(tag.TypeFile, node)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Name != "f" {
		t.Errorf("file info name %q after recovery", fi.Name)
	}
	if err := dev.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestBlockInfoCacheExpiry(t *testing.T) {
	dev, _ := testDevice(t, 32)

	bc := dev.BlockInfoGet(5)
	if err := dev.BlockInfoLoad(bc, 0); err != nil {
		t.Fatal(err)
	}
	if !bc.Tag(0).IsErased() {
		t.Fatal("fresh block page 0 not erased")
	}

	// Write behind the cache's back, then expire: the next load must
	// re-read.
	data := make([]byte, dev.Attr.PageDataSize)
	tg := tag.Tag{Type: tag.TypeData, PageID: 0, Parent: 1, Serial: 1, DataLen: 1}
	if err := dev.Chip.WritePage(5, 0, data, &tg); err != nil {
		t.Fatal(err)
	}
	if err := dev.BlockInfoLoad(bc, 0); err != nil {
		t.Fatal(err)
	}
	if !bc.Tag(0).IsErased() {
		t.Fatal("load without expire re-read flash")
	}
	dev.BlockInfoExpire(bc, 0)
	if err := dev.BlockInfoLoad(bc, 0); err != nil {
		t.Fatal(err)
	}
	if bc.Tag(0).IsErased() {
		t.Fatal("expired page not re-read")
	}
	dev.BlockInfoPut(bc)

	// Clean up so later asserts on the tree hold.
	if err := dev.Chip.EraseBlock(5); err != nil {
		t.Fatal(err)
	}
}

func TestBestPageSelection(t *testing.T) {
	dev, _ := testDevice(t, 32)
	usable := dev.UsableSize()

	node := dev.GetErasedNode()
	bc := dev.BlockInfoGet(node.Block)

	// Same page id written three times: the highest physical page wins.
	for i, fill := range []byte{0x11, 0x22, 0x33} {
		clone, err := dev.BufClone(nil)
		if err != nil {
			t.Fatal(err)
		}
		for j := 0; j < usable; j++ {
			clone.Data[j] = fill
		}
		clone.DataLen = usable
		tg := tag.Tag{Type: tag.TypeData, PageID: 0, Parent: 7, Serial: 1, DataLen: uint16(usable)}
		if err := dev.commitPage(bc, i, &tg, clone); err != nil {
			t.Fatal(err)
		}
		dev.BufFreeClone(clone)
	}

	page := dev.findPageWithID(bc, 0)
	if page != 0 {
		t.Fatalf("findPageWithID = %d, want 0", page)
	}
	best := dev.findBestPage(bc, page)
	if best != 2 {
		t.Fatalf("best page = %d, want 2", best)
	}

	back, err := dev.BufClone(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.loadPageToBuf(back, node.Block, best); err != nil {
		t.Fatal(err)
	}
	if back.Data[0] != 0x33 {
		t.Fatalf("best page data %#x, want 0x33", back.Data[0])
	}
	dev.BufFreeClone(back)
	dev.BlockInfoPut(bc)

	if err := dev.Chip.EraseBlock(int(node.Block)); err != nil {
		t.Fatal(err)
	}
	dev.InsertToErasedListTail(node)
}

func TestFormatAfterUse(t *testing.T) {
	dev, _ := testDevice(t, 32)

	writeFilePage0(t, dev, RootDirSerial, 1, "f")
	if err := dev.Format(); err != nil {
		t.Fatal(err)
	}
	if dev.FindFileNode(1) != nil {
		t.Error("file survived format")
	}
	if got, want := dev.ErasedCount(), 32; got != want {
		t.Errorf("erased count after format = %d, want %d", got, want)
	}
	if err := dev.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestFreeSerialSkipsSuspended(t *testing.T) {
	dev, _ := testDevice(t, 32)

	s := dev.FindFreeSerial()
	if s == InvalidSerial {
		t.Fatal("no free serial on empty device")
	}
	dev.SuspendSerial(s)
	if got := dev.FindFreeSerial(); got == s {
		t.Error("suspended serial handed out")
	}
	dev.ResumeSerial(s)
	if got := dev.FindFreeSerial(); got != s {
		t.Errorf("resumed serial not reused: got %d, want %d", got, s)
	}
}
