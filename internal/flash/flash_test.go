package flash_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/nandfs/nandfs/internal/flash"
	"github.com/nandfs/nandfs/internal/nandemu"
	"github.com/nandfs/nandfs/internal/tag"
)

func testAttr() *flash.Attr {
	return &flash.Attr{
		TotalBlocks:       16,
		PagesPerBlock:     8,
		PageDataSize:      512,
		SpareSize:         16,
		BlockStatusOffset: 4,
		ECCOpt:            flash.ECCSoft,
	}
}

func newChip(t *testing.T) (*flash.Chip, *nandemu.Chip) {
	t.Helper()
	attr := testAttr()
	emu, err := nandemu.New(attr)
	if err != nil {
		t.Fatal(err)
	}
	chip, err := flash.NewChip(attr, emu, nil)
	if err != nil {
		t.Fatal(err)
	}
	return chip, emu
}

func TestWriteReadPage(t *testing.T) {
	t.Parallel()
	chip, _ := newChip(t)

	usable := chip.Attr.UsableSize()
	data := make([]byte, chip.Attr.PageDataSize)
	for i := 0; i < usable; i++ {
		data[i] = byte(i)
	}
	want := append([]byte(nil), data[:usable]...)

	tg := tag.Tag{
		Type:    tag.TypeData,
		PageID:  3,
		Parent:  100,
		Serial:  10,
		BlockTS: 1,
		DataLen: uint16(usable),
	}
	if err := chip.WritePage(2, 3, data, &tg); err != nil {
		t.Fatal(err)
	}
	if !tg.Used || !tg.Sealed {
		t.Fatalf("tag not sealed after write: %+v", tg)
	}

	back := make([]byte, chip.Attr.PageDataSize)
	corrected, err := chip.ReadPage(2, 3, back)
	if err != nil {
		t.Fatal(err)
	}
	if corrected != 0 {
		t.Errorf("fresh page needed %d corrections", corrected)
	}
	if !bytes.Equal(back[:usable], want) {
		t.Error("data mismatch after read back")
	}

	rt, sane, err := chip.ReadTag(2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !sane {
		t.Error("tag checksum failed")
	}
	if !rt.IsCommitted() {
		t.Errorf("tag not committed: %+v", rt)
	}
	if rt.Type != tag.TypeData || rt.PageID != 3 || rt.Parent != 100 || rt.Serial != 10 || rt.BlockTS != 1 {
		t.Errorf("tag fields mangled: %+v", rt)
	}
}

func TestReadCorrectsSingleBitFlip(t *testing.T) {
	t.Parallel()
	chip, emu := newChip(t)

	usable := chip.Attr.UsableSize()
	data := make([]byte, chip.Attr.PageDataSize)
	for i := 0; i < usable; i++ {
		data[i] = 0x5A
	}
	tg := tag.Tag{Type: tag.TypeData, DataLen: uint16(usable)}
	if err := chip.WritePage(1, 0, data, &tg); err != nil {
		t.Fatal(err)
	}

	// Clear one data bit behind the engine's back (programming can only
	// clear bits, which is exactly what real bit rot does).
	flip := make([]byte, 8)
	for i := range flip {
		flip[i] = 0xFF
	}
	flip[3] = 0x5A &^ 0x08
	if err := emu.WritePageData(1, 0, flip, nil); err != nil {
		t.Fatal(err)
	}

	back := make([]byte, chip.Attr.PageDataSize)
	corrected, err := chip.ReadPage(1, 0, back)
	if err != nil {
		t.Fatal(err)
	}
	if corrected != 1 {
		t.Fatalf("corrected = %d, want 1", corrected)
	}
	if back[3] != 0x5A {
		t.Error("flip not repaired")
	}
}

func TestBadBlockMark(t *testing.T) {
	t.Parallel()
	chip, _ := newChip(t)

	if chip.IsBadBlock(5) {
		t.Fatal("fresh block reported bad")
	}
	if err := chip.MarkBadBlock(5); err != nil {
		t.Fatal(err)
	}
	if !chip.IsBadBlock(5) {
		t.Fatal("marked block not reported bad")
	}
	if chip.IsBadBlock(6) {
		t.Fatal("neighbour block reported bad")
	}
}

func TestEraseReportsBadBlock(t *testing.T) {
	t.Parallel()
	chip, emu := newChip(t)

	emu.MarkBad(7)
	err := chip.EraseBlock(7)
	if !errors.Is(err, flash.ErrBadBlock) {
		t.Fatalf("erase of bad block: %v", err)
	}
}

func TestCheckErased(t *testing.T) {
	t.Parallel()
	chip, _ := newChip(t)

	if err := chip.CheckErased(4); err != nil {
		t.Fatalf("fresh block not erased: %v", err)
	}
	data := make([]byte, chip.Attr.PageDataSize)
	tg := tag.Tag{Type: tag.TypeData}
	if err := chip.WritePage(4, 0, data, &tg); err != nil {
		t.Fatal(err)
	}
	if err := chip.CheckErased(4); err == nil {
		t.Fatal("written block passed the erased check")
	}
}

func TestPageDataClean(t *testing.T) {
	t.Parallel()
	chip, emu := newChip(t)

	clean, err := chip.PageDataClean(3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !clean {
		t.Fatal("fresh page not clean")
	}

	// Simulate a crash before the tag write: data programmed, spare erased.
	junk := make([]byte, 16)
	if err := emu.WritePageData(3, 0, junk, nil); err != nil {
		t.Fatal(err)
	}
	clean, err = chip.PageDataClean(3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if clean {
		t.Fatal("programmed page reported clean")
	}
}

func TestAttrValidate(t *testing.T) {
	t.Parallel()

	attr := testAttr()
	if err := attr.Validate(); err != nil {
		t.Fatal(err)
	}
	bad := *attr
	bad.SpareSize = 8 // the 8-byte tag variant is not supported
	if err := bad.Validate(); err == nil {
		t.Error("8-byte spare accepted")
	}
	bad = *attr
	bad.PageDataSize = 513
	if err := bad.Validate(); err == nil {
		t.Error("odd page size accepted")
	}
}
