package store

import (
	"errors"

	"github.com/nandfs/nandfs/internal/flash"
)

func isECCErr(err error) bool { return errors.Is(err, flash.ErrECC) }

// isPageErased reports whether the cached tag of a page shows the erased
// pattern.
func (d *Device) isPageErased(bc *BlockInfo, page int) bool {
	if err := d.BlockInfoLoad(bc, page); err != nil {
		return false
	}
	return bc.Tag(page).IsErased()
}

// isBlockUsed reports whether page 0 of the block has been programmed.
func (d *Device) isBlockUsed(bc *BlockInfo) bool {
	if err := d.BlockInfoLoad(bc, 0); err != nil {
		return true
	}
	return bc.Tag(0).Used
}

// blockTimeStamp returns the generation counter of the block, or the first
// generation for an unused block.
func (d *Device) blockTimeStamp(bc *BlockInfo) uint8 {
	if !d.isBlockUsed(bc) {
		return 0
	}
	return bc.Tag(0).BlockTS
}

// freePagesCount counts the erased pages at the tail of the block.
func (d *Device) freePagesCount(bc *BlockInfo) int {
	count := 0
	for i := d.Attr.PagesPerBlock - 1; i >= 0; i-- {
		if !d.isPageErased(bc, i) {
			break
		}
		count++
	}
	return count
}

// findPageWithID returns the lowest physical page carrying the given logical
// page id, or InvalidPage. A page with a given id can only sit at or above
// that index.
func (d *Device) findPageWithID(bc *BlockInfo, pageID uint16) int {
	for page := int(pageID); page < d.Attr.PagesPerBlock; page++ {
		if err := d.BlockInfoLoad(bc, page); err != nil {
			return InvalidPage
		}
		t := bc.Tag(page)
		if t.Used && uint16(t.PageID) == pageID {
			return page
		}
	}
	return InvalidPage
}

// findBestPage resolves in-place rewrites: among all committed pages of the
// block carrying the same page id and object, the highest physical page is
// authoritative.
func (d *Device) findBestPage(bc *BlockInfo, page int) int {
	last := d.Attr.PagesPerBlock - 1
	if page == last {
		return page
	}
	if err := d.BlockInfoLoad(bc, page); err != nil {
		return page
	}
	old := bc.Tag(page)

	if int(old.PageID) == page {
		// Fast path: if the last page also holds its own id, the block was
		// never rewritten in place.
		if err := d.BlockInfoLoad(bc, last); err == nil {
			t := bc.Tag(last)
			if t.Used && int(t.PageID) == last {
				return page
			}
		}
	}

	if err := d.BlockInfoLoad(bc, AllPages); err != nil {
		return page
	}
	best := page
	for i := page + 1; i < d.Attr.PagesPerBlock; i++ {
		t := bc.Tag(i)
		if t.PageID == old.PageID &&
			t.Parent == old.Parent &&
			t.Serial == old.Serial &&
			t.IsCommitted() {
			best = i
		}
	}
	return best
}

// findFirstFreePage returns the first erased page at or after from.
func (d *Device) findFirstFreePage(bc *BlockInfo, from int) int {
	for i := from; i < d.Attr.PagesPerBlock; i++ {
		if d.isPageErased(bc, i) {
			return i
		}
	}
	return InvalidPage
}

// blockDataLength sums the payload bytes of a FILE or DATA block: the
// authoritative version of every logical page contributes its data_len.
func (d *Device) blockDataLength(bc *BlockInfo, typ int) int {
	last := d.Attr.PagesPerBlock - 1
	usable := d.UsableSize()

	// Fast path: a fully loaded block ends with a full page holding the
	// highest possible id.
	if err := d.BlockInfoLoad(bc, last); err == nil {
		t := bc.Tag(last)
		if typ == blockLenFile && t.Used &&
			int(t.PageID) == last && int(t.DataLen) == usable {
			return usable * last
		}
		if typ == blockLenData && t.Used &&
			int(t.PageID) == last && int(t.DataLen) == usable {
			return usable * d.Attr.PagesPerBlock
		}
	}

	if err := d.BlockInfoLoad(bc, AllPages); err != nil {
		return 0
	}
	start := 0
	if typ == blockLenFile {
		start = 1 // page 0 carries the FileInfo, not file data
	}
	size := 0
	pageID := start
	for i := start; i < d.Attr.PagesPerBlock; i++ {
		t := bc.Tag(i)
		if t.Used && int(t.PageID) == pageID {
			best := d.findBestPage(bc, i)
			size += int(bc.Tag(best).DataLen)
			pageID++
		}
	}
	return size
}

const (
	blockLenFile = iota
	blockLenData
)
