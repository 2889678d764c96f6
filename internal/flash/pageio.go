package flash

import (
	"fmt"

	"github.com/nandfs/nandfs/internal/ecc"
	"github.com/nandfs/nandfs/internal/tag"
)

// fill sets every byte of b to v.
func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// ReadPage reads the data area of one page and verifies it. data must be
// PageDataSize bytes. Returns the number of corrected bits; ErrECC if the
// data could not be corrected, ErrIO on transport failure.
func (c *Chip) ReadPage(block, page int, data []byte) (int, error) {
	switch c.Attr.ECCOpt {
	case ECCNone:
		return 0, c.Ops.ReadPageData(block, page, data, nil)

	case ECCSoft:
		if err := c.Ops.ReadPageData(block, page, data, nil); err != nil {
			return 0, err
		}
		usable := c.Attr.UsableSize()
		stored := data[usable:]
		computed := make([]byte, c.Attr.ECCSize())
		ecc.Make(data, computed)
		n := ecc.Correct(data, stored, computed)
		if n < 0 {
			return 0, fmt.Errorf("block %d page %d: %w", block, page, ErrECC)
		}
		return n, nil

	case ECCHW, ECCHWAuto:
		eccBuf := make([]byte, c.Attr.ECCSize())
		return 0, c.Ops.ReadPageData(block, page, data, eccBuf)
	}
	return 0, fmt.Errorf("bad ecc option %d", c.Attr.ECCOpt)
}

// ReadPageRaw reads the data area without ECC verification. Used by bad
// block recovery, which salvages whatever it can.
func (c *Chip) ReadPageRaw(block, page int, data []byte) error {
	return c.Ops.ReadPageData(block, page, data, nil)
}

// ReadTag reads and decodes the spare of one page. sane reports whether the
// tag checksum verifies (always true when checksums are disabled or the page
// is not sealed).
func (c *Chip) ReadTag(block, page int) (t tag.Tag, sane bool, err error) {
	spare := make([]byte, c.Attr.SpareSize)
	if err := c.Ops.ReadPageSpare(block, page, spare); err != nil {
		return tag.Tag{}, false, err
	}
	enc := tag.TakeFromSpare(spare, c.Attr.BlockStatusOffset)
	t = tag.Decode(enc[:])
	t.BlockStatus = spare[c.Attr.BlockStatusOffset]
	sane = true
	if c.TagChecksum && t.IsCommitted() {
		sane = tag.ChecksumOK(enc[:])
	}
	return t, sane, nil
}

// WritePage programs one page: data plus the tag, using the three-step
// commit protocol (spare with valid=1, data, spare resealed with valid=0 and
// the final checksum), so that a crash between steps leaves a page that
// mount discards. ECCHWAuto drivers own the spare ECC region, so the two
// spare writes collapse into one after the data write.
//
// The block must have been erased and the target page must still show the
// erased tag pattern; that is the caller's contract.
//
// On success t is sealed in place.
func (c *Chip) WritePage(block, page int, data []byte, t *tag.Tag) error {
	usable := c.Attr.UsableSize()
	switch c.Attr.ECCOpt {
	case ECCSoft:
		ecc.Make(data, data[usable:])
	case ECCNone:
		fill(data[usable:], 0xFF)
	}

	t.Used = true

	if c.Attr.ECCOpt == ECCHWAuto {
		if err := c.Ops.WritePageData(block, page, data, nil); err != nil {
			return err
		}
		t.Sealed = true
		return c.writeSpare(block, page, t)
	}

	// Step 1: spare with the page marked not yet valid.
	t.Sealed = false
	if err := c.writeSpare(block, page, t); err != nil {
		return err
	}

	// Step 2: page data.
	var eccIn []byte
	if c.Attr.ECCOpt == ECCHW {
		eccIn = data[usable:]
	}
	if err := c.Ops.WritePageData(block, page, data, eccIn); err != nil {
		return err
	}

	// Step 3: reseal the spare.
	t.Sealed = true
	return c.writeSpare(block, page, t)
}

func (c *Chip) writeSpare(block, page int, t *tag.Tag) error {
	spare := make([]byte, c.Attr.SpareSize)
	fill(spare, 0xFF)
	enc := t.Encode(c.TagChecksum)
	tag.LayIntoSpare(spare, enc, c.Attr.BlockStatusOffset)
	return c.Ops.WritePageSpare(block, page, spare)
}

// EraseBlock erases one block. Returns ErrBadBlock if the chip reports the
// erase failed.
func (c *Chip) EraseBlock(block int) error {
	return c.Ops.EraseBlock(block)
}

// IsBadBlock reports whether the block carries a bad block mark: the driver
// says so, or the status byte of page 0 (and page 1, when double checking)
// is not 0xFF.
func (c *Chip) IsBadBlock(block int) bool {
	if bb, ok := c.Ops.(BadBlockOps); ok {
		return bb.IsBadBlock(block)
	}
	if c.statusByteBad(block, 0) {
		return true
	}
	if c.DoubleCheckBadBlock && c.Attr.PagesPerBlock > 1 {
		return c.statusByteBad(block, 1)
	}
	return false
}

func (c *Chip) statusByteBad(block, page int) bool {
	spare := make([]byte, c.Attr.SpareSize)
	if err := c.Ops.ReadPageSpare(block, page, spare); err != nil {
		// Can't even read the spare: treat as bad.
		return true
	}
	return spare[c.Attr.BlockStatusOffset] != 0xFF
}

// MarkBadBlock erases the block (best effort) and writes a non-0xFF byte at
// the status offset of page 0.
func (c *Chip) MarkBadBlock(block int) error {
	if bb, ok := c.Ops.(BadBlockOps); ok {
		return bb.MarkBadBlock(block)
	}
	c.Ops.EraseBlock(block) // best effort; the block is bad either way
	spare := make([]byte, c.Attr.SpareSize)
	fill(spare, 0xFF)
	spare[c.Attr.BlockStatusOffset] = 0x00
	return c.Ops.WritePageSpare(block, 0, spare)
}

// CheckErased verifies that every page of the block shows the erased tag
// pattern. Used before handing out erased-list blocks that were classified
// lazily at mount.
func (c *Chip) CheckErased(block int) error {
	for page := 0; page < c.Attr.PagesPerBlock; page++ {
		t, _, err := c.ReadTag(block, page)
		if err != nil {
			return err
		}
		if !t.IsErased() {
			return fmt.Errorf("block %d page %d not erased", block, page)
		}
	}
	return nil
}

// miniHeaderSize is how much of the page data head the clean check reads.
const miniHeaderSize = 4

// PageDataClean reads the first bytes of the page data area; a page never
// programmed reads 0xFF there. This catches pages that were interrupted
// before the tag was written.
func (c *Chip) PageDataClean(block, page int) (bool, error) {
	head := make([]byte, miniHeaderSize)
	if err := c.Ops.ReadPageData(block, page, head, nil); err != nil {
		return false, err
	}
	return head[0] == 0xFF, nil
}
