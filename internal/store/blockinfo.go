package store

import (
	"fmt"

	"github.com/nandfs/nandfs/internal/tag"
)

// pageSpare is one cached page tag plus its validity.
type pageSpare struct {
	Tag tag.Tag

	// sane is false when the stored tag checksum did not verify.
	sane bool

	// expired means the cached copy must be re-read from flash before use.
	expired bool
}

// BlockInfo caches the spare array of one block. It is the only path through
// which the engine reads spares. Entries are refcounted; an entry with a
// non-zero refcount is never reclaimed.
type BlockInfo struct {
	Block uint16

	spares   []pageSpare
	expired  int
	refCount int

	prev, next *BlockInfo
}

// Tag returns the cached tag of a page. The page must have been loaded.
func (bc *BlockInfo) Tag(page int) *tag.Tag { return &bc.spares[page].Tag }

// TagSane reports whether the cached tag of a page passed its checksum.
func (bc *BlockInfo) TagSane(page int) bool { return bc.spares[page].sane }

// blockCache is the bounded LRU of BlockInfo entries; least recently used at
// the head, most recently used at the tail.
type blockCache struct {
	head, tail *BlockInfo
}

func (c *blockCache) init(d *Device, max int) {
	for i := 0; i < max; i++ {
		bc := &BlockInfo{
			Block:  InvalidBlock,
			spares: make([]pageSpare, d.Attr.PagesPerBlock),
		}
		for p := range bc.spares {
			bc.spares[p].expired = true
		}
		bc.expired = len(bc.spares)
		c.append(bc)
	}
}

func (c *blockCache) append(bc *BlockInfo) {
	bc.next = nil
	bc.prev = c.tail
	if c.tail != nil {
		c.tail.next = bc
	}
	c.tail = bc
	if c.head == nil {
		c.head = bc
	}
}

func (c *blockCache) unlink(bc *BlockInfo) {
	if bc.prev != nil {
		bc.prev.next = bc.next
	}
	if bc.next != nil {
		bc.next.prev = bc.prev
	}
	if c.head == bc {
		c.head = bc.next
	}
	if c.tail == bc {
		c.tail = bc.prev
	}
	bc.prev, bc.next = nil, nil
}

func (c *blockCache) moveToTail(bc *BlockInfo) {
	if c.tail == bc {
		return
	}
	c.unlink(bc)
	c.append(bc)
}

func (c *blockCache) allFree() bool {
	for bc := c.head; bc != nil; bc = bc.next {
		if bc.refCount != 0 {
			return false
		}
	}
	return true
}

// BlockInfoGet returns the cache entry for a block, reassigning the least
// recently used free entry on a miss. The pool is sized for the worst case;
// exhaustion is a bug, not an error.
func (d *Device) BlockInfoGet(block uint16) *BlockInfo {
	for bc := d.bc.head; bc != nil; bc = bc.next {
		if bc.Block == block {
			bc.refCount++
			d.bc.moveToTail(bc)
			return bc
		}
	}
	for bc := d.bc.head; bc != nil; bc = bc.next {
		if bc.refCount == 0 {
			bc.Block = block
			for p := range bc.spares {
				bc.spares[p].expired = true
			}
			bc.expired = len(bc.spares)
			bc.refCount = 1
			d.bc.moveToTail(bc)
			return bc
		}
	}
	panic("block info cache exhausted: pool sized too small for the workload")
}

// BlockInfoPut drops one reference.
func (d *Device) BlockInfoPut(bc *BlockInfo) {
	if bc.refCount == 0 {
		d.Log.Error("putting an unreferenced block info entry")
		return
	}
	bc.refCount--
}

// BlockInfoLoad populates the spare cache for one page, or all pages when
// page == AllPages. Loading is idempotent: pages already cached and not
// expired are not re-read.
func (d *Device) BlockInfoLoad(bc *BlockInfo, page int) error {
	if page == AllPages {
		for p := 0; p < d.Attr.PagesPerBlock; p++ {
			if err := d.loadSpare(bc, p); err != nil {
				return err
			}
		}
		return nil
	}
	if page < 0 || page >= d.Attr.PagesPerBlock {
		return fmt.Errorf("page %d out of block", page)
	}
	return d.loadSpare(bc, page)
}

func (d *Device) loadSpare(bc *BlockInfo, page int) error {
	sp := &bc.spares[page]
	if !sp.expired {
		return nil
	}
	t, sane, err := d.Chip.ReadTag(int(bc.Block), page)
	if err != nil {
		return err
	}
	sp.Tag = t
	sp.sane = sane
	sp.expired = false
	bc.expired--
	return nil
}

// BlockInfoExpire invalidates the cached spare of one page (or all pages),
// forcing the next load to re-read flash.
func (d *Device) BlockInfoExpire(bc *BlockInfo, page int) {
	if page == AllPages {
		for p := range bc.spares {
			if !bc.spares[p].expired {
				bc.spares[p].expired = true
				bc.expired++
			}
		}
		return
	}
	if !bc.spares[page].expired {
		bc.spares[page].expired = true
		bc.expired++
	}
}

// ExpireAllBlockInfo invalidates the whole cache (format does this).
func (d *Device) ExpireAllBlockInfo() {
	for bc := d.bc.head; bc != nil; bc = bc.next {
		d.BlockInfoExpire(bc, AllPages)
		bc.Block = InvalidBlock
	}
}

// blockInfoInitErased primes an entry with the erased tag pattern without
// touching flash; used when a verified erased block is handed out.
func (d *Device) blockInfoInitErased(bc *BlockInfo) {
	for p := range bc.spares {
		bc.spares[p] = pageSpare{
			Tag:  tag.Tag{Checksum: 0xFF, BlockStatus: 0xFF},
			sane: true,
		}
	}
	bc.expired = 0
}
