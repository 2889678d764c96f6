package store

import (
	"fmt"

	"github.com/nandfs/nandfs/internal/tag"
)

type bufMark int

const (
	bufEmpty bufMark = iota
	bufValid
	bufDirty
)

const noBuf = -1

// Buf is one page-sized buffer. While dirty it is linked into exactly one
// dirty group; clone buffers live outside the pool lists entirely (they are
// a distinct state, not a sentinel refcount).
type Buf struct {
	Type   tag.Type
	Parent uint16
	Serial uint16
	PageID uint16

	// DataLen is the number of valid payload bytes.
	DataLen int

	// Data spans the whole page data area; the payload is
	// Data[:UsableSize], the ECC region the tail.
	Data []byte

	mark     bufMark
	clone    bool
	refCount int

	idx        int
	prev, next int
	prevDirty  int
	nextDirty  int
}

type dirtyGroup struct {
	head  int
	count int
}

// bufPool is the bounded LRU page buffer pool. Most recently used at the
// head; the allocator scans from the head for a non-dirty, unreferenced
// victim.
type bufPool struct {
	bufs   []Buf
	head   int
	tail   int
	groups []dirtyGroup
}

func (p *bufPool) init(d *Device, max, ngroups int) {
	p.bufs = make([]Buf, max)
	backing := make([]byte, max*d.Attr.PageDataSize)
	for i := range p.bufs {
		b := &p.bufs[i]
		b.idx = i
		b.Data = backing[i*d.Attr.PageDataSize : (i+1)*d.Attr.PageDataSize]
		b.mark = bufEmpty
		b.prevDirty, b.nextDirty = noBuf, noBuf
		b.prev = i - 1
		b.next = i + 1
	}
	p.bufs[max-1].next = noBuf
	p.head = 0
	p.tail = max - 1
	p.groups = make([]dirtyGroup, ngroups)
	for i := range p.groups {
		p.groups[i].head = noBuf
	}
}

func (p *bufPool) buf(i int) *Buf {
	if i == noBuf {
		return nil
	}
	return &p.bufs[i]
}

func (p *bufPool) unlink(b *Buf) {
	if b.next != noBuf {
		p.buf(b.next).prev = b.prev
	}
	if b.prev != noBuf {
		p.buf(b.prev).next = b.next
	}
	if p.head == b.idx {
		p.head = b.next
	}
	if p.tail == b.idx {
		p.tail = b.prev
	}
	b.prev, b.next = noBuf, noBuf
}

func (p *bufPool) linkHead(b *Buf) {
	if p.head == b.idx {
		return
	}
	b.prev = noBuf
	b.next = p.head
	if p.head != noBuf {
		p.buf(p.head).prev = b.idx
	}
	if p.tail == noBuf {
		p.tail = b.idx
	}
	p.head = b.idx
}

func (p *bufPool) linkTail(b *Buf) {
	if p.tail == b.idx {
		return
	}
	b.prev = p.tail
	b.next = noBuf
	if p.tail != noBuf {
		p.buf(p.tail).next = b.idx
	}
	if p.head == noBuf {
		p.head = b.idx
	}
	p.tail = b.idx
}

func (p *bufPool) moveToHead(b *Buf) {
	if p.head == b.idx {
		return
	}
	p.unlink(b)
	p.linkHead(b)
}

func (p *bufPool) allFree() bool {
	for i := p.head; i != noBuf; i = p.buf(i).next {
		if p.buf(i).refCount != 0 {
			return false
		}
	}
	return true
}

func (p *bufPool) findFree() *Buf {
	for i := p.head; i != noBuf; i = p.buf(i).next {
		b := p.buf(i)
		if b.refCount == 0 && b.mark != bufDirty {
			return b
		}
	}
	return nil
}

// group slot helpers

func (p *bufPool) findGroupSlot(parent, serial uint16) int {
	for i := range p.groups {
		if p.groups[i].head != noBuf {
			b := p.buf(p.groups[i].head)
			if b.Parent == parent && b.Serial == serial {
				return i
			}
		}
	}
	return -1
}

func (p *bufPool) findFreeGroupSlot() int {
	for i := range p.groups {
		if p.groups[i].head == noBuf {
			return i
		}
	}
	return -1
}

func (p *bufPool) mostDirtyGroup() int {
	slot, max := -1, 0
	for i := range p.groups {
		if p.groups[i].head != noBuf && p.groups[i].count > max {
			max = p.groups[i].count
			slot = i
		}
	}
	return slot
}

func (p *bufPool) linkDirty(slot int, b *Buf) {
	g := &p.groups[slot]
	b.mark = bufDirty
	b.prevDirty = noBuf
	b.nextDirty = g.head
	if g.head != noBuf {
		p.buf(g.head).prevDirty = b.idx
	}
	g.head = b.idx
	g.count++
}

func (p *bufPool) breakDirty(b *Buf) error {
	if b.mark != bufDirty {
		return fmt.Errorf("buffer (%d,%d,%d) not dirty", b.Parent, b.Serial, b.PageID)
	}
	slot := p.findGroupSlot(b.Parent, b.Serial)
	if slot < 0 {
		return fmt.Errorf("no dirty group for (%d,%d)", b.Parent, b.Serial)
	}
	g := &p.groups[slot]
	if b.nextDirty != noBuf {
		p.buf(b.nextDirty).prevDirty = b.prevDirty
	}
	if b.prevDirty != noBuf {
		p.buf(b.prevDirty).nextDirty = b.nextDirty
	}
	if g.head == b.idx {
		g.head = b.nextDirty
	}
	b.prevDirty, b.nextDirty = noBuf, noBuf
	g.count--
	return nil
}

func (p *bufPool) findInGroup(slot int, pageID uint16) *Buf {
	for i := p.groups[slot].head; i != noBuf; i = p.buf(i).nextDirty {
		if p.buf(i).PageID == pageID {
			return p.buf(i)
		}
	}
	return nil
}

func (p *bufPool) minPageIDInGroup(slot int) *Buf {
	best := p.buf(p.groups[slot].head)
	for i := best.nextDirty; i != noBuf; i = p.buf(i).nextDirty {
		if p.buf(i).PageID < best.PageID {
			best = p.buf(i)
		}
	}
	return best
}

// BufFind returns the pool buffer for (parent, serial, pageID) iff present
// and non-empty; no refcount change.
func (d *Device) BufFind(parent, serial, pageID uint16) *Buf {
	p := &d.bufs
	for i := p.head; i != noBuf; i = p.buf(i).next {
		b := p.buf(i)
		if b.Parent == parent && b.Serial == serial && b.PageID == pageID && b.mark != bufEmpty {
			return b
		}
	}
	return nil
}

// BufGet is BufFind plus a reference and an LRU touch.
func (d *Device) BufGet(parent, serial, pageID uint16) *Buf {
	b := d.BufFind(parent, serial, pageID)
	if b != nil {
		b.refCount++
		d.bufs.moveToHead(b)
	}
	return b
}

// BufNew allocates a fresh, empty buffer for a page that does not exist on
// flash yet. The caller fills it through BufWrite and puts it back.
func (d *Device) BufNew(typ tag.Type, parent, serial, pageID uint16) (*Buf, error) {
	if b := d.BufGet(parent, serial, pageID); b != nil {
		if b.refCount > 1 {
			d.Log.Errorf("new buffer (%d,%d,%d) already referenced %d times", parent, serial, pageID, b.refCount)
		} else {
			b.DataLen = 0
		}
		return b, nil
	}
	b, err := d.victimBuf()
	if err != nil {
		return nil, err
	}
	b.mark = bufEmpty
	b.Type = typ
	b.Parent = parent
	b.Serial = serial
	b.PageID = pageID
	b.DataLen = 0
	b.refCount++
	for i := range b.Data {
		b.Data[i] = 0xFF
	}
	d.bufs.moveToHead(b)
	return b, nil
}

// victimBuf finds a reusable buffer, flushing a dirty group if every clean
// buffer is referenced.
func (d *Device) victimBuf() (*Buf, error) {
	b := d.bufs.findFree()
	if b == nil {
		if slot := d.bufs.mostDirtyGroup(); slot >= 0 {
			if err := d.flushSlot(slot, false); err != nil {
				return nil, err
			}
		}
		b = d.bufs.findFree()
		if b == nil {
			return nil, fmt.Errorf("no free page buffer")
		}
	}
	return b, nil
}

// BufGetEx returns the buffer for one logical page of a tree node, loading
// it from flash on a miss.
func (d *Device) BufGetEx(typ tag.Type, node *TreeNode, pageID uint16) (*Buf, error) {
	parent, serial := node.Parent, node.Serial
	if b := d.BufFind(parent, serial, pageID); b != nil {
		b.refCount++
		d.bufs.moveToHead(b)
		return b, nil
	}

	b, err := d.victimBuf()
	if err != nil {
		return nil, err
	}

	bc := d.BlockInfoGet(node.Block)
	page := d.findPageWithID(bc, pageID)
	if page == InvalidPage {
		d.BlockInfoPut(bc)
		return nil, fmt.Errorf("no page with id %d in block %d", pageID, node.Block)
	}
	page = d.findBestPage(bc, page)
	dataLen := int(bc.Tag(page).DataLen)
	d.BlockInfoPut(bc)

	b.mark = bufEmpty
	b.Type = typ
	b.Parent = parent
	b.Serial = serial
	b.PageID = pageID

	if err := d.loadPageToBuf(b, node.Block, page); err != nil {
		return nil, err
	}
	b.DataLen = dataLen
	if b.DataLen > d.UsableSize() {
		b.DataLen = d.UsableSize()
	}
	b.refCount++
	d.bufs.moveToHead(b)
	return b, nil
}

// loadPageToBuf reads a physical page into the buffer with ECC checking. A
// correction schedules the block for recovery; an uncorrectable error does
// too, and fails.
func (d *Device) loadPageToBuf(b *Buf, block uint16, page int) error {
	corrected, err := d.Chip.ReadPage(int(block), page, b.Data)
	if err != nil {
		b.mark = bufEmpty
		if isECCErr(err) {
			d.badBlockAdd(block, pendingRecover)
		}
		return err
	}
	if corrected > 0 {
		d.Log.Infof("block %d page %d corrected by ecc (%d bits)", block, page, corrected)
		d.badBlockAdd(block, pendingRecover)
	}
	b.mark = bufValid
	return nil
}

// loadPageToBufRaw loads without failing on ECC errors; used by bad block
// recovery, which salvages what it can.
func (d *Device) loadPageToBufRaw(b *Buf, block uint16, page int) error {
	if err := d.Chip.ReadPageRaw(int(block), page, b.Data); err != nil {
		b.mark = bufEmpty
		return err
	}
	b.mark = bufValid
	return nil
}

// BufPut drops one reference.
func (d *Device) BufPut(b *Buf) {
	if b.refCount == 0 {
		d.Log.Error("putting an unused page buffer")
		return
	}
	b.refCount--
}

// BufClone takes a buffer off the LRU for private use (block recovery walks
// pages through one). src may be nil for an uninitialised clone. Release
// with BufFreeClone, never BufPut.
func (d *Device) BufClone(src *Buf) (*Buf, error) {
	b := d.bufs.findFree()
	if b == nil {
		return nil, fmt.Errorf("no free page buffer for clone")
	}
	d.bufs.unlink(b)
	if src != nil {
		b.Type = src.Type
		b.Parent = src.Parent
		b.Serial = src.Serial
		b.PageID = src.PageID
		b.DataLen = src.DataLen
		copy(b.Data, src.Data)
	}
	b.prevDirty, b.nextDirty = noBuf, noBuf
	b.clone = true
	return b, nil
}

// BufFreeClone returns a clone to the pool.
func (d *Device) BufFreeClone(b *Buf) {
	if b == nil {
		return
	}
	if !b.clone {
		d.Log.Error("freeing a non-clone page buffer")
		return
	}
	b.clone = false
	b.refCount = 0
	b.mark = bufEmpty
	d.bufs.linkTail(b)
}

// BufMarkEmpty discards buffer contents (truncate drops tail pages with it).
func (d *Device) BufMarkEmpty(b *Buf) {
	if b.mark == bufDirty {
		if err := d.bufs.breakDirty(b); err != nil {
			d.Log.Errorf("discarding dirty buffer: %v", err)
		}
	}
	b.mark = bufEmpty
}

// BufIsFree reports whether nothing holds the buffer.
func (d *Device) BufIsFree(b *Buf) bool { return b.refCount == 0 }

// BufWrite copies data into the buffer at ofs and links the buffer into the
// dirty group of its object, allocating a group (flushing if none is free)
// and auto-flushing the group when it reaches the dirty page budget.
func (d *Device) BufWrite(b *Buf, data []byte, ofs int) error {
	if ofs+len(data) > d.UsableSize() {
		return fmt.Errorf("write beyond page: %d+%d > %d", ofs, len(data), d.UsableSize())
	}

	slot := d.bufs.findGroupSlot(b.Parent, b.Serial)
	if slot < 0 {
		slot = d.bufs.findFreeGroupSlot()
		if slot < 0 {
			if err := d.BufFlushMostDirty(); err != nil {
				return err
			}
			slot = d.bufs.findFreeGroupSlot()
			if slot < 0 {
				return fmt.Errorf("no free dirty group")
			}
		}
	}

	copy(b.Data[ofs:], data)
	if ofs+len(data) > b.DataLen {
		b.DataLen = ofs + len(data)
	}

	if b.mark != bufDirty {
		d.bufs.linkDirty(slot, b)
	}

	if d.bufs.groups[slot].count >= d.cfg.MaxDirtyPages {
		return d.BufFlushGroup(b.Parent, b.Serial)
	}
	return nil
}

// BufRead copies out of the buffer, bounded by the page payload.
func (d *Device) BufRead(b *Buf, data []byte, ofs int) int {
	usable := d.UsableSize()
	if ofs >= usable {
		return 0
	}
	n := len(data)
	if ofs+n > usable {
		n = usable - ofs
	}
	copy(data[:n], b.Data[ofs:])
	return n
}
