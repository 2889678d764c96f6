package store

import (
	"fmt"

	"github.com/nandfs/nandfs/internal/tag"
)

// dataSum returns the tag data_sum for a buffer: the name checksum for page
// 0 of a DIR or FILE block, 0 otherwise.
func (d *Device) dataSum(b *Buf) uint16 {
	if (b.Type == tag.TypeFile || b.Type == tag.TypeDir) && b.PageID == 0 {
		fi, err := tag.DecodeFileInfo(b.Data)
		if err != nil {
			d.Log.Errorf("page 0 buffer carries no FileInfo: %v", err)
			return 0
		}
		return fi.NameSum()
	}
	return 0
}

// commitPage writes one page through the three-step protocol and keeps the
// block-info cache coherent with what just reached flash.
func (d *Device) commitPage(bc *BlockInfo, page int, t *tag.Tag, b *Buf) error {
	err := d.Chip.WritePage(int(bc.Block), page, b.Data, t)
	if err != nil {
		d.BlockInfoExpire(bc, page)
		return err
	}
	sp := &bc.spares[page]
	if sp.expired {
		sp.expired = false
		bc.expired--
	}
	sp.Tag = *t
	sp.Tag.BlockStatus = 0xFF
	sp.sane = true
	return nil
}

// checkGroup validates the invariant that one dirty group serves exactly one
// object.
func (d *Device) checkGroup(slot int) error {
	g := &d.bufs.groups[slot]
	head := d.bufs.buf(g.head)
	for i := g.head; i != noBuf; i = d.bufs.buf(i).nextDirty {
		b := d.bufs.buf(i)
		if b.Parent != head.Parent || b.Serial != head.Serial {
			return fmt.Errorf("dirty group %d mixes objects (%d,%d) and (%d,%d)",
				slot, head.Parent, head.Serial, b.Parent, b.Serial)
		}
		if b.mark != bufDirty {
			return fmt.Errorf("non-dirty buffer in dirty group %d", slot)
		}
	}
	return nil
}

// retireDirty moves a flushed buffer out of its group.
func (d *Device) retireDirty(b *Buf) {
	if err := d.bufs.breakDirty(b); err != nil {
		d.Log.Errorf("retiring flushed buffer: %v", err)
		return
	}
	b.mark = bufValid
	d.bufs.moveToHead(b)
}

// flushSlot writes one dirty group to flash, choosing among the three
// strategies: a new block for an object not yet in the tree, appending into
// the tail-erased pages of the object's current block, or a block cover.
func (d *Device) flushSlot(slot int, force bool) error {
	g := &d.bufs.groups[slot]
	if g.head == noBuf {
		return nil
	}
	if err := d.checkGroup(slot); err != nil {
		return err
	}

	head := d.bufs.buf(g.head)
	node := d.findFromTree(head.Type, head.Parent, head.Serial)
	if node == nil {
		return d.flushNewBlock(slot)
	}

	bc := d.BlockInfoGet(node.Block)
	defer d.BlockInfoPut(bc)
	if err := d.BlockInfoLoad(bc, AllPages); err != nil {
		return err
	}
	free := d.freePagesCount(bc)
	if free >= g.count && !force {
		return d.flushAppend(slot, node, bc, free)
	}
	return d.flushCover(slot, node, bc)
}

// flushNewBlock writes the group to a freshly allocated erased block and
// inserts the object's node into the tree. A block that turns bad while
// being written is marked and the write restarts on another erased block.
func (d *Device) flushNewBlock(slot int) error {
	g := &d.bufs.groups[slot]
	head := d.bufs.buf(g.head)
	typ, parent, serial := head.Type, head.Parent, head.Serial

	for {
		node := d.GetErasedNode()
		if node == nil {
			return fmt.Errorf("no erased block")
		}
		bc := d.BlockInfoGet(node.Block)

		var written []*Buf
		var sum0 uint16
		var writeErr error
		for i := 0; i < d.Attr.PagesPerBlock; i++ {
			b := d.bufs.findInGroup(slot, uint16(i))
			if b == nil {
				break // gaps are only allowed at the tail
			}
			t := tag.Tag{
				Type:    typ,
				BlockTS: tag.FirstTimeStamp(),
				PageID:  uint8(i),
				Parent:  parent,
				Serial:  serial,
				DataLen: uint16(b.DataLen),
				DataSum: d.dataSum(b),
			}
			if i == 0 {
				sum0 = t.DataSum
			}
			if writeErr = d.commitPage(bc, i, &t, b); writeErr != nil {
				break
			}
			written = append(written, b)
		}

		if writeErr != nil {
			d.BlockInfoPut(bc)
			if isBadBlockErr(writeErr) {
				d.Log.Warnf("block %d went bad while writing, retrying on a fresh block", node.Block)
				d.markBadNode(node)
				continue
			}
			// The half-written block cannot host the group anymore.
			d.ReclaimBlock(node)
			return writeErr
		}

		for _, b := range written {
			d.retireDirty(b)
		}

		node.Block = bc.Block
		node.Parent = parent
		node.Serial = serial
		node.Len = 0
		switch typ {
		case tag.TypeDir, tag.TypeFile:
			node.Sum = sum0
		}
		d.InsertNodeToTree(typ, node)
		d.BlockInfoPut(bc)
		return nil
	}
}

// flushAppend writes the dirty buffers, lowest page-id first, into the next
// erased pages of the object's current block. The tree does not change. If
// the block goes bad mid-append, the remaining work is rescheduled as a
// block cover onto a fresh block.
func (d *Device) flushAppend(slot int, node *TreeNode, bc *BlockInfo, free int) error {
	g := &d.bufs.groups[slot]
	ts := d.blockTimeStamp(bc)

	for page := d.Attr.PagesPerBlock - free; g.count > 0; page++ {
		b := d.bufs.minPageIDInGroup(slot)
		t := tag.Tag{
			Type:    b.Type,
			BlockTS: ts,
			PageID:  uint8(b.PageID),
			Parent:  b.Parent,
			Serial:  b.Serial,
			DataLen: uint16(b.DataLen),
			DataSum: d.dataSum(b),
		}
		if err := d.commitPage(bc, page, &t, b); err != nil {
			if isBadBlockErr(err) {
				d.Log.Warnf("block %d went bad while appending, covering to a fresh block", bc.Block)
				d.badBlockAdd(bc.Block, pendingMarkBad)
				return d.flushCover(slot, node, bc)
			}
			return err
		}
		d.retireDirty(b)
	}
	return nil
}

// flushCover is the out-of-place update: allocate an erased block, write
// every logical page of the object to it (dirty buffer preferred, else the
// best live page of the old block), swap the node's block pointer and retire
// the old block. On failure the new block is recycled and the tree is
// untouched.
func (d *Device) flushCover(slot int, node *TreeNode, bc *BlockInfo) error {
	head := d.bufs.buf(d.bufs.groups[slot].head)
	if head == nil {
		return fmt.Errorf("cover with empty dirty group")
	}
	typ, parent, serial := head.Type, head.Parent, head.Serial
	oldPendingBad := d.badBlockPending(bc.Block) != nil

	for {
		newNode := d.GetErasedNode()
		if newNode == nil {
			return fmt.Errorf("no erased block for cover")
		}
		newBlock := newNode.Block
		newBc := d.BlockInfoGet(newBlock)
		ts := tag.NextTimeStamp(d.blockTimeStamp(bc))

		var written []*Buf
		var sum0 uint16
		var coverErr error

	pages:
		for i := 0; i < d.Attr.PagesPerBlock; i++ {
			t := tag.Tag{
				Type:    typ,
				BlockTS: ts,
				PageID:  uint8(i),
				Parent:  parent,
				Serial:  serial,
			}

			if b := d.bufs.findInGroup(slot, uint16(i)); b != nil {
				t.DataLen = uint16(b.DataLen)
				t.DataSum = d.dataSum(b)
				if i == 0 {
					sum0 = t.DataSum
				}
				if err := d.commitPage(newBc, i, &t, b); err != nil {
					coverErr = err
					break pages
				}
				written = append(written, b)
				continue
			}

			page := d.findPageWithID(bc, uint16(i))
			if page == InvalidPage {
				break // past the last live page
			}
			page = d.findBestPage(bc, page)
			oldTag := bc.Tag(page)

			clone, err := d.BufClone(nil)
			if err != nil {
				coverErr = err
				break pages
			}
			if oldPendingBad {
				err = d.loadPageToBufRaw(clone, bc.Block, page)
			} else {
				err = d.loadPageToBuf(clone, bc.Block, page)
			}
			if err != nil {
				d.BufFreeClone(clone)
				coverErr = err
				break pages
			}
			clone.Type = typ
			clone.Parent = parent
			clone.Serial = serial
			clone.PageID = uint16(oldTag.PageID)
			clone.DataLen = int(oldTag.DataLen)
			if clone.DataLen > d.UsableSize() {
				d.Log.Warnf("block %d page %d data length overflows", bc.Block, page)
				clone.DataLen = d.UsableSize()
			}

			t.DataLen = uint16(clone.DataLen)
			t.DataSum = d.dataSum(clone)
			if i == 0 {
				sum0 = t.DataSum
			}
			err = d.commitPage(newBc, i, &t, clone)
			d.BufFreeClone(clone)
			if err != nil {
				coverErr = err
				break pages
			}
		}

		if coverErr != nil {
			d.BlockInfoExpire(newBc, AllPages)
			d.BlockInfoPut(newBc)
			if isBadBlockErr(coverErr) {
				d.Log.Warnf("cover target %d went bad, retrying on a fresh block", newBlock)
				d.markBadNode(newNode)
				continue
			}
			if err := d.Chip.EraseBlock(int(newBlock)); err != nil {
				d.markBadNode(newNode)
			} else {
				d.InsertToErasedListTail(newNode)
			}
			return coverErr
		}

		for _, b := range written {
			d.retireDirty(b)
		}

		// Swap: the live node follows the object to the new block; the old
		// block retires through the node taken off the erased list, so open
		// references to the live node stay valid.
		oldBlock := bc.Block
		node.Block = newBlock
		if typ == tag.TypeDir || typ == tag.TypeFile {
			node.Sum = sum0
		}
		newNode.Block = oldBlock
		d.BlockInfoExpire(bc, AllPages)

		if d.badBlockPending(oldBlock) != nil {
			d.processBadNode(newNode)
		} else if err := d.Chip.EraseBlock(int(oldBlock)); err != nil {
			d.markBadNode(newNode)
		} else {
			d.InsertToErasedListTail(newNode)
		}

		d.BlockInfoPut(newBc)
		return nil
	}
}

// BufFlushMostDirty flushes the fullest dirty group if no group slot is
// free; used to make room.
func (d *Device) BufFlushMostDirty() error {
	if d.bufs.findFreeGroupSlot() >= 0 {
		return nil
	}
	slot := d.bufs.mostDirtyGroup()
	if slot < 0 {
		return nil
	}
	return d.flushSlot(slot, false)
}

// BufFlushGroup flushes the dirty group of one object.
func (d *Device) BufFlushGroup(parent, serial uint16) error {
	return d.BufFlushGroupEx(parent, serial, false)
}

// BufFlushGroupEx optionally forces a block cover even when the current
// block could absorb the writes (rename uses this to strand stale tags).
func (d *Device) BufFlushGroupEx(parent, serial uint16, force bool) error {
	slot := d.bufs.findGroupSlot(parent, serial)
	if slot < 0 {
		return nil
	}
	return d.flushSlot(slot, force)
}

// BufFlushMatchParent flushes every dirty group whose buffers name the given
// serial as parent (a file's DATA groups).
func (d *Device) BufFlushMatchParent(parent uint16) error {
	for slot := range d.bufs.groups {
		if d.bufs.groups[slot].head == noBuf {
			continue
		}
		if d.bufs.buf(d.bufs.groups[slot].head).Parent != parent {
			continue
		}
		if err := d.flushSlot(slot, false); err != nil {
			return err
		}
	}
	return nil
}

// BufFlushAll flushes every dirty group.
func (d *Device) BufFlushAll() error {
	for slot := range d.bufs.groups {
		if err := d.flushSlot(slot, false); err != nil {
			return err
		}
	}
	return nil
}
