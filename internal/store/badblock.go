package store

import (
	"github.com/nandfs/nandfs/internal/tag"
)

// pendingMark records what should happen to a pending bad block at the next
// safe point.
type pendingMark int

const (
	// pendingCleanup: the block holds a half-written page; erase it back to
	// the free pool.
	pendingCleanup pendingMark = iota

	// pendingRecover: the block holds live data that still reads (possibly
	// only after ECC correction); copy it forward, then mark the block bad.
	pendingRecover

	// pendingMarkBad: the block is unusable; mark it bad outright.
	pendingMarkBad
)

type pendingBlock struct {
	block uint16
	mark  pendingMark
}

// badTracker holds pending bad blocks between safe points. Outside of mount
// scanning there is at most one pending block at a time; mount may queue a
// few before draining them.
type badTracker struct {
	pending []pendingBlock
}

func (b *badTracker) init() { b.pending = b.pending[:0] }

// badBlockAdd queues a block for bad-block handling at the next safe point.
// Duplicate reports are collapsed; a stronger mark wins.
func (d *Device) badBlockAdd(block uint16, mark pendingMark) {
	for i := range d.bad.pending {
		if d.bad.pending[i].block == block {
			if mark > d.bad.pending[i].mark {
				d.bad.pending[i].mark = mark
			}
			return
		}
	}
	if len(d.bad.pending) > 0 {
		d.Log.Warnf("more than one pending bad block (%d queued while %d outstanding)",
			block, d.bad.pending[0].block)
	}
	d.bad.pending = append(d.bad.pending, pendingBlock{block: block, mark: mark})
}

func (d *Device) badBlockPending(block uint16) *pendingBlock {
	for i := range d.bad.pending {
		if d.bad.pending[i].block == block {
			return &d.bad.pending[i]
		}
	}
	return nil
}

func (d *Device) clearPending(block uint16) {
	for i := range d.bad.pending {
		if d.bad.pending[i].block == block {
			d.bad.pending = append(d.bad.pending[:i], d.bad.pending[i+1:]...)
			return
		}
	}
}

// HasBadBlock reports whether bad-block work is pending.
func (d *Device) HasBadBlock() bool { return len(d.bad.pending) > 0 }

// processBadNode marks the node's block bad, files the node on the bad list
// and clears the pending slot. The node must already be off every other
// collection.
func (d *Device) processBadNode(n *TreeNode) {
	d.clearPending(n.Block)
	d.markBadNode(n)
}

// RecoverBadBlocks drains the pending queue. A block whose data is still in
// the tree is copied forward to an erased block (ECC errors ignored: this is
// salvage), the owning node is repointed, and the bad block is marked. A
// pending block no longer referenced by the tree is only dropped from the
// queue; no bad block mark is written for it.
//
// Called at safe points: after reads and writes, at close, at the end of the
// mount build.
func (d *Device) RecoverBadBlocks() {
	for len(d.bad.pending) > 0 {
		p := d.bad.pending[0]
		if !d.recoverOneBadBlock(p.block) {
			// Could not make progress (no erased block); leave it queued
			// rather than lose data.
			return
		}
	}
}

func (d *Device) recoverOneBadBlock(block uint16) bool {
	good := d.GetErasedNode()
	if good == nil {
		d.Log.Error("no erased block to replace bad block")
		return false
	}

	bc := d.BlockInfoGet(block)
	defer d.BlockInfoPut(bc)

	salvaged := true
	goodDirty := false
	for i := 0; i < d.Attr.PagesPerBlock; i++ {
		page := d.findPageWithID(bc, uint16(i))
		if page == InvalidPage {
			break // past the last live page
		}
		page = d.findBestPage(bc, page)
		t := bc.Tag(page)

		clone, err := d.BufClone(nil)
		if err != nil {
			salvaged = false
			break
		}
		// This block is going away; salvage what reads back, ECC or not.
		if err := d.loadPageToBufRaw(clone, block, page); err != nil {
			d.BufFreeClone(clone)
			salvaged = false
			break
		}
		clone.Type = t.Type
		clone.Parent = t.Parent
		clone.Serial = t.Serial
		clone.PageID = uint16(t.PageID)
		clone.DataLen = int(t.DataLen)
		if clone.DataLen > d.UsableSize() {
			clone.DataLen = d.UsableSize()
		}

		nt := *t
		nt.BlockTS = tag.NextTimeStamp(t.BlockTS)
		nt.PageID = uint8(i)
		err = d.Chip.WritePage(int(good.Block), i, clone.Data, &nt)
		goodDirty = true
		d.BufFreeClone(clone)
		if err != nil {
			salvaged = false
			break
		}
	}

	if !salvaged {
		if goodDirty {
			if err := d.Chip.EraseBlock(int(good.Block)); err != nil {
				d.markBadNode(good)
				d.clearPending(block)
				return true
			}
		}
		d.InsertToErasedListTail(good)
		// Can't move the data. Leave it in place and stop reporting the
		// block; the next failed read will surface as an I/O error.
		d.Log.Errorf("bad block %d could not be recovered", block)
		d.clearPending(block)
		return true
	}

	node, region := d.findNodeByBlock(block, regionDir|regionFile|regionData)
	if node != nil {
		node.Block = good.Block
		d.Log.Infof("bad block %d replaced by %d (%v)", block, good.Block, region)
		d.BlockInfoExpire(bc, AllPages)
		good.Block = block
		d.processBadNode(good)
		return true
	}

	// The reported block is not in the tree (already superseded); undo the
	// copy and just retire the pending entry.
	if goodDirty {
		if err := d.Chip.EraseBlock(int(good.Block)); err != nil {
			d.markBadNode(good)
			d.clearPending(block)
			return true
		}
	}
	d.InsertToErasedListTail(good)
	d.clearPending(block)
	return true
}
