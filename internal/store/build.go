package store

import (
	"fmt"

	"github.com/nandfs/nandfs/internal/tag"
)

// Build constructs the in-memory tree from flash. Three passes: classify
// every block from its page 0 tag, rotate the erased list for wear
// levelling, then sweep for orphans and derive file lengths. Pending bad
// blocks found along the way are drained before Build returns.
func (d *Device) Build() error {
	if err := d.buildStepOne(); err != nil {
		return fmt.Errorf("build step one: %w", err)
	}
	if d.HasBadBlock() {
		d.RecoverBadBlocks()
	}
	d.buildStepTwo()
	d.buildStepThree()
	if d.HasBadBlock() {
		d.RecoverBadBlocks()
	}
	d.Log.Infof("mounted: %d erased, %d bad, max serial %d",
		d.tree.erasedNum, d.tree.badNum, d.tree.maxSerial)
	return nil
}

// processPendingNode handles a block that scanning queued as pending:
// cleanup means erase it back to the pool, mark-bad means retire it. Returns
// false if the block is not pending (or is recoverable later).
func (d *Device) processPendingNode(n *TreeNode, block uint16) bool {
	p := d.badBlockPending(block)
	if p == nil {
		return false
	}
	switch p.mark {
	case pendingCleanup:
		n.Block = block
		d.clearPending(block)
		d.ReclaimBlock(n)
		return true
	case pendingMarkBad:
		n.Block = block
		d.processBadNode(n)
		return true
	}
	// pendingRecover is handled after the build by RecoverBadBlocks.
	return false
}

func (d *Device) buildStepOne() error {
	var nDir, nFile, nData int

	for block := d.Start; block <= d.End; block++ {
		bc := d.BlockInfoGet(uint16(block))
		node := d.tree.allocNode()
		if node == nil {
			d.BlockInfoPut(bc)
			return fmt.Errorf("tree node pool exhausted at block %d", block)
		}

		switch {
		case d.Chip.IsBadBlock(block):
			node.Block = uint16(block)
			d.insertToBadList(node)
			d.Log.Infof("found bad block %d", block)

		case d.isPageErased(bc, 0):
			// Page 0 tag erased; make sure the data area is clean too
			// before trusting it.
			clean, err := d.Chip.PageDataClean(block, 0)
			if err != nil {
				d.BlockInfoPut(bc)
				return fmt.Errorf("reading page head of block %d: %w", block, err)
			}
			node.Block = uint16(block)
			if !clean {
				d.Log.Infof("block %d: erased tag but unclean page 0, erasing", block)
				if err := d.Chip.EraseBlock(block); err != nil {
					d.processBadNodeFromErase(node)
					break
				}
				d.insertToErasedListTailEx(node, 0)
				break
			}
			// Clean page 0 does not prove the rest of the block is; verify
			// lazily on allocation.
			d.insertToErasedListTailEx(node, 1)

		default:
			if d.processPendingNode(node, uint16(block)) {
				break
			}
			if err := d.scanUncleanPages(bc); err != nil {
				d.BlockInfoPut(bc)
				return err
			}
			if d.processPendingNode(node, uint16(block)) {
				break
			}
			typ, err := d.buildLiveNode(node, bc)
			if err != nil {
				d.BlockInfoPut(bc)
				return err
			}
			switch typ {
			case tag.TypeDir:
				nDir++
			case tag.TypeFile:
				nFile++
			case tag.TypeData:
				nData++
			}
		}
		d.BlockInfoPut(bc)
	}

	d.Log.Infof("scan: DIR %d, FILE %d, DATA %d", nDir, nFile, nData)
	return nil
}

func (d *Device) processBadNodeFromErase(n *TreeNode) {
	d.Log.Infof("new bad block %d discovered", n.Block)
	d.markBadNode(n)
}

// scanUncleanPages looks for the crash signature in a used block: a page
// whose tag never got sealed, or whose tag is erased but whose data area is
// not. Scans backwards; valid blocks keep their free pages at the tail, so
// this usually reads one spare.
func (d *Device) scanUncleanPages(bc *BlockInfo) error {
	for page := d.Attr.PagesPerBlock - 1; page > 0; page-- {
		loadErr := d.BlockInfoLoad(bc, page)
		if loadErr == nil {
			t := bc.Tag(page)
			if t.IsCommitted() {
				return nil // sealed tail, block is fine
			}
			if t.Used && !t.Sealed {
				// Interrupted between data write and commit.
				d.Log.Infof("unclean page found, block %d page %d", bc.Block, page)
				d.badBlockAdd(bc.Block, pendingCleanup)
				return nil
			}
		} else {
			// The spare will not read: most likely a grown bad block.
			d.Log.Infof("bad page found, block %d page %d", bc.Block, page)
			d.badBlockAdd(bc.Block, pendingRecover)
			return nil
		}

		// Erased tag. The data area has to be clean too.
		clean, err := d.Chip.PageDataClean(int(bc.Block), page)
		if err != nil {
			return err
		}
		if !clean {
			d.Log.Infof("unclean page found, block %d page %d", bc.Block, page)
			d.badBlockAdd(bc.Block, pendingCleanup)
			return nil
		}
	}
	return nil
}

// buildLiveNode classifies a used block from its page 0 tag and inserts it
// into the tree, resolving generation conflicts against an alternate block
// holding the same object.
func (d *Device) buildLiveNode(node *TreeNode, bc *BlockInfo) (tag.Type, error) {
	if err := d.BlockInfoLoad(bc, 0); err != nil {
		if d.processPendingNode(node, bc.Block) {
			return tag.TypeInvalid, nil
		}
		return tag.TypeInvalid, err
	}
	t := bc.Tag(0)

	if !t.Used {
		return tag.TypeInvalid, fmt.Errorf("block %d: first page clean in a non-erased block", bc.Block)
	}

	if !t.IsCommitted() || !bc.TagSane(0) {
		d.Log.Infof("block %d: first page invalid, erasing", bc.Block)
		node.Block = bc.Block
		d.ReclaimBlock(node)
		return tag.TypeInvalid, nil
	}

	block := bc.Block
	typ, parent, serial := t.Type, t.Parent, t.Serial

	if alt := d.findFromTree(typ, parent, serial); alt != nil {
		// Two blocks carry the same object: the newer generation wins, the
		// loser is erased back to the pool.
		altBc := d.BlockInfoGet(alt.Block)
		if err := d.BlockInfoLoad(altBc, 0); err != nil {
			d.BlockInfoPut(altBc)
			return tag.TypeInvalid, err
		}
		d.Log.Infof("block %d vs %d: duplicate %v (%d,%d)", block, alt.Block, typ, parent, serial)

		if tag.IsSrcNewer(t.BlockTS, altBc.Tag(0).BlockTS) {
			// This block is newer: replace the alternate in the tree and
			// retire the alternate's block through our fresh node.
			loser := alt.Block
			d.BreakFromTree(typ, alt)
			oldNode := alt
			node.Block = loser
			d.ReclaimBlock(node)
			node = oldNode
		} else {
			if t.BlockTS == altBc.Tag(0).BlockTS {
				d.Log.Errorf("blocks %d and %d share generation %d; device goes read-only", block, alt.Block, t.BlockTS)
				d.readOnly = true
			}
			// The alternate stays; this block is stale.
			d.BlockInfoPut(altBc)
			node.Block = block
			d.ReclaimBlock(node)
			return tag.TypeInvalid, nil
		}
		d.BlockInfoPut(altBc)
	}

	var sum uint16
	if typ == tag.TypeDir || typ == tag.TypeFile {
		s, err := d.readNameSum(bc)
		if err != nil {
			if d.processPendingNode(node, block) {
				return tag.TypeInvalid, nil
			}
			return tag.TypeInvalid, err
		}
		sum = s
	}

	node.Block = block
	node.Parent = parent
	node.Serial = serial
	node.Sum = sum
	node.Len = 0
	switch typ {
	case tag.TypeFile:
		node.Len = uint32(d.blockDataLength(bc, blockLenFile))
	case tag.TypeData:
		node.Len = uint32(d.blockDataLength(bc, blockLenData))
	}
	d.InsertNodeToTree(typ, node)
	return typ, nil
}

// readNameSum loads the FileInfo from the authoritative page 0 and computes
// the name checksum for the node.
func (d *Device) readNameSum(bc *BlockInfo) (uint16, error) {
	page := d.findPageWithID(bc, 0)
	if page == InvalidPage {
		return 0, fmt.Errorf("block %d: no page with id 0", bc.Block)
	}
	page = d.findBestPage(bc, page)

	clone, err := d.BufClone(nil)
	if err != nil {
		return 0, err
	}
	defer d.BufFreeClone(clone)
	if err := d.loadPageToBuf(clone, bc.Block, page); err != nil {
		return 0, err
	}
	fi, err := tag.DecodeFileInfo(clone.Data)
	if err != nil {
		return 0, fmt.Errorf("block %d: %v", bc.Block, err)
	}
	return fi.NameSum(), nil
}

// buildStepTwo rotates the erased list by a wall-clock modulus so allocation
// does not always start at the lowest-numbered block.
func (d *Device) buildStepTwo() {
	if d.tree.erasedNum == 0 {
		return
	}
	rot := int(d.now()) % (d.tree.erasedNum + 1)
	for i := 0; i < rot; i++ {
		n := d.popErasedNoCheck()
		if n == nil {
			return
		}
		d.insertToErasedListTailEx(n, -1)
	}
}

// buildStepThree is the consistency sweep: orphan directories, files with a
// missing highest data block, orphan files, orphan data blocks; surviving
// data blocks contribute their length to their file.
func (d *Device) buildStepThree() {
	d.cleanOrphanDirs()
	d.cleanBrokenFiles()
	d.cleanOrphanFiles()
	d.sumAndCleanData()
}

func (d *Device) cleanOrphanDirs() {
	d.tree.dirs.scan(&d.tree, func(n *TreeNode) bool {
		if n.Parent == RootDirSerial || d.FindDirNode(n.Parent) != nil {
			return true
		}
		d.Log.Infof("orphan directory block %d (parent %d, serial %d), erasing",
			n.Block, n.Parent, n.Serial)
		d.BreakFromTree(tag.TypeDir, n)
		d.ReclaimBlock(n)
		return true
	})
}

func (d *Device) dataMaxSerial(parent uint16) uint16 {
	var max uint16
	d.tree.datas.scan(&d.tree, func(n *TreeNode) bool {
		if n.Parent == parent && n.Serial > max {
			max = n.Serial
		}
		return true
	})
	return max
}

// cleanBrokenFiles erases FILE nodes whose data-block chain has a hole; a
// file with a missing middle cannot be represented.
func (d *Device) cleanBrokenFiles() {
	d.tree.files.scan(&d.tree, func(n *TreeNode) bool {
		for fdn := d.dataMaxSerial(n.Serial); fdn > 0; fdn-- {
			if d.FindDataNode(n.Serial, fdn) != nil {
				continue
			}
			d.Log.Infof("file block %d (serial %d) missing DATA %d, erasing",
				n.Block, n.Serial, fdn)
			d.BreakFromTree(tag.TypeFile, n)
			d.ReclaimBlock(n)
			break
		}
		return true
	})
}

func (d *Device) cleanOrphanFiles() {
	d.tree.files.scan(&d.tree, func(n *TreeNode) bool {
		if n.Parent == RootDirSerial || d.FindDirNode(n.Parent) != nil {
			return true
		}
		d.Log.Infof("orphan file block %d (parent %d, serial %d), erasing",
			n.Block, n.Parent, n.Serial)
		d.BreakFromTree(tag.TypeFile, n)
		d.ReclaimBlock(n)
		return true
	})
}

func (d *Device) sumAndCleanData() {
	d.tree.datas.scan(&d.tree, func(n *TreeNode) bool {
		file := d.FindFileNode(n.Parent)
		if file == nil {
			d.Log.Infof("orphan data block %d (parent %d, serial %d), erasing",
				n.Block, n.Parent, n.Serial)
			d.BreakFromTree(tag.TypeData, n)
			d.ReclaimBlock(n)
			return true
		}
		file.Len += n.Len
		return true
	})
}
