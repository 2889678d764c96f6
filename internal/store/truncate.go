package store

import (
	"errors"
	"fmt"

	"github.com/nandfs/nandfs/internal/tag"
)

// ErrBufferHeld reports that a truncate cannot proceed because another
// object still references a buffer of the affected range.
var ErrBufferHeld = errors.New("buffer still referenced")

// TruncateBlockCover rewrites one block of a file through a block cover so
// that data beyond remain is dropped: full pages before the cut are copied,
// the page straddling it is rewritten with a shortened data_len and a zeroed
// tail, pages past it are not carried over.
//
// fdn selects the block (0 = the file head block, else the DATA block
// index); headPages and blockStart describe the file geometry; remain is the
// target file length in bytes. With dryRun only the buffer-reference check
// runs; nothing is written.
func (d *Device) TruncateBlockCover(fnode *TreeNode, fdn uint16, headPages int, blockStart uint32, remain uint32, dryRun bool) error {
	var (
		node      *TreeNode
		typ       tag.Type
		maxPageID int
	)
	groupParent, groupSerial := fnode.Parent, fnode.Serial
	if fdn == 0 {
		node = fnode
		typ = tag.TypeFile
		maxPageID = headPages
	} else {
		node = d.FindDataNode(fnode.Serial, fdn)
		if node == nil {
			return fmt.Errorf("no data node (%d,%d)", fnode.Serial, fdn)
		}
		typ = tag.TypeData
		maxPageID = d.Attr.PagesPerBlock - 1
		groupParent, groupSerial = fnode.Serial, fdn
	}

	if dryRun {
		for pageID := 0; pageID <= maxPageID; pageID++ {
			if b := d.BufFind(groupParent, groupSerial, uint16(pageID)); b != nil && !d.BufIsFree(b) {
				return ErrBufferHeld
			}
		}
		return nil
	}

	// Pending writes must reach flash before the cover reads the block back.
	if err := d.BufFlushGroup(groupParent, groupSerial); err != nil {
		return err
	}

	bc := d.BlockInfoGet(node.Block)
	defer func() {
		d.BlockInfoExpire(bc, AllPages)
		d.BlockInfoPut(bc)
	}()

	newNode := d.GetErasedNode()
	if newNode == nil {
		return fmt.Errorf("no erased block for truncate")
	}
	newBlock := newNode.Block
	newBc := d.BlockInfoGet(newBlock)
	defer func() {
		d.BlockInfoExpire(newBc, AllPages)
		d.BlockInfoPut(newBc)
	}()

	ts := tag.NextTimeStamp(d.blockTimeStamp(bc))
	usable := uint32(d.UsableSize())

	var coverErr error
	for pageID := 0; pageID <= maxPageID; pageID++ {
		page := d.findPageWithID(bc, uint16(pageID))
		if page == InvalidPage {
			break // block ends before the cut
		}
		page = d.findBestPage(bc, page)
		oldTag := *bc.Tag(page)

		clone, err := d.BufClone(nil)
		if err != nil {
			coverErr = err
			break
		}
		if err := d.loadPageToBuf(clone, bc.Block, page); err != nil {
			d.BufFreeClone(clone)
			coverErr = err
			break
		}
		clone.Type = typ
		clone.Parent = oldTag.Parent
		clone.Serial = oldTag.Serial
		clone.PageID = uint16(oldTag.PageID)
		clone.DataLen = int(oldTag.DataLen)

		stop, drop := false, false
		if !(fdn == 0 && pageID == 0) {
			dataPage := uint32(pageID)
			if fdn == 0 {
				dataPage-- // head block data pages start at id 1
			}
			end := blockStart + dataPage*usable + uint32(oldTag.DataLen)
			switch {
			case remain > end:
				if int(oldTag.DataLen) != int(usable) {
					coverErr = fmt.Errorf("short page %d before the cut", pageID)
				}
			case remain < end:
				newLen := int(oldTag.DataLen) - int(end-remain)
				if newLen <= 0 {
					drop = true
					break
				}
				for i := newLen; i < int(usable); i++ {
					clone.Data[i] = 0
				}
				clone.DataLen = newLen
				stop = true
			}
		}
		if coverErr != nil || drop {
			d.BufFreeClone(clone)
			break
		}

		t := tag.Tag{
			Type:    typ,
			BlockTS: ts,
			PageID:  uint8(pageID),
			Parent:  clone.Parent,
			Serial:  clone.Serial,
			DataLen: uint16(clone.DataLen),
			DataSum: d.dataSum(clone),
		}
		err = d.commitPage(newBc, pageID, &t, clone)
		d.BufFreeClone(clone)
		if err != nil {
			coverErr = err
			break
		}
		if stop {
			break
		}
	}

	if coverErr != nil {
		if err := d.Chip.EraseBlock(int(newBlock)); err != nil {
			d.markBadNode(newNode)
		} else {
			d.InsertToErasedListTail(newNode)
		}
		return coverErr
	}

	oldBlock := node.Block
	d.SetNodeBlock(node, newBlock)
	newNode.Block = oldBlock
	d.ReclaimBlock(newNode)
	return nil
}
