package store

import (
	"errors"
	"fmt"
)

// Format erases every block of the device range and rebuilds an empty tree.
// Buffers and block-info entries must be free. Blocks that refuse a plain
// erase go through the write/verify probe and are marked bad if they fail
// it.
func (d *Device) Format() error {
	if !d.bufs.allFree() {
		return errors.New("page buffers still in use")
	}
	for slot := range d.bufs.groups {
		if d.bufs.groups[slot].head != noBuf {
			return errors.New("dirty pages not flushed")
		}
	}
	for i := range d.bufs.bufs {
		d.bufs.bufs[i].mark = bufEmpty
	}

	if !d.bc.allFree() {
		return errors.New("block info entries still in use")
	}
	d.ExpireAllBlockInfo()

	for block := d.Start; block <= d.End; block++ {
		if d.Chip.IsBadBlock(block) {
			// Leave the mark in place; the build files it on the bad list.
			continue
		}
		if err := d.Chip.EraseBlock(block); err != nil {
			if isBadBlockErr(err) {
				d.forceFormatBlock(block)
				continue
			}
			return fmt.Errorf("erase block %d: %v", block, err)
		}
	}

	d.tree.init(d.blockCount())
	d.bad.init()
	d.readOnly = false
	if err := d.Build(); err != nil {
		return err
	}
	return nil
}

// forceFormatBlock probes a suspect block: program all-zero pages and verify,
// erase and verify all-0xFF. Any miscompare marks the block bad.
func (d *Device) forceFormatBlock(block int) {
	pageSize := d.Attr.PageDataSize
	spareSize := d.Attr.SpareSize
	data := make([]byte, pageSize)
	spare := make([]byte, spareSize)

	bad := func() {
		if err := d.Chip.MarkBadBlock(block); err != nil {
			d.Log.Errorf("marking block %d bad: %v", block, err)
		}
	}

	// Pass 1: erase, program all-zero, verify.
	if err := d.Chip.EraseBlock(block); err != nil {
		bad()
		return
	}
	for p := 0; p < d.Attr.PagesPerBlock; p++ {
		for i := range data {
			data[i] = 0
		}
		for i := range spare {
			spare[i] = 0
		}
		if err := d.Chip.Ops.WritePageData(block, p, data, nil); err != nil {
			bad()
			return
		}
		if err := d.Chip.Ops.WritePageSpare(block, p, spare); err != nil {
			bad()
			return
		}
	}
	for p := 0; p < d.Attr.PagesPerBlock; p++ {
		if err := d.Chip.Ops.ReadPageData(block, p, data, nil); err != nil {
			bad()
			return
		}
		if err := d.Chip.Ops.ReadPageSpare(block, p, spare); err != nil {
			bad()
			return
		}
		for _, b := range data {
			if b != 0 {
				bad()
				return
			}
		}
		for _, b := range spare {
			if b != 0 {
				bad()
				return
			}
		}
	}

	// Pass 2: erase, verify all-0xFF.
	if err := d.Chip.EraseBlock(block); err != nil {
		bad()
		return
	}
	for p := 0; p < d.Attr.PagesPerBlock; p++ {
		if err := d.Chip.Ops.ReadPageData(block, p, data, nil); err != nil {
			bad()
			return
		}
		if err := d.Chip.Ops.ReadPageSpare(block, p, spare); err != nil {
			bad()
			return
		}
		for _, b := range data {
			if b != 0xFF {
				bad()
				return
			}
		}
		for _, b := range spare {
			if b != 0xFF {
				bad()
				return
			}
		}
	}
}
