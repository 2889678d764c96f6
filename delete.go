package nandfs

import (
	"fmt"

	"github.com/nandfs/nandfs/internal/tag"
)

// deleteObject removes an open object: a file is truncated to zero first so
// its DATA blocks return to the pool, a directory must be empty. The
// object's remaining block is erased and recycled.
func (o *Object) deleteObject() error {
	dev := o.dev
	if !o.opened || o.node == nil {
		return o.setErr(ErrBadFd)
	}
	if dev.ReadOnly() {
		return o.setErr(fmt.Errorf("device is read-only: %w", ErrAccess))
	}

	if o.typ == tag.TypeFile {
		if err := o.truncate(0, true); err != nil {
			return err
		}
		if err := o.truncate(0, false); err != nil {
			return err
		}
	}

	o.lockDev()
	defer func() {
		if dev.HasBadBlock() {
			dev.RecoverBadBlocks()
		}
		o.unlockDev()
		o.opened = false
	}()

	dev.SuspendSerial(o.serial)
	defer dev.ResumeSerial(o.serial)

	if o.typ == tag.TypeDir {
		if dev.FindDirNodeWithParent(o.serial) != nil || dev.FindFileNodeWithParent(o.serial) != nil {
			return o.setErr(fmt.Errorf("%q: %w", o.name, ErrNotEmpty))
		}
	}

	if err := dev.BufFlushAll(); err != nil {
		return o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
	}
	if dev.HasBadBlock() {
		dev.RecoverBadBlocks()
	}

	if buf := dev.BufFind(o.parent, o.serial, 0); buf != nil {
		if !dev.BufIsFree(buf) {
			return o.setErr(fmt.Errorf("object still referenced: %w", ErrAccess))
		}
		dev.BufMarkEmpty(buf)
	}

	node := o.node
	dev.BreakFromTree(o.typ, node)
	dev.ReclaimBlock(node)
	o.node = nil
	return nil
}
