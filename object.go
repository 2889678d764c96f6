package nandfs

import (
	"fmt"
	"strings"

	"github.com/nandfs/nandfs/internal/store"
	"github.com/nandfs/nandfs/internal/tag"
)

// Object is an open file or directory: a reference to its tree node plus a
// byte position. Objects come from the FS handle pool and go back to it on
// close.
type Object struct {
	fs  *FS
	mnt *Mount
	dev *store.Device

	name   string
	sum    uint16
	typ    tag.Type
	parent uint16
	serial uint16
	node   *store.TreeNode

	oflag     int
	headPages int
	pos       uint32

	// err is the per-object error slot; it takes priority over the
	// process-wide mirror.
	err error

	opened   bool
	devLocks int
}

func (o *Object) lockDev() {
	if o.devLocks == 0 {
		o.dev.Lock()
	}
	o.devLocks++
}

func (o *Object) unlockDev() {
	o.devLocks--
	if o.devLocks == 0 {
		o.dev.Unlock()
	}
}

func (o *Object) setErr(err error) error {
	o.err = err
	if o.fs != nil {
		o.fs.setErr(err)
	}
	return err
}

// Err returns the object's error slot.
func (o *Object) Err() error { return o.err }

// ClearErr resets the object's error slot.
func (o *Object) ClearErr() { o.err = nil }

// parsePath resolves the directory part of a path, returning the mount, the
// serial of the parent directory, and the leaf name.
func (fs *FS) parsePath(path string) (*Mount, uint16, string, error) {
	m, rel, err := fs.lookupPath(path)
	if err != nil {
		return nil, 0, "", err
	}
	if rel == "" {
		return m, store.ParentOfRoot, "", nil
	}

	dir := uint16(store.RootDirSerial)
	leaf := rel
	if i := strings.LastIndexByte(strings.TrimSuffix(rel, "/"), '/'); i >= 0 {
		walk := rel[:i]
		leaf = rel[i+1:]
		m.Dev.Lock()
		for _, comp := range strings.Split(walk, "/") {
			if comp == "" {
				m.Dev.Unlock()
				return nil, 0, "", fmt.Errorf("%q: %w", path, ErrInval)
			}
			sum := tag.Sum16([]byte(comp))
			node := m.Dev.FindDirNodeByName(comp, sum, dir)
			if node == nil {
				m.Dev.Unlock()
				return nil, 0, "", fmt.Errorf("%q: %w", path, ErrNotFound)
			}
			dir = node.Serial
		}
		m.Dev.Unlock()
	}
	return m, dir, leaf, nil
}

// allocObject takes a handle from the pool.
func (fs *FS) allocObject() (*Object, int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := range fs.objs {
		if fs.objs[i] == nil {
			o := &Object{fs: fs}
			fs.objs[i] = o
			return o, i + fdOffset, nil
		}
	}
	return nil, -1, ErrTooManyFiles
}

func (fs *FS) objectByFd(fd int) *Object {
	i := fd - fdOffset
	if i < 0 || i >= maxObjectHandles {
		return nil
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.objs[i]
}

func (fs *FS) releaseObject(fd int) {
	i := fd - fdOffset
	if i < 0 || i >= maxObjectHandles {
		return
	}
	fs.mu.Lock()
	fs.objs[i] = nil
	fs.mu.Unlock()
}

// openObject opens (or creates) the object behind a path.
func (fs *FS) openObject(o *Object, path string, oflag int) error {
	if oflag&O_WRONLY != 0 && oflag&O_RDWR != 0 {
		return o.setErr(fmt.Errorf("O_WRONLY|O_RDWR: %w", ErrInval))
	}

	m, parent, name, err := fs.parsePath(path)
	if err != nil {
		return o.setErr(err)
	}

	o.mnt = m
	o.dev = m.Dev
	o.oflag = oflag
	o.parent = parent
	o.typ = tag.TypeFile
	if oflag&O_DIR != 0 {
		o.typ = tag.TypeDir
	}
	o.pos = 0
	o.headPages = o.dev.Attr.PagesPerBlock - 1

	if o.typ == tag.TypeDir {
		name = strings.TrimSuffix(name, "/")
	} else if strings.HasSuffix(name, "/") {
		return o.setErr(fmt.Errorf("%q: %w", path, ErrNotFound))
	}
	o.name = name
	o.sum = tag.Sum16([]byte(name))

	if o.typ == tag.TypeDir && name == "" {
		if parent != store.ParentOfRoot {
			return o.setErr(fmt.Errorf("bad parent for root dir: %w", ErrInval))
		}
		o.serial = store.RootDirSerial
		o.opened = true
		return nil
	}
	if name == "" {
		return o.setErr(fmt.Errorf("%q: %w", path, ErrInval))
	}
	if len(name) > tag.MaxNameLength {
		return o.setErr(fmt.Errorf("%q: name too long: %w", path, ErrInval))
	}

	o.lockDev()
	defer o.unlockDev()

	if o.typ == tag.TypeDir {
		o.node = o.dev.FindDirNodeByName(name, o.sum, parent)
	} else {
		o.node = o.dev.FindFileNodeByName(name, o.sum, parent)
	}

	if o.node == nil {
		if oflag&O_CREATE == 0 {
			return o.setErr(fmt.Errorf("%q: %w", path, ErrNotFound))
		}
		return o.createObject()
	}

	if oflag&(O_CREATE|O_EXCL) == O_CREATE|O_EXCL {
		return o.setErr(fmt.Errorf("%q: %w", path, ErrExist))
	}

	o.serial = o.node.Serial
	o.opened = true

	if oflag&O_TRUNC != 0 {
		if err := o.truncate(0, true); err != nil {
			return err
		}
		if err := o.truncate(0, false); err != nil {
			return err
		}
	}
	return nil
}

// createObject writes page 0 of a new block through the buffer pool and
// flushes immediately so the new tree node exists before open returns.
// Assumes the device lock is held.
func (o *Object) createObject() error {
	dev := o.dev
	if dev.ReadOnly() {
		return o.setErr(fmt.Errorf("device is read-only: %w", ErrAccess))
	}

	// Refuse names colliding with the other object kind.
	if o.typ == tag.TypeDir {
		if dev.FindFileNodeByName(o.name, o.sum, o.parent) != nil {
			return o.setErr(fmt.Errorf("%q: %w", o.name, ErrExist))
		}
	} else {
		if dev.FindDirNodeByName(o.name, o.sum, o.parent) != nil {
			return o.setErr(fmt.Errorf("%q: %w", o.name, ErrExist))
		}
	}

	o.serial = dev.FindFreeSerial()
	if o.serial == store.InvalidSerial {
		return o.setErr(fmt.Errorf("no free serial: %w", ErrNoMem))
	}
	if dev.ErasedCount() < dev.MinErased() {
		return o.setErr(fmt.Errorf("only %d erased blocks left: %w", dev.ErasedCount(), ErrNoMem))
	}

	buf, err := dev.BufNew(o.typ, o.parent, o.serial, 0)
	if err != nil {
		return o.setErr(fmt.Errorf("create: %v: %w", err, ErrIO))
	}

	now := dev.Now()
	fi := tag.FileInfo{
		Attr:       tag.AttrWrite,
		CreateTime: now,
		LastModify: now,
		Name:       o.name,
	}
	if o.typ == tag.TypeDir {
		fi.Attr |= tag.AttrDir
	}
	enc, err := tag.EncodeFileInfo(&fi)
	if err != nil {
		dev.BufPut(buf)
		return o.setErr(fmt.Errorf("%v: %w", err, ErrInval))
	}
	if err := dev.BufWrite(buf, enc, 0); err != nil {
		dev.BufPut(buf)
		return o.setErr(fmt.Errorf("create: %v: %w", err, ErrIO))
	}
	dev.BufPut(buf)

	if err := dev.BufFlushGroup(o.parent, o.serial); err != nil {
		return o.setErr(fmt.Errorf("create flush: %v: %w", err, ErrIO))
	}

	if o.typ == tag.TypeDir {
		o.node = dev.FindDirNode(o.serial)
	} else {
		o.node = dev.FindFileNode(o.serial)
	}
	if o.node == nil {
		return o.setErr(fmt.Errorf("created node missing from tree: %w", ErrIO))
	}
	if o.typ == tag.TypeFile {
		o.node.Len = 0
	}

	if dev.HasBadBlock() {
		dev.RecoverBadBlocks()
	}
	o.opened = true
	return nil
}

// fdnOf maps a byte offset to its block index within the file: 0 for the
// head block, 1.. for DATA blocks.
func (o *Object) fdnOf(ofs uint32) uint16 {
	usable := uint32(o.dev.UsableSize())
	head := uint32(o.headPages) * usable
	if ofs < head {
		return 0
	}
	ofs -= head
	return uint16(ofs/(usable*uint32(o.dev.Attr.PagesPerBlock))) + 1
}

// startOfBlock returns the byte offset where a block of the file begins.
func (o *Object) startOfBlock(fdn uint16) uint32 {
	usable := uint32(o.dev.UsableSize())
	if fdn == 0 {
		return 0
	}
	return uint32(o.headPages)*usable + uint32(fdn-1)*usable*uint32(o.dev.Attr.PagesPerBlock)
}

// writeNewBlock fills fresh buffers for a data block that does not exist
// yet. Returns the bytes consumed.
func (o *Object) writeNewBlock(data []byte, fdn uint16) int {
	dev := o.dev
	usable := dev.UsableSize()
	wrote := 0
	for pageID := 0; pageID < dev.Attr.PagesPerBlock; pageID++ {
		size := len(data) - wrote
		if size <= 0 {
			break
		}
		if size > usable {
			size = usable
		}
		buf, err := dev.BufNew(tag.TypeData, o.node.Serial, fdn, uint16(pageID))
		if err != nil {
			o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
			break
		}
		err = dev.BufWrite(buf, data[wrote:wrote+size], 0)
		dev.BufPut(buf)
		if err != nil {
			o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
			break
		}
		wrote += size
		o.node.Len += uint32(size)
	}
	return wrote
}

// writeInternalBlock writes into an existing block of the file, page by
// page, allocating fresh tail pages as the file grows. Returns the bytes
// consumed.
func (o *Object) writeInternalBlock(dnode *store.TreeNode, fdn uint16, data []byte, blockOfs uint32) int {
	dev := o.dev
	usable := uint32(dev.UsableSize())
	blockStart := o.startOfBlock(fdn)

	var typ tag.Type
	var parent, serial uint16
	var maxPageID uint16
	if fdn == 0 {
		typ = tag.TypeFile
		parent = o.node.Parent
		serial = o.node.Serial
		maxPageID = uint16(o.headPages)
	} else {
		typ = tag.TypeData
		parent = o.node.Serial
		serial = fdn
		maxPageID = uint16(dev.Attr.PagesPerBlock - 1)
	}

	wrote := 0
	for wrote < len(data) {
		pageID := uint16(blockOfs / usable)
		if fdn == 0 {
			pageID++ // page 0 holds the FileInfo
		}
		if pageID > maxPageID {
			break
		}

		pageOfs := blockOfs % usable
		size := uint32(len(data) - wrote)
		if pageOfs+size > usable {
			size = usable - pageOfs
		}

		var buf *store.Buf
		var err error
		if o.node.Len%usable == 0 && blockOfs+blockStart == o.node.Len {
			// Appending at a fresh page boundary: nothing to load.
			buf, err = dev.BufNew(typ, parent, serial, pageID)
		} else {
			buf, err = dev.BufGetEx(typ, dnode, pageID)
		}
		if err != nil {
			o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
			break
		}

		err = dev.BufWrite(buf, data[wrote:wrote+int(size)], int(pageOfs))
		dev.BufPut(buf)
		if err != nil {
			o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
			break
		}

		wrote += int(size)
		blockOfs += size
		if blockStart+blockOfs > o.node.Len {
			o.node.Len = blockStart + blockOfs
		}
	}
	return wrote
}

// write writes at the object position, growing the file as needed.
func (o *Object) write(data []byte) (int, error) {
	dev := o.dev
	if !o.opened || o.node == nil {
		return 0, o.setErr(ErrBadFd)
	}
	if o.typ == tag.TypeDir {
		return 0, o.setErr(fmt.Errorf("write to a directory: %w", ErrAccess))
	}
	if o.oflag&(O_WRONLY|O_RDWR) == 0 {
		return 0, o.setErr(fmt.Errorf("read-only object: %w", ErrAccess))
	}
	if dev.ReadOnly() {
		return 0, o.setErr(fmt.Errorf("device is read-only: %w", ErrAccess))
	}

	o.lockDev()
	defer o.unlockDev()

	fnode := o.node
	if o.oflag&O_APPEND != 0 {
		o.pos = fnode.Len
	}
	if o.pos > fnode.Len {
		return 0, o.setErr(fmt.Errorf("position beyond end: %w", ErrInval))
	}

	remain := len(data)
	for remain > 0 {
		writeStart := o.pos + uint32(len(data)-remain)
		if writeStart > fnode.Len {
			o.setErr(fmt.Errorf("write point out of file: %w", ErrIO))
			break
		}

		fdn := o.fdnOf(writeStart)
		if writeStart == fnode.Len && fdn > 0 && writeStart == o.startOfBlock(fdn) {
			if dev.ErasedCount() < dev.MinErased() {
				o.setErr(fmt.Errorf("only %d erased blocks left: %w", dev.ErasedCount(), ErrNoMem))
				break
			}
			size := o.writeNewBlock(data[len(data)-remain:], fdn)

			// Flush now so the DATA node exists in the tree.
			if err := dev.BufFlushGroup(fnode.Serial, fdn); err != nil {
				o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
				break
			}
			if size == 0 {
				break
			}
			remain -= size
		} else {
			dnode := o.node
			if fdn > 0 {
				dnode = dev.FindDataNode(fnode.Serial, fdn)
				if dnode == nil {
					o.setErr(fmt.Errorf("data node (%d,%d) missing: %w", fnode.Serial, fdn, ErrIO))
					break
				}
			}
			size := o.writeInternalBlock(dnode, fdn, data[len(data)-remain:], writeStart-o.startOfBlock(fdn))
			if size == 0 {
				break
			}
			remain -= size
		}
	}

	o.pos += uint32(len(data) - remain)
	if dev.HasBadBlock() {
		dev.RecoverBadBlocks()
	}
	if remain == len(data) && o.err != nil {
		return 0, o.err
	}
	return len(data) - remain, nil
}

// read reads from the object position.
func (o *Object) read(data []byte) (int, error) {
	dev := o.dev
	if !o.opened || o.node == nil {
		return 0, o.setErr(ErrBadFd)
	}
	if o.typ == tag.TypeDir {
		return 0, o.setErr(fmt.Errorf("read from a directory: %w", ErrAccess))
	}
	if o.oflag&O_WRONLY != 0 {
		return 0, o.setErr(fmt.Errorf("write-only object: %w", ErrAccess))
	}

	o.lockDev()
	defer o.unlockDev()

	fnode := o.node
	if o.pos > fnode.Len {
		return 0, nil
	}
	usable := uint32(dev.UsableSize())

	remain := len(data)
	for remain > 0 {
		readStart := o.pos + uint32(len(data)-remain)
		if readStart >= fnode.Len {
			break
		}

		fdn := o.fdnOf(readStart)
		var typ tag.Type
		dnode := o.node
		if fdn == 0 {
			typ = tag.TypeFile
		} else {
			typ = tag.TypeData
			dnode = dev.FindDataNode(fnode.Serial, fdn)
			if dnode == nil {
				o.setErr(fmt.Errorf("data node (%d,%d) missing: %w", fnode.Serial, fdn, ErrIO))
				break
			}
		}

		blockStart := o.startOfBlock(fdn)
		pageID := uint16((readStart - blockStart) / usable)
		if fdn == 0 {
			pageID++ // skip the FileInfo page
		}

		buf, err := dev.BufGetEx(typ, dnode, pageID)
		if err != nil {
			o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
			break
		}

		pageOfs := readStart % usable
		if int(pageOfs) >= buf.DataLen {
			dev.BufPut(buf)
			break
		}
		size := remain
		if int(pageOfs)+size > buf.DataLen {
			size = buf.DataLen - int(pageOfs)
		}
		dev.BufRead(buf, data[len(data)-remain:len(data)-remain+size], int(pageOfs))
		dev.BufPut(buf)
		remain -= size
	}

	o.pos += uint32(len(data) - remain)
	if dev.HasBadBlock() {
		dev.RecoverBadBlocks()
	}
	return len(data) - remain, nil
}

// seek moves the object position, clamped to [0, length].
func (o *Object) seek(offset int64, whence int) (int64, error) {
	if !o.opened || o.node == nil {
		return 0, o.setErr(ErrBadFd)
	}
	if o.typ == tag.TypeDir {
		return 0, o.setErr(fmt.Errorf("seek on a directory: %w", ErrAccess))
	}

	o.lockDev()
	defer o.unlockDev()

	length := int64(o.node.Len)
	var pos int64
	switch whence {
	case SeekCur:
		pos = int64(o.pos) + offset
	case SeekSet:
		pos = offset
	case SeekEnd:
		pos = length + offset
	default:
		return 0, o.setErr(fmt.Errorf("whence %d: %w", whence, ErrInval))
	}
	if pos < 0 {
		pos = 0
	}
	if pos > length {
		pos = length
	}
	o.pos = uint32(pos)
	return pos, nil
}

// flushObject flushes the dirty groups the object may own. Assumes the
// device lock is held.
func (o *Object) flushObject() error {
	if o.node == nil {
		return nil
	}
	if o.typ == tag.TypeDir {
		return o.dev.BufFlushGroup(o.node.Parent, o.node.Serial)
	}
	if err := o.dev.BufFlushMatchParent(o.node.Serial); err != nil {
		return err
	}
	return o.dev.BufFlushGroup(o.node.Parent, o.node.Serial)
}

// Flush forces buffered writes of the object to flash.
func (o *Object) Flush() error {
	if !o.opened {
		return o.setErr(ErrBadFd)
	}
	o.lockDev()
	defer o.unlockDev()
	if err := o.flushObject(); err != nil {
		return o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
	}
	return nil
}

// close flushes, updates the modify time of writable objects and releases
// the handle's device reference.
func (o *Object) close() error {
	if !o.opened {
		return o.setErr(ErrBadFd)
	}

	o.lockDev()

	if o.oflag&(O_WRONLY|O_RDWR|O_APPEND|O_CREATE|O_TRUNC) != 0 && o.node != nil && !o.dev.ReadOnly() {
		if buf, err := o.dev.BufGetEx(o.typ, o.node, 0); err == nil {
			if fi, err := tag.DecodeFileInfo(buf.Data); err == nil {
				fi.LastModify = o.dev.Now()
				if enc, err := tag.EncodeFileInfo(&fi); err == nil {
					o.dev.BufWrite(buf, enc, 0)
				}
			}
			o.dev.BufPut(buf)
		}
		if err := o.flushObject(); err != nil {
			o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
		}
	}

	if o.dev.HasBadBlock() {
		o.dev.RecoverBadBlocks()
	}

	o.unlockDev()
	o.opened = false
	return o.err
}

// truncate cuts the file back to remain bytes. The dry run verifies that no
// other object holds buffers of the affected range before anything is
// destroyed.
func (o *Object) truncate(remain uint32, dryRun bool) error {
	dev := o.dev
	if !o.opened || o.node == nil {
		return o.setErr(ErrBadFd)
	}
	if o.typ == tag.TypeDir {
		return o.setErr(fmt.Errorf("truncate a directory: %w", ErrExist))
	}
	if dev.ReadOnly() {
		return o.setErr(fmt.Errorf("device is read-only: %w", ErrAccess))
	}

	o.lockDev()
	defer o.unlockDev()

	fnode := o.node
	if remain >= fnode.Len {
		return nil
	}

	flen := fnode.Len
	for flen > remain {
		fdn := o.fdnOf(flen - 1)
		blockStart := o.startOfBlock(fdn)

		if remain <= blockStart && fdn > 0 {
			// The whole DATA block goes away.
			node := dev.FindDataNode(o.serial, fdn)
			if node == nil {
				return o.setErr(fmt.Errorf("data node (%d,%d) missing: %w", o.serial, fdn, ErrIO))
			}
			for page := 0; page < dev.Attr.PagesPerBlock; page++ {
				buf := dev.BufFind(fnode.Serial, fdn, uint16(page))
				if buf == nil {
					continue
				}
				if !dev.BufIsFree(buf) {
					return o.setErr(fmt.Errorf("%v: %w", store.ErrBufferHeld, ErrExist))
				}
				if !dryRun {
					dev.BufMarkEmpty(buf)
				}
			}
			if !dryRun {
				bc := dev.BlockInfoGet(node.Block)
				dev.BlockInfoExpire(bc, store.AllPages)
				dev.BlockInfoPut(bc)
				dev.BreakFromTree(tag.TypeData, node)
				dev.ReclaimBlock(node)
				fnode.Len = blockStart
			}
			flen = blockStart
		} else {
			if err := dev.TruncateBlockCover(fnode, fdn, o.headPages, blockStart, remain, dryRun); err != nil {
				if err == store.ErrBufferHeld {
					return o.setErr(fmt.Errorf("%v: %w", err, ErrExist))
				}
				return o.setErr(fmt.Errorf("truncate: %v: %w", err, ErrIO))
			}
			if !dryRun {
				fnode.Len = remain
			}
			flen = remain
		}
	}

	if dev.HasBadBlock() {
		dev.RecoverBadBlocks()
	}
	if o.pos > fnode.Len {
		o.pos = fnode.Len
	}
	return nil
}

// moveObject renames and/or reparents an open object. The rewrite of page 0
// goes through a forced block cover so that no stale spare on the old block
// still matches a live name lookup.
func (o *Object) moveObject(newParent uint16, newName string) error {
	dev := o.dev
	if o.node == nil || !o.opened {
		return o.setErr(ErrBadFd)
	}
	if dev.ReadOnly() {
		return o.setErr(fmt.Errorf("device is read-only: %w", ErrAccess))
	}

	o.lockDev()
	defer o.unlockDev()

	dev.SuspendSerial(o.serial)
	defer dev.ResumeSerial(o.serial)

	o.parent = newParent

	if newName != "" {
		newName = strings.TrimSuffix(newName, "/")
		if len(newName) > tag.MaxNameLength {
			return o.setErr(fmt.Errorf("%q: name too long: %w", newName, ErrInval))
		}

		buf, err := dev.BufGetEx(o.typ, o.node, 0)
		if err != nil {
			return o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
		}
		fi, err := tag.DecodeFileInfo(buf.Data)
		if err != nil {
			dev.BufPut(buf)
			return o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
		}
		fi.Name = newName
		fi.LastModify = dev.Now()
		enc, err := tag.EncodeFileInfo(&fi)
		if err != nil {
			dev.BufPut(buf)
			return o.setErr(fmt.Errorf("%v: %w", err, ErrInval))
		}

		buf.Parent = newParent // the tag on flash must carry the new parent
		if err := dev.BufWrite(buf, enc, 0); err != nil {
			dev.BufPut(buf)
			return o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
		}
		dev.BufPut(buf)

		// Forced cover: every spare of the old block stops matching.
		if err := dev.BufFlushGroupEx(newParent, o.serial, true); err != nil {
			return o.setErr(fmt.Errorf("%v: %w", err, ErrIO))
		}

		o.name = newName
		o.sum = fi.NameSum()
	}

	o.node.Sum = o.sum
	o.node.Parent = newParent
	return nil
}
