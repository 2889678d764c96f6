package store

import (
	"github.com/nandfs/nandfs/internal/tag"
)

// Special serial numbers and index sentinels.
const (
	RootDirSerial = 0
	ParentOfRoot  = 0xFFFD
	InvalidSerial = 0xFFFF

	InvalidBlock = 0xFFFE
	InvalidPage  = 0xFFFE

	// AllPages selects every page of a block in block-info operations.
	AllPages = 0xFFFF

	emptyNode = 0xFFFF
)

// Hash bucket masks. Bucket counts are tunables; these are the defaults the
// on-device footprint is sized for.
const (
	dirHashMask  = 0x1F
	fileHashMask = 0x3F
	dataHashMask = 0x1FF
)

// TreeNode indexes one physical block. Exactly one node exists per block in
// the device range; which collection it lives in (dir/file/data hash,
// erased list, bad list) determines how its fields are read.
//
// Nodes live in a single dense pool and link to each other by pool index,
// never by pointer.
type TreeNode struct {
	Block  uint16
	Parent uint16
	Serial uint16

	// Sum is the name checksum of a DIR or FILE node.
	Sum uint16

	// Len is the file length (FILE) or the block payload length (DATA),
	// derived at mount.
	Len uint32

	// NeedCheck marks an erased-list block whose full erasure has not been
	// verified yet; verification happens lazily on allocation.
	NeedCheck bool

	self     uint16
	hashNext uint16
	hashPrev uint16
	next     uint16
	prev     uint16
}

// nodeTable is a chained hash table over the node pool, parameterised by the
// key function. The dir, file and data tables differ only in mask and key.
type nodeTable struct {
	buckets []uint16
	key     func(n *TreeNode) uint16
}

func newNodeTable(mask uint16, key func(n *TreeNode) uint16) nodeTable {
	t := nodeTable{buckets: make([]uint16, mask+1), key: key}
	for i := range t.buckets {
		t.buckets[i] = emptyNode
	}
	return t
}

type tree struct {
	pool []TreeNode
	free uint16 // free node list, linked through next

	dirs  nodeTable
	files nodeTable
	datas nodeTable

	erased     uint16
	erasedTail uint16
	erasedNum  int

	bad    uint16
	badNum int

	// MaxSerial is the highest live serial seen; maintained for invariant
	// checks.
	maxSerial uint16

	// suspended holds serials of objects mid-rename or mid-delete so the
	// free-serial scan will not hand them out again.
	suspended []uint16
}

func (tr *tree) init(nblocks int) {
	tr.pool = make([]TreeNode, nblocks)
	tr.free = emptyNode
	for i := nblocks - 1; i >= 0; i-- {
		tr.pool[i].self = uint16(i)
		tr.pool[i].next = tr.free
		tr.free = uint16(i)
	}
	tr.dirs = newNodeTable(dirHashMask, func(n *TreeNode) uint16 { return n.Serial & dirHashMask })
	tr.files = newNodeTable(fileHashMask, func(n *TreeNode) uint16 { return n.Serial & fileHashMask })
	tr.datas = newNodeTable(dataHashMask, func(n *TreeNode) uint16 { return (n.Parent + n.Serial) & dataHashMask })
	tr.erased, tr.erasedTail = emptyNode, emptyNode
	tr.erasedNum = 0
	tr.bad = emptyNode
	tr.badNum = 0
	tr.maxSerial = RootDirSerial
	tr.suspended = nil
}

func (tr *tree) node(i uint16) *TreeNode { return &tr.pool[i] }

func (tr *tree) idx(n *TreeNode) uint16 { return n.self }

func (tr *tree) allocNode() *TreeNode {
	if tr.free == emptyNode {
		return nil
	}
	i := tr.free
	n := tr.node(i)
	tr.free = n.next
	*n = TreeNode{self: i}
	n.hashNext, n.hashPrev, n.next, n.prev = emptyNode, emptyNode, emptyNode, emptyNode
	return n
}

func (t *nodeTable) insert(tr *tree, n *TreeNode) {
	i := tr.idx(n)
	h := t.key(n)
	n.hashPrev = emptyNode
	n.hashNext = t.buckets[h]
	if t.buckets[h] != emptyNode {
		tr.node(t.buckets[h]).hashPrev = i
	}
	t.buckets[h] = i
}

func (t *nodeTable) remove(tr *tree, n *TreeNode) {
	h := t.key(n)
	if n.hashPrev != emptyNode {
		tr.node(n.hashPrev).hashNext = n.hashNext
	}
	if n.hashNext != emptyNode {
		tr.node(n.hashNext).hashPrev = n.hashPrev
	}
	if t.buckets[h] == tr.idx(n) {
		t.buckets[h] = n.hashNext
	}
	n.hashNext, n.hashPrev = emptyNode, emptyNode
}

// lookup walks one bucket.
func (t *nodeTable) lookup(tr *tree, h uint16, match func(n *TreeNode) bool) *TreeNode {
	for i := t.buckets[h]; i != emptyNode; {
		n := tr.node(i)
		if match(n) {
			return n
		}
		i = n.hashNext
	}
	return nil
}

// scan walks every bucket. fn returning false stops the scan. Removing the
// current node from fn is safe: the successor is resolved first.
func (t *nodeTable) scan(tr *tree, fn func(n *TreeNode) bool) {
	for h := range t.buckets {
		for i := t.buckets[h]; i != emptyNode; {
			n := tr.node(i)
			i = n.hashNext
			if !fn(n) {
				return
			}
		}
	}
}

func (tr *tree) table(typ tag.Type) *nodeTable {
	switch typ {
	case tag.TypeDir:
		return &tr.dirs
	case tag.TypeFile:
		return &tr.files
	case tag.TypeData:
		return &tr.datas
	}
	return nil
}

// FindDirNode looks up a DIR node by serial.
func (d *Device) FindDirNode(serial uint16) *TreeNode {
	return d.tree.dirs.lookup(&d.tree, serial&dirHashMask, func(n *TreeNode) bool {
		return n.Serial == serial
	})
}

// FindFileNode looks up a FILE node by serial.
func (d *Device) FindFileNode(serial uint16) *TreeNode {
	return d.tree.files.lookup(&d.tree, serial&fileHashMask, func(n *TreeNode) bool {
		return n.Serial == serial
	})
}

// FindDataNode looks up a DATA node by (parent file serial, block index).
func (d *Device) FindDataNode(parent, serial uint16) *TreeNode {
	return d.tree.datas.lookup(&d.tree, (parent+serial)&dataHashMask, func(n *TreeNode) bool {
		return n.Parent == parent && n.Serial == serial
	})
}

func (d *Device) findFromTree(typ tag.Type, parent, serial uint16) *TreeNode {
	switch typ {
	case tag.TypeDir:
		return d.FindDirNode(serial)
	case tag.TypeFile:
		return d.FindFileNode(serial)
	case tag.TypeData:
		return d.FindDataNode(parent, serial)
	}
	return nil
}

// FindDirNodeWithParent returns any DIR node whose parent is the given
// serial (used to refuse deleting non-empty directories).
func (d *Device) FindDirNodeWithParent(parent uint16) *TreeNode {
	var found *TreeNode
	d.tree.dirs.scan(&d.tree, func(n *TreeNode) bool {
		if n.Parent == parent {
			found = n
			return false
		}
		return true
	})
	return found
}

// FindFileNodeWithParent returns any FILE node whose parent is the given
// serial.
func (d *Device) FindFileNodeWithParent(parent uint16) *TreeNode {
	var found *TreeNode
	d.tree.files.scan(&d.tree, func(n *TreeNode) bool {
		if n.Parent == parent {
			found = n
			return false
		}
		return true
	})
	return found
}

// ForEachDir calls fn for every DIR node; fn returning false stops the walk.
func (d *Device) ForEachDir(fn func(n *TreeNode) bool) { d.tree.dirs.scan(&d.tree, fn) }

// ForEachFile calls fn for every FILE node.
func (d *Device) ForEachFile(fn func(n *TreeNode) bool) { d.tree.files.scan(&d.tree, fn) }

// ForEachData calls fn for every DATA node.
func (d *Device) ForEachData(fn func(n *TreeNode) bool) { d.tree.datas.scan(&d.tree, fn) }

// findNodeByBlock searches the given regions for the node owning block.
type searchRegion int

const (
	regionDir searchRegion = 1 << iota
	regionFile
	regionData
	regionErased
	regionBad
)

func (d *Device) findNodeByBlock(block uint16, regions searchRegion) (*TreeNode, searchRegion) {
	byBlock := func(t *nodeTable) *TreeNode {
		var found *TreeNode
		t.scan(&d.tree, func(n *TreeNode) bool {
			if n.Block == block {
				found = n
				return false
			}
			return true
		})
		return found
	}
	if regions&regionData != 0 {
		if n := byBlock(&d.tree.datas); n != nil {
			return n, regionData
		}
	}
	if regions&regionFile != 0 {
		if n := byBlock(&d.tree.files); n != nil {
			return n, regionFile
		}
	}
	if regions&regionDir != 0 {
		if n := byBlock(&d.tree.dirs); n != nil {
			return n, regionDir
		}
	}
	if regions&regionErased != 0 {
		for i := d.tree.erased; i != emptyNode; i = d.tree.node(i).next {
			if d.tree.node(i).Block == block {
				return d.tree.node(i), regionErased
			}
		}
	}
	if regions&regionBad != 0 {
		for i := d.tree.bad; i != emptyNode; i = d.tree.node(i).next {
			if d.tree.node(i).Block == block {
				return d.tree.node(i), regionBad
			}
		}
	}
	return nil, 0
}

// InsertNodeToTree files a node into the hash table for its type and tracks
// the serial high-water mark.
func (d *Device) InsertNodeToTree(typ tag.Type, n *TreeNode) {
	t := d.tree.table(typ)
	if t == nil {
		d.Log.Errorf("unknown type %v, can't insert to tree", typ)
		return
	}
	t.insert(&d.tree, n)
	if typ != tag.TypeData && n.Serial > d.tree.maxSerial {
		d.tree.maxSerial = n.Serial
	}
}

// BreakFromTree unlinks a node from the hash table for its type.
func (d *Device) BreakFromTree(typ tag.Type, n *TreeNode) {
	t := d.tree.table(typ)
	if t == nil {
		d.Log.Errorf("unknown type %v, can't break from tree", typ)
		return
	}
	t.remove(&d.tree, n)
}

// SetNodeBlock repoints a live node at a different physical block (the block
// cover swap).
func (d *Device) SetNodeBlock(n *TreeNode, block uint16) { n.Block = block }

// ErasedCount returns the number of blocks on the erased list.
func (d *Device) ErasedCount() int { return d.tree.erasedNum }

// BadCount returns the number of blocks on the bad list.
func (d *Device) BadCount() int { return d.tree.badNum }

// insertToErasedListTailEx appends a node to the erased list. needCheck > 0
// marks the block for lazy erase verification, needCheck == 0 clears the
// mark, needCheck < 0 keeps the node's current mark.
func (d *Device) insertToErasedListTailEx(n *TreeNode, needCheck int) {
	if needCheck >= 0 {
		n.NeedCheck = needCheck > 0
	}
	i := d.tree.idx(n)
	n.next = emptyNode
	n.prev = d.tree.erasedTail
	if d.tree.erasedTail != emptyNode {
		d.tree.node(d.tree.erasedTail).next = i
	}
	d.tree.erasedTail = i
	if d.tree.erased == emptyNode {
		d.tree.erased = i
	}
	d.tree.erasedNum++
}

// InsertToErasedListTail appends a verified-erased node.
func (d *Device) InsertToErasedListTail(n *TreeNode) { d.insertToErasedListTailEx(n, 0) }

func (d *Device) insertToErasedListHead(n *TreeNode) {
	i := d.tree.idx(n)
	n.prev = emptyNode
	n.next = d.tree.erased
	if d.tree.erased != emptyNode {
		d.tree.node(d.tree.erased).prev = i
	}
	d.tree.erased = i
	if d.tree.erasedTail == emptyNode {
		d.tree.erasedTail = i
	}
	d.tree.erasedNum++
}

func (d *Device) insertToBadList(n *TreeNode) {
	i := d.tree.idx(n)
	n.prev = emptyNode
	n.next = d.tree.bad
	if d.tree.bad != emptyNode {
		d.tree.node(d.tree.bad).prev = i
	}
	d.tree.bad = i
	d.tree.badNum++
}

// popErasedNoCheck removes the head of the erased list without verifying it.
func (d *Device) popErasedNoCheck() *TreeNode {
	if d.tree.erased == emptyNode {
		return nil
	}
	i := d.tree.erased
	n := d.tree.node(i)
	d.tree.erased = n.next
	if d.tree.erased != emptyNode {
		d.tree.node(d.tree.erased).prev = emptyNode
	} else {
		d.tree.erasedTail = emptyNode
	}
	n.next, n.prev = emptyNode, emptyNode
	d.tree.erasedNum--
	return n
}

// GetErasedNode takes a block from the erased list, lazily verifying blocks
// whose erasure was never checked, and primes the block-info cache with the
// erased pattern so allocation does not re-read spares from flash.
func (d *Device) GetErasedNode() *TreeNode {
	n := d.popErasedNoCheck()
	if n == nil {
		return nil
	}
	if n.NeedCheck {
		if err := d.Chip.CheckErased(int(n.Block)); err != nil {
			d.Log.Infof("erased block %d not clean (%v), erasing", n.Block, err)
			if err := d.Chip.EraseBlock(int(n.Block)); err != nil {
				d.markBadNode(n)
				return d.GetErasedNode()
			}
		}
		n.NeedCheck = false
	}
	bc := d.BlockInfoGet(n.Block)
	d.blockInfoInitErased(bc)
	d.BlockInfoPut(bc)
	return n
}

// FindFreeSerial scans for an unused object serial. Serials of suspended
// objects are skipped. Returns InvalidSerial if the space is exhausted.
func (d *Device) FindFreeSerial() uint16 {
	for s := uint16(RootDirSerial + 1); s < ParentOfRoot; s++ {
		if d.FindDirNode(s) != nil || d.FindFileNode(s) != nil {
			continue
		}
		if d.serialSuspended(s) {
			continue
		}
		return s
	}
	return InvalidSerial
}

func (d *Device) serialSuspended(s uint16) bool {
	for _, x := range d.tree.suspended {
		if x == s {
			return true
		}
	}
	return false
}

// SuspendSerial parks a serial while its object is mid-rename or mid-delete.
func (d *Device) SuspendSerial(s uint16) {
	if !d.serialSuspended(s) {
		d.tree.suspended = append(d.tree.suspended, s)
	}
}

// ResumeSerial releases a suspended serial.
func (d *Device) ResumeSerial(s uint16) {
	for i, x := range d.tree.suspended {
		if x == s {
			d.tree.suspended = append(d.tree.suspended[:i], d.tree.suspended[i+1:]...)
			return
		}
	}
}

// markBadNode erases (best effort), writes the bad block mark and moves the
// node onto the bad list.
func (d *Device) markBadNode(n *TreeNode) {
	if err := d.Chip.MarkBadBlock(int(n.Block)); err != nil {
		d.Log.Errorf("marking block %d bad: %v", n.Block, err)
	}
	d.insertToBadList(n)
}

// ReclaimBlock erases the node's block and returns it to the erased list, or
// to the bad list if the erase reports a bad block.
func (d *Device) ReclaimBlock(n *TreeNode) {
	// Any cached spares for this block are about to be stale.
	for bc := d.bc.head; bc != nil; bc = bc.next {
		if bc.Block == n.Block {
			d.BlockInfoExpire(bc, AllPages)
		}
	}
	if err := d.Chip.EraseBlock(int(n.Block)); err != nil {
		if isBadBlockErr(err) {
			d.Log.Warnf("block %d went bad on erase", n.Block)
			d.markBadNode(n)
			return
		}
		d.Log.Errorf("erase block %d: %v", n.Block, err)
		// Keep it out of circulation.
		d.markBadNode(n)
		return
	}
	d.InsertToErasedListTail(n)
}
