package store

import (
	"github.com/nandfs/nandfs/internal/tag"
)

// DirIterator enumerates the children of a directory: first the sub
// directories, then the files. The cursor survives tree lookups but not
// mutations; callers drop the iterator when they modify the directory.
type DirIterator struct {
	d      *Device
	parent uint16
	step   int // 0: dirs, 1: files, 2: done
	hash   int
	cur    uint16
}

// NewDirIterator starts an iteration over the children of the directory
// with the given serial.
func (d *Device) NewDirIterator(parent uint16) *DirIterator {
	return &DirIterator{d: d, parent: parent, cur: emptyNode}
}

// Reset rewinds the iterator.
func (it *DirIterator) Reset() {
	it.step = 0
	it.hash = 0
	it.cur = emptyNode
}

// Next returns the next child node and its type, or nil when exhausted.
func (it *DirIterator) Next() (*TreeNode, tag.Type) {
	for it.step < 2 {
		var t *nodeTable
		var typ tag.Type
		if it.step == 0 {
			t = &it.d.tree.dirs
			typ = tag.TypeDir
		} else {
			t = &it.d.tree.files
			typ = tag.TypeFile
		}

		for it.hash < len(t.buckets) {
			if it.cur == emptyNode {
				it.cur = t.buckets[it.hash]
			} else {
				it.cur = it.d.tree.node(it.cur).hashNext
			}
			for it.cur != emptyNode {
				n := it.d.tree.node(it.cur)
				if n.Parent == it.parent {
					return n, typ
				}
				it.cur = n.hashNext
			}
			it.hash++
		}

		it.step++
		it.hash = 0
		it.cur = emptyNode
	}
	return nil, tag.TypeInvalid
}
