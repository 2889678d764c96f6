package store

import (
	"fmt"
)

// Validate checks the structural invariants of the tree: every block of the
// device range is referenced by exactly one node across the hashes and
// lists, every DATA node has its FILE, every non-root DIR has its parent
// DIR. Used by tests.
func (d *Device) Validate() error {
	seen := make(map[uint16]string, d.blockCount())
	note := func(block uint16, where string) error {
		if prev, ok := seen[block]; ok {
			return fmt.Errorf("block %d referenced by both %s and %s", block, prev, where)
		}
		seen[block] = where
		return nil
	}

	var err error
	d.tree.dirs.scan(&d.tree, func(n *TreeNode) bool {
		if e := note(n.Block, fmt.Sprintf("dir %d", n.Serial)); e != nil {
			err = e
			return false
		}
		if n.Serial != RootDirSerial && n.Parent != RootDirSerial && d.FindDirNode(n.Parent) == nil {
			err = fmt.Errorf("dir %d: parent %d missing", n.Serial, n.Parent)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	d.tree.files.scan(&d.tree, func(n *TreeNode) bool {
		if e := note(n.Block, fmt.Sprintf("file %d", n.Serial)); e != nil {
			err = e
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	d.tree.datas.scan(&d.tree, func(n *TreeNode) bool {
		if e := note(n.Block, fmt.Sprintf("data (%d,%d)", n.Parent, n.Serial)); e != nil {
			err = e
			return false
		}
		if d.FindFileNode(n.Parent) == nil {
			err = fmt.Errorf("data (%d,%d): file missing", n.Parent, n.Serial)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	for i := d.tree.erased; i != emptyNode; i = d.tree.node(i).next {
		if e := note(d.tree.node(i).Block, "erased list"); e != nil {
			return e
		}
	}
	for i := d.tree.bad; i != emptyNode; i = d.tree.node(i).next {
		if e := note(d.tree.node(i).Block, "bad list"); e != nil {
			return e
		}
	}

	for b := d.Start; b <= d.End; b++ {
		if _, ok := seen[uint16(b)]; !ok {
			return fmt.Errorf("block %d not referenced by any node", b)
		}
	}
	if len(seen) != d.blockCount() {
		return fmt.Errorf("%d nodes for %d blocks", len(seen), d.blockCount())
	}
	return nil
}
