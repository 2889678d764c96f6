package store

import (
	"github.com/nandfs/nandfs/internal/tag"
)

// ReadObjectInfo loads the FileInfo record from the authoritative page 0 of
// a DIR or FILE node.
func (d *Device) ReadObjectInfo(typ tag.Type, node *TreeNode) (tag.FileInfo, error) {
	b, err := d.BufGetEx(typ, node, 0)
	if err != nil {
		return tag.FileInfo{}, err
	}
	defer d.BufPut(b)
	return tag.DecodeFileInfo(b.Data)
}

// findNodeByName matches first on the cached name checksum and parent, then
// confirms against the stored name; checksum collisions fall through to the
// next candidate.
func (d *Device) findNodeByName(t *nodeTable, typ tag.Type, name string, sum, parent uint16) *TreeNode {
	var found *TreeNode
	t.scan(&d.tree, func(n *TreeNode) bool {
		if n.Sum != sum || n.Parent != parent {
			return true
		}
		fi, err := d.ReadObjectInfo(typ, n)
		if err != nil {
			d.Log.Errorf("reading name of block %d: %v", n.Block, err)
			return true
		}
		if fi.NameSum() != sum {
			d.Log.Warnf("block %d: stored name sum disagrees with tree", n.Block)
			return true
		}
		if fi.Name == name {
			found = n
			return false
		}
		return true
	})
	return found
}

// FindDirNodeByName looks a directory up by name under the given parent.
func (d *Device) FindDirNodeByName(name string, sum, parent uint16) *TreeNode {
	return d.findNodeByName(&d.tree.dirs, tag.TypeDir, name, sum, parent)
}

// FindFileNodeByName looks a file up by name under the given parent.
func (d *Device) FindFileNodeByName(name string, sum, parent uint16) *TreeNode {
	return d.findNodeByName(&d.tree.files, tag.TypeFile, name, sum, parent)
}
