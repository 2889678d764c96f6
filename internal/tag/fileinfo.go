package tag

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxNameLength is part of the on-flash format and cannot change after a
	// device has been formatted.
	MaxNameLength = 32

	// FileInfoSize is the encoded size of a FileInfo record on page 0.
	FileInfoSize = 6*4 + MaxNameLength
)

// File attribute bits.
const (
	AttrWrite uint32 = 1 << 0
	AttrDir   uint32 = 1 << 24
)

// FileInfo is the record stored on page 0 of every DIR and FILE block:
// attributes, timestamps and the object name. Its layout is part of the
// persistent format.
type FileInfo struct {
	Attr       uint32
	CreateTime uint32
	LastModify uint32
	Access     uint32
	Reserved   uint32
	Name       string
}

// IsDir reports whether the record describes a directory.
func (fi *FileInfo) IsDir() bool { return fi.Attr&AttrDir != 0 }

// NameSum returns the 16-bit checksum of the name, as stored in the tag's
// data_sum field on page 0.
func (fi *FileInfo) NameSum() uint16 { return Sum16([]byte(fi.Name)) }

// EncodeFileInfo packs fi into the 56-byte page 0 record.
func EncodeFileInfo(fi *FileInfo) ([]byte, error) {
	if len(fi.Name) > MaxNameLength {
		return nil, fmt.Errorf("name %q exceeds %d bytes", fi.Name, MaxNameLength)
	}
	b := make([]byte, FileInfoSize)
	binary.LittleEndian.PutUint32(b[0:], fi.Attr)
	binary.LittleEndian.PutUint32(b[4:], fi.CreateTime)
	binary.LittleEndian.PutUint32(b[8:], fi.LastModify)
	binary.LittleEndian.PutUint32(b[12:], fi.Access)
	binary.LittleEndian.PutUint32(b[16:], fi.Reserved)
	binary.LittleEndian.PutUint32(b[20:], uint32(len(fi.Name)))
	copy(b[24:], fi.Name)
	return b, nil
}

// DecodeFileInfo unpacks a page 0 record.
func DecodeFileInfo(b []byte) (FileInfo, error) {
	var fi FileInfo
	if len(b) < FileInfoSize {
		return fi, fmt.Errorf("short FileInfo: %d bytes", len(b))
	}
	fi.Attr = binary.LittleEndian.Uint32(b[0:])
	fi.CreateTime = binary.LittleEndian.Uint32(b[4:])
	fi.LastModify = binary.LittleEndian.Uint32(b[8:])
	fi.Access = binary.LittleEndian.Uint32(b[12:])
	fi.Reserved = binary.LittleEndian.Uint32(b[16:])
	nameLen := binary.LittleEndian.Uint32(b[20:])
	if nameLen > MaxNameLength {
		return fi, fmt.Errorf("corrupt FileInfo: name length %d", nameLen)
	}
	fi.Name = string(b[24 : 24+nameLen])
	return fi, nil
}
