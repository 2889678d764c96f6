// Package nandfs is a log-structured, out-of-place, wear-levelling file
// system for raw NAND flash, aimed at memory-constrained embedded systems.
// All metadata lives in the per-page spare areas; mounting scans them to
// rebuild an in-memory tree of every live block, and every update is written
// out of place with a small generation counter arbitrating between old and
// new copies of a block.
//
// This package is the object layer: the mount table, POSIX-like file and
// directory operations, and the error contract. The engine underneath lives
// in internal/store, the driver interface in internal/flash.
package nandfs

import (
	"errors"
)

const version = "0.1.0"

// Version returns the library version string.
func Version() string { return version }

// Open flags. The numeric values are part of the wire contract of the
// cross-host test protocol and must not change.
const (
	O_RDONLY = 0x0000
	O_WRONLY = 0x0001
	O_RDWR   = 0x0002
	O_APPEND = 0x0008

	O_CREATE = 0x0100
	O_TRUNC  = 0x0200
	O_EXCL   = 0x0400

	O_DIR = 0x1000
)

// Seek whence values (also wire contract: cur=0, set=1, end=2).
const (
	SeekCur = 0
	SeekSet = 1
	SeekEnd = 2
)

// Error kinds surfaced to callers. Object-scoped errors take priority over
// the process-wide mirror when both are set.
var (
	ErrAccess       = errors.New("operation not permitted")
	ErrExist        = errors.New("object already exists")
	ErrInval        = errors.New("invalid argument")
	ErrTooManyFiles = errors.New("too many open objects")
	ErrNotFound     = errors.New("object not found")
	ErrTime         = errors.New("can't set object time")
	ErrBadFd        = errors.New("bad file descriptor")
	ErrNoMem        = errors.New("no space or serial available")
	ErrIO           = errors.New("I/O error")
	ErrNotEmpty     = errors.New("directory not empty")
)

// Legacy numeric error codes, for the errno mirror at the protocol boundary.
const (
	ENOERR    = 0
	EACCES    = 1
	EEXIST    = 2
	EINVAL    = 3
	EMFILE    = 4
	ENOENT    = 5
	ETIME     = 6
	EBADF     = 9
	ENOMEM    = 10
	EIO       = 11
	ENOTEMPTY = 12
)

// Errno projects an error into its legacy code.
func Errno(err error) int {
	switch {
	case err == nil:
		return ENOERR
	case errors.Is(err, ErrAccess):
		return EACCES
	case errors.Is(err, ErrExist):
		return EEXIST
	case errors.Is(err, ErrInval):
		return EINVAL
	case errors.Is(err, ErrTooManyFiles):
		return EMFILE
	case errors.Is(err, ErrNotFound):
		return ENOENT
	case errors.Is(err, ErrTime):
		return ETIME
	case errors.Is(err, ErrBadFd):
		return EBADF
	case errors.Is(err, ErrNoMem):
		return ENOMEM
	case errors.Is(err, ErrNotEmpty):
		return ENOTEMPTY
	}
	return EIO
}
