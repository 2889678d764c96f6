// Package store implements the storage engine of the file system: the
// in-memory tree indexing all live blocks, the block-info and page-buffer
// caches that mediate all flash I/O, the flush and block-cover machinery,
// bad-block tracking and recovery, the mount-time tree build and formatting.
//
// Everything here assumes the device lock is held by the caller unless noted
// otherwise; the object layer above acquires it per operation.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nandfs/nandfs/internal/flash"
)

// Config carries the engine tunables. The pools are sized for the worst case
// at init; running out of them later is a bug, not a runtime error.
type Config struct {
	// MaxCachedBlocks bounds the block-info cache (spare arrays).
	MaxCachedBlocks int

	// MaxPageBuffers bounds the page buffer pool.
	MaxPageBuffers int

	// MaxDirtyPages is the auto-flush threshold of one dirty group; it is
	// clamped to pages-per-block.
	MaxDirtyPages int

	// DirtyGroups is how many objects can have buffered writes at once.
	DirtyGroups int

	// MinErasedBlocks is the reserve below which create/append refuses to
	// dirty the tree.
	MinErasedBlocks int

	// TagChecksum enables the per-tag checksum byte (on-flash format).
	TagChecksum bool

	// Now supplies wall-clock seconds for timestamps and the erased-list
	// rotation; defaults to time.Now.
	Now func() uint32
}

func (c Config) withDefaults() Config {
	if c.MaxCachedBlocks == 0 {
		c.MaxCachedBlocks = 10
	}
	if c.MaxPageBuffers == 0 {
		c.MaxPageBuffers = 33
	}
	if c.MaxDirtyPages == 0 {
		c.MaxDirtyPages = 32
	}
	if c.DirtyGroups == 0 {
		c.DirtyGroups = 3
	}
	if c.MinErasedBlocks == 0 {
		c.MinErasedBlocks = 2
	}
	if c.Now == nil {
		c.Now = func() uint32 { return uint32(time.Now().Unix()) }
	}
	return c
}

// Device is one mounted flash region: a contiguous block range of a chip
// plus all engine state for it.
type Device struct {
	Chip *flash.Chip
	Attr *flash.Attr
	Log  *logrus.Entry

	// Start and End delimit the owned block range, inclusive.
	Start, End int

	cfg Config
	now func() uint32

	mu        sync.Mutex
	lockCount int

	tree tree
	bc   blockCache
	bufs bufPool
	bad  badTracker

	// readOnly is set when a tree invariant is found violated beyond what
	// the mount passes repair; the device stays mounted but refuses writes.
	readOnly bool
}

// NewDevice builds the engine for a block range of a chip. Mount completes
// with Build (or Format on virgin flash).
func NewDevice(chip *flash.Chip, start, end int, cfg Config, log *logrus.Entry) (*Device, error) {
	if start < 0 || end >= chip.Attr.TotalBlocks || start > end {
		return nil, fmt.Errorf("block range [%d,%d] out of chip (%d blocks)", start, end, chip.Attr.TotalBlocks)
	}
	cfg = cfg.withDefaults()
	if cfg.MaxDirtyPages > chip.Attr.PagesPerBlock {
		cfg.MaxDirtyPages = chip.Attr.PagesPerBlock
	}
	if cfg.MaxDirtyPages < 2 {
		cfg.MaxDirtyPages = 2
	}
	if log == nil {
		log = chip.Log
	}
	chip.TagChecksum = cfg.TagChecksum
	d := &Device{
		Chip:  chip,
		Attr:  chip.Attr,
		Log:   log,
		Start: start,
		End:   end,
		cfg:   cfg,
		now:   cfg.Now,
	}
	d.tree.init(end - start + 1)
	d.bc.init(d, cfg.MaxCachedBlocks)
	d.bufs.init(d, cfg.MaxPageBuffers, cfg.DirtyGroups)
	d.bad.init()
	return d, nil
}

// Lock acquires the device lock. The lock is strictly non-reentrant; the
// counter assertion catches double acquisition from re-entering code paths.
func (d *Device) Lock() {
	d.mu.Lock()
	d.lockCount++
	if d.lockCount != 1 {
		panic(fmt.Sprintf("device lock entered %d times", d.lockCount))
	}
}

// Unlock releases the device lock.
func (d *Device) Unlock() {
	d.lockCount--
	d.mu.Unlock()
}

// Now returns wall-clock seconds from the injected clock.
func (d *Device) Now() uint32 { return d.now() }

// MinErased returns the erased-block reserve threshold.
func (d *Device) MinErased() int { return d.cfg.MinErasedBlocks }

// ReadOnly reports whether the device was demoted to read-only after a
// consistency failure.
func (d *Device) ReadOnly() bool { return d.readOnly }

// blockCount returns the number of blocks in the owned range.
func (d *Device) blockCount() int { return d.End - d.Start + 1 }

// UsableSize returns the payload bytes per page.
func (d *Device) UsableSize() int { return d.Attr.UsableSize() }

// BlockDataSize returns the payload bytes per block.
func (d *Device) BlockDataSize() int { return d.Attr.BlockDataSize() }

// SpaceTotal returns the device capacity in payload bytes.
func (d *Device) SpaceTotal() int64 {
	return int64(d.blockCount()) * int64(d.BlockDataSize())
}

// SpaceFree returns the payload bytes still allocatable.
func (d *Device) SpaceFree() int64 {
	return int64(d.tree.erasedNum) * int64(d.BlockDataSize())
}

// SpaceUsed returns SpaceTotal minus SpaceFree.
func (d *Device) SpaceUsed() int64 { return d.SpaceTotal() - d.SpaceFree() }

// Release verifies nothing holds engine resources and drops them. Called on
// unmount.
func (d *Device) Release() error {
	if !d.bufs.allFree() {
		return errors.New("page buffers still referenced")
	}
	if err := d.BufFlushAll(); err != nil {
		return err
	}
	if !d.bc.allFree() {
		return errors.New("block info entries still referenced")
	}
	return nil
}

func isBadBlockErr(err error) bool { return errors.Is(err, flash.ErrBadBlock) }
