// Package nandemu emulates a raw NAND chip behind the flash driver
// interface. It backs the test suite and the maintenance CLI: pages live in
// memory or in a plain image file, erased bytes read 0xFF, programming can
// only clear bits, and the per-spare program count is enforced so the commit
// protocol cannot silently exceed the chip's write limit.
package nandemu

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nandfs/nandfs/internal/flash"
	"github.com/nandfs/nandfs/internal/tag"
)

// MakerID identifies the emulated chip in the flash class table.
const MakerID = 0xE0

// Chip is an emulated NAND chip. It implements flash.Ops.
type Chip struct {
	attr *flash.Attr

	mu    sync.Mutex
	data  []byte // block-major: pages then spares
	f     *os.File
	wear  []int // erase count per block
	spcnt []int // program count per spare since last erase

	// bad simulates factory or grown bad blocks: erase and page data
	// program on a listed block fail with flash.ErrBadBlock.
	bad map[int]bool

	// failNextWrite counts down the page data programs until one fails with
	// ErrBadBlock (see FailWriteAfter), simulating a block going bad
	// mid-write; -1 disables it.
	failNextWrite int
}

// New creates an in-memory chip with the given geometry.
func New(attr *flash.Attr) (*Chip, error) {
	if err := attr.Validate(); err != nil {
		return nil, err
	}
	c := &Chip{
		attr:          attr,
		wear:          make([]int, attr.TotalBlocks),
		spcnt:         make([]int, attr.TotalBlocks*attr.PagesPerBlock),
		bad:           make(map[int]bool),
		failNextWrite: -1,
	}
	c.data = make([]byte, c.size())
	for i := range c.data {
		c.data[i] = 0xFF
	}
	return c, nil
}

// Open loads an existing image file of ImageSize(attr) bytes. The file is
// locked against concurrent use by other processes.
func Open(path string, attr *flash.Attr) (*Chip, error) {
	c, err := New(attr)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("image %s is in use: %v", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() != int64(c.size()) {
		f.Close()
		return nil, fmt.Errorf("image %s: size %d does not match geometry (want %d)", path, st.Size(), c.size())
	}
	if _, err := f.ReadAt(c.data, 0); err != nil {
		f.Close()
		return nil, err
	}
	c.f = f
	return c, nil
}

// Close flushes and releases a file-backed chip.
func (c *Chip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	if err := c.sync(); err != nil {
		return err
	}
	err := c.f.Close()
	c.f = nil
	return err
}

// ImageSize returns the byte size of an image with the given geometry.
func ImageSize(attr *flash.Attr) int {
	return attr.TotalBlocks * attr.PagesPerBlock * (attr.PageDataSize + attr.SpareSize)
}

func (c *Chip) size() int { return ImageSize(c.attr) }

func (c *Chip) sync() error {
	if c.f == nil {
		return nil
	}
	if _, err := c.f.WriteAt(c.data, 0); err != nil {
		return err
	}
	return c.f.Sync()
}

// MarkBad registers a simulated bad block.
func (c *Chip) MarkBad(block int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bad[block] = true
}

// FailWriteAfter makes the n-th next page data program fail with ErrBadBlock
// (n=0: the very next one), turning its block bad.
func (c *Chip) FailWriteAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNextWrite = n
}

// EraseCount returns how often the block has been erased.
func (c *Chip) EraseCount(block int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wear[block]
}

func (c *Chip) pageOfs(block, page int) int {
	return (block*c.attr.PagesPerBlock + page) * (c.attr.PageDataSize + c.attr.SpareSize)
}

func (c *Chip) spareOfs(block, page int) int {
	return c.pageOfs(block, page) + c.attr.PageDataSize
}

func (c *Chip) check(block, page int) error {
	if block < 0 || block >= c.attr.TotalBlocks {
		return fmt.Errorf("block %d out of range: %w", block, flash.ErrIO)
	}
	if page < 0 || page >= c.attr.PagesPerBlock {
		return fmt.Errorf("page %d out of range: %w", page, flash.ErrIO)
	}
	return nil
}

// program clears bits of dst according to src; NAND programming can never
// set a bit back to 1 without an erase.
func program(dst, src []byte) {
	for i := range src {
		dst[i] &= src[i]
	}
}

func (c *Chip) ReadPageData(block, page int, data []byte, eccOut []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(block, page); err != nil {
		return err
	}
	if len(data) > c.attr.PageDataSize {
		return fmt.Errorf("read %d bytes from %d byte page: %w", len(data), c.attr.PageDataSize, flash.ErrIO)
	}
	copy(data, c.data[c.pageOfs(block, page):])
	return nil
}

func (c *Chip) ReadPageSpare(block, page int, spare []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(block, page); err != nil {
		return err
	}
	if len(spare) > c.attr.SpareSize {
		return fmt.Errorf("read %d bytes from %d byte spare: %w", len(spare), c.attr.SpareSize, flash.ErrIO)
	}
	copy(spare, c.data[c.spareOfs(block, page):])
	return nil
}

func (c *Chip) WritePageData(block, page int, data []byte, eccIn []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(block, page); err != nil {
		return err
	}
	if c.bad[block] {
		return flash.ErrBadBlock
	}
	if c.failNextWrite == 0 {
		c.failNextWrite = -1
		c.bad[block] = true
		return flash.ErrBadBlock
	}
	if c.failNextWrite > 0 {
		c.failNextWrite--
	}
	if len(data) > c.attr.PageDataSize {
		return fmt.Errorf("write %d bytes to %d byte page: %w", len(data), c.attr.PageDataSize, flash.ErrIO)
	}
	program(c.data[c.pageOfs(block, page):c.pageOfs(block, page)+len(data)], data)
	return nil
}

func (c *Chip) WritePageSpare(block, page int, spare []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(block, page); err != nil {
		return err
	}
	// Spare programming still works on a grown bad block; the bad block
	// mark itself is written this way.
	if len(spare) > c.attr.SpareSize {
		return fmt.Errorf("write %d bytes to %d byte spare: %w", len(spare), c.attr.SpareSize, flash.ErrIO)
	}
	idx := block*c.attr.PagesPerBlock + page
	c.spcnt[idx]++
	if c.spcnt[idx] > tag.SpareWriteLimit+1 { // +1 for the bad block mark
		return fmt.Errorf("spare of block %d page %d programmed %d times: %w", block, page, c.spcnt[idx], flash.ErrIO)
	}
	program(c.data[c.spareOfs(block, page):c.spareOfs(block, page)+len(spare)], spare)
	return nil
}

func (c *Chip) EraseBlock(block int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(block, 0); err != nil {
		return err
	}
	if c.bad[block] {
		return flash.ErrBadBlock
	}
	ofs := c.pageOfs(block, 0)
	end := c.pageOfs(block+1, 0)
	for i := ofs; i < end; i++ {
		c.data[i] = 0xFF
	}
	c.wear[block]++
	base := block * c.attr.PagesPerBlock
	for p := 0; p < c.attr.PagesPerBlock; p++ {
		c.spcnt[base+p] = 0
	}
	return nil
}

func init() {
	flash.RegisterClass(&flash.Class{
		Name:  "nandemu",
		Maker: MakerID,
		New: func(attr *flash.Attr) (flash.Ops, error) {
			return New(attr)
		},
	})
}
