// Package flash defines the NAND driver interface consumed by the storage
// engine and the thin page-IO layer sitting on top of it: tag-aware spare
// reads, the three-step commit protocol for page writes, ECC verification
// and correction, bad-block probing and marking.
package flash

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nandfs/nandfs/internal/ecc"
	"github.com/nandfs/nandfs/internal/tag"
)

// ECCOpt selects who computes and verifies page data ECC.
type ECCOpt int

const (
	// ECCNone disables data ECC entirely. The ECC region of the page is
	// still reserved (the on-flash format does not change with the option).
	ECCNone ECCOpt = iota

	// ECCSoft computes and verifies ECC in this package.
	ECCSoft

	// ECCHW leaves ECC to the driver; the page-IO layer passes the ECC
	// region through opaquely.
	ECCHW

	// ECCHWAuto leaves ECC to the driver, which reserves the ECC region of
	// the spare for itself. The two spare writes of the commit protocol are
	// collapsed into one so the driver-owned region is programmed once.
	ECCHWAuto
)

// Driver errors. Drivers must return ErrBadBlock when the chip reports a
// failed program or erase, and ErrIO for transport failures.
var (
	ErrBadBlock = errors.New("flash: bad block")
	ErrIO       = errors.New("flash: I/O error")

	// ErrECC reports page data that could not be corrected.
	ErrECC = errors.New("flash: uncorrectable ECC error")
)

// Attr describes the storage geometry of a device. All of it is fixed at
// format time.
type Attr struct {
	TotalBlocks   int
	PagesPerBlock int

	// PageDataSize is the raw page size (256, 512, 1024 or 2048). The tail
	// ECCSize bytes of every page hold the data ECC; the usable payload per
	// page is PageDataSize - ECCSize.
	PageDataSize int

	SpareSize int

	// BlockStatusOffset is the spare byte reserved by the chip vendor for
	// the factory bad block mark. 0xFF = good.
	BlockStatusOffset int

	ECCOpt ECCOpt
}

// ECCSize returns the number of ECC bytes per page.
func (a *Attr) ECCSize() int {
	n, err := ecc.Size(a.PageDataSize)
	if err != nil {
		panic(err)
	}
	return n
}

// UsableSize returns the payload bytes per page.
func (a *Attr) UsableSize() int { return a.PageDataSize - a.ECCSize() }

// BlockDataSize returns the payload bytes per block.
func (a *Attr) BlockDataSize() int { return a.UsableSize() * a.PagesPerBlock }

// Validate rejects geometries the engine cannot operate on.
func (a *Attr) Validate() error {
	if _, err := ecc.Size(a.PageDataSize); err != nil {
		return err
	}
	if a.PagesPerBlock < 2 || a.PagesPerBlock > 256 {
		return fmt.Errorf("pages per block %d out of range", a.PagesPerBlock)
	}
	// The full tag plus the status byte must fit; the 8-bit tag variant of
	// 8-byte spares is not supported.
	if a.SpareSize < tag.EncodedSize+1 {
		return fmt.Errorf("spare size %d too small for tag", a.SpareSize)
	}
	if a.BlockStatusOffset < 0 || a.BlockStatusOffset >= a.SpareSize {
		return fmt.Errorf("block status offset %d out of spare", a.BlockStatusOffset)
	}
	if a.TotalBlocks < 1 {
		return fmt.Errorf("no blocks")
	}
	return nil
}

// Ops is the driver interface: the mandatory operations every NAND driver
// provides. The engine invokes it only while holding the owning device's
// lock; drivers may block on physical I/O but must not call back into the
// engine.
//
// eccOut/eccIn are only meaningful for ECCHW drivers and are nil otherwise.
type Ops interface {
	ReadPageData(block, page int, data []byte, eccOut []byte) error
	ReadPageSpare(block, page int, spare []byte) error
	WritePageData(block, page int, data []byte, eccIn []byte) error
	WritePageSpare(block, page int, spare []byte) error
	EraseBlock(block int) error
}

// BadBlockOps is the optional driver extension for chips with dedicated
// bad-block commands. Without it the page-IO layer falls back to the status
// byte convention.
type BadBlockOps interface {
	IsBadBlock(block int) bool
	MarkBadBlock(block int) error
}

// Class describes one supported chip family: maker ID, the device IDs it
// covers (empty = any), and how to produce the ops record for it. Mount
// walks the registered classes to select the concrete driver.
type Class struct {
	Name    string
	Maker   uint8
	Devices []uint8
	New     func(attr *Attr) (Ops, error)
	Init    func(attr *Attr, id uint8) error
}

var classes []*Class

// RegisterClass adds a chip class to the lookup table.
func RegisterClass(c *Class) { classes = append(classes, c) }

// LookupClass finds the class for a chip by maker and device ID.
func LookupClass(maker, device uint8) *Class {
	for _, c := range classes {
		if c.Maker != maker {
			continue
		}
		if len(c.Devices) == 0 {
			return c
		}
		for _, d := range c.Devices {
			if d == device {
				return c
			}
		}
	}
	return nil
}

// Chip binds a driver to its geometry and provides the page-IO layer.
type Chip struct {
	Attr *Attr
	Ops  Ops
	Log  *logrus.Entry

	// TagChecksum enables the 8-bit tag checksum (part of the on-flash
	// format: all pages of a device must agree).
	TagChecksum bool

	// DoubleCheckBadBlock also inspects the status byte of page 1 when
	// probing for factory bad block marks.
	DoubleCheckBadBlock bool
}

// NewChip validates the geometry and wraps the driver.
func NewChip(attr *Attr, ops Ops, log *logrus.Entry) (*Chip, error) {
	if err := attr.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		log = logrus.NewEntry(l)
	}
	return &Chip{Attr: attr, Ops: ops, Log: log}, nil
}
