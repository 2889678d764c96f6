// Package ecc implements the per-256-byte Hamming code used to protect NAND
// page data: 3 ECC bytes cover one 256-byte chunk, correct any single-bit
// error and detect double-bit errors. Larger pages are protected in 256-byte
// chunks (6 bytes for 512, 12 for 1K, 24 for 2K), with the ECC bytes stored
// in the tail of the page data area, so the last chunk of each page covers
// correspondingly fewer payload bytes.
package ecc

import "fmt"

// Size returns the number of ECC bytes for a page of pageSize data bytes.
// Supported page sizes are 256, 512, 1024 and 2048.
func Size(pageSize int) (int, error) {
	switch pageSize {
	case 256:
		return 3, nil
	case 512:
		return 6, nil
	case 1024:
		return 12, nil
	case 2048:
		return 24, nil
	}
	return 0, fmt.Errorf("unsupported page size %d", pageSize)
}

var bitsTbl = [256]uint8{
	0, 1, 1, 2, 1, 2, 2, 3, 1, 2, 2, 3, 2, 3, 3, 4,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	1, 2, 2, 3, 2, 3, 3, 4, 2, 3, 3, 4, 3, 4, 4, 5,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	2, 3, 3, 4, 3, 4, 4, 5, 3, 4, 4, 5, 4, 5, 5, 6,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	3, 4, 4, 5, 4, 5, 5, 6, 4, 5, 5, 6, 5, 6, 6, 7,
	4, 5, 5, 6, 5, 6, 6, 7, 5, 6, 6, 7, 6, 7, 7, 8,
}

var lineParityTbl = [16]uint8{
	0x00, 0x02, 0x08, 0x0a, 0x20, 0x22, 0x28, 0x2a,
	0x80, 0x82, 0x88, 0x8a, 0xa0, 0xa2, 0xa8, 0xaa,
}

var lineParityPrimeTbl = [16]uint8{
	0x00, 0x01, 0x04, 0x05, 0x10, 0x11, 0x14, 0x15,
	0x40, 0x41, 0x44, 0x45, 0x50, 0x51, 0x54, 0x55,
}

var columnParityTbl = [256]uint8{
	0x00, 0x55, 0x59, 0x0c, 0x65, 0x30, 0x3c, 0x69, 0x69, 0x3c, 0x30, 0x65, 0x0c, 0x59, 0x55, 0x00,
	0x95, 0xc0, 0xcc, 0x99, 0xf0, 0xa5, 0xa9, 0xfc, 0xfc, 0xa9, 0xa5, 0xf0, 0x99, 0xcc, 0xc0, 0x95,
	0x99, 0xcc, 0xc0, 0x95, 0xfc, 0xa9, 0xa5, 0xf0, 0xf0, 0xa5, 0xa9, 0xfc, 0x95, 0xc0, 0xcc, 0x99,
	0x0c, 0x59, 0x55, 0x00, 0x69, 0x3c, 0x30, 0x65, 0x65, 0x30, 0x3c, 0x69, 0x00, 0x55, 0x59, 0x0c,
	0xa5, 0xf0, 0xfc, 0xa9, 0xc0, 0x95, 0x99, 0xcc, 0xcc, 0x99, 0x95, 0xc0, 0xa9, 0xfc, 0xf0, 0xa5,
	0x30, 0x65, 0x69, 0x3c, 0x55, 0x00, 0x0c, 0x59, 0x59, 0x0c, 0x00, 0x55, 0x3c, 0x69, 0x65, 0x30,
	0x3c, 0x69, 0x65, 0x30, 0x59, 0x0c, 0x00, 0x55, 0x55, 0x00, 0x0c, 0x59, 0x30, 0x65, 0x69, 0x3c,
	0xa9, 0xfc, 0xf0, 0xa5, 0xcc, 0x99, 0x95, 0xc0, 0xc0, 0x95, 0x99, 0xcc, 0xa5, 0xf0, 0xfc, 0xa9,
	0xa9, 0xfc, 0xf0, 0xa5, 0xcc, 0x99, 0x95, 0xc0, 0xc0, 0x95, 0x99, 0xcc, 0xa5, 0xf0, 0xfc, 0xa9,
	0x3c, 0x69, 0x65, 0x30, 0x59, 0x0c, 0x00, 0x55, 0x55, 0x00, 0x0c, 0x59, 0x30, 0x65, 0x69, 0x3c,
	0x30, 0x65, 0x69, 0x3c, 0x55, 0x00, 0x0c, 0x59, 0x59, 0x0c, 0x00, 0x55, 0x3c, 0x69, 0x65, 0x30,
	0xa5, 0xf0, 0xfc, 0xa9, 0xc0, 0x95, 0x99, 0xcc, 0xcc, 0x99, 0x95, 0xc0, 0xa9, 0xfc, 0xf0, 0xa5,
	0x0c, 0x59, 0x55, 0x00, 0x69, 0x3c, 0x30, 0x65, 0x65, 0x30, 0x3c, 0x69, 0x00, 0x55, 0x59, 0x0c,
	0x99, 0xcc, 0xc0, 0x95, 0xfc, 0xa9, 0xa5, 0xf0, 0xf0, 0xa5, 0xa9, 0xfc, 0x95, 0xc0, 0xcc, 0x99,
	0x95, 0xc0, 0xcc, 0x99, 0xf0, 0xa5, 0xa9, 0xfc, 0xfc, 0xa9, 0xa5, 0xf0, 0x99, 0xcc, 0xc0, 0x95,
	0x00, 0x55, 0x59, 0x0c, 0x65, 0x30, 0x3c, 0x69, 0x69, 0x3c, 0x30, 0x65, 0x0c, 0x59, 0x55, 0x00,
}

// makeChunk computes the 3 ECC bytes for one 256-byte chunk of which only the
// first n bytes carry payload; the remainder is treated as zero.
//
// ECC layout:
//
//	byte 0: P64  | P64'  | P32  | P32'  | P8   | P8'
//	byte 1: P1024| P1024'| P512 | P512' | P128 | P128'
//	byte 2: P4   | P4'   | P2   | P2'   | 1    | 1
func makeChunk(data []byte, ecc []byte, n int) {
	var colParity uint8
	var lineParity, lineParityPrime uint8

	for i := 0; i < n; i++ {
		b := columnParityTbl[data[i]]
		colParity ^= b
		if b&0x01 != 0 { // odd number of bits in the byte
			lineParity ^= uint8(i)
			lineParityPrime ^= ^uint8(i)
		}
	}
	// The zero-filled tail contributes nothing: columnParityTbl[0] == 0.

	ecc[0] = ^(lineParityTbl[lineParity&0xf] | lineParityPrimeTbl[lineParityPrime&0xf])
	ecc[1] = ^(lineParityTbl[lineParity>>4] | lineParityPrimeTbl[lineParityPrime>>4])
	ecc[2] = (^colParity) | 0x03
}

// Make computes the ECC for a page data area of len(data) == pageSize bytes.
// Only the payload part of each chunk participates: the final eccSize bytes
// of the page (where the ECC itself is stored) are excluded.
func Make(data, ecc []byte) {
	eccSize := len(ecc)
	nchunks := len(data) / 256
	for c := 0; c < nchunks; c++ {
		n := 256
		if c == nchunks-1 {
			n = 256 - eccSize
		}
		makeChunk(data[c*256:], ecc[c*3:c*3+3], n)
	}
}

// correctChunk compares stored and freshly computed ECC for one chunk and
// repairs a single-bit error in place. errtop bounds the byte offset that a
// correction may touch (payload bytes only).
//
// Returns 0 for no error, the number of corrected bits (>0), or -1 for an
// unrecoverable error.
func correctChunk(data []byte, readECC, testECC []byte, errtop int) int {
	d0 := readECC[0] ^ testECC[0]
	d1 := readECC[1] ^ testECC[1]
	d2 := readECC[2] ^ testECC[2]

	if d0|d1|d2 == 0 {
		return 0
	}

	if ((d0^(d0>>1))&0x55) == 0x55 &&
		((d1^(d1>>1))&0x55) == 0x55 &&
		((d2^(d2>>1))&0x54) == 0x54 {
		// Single bit (recoverable) error in data.
		var b, bit uint8

		if d1&0x80 != 0 {
			b |= 0x80
		}
		if d1&0x20 != 0 {
			b |= 0x40
		}
		if d1&0x08 != 0 {
			b |= 0x20
		}
		if d1&0x02 != 0 {
			b |= 0x10
		}
		if d0&0x80 != 0 {
			b |= 0x08
		}
		if d0&0x20 != 0 {
			b |= 0x04
		}
		if d0&0x08 != 0 {
			b |= 0x02
		}
		if d0&0x02 != 0 {
			b |= 0x01
		}

		if d2&0x80 != 0 {
			bit |= 0x04
		}
		if d2&0x20 != 0 {
			bit |= 0x02
		}
		if d2&0x08 != 0 {
			bit |= 0x01
		}

		if int(b) >= errtop {
			return -1
		}

		data[b] ^= 1 << bit
		return 1
	}

	if bitsTbl[d0]+bitsTbl[d1]+bitsTbl[d2] == 1 {
		// Error is in the ECC itself, data is fine.
		return 1
	}

	return -1
}

// Correct verifies page data against its stored ECC and repairs single-bit
// errors in place. readECC is the ECC read back from flash, testECC the one
// computed from the data just read.
//
// Returns the number of corrected bits, or -1 if any chunk is unrecoverable.
func Correct(data, readECC, testECC []byte) int {
	eccSize := len(readECC)
	nchunks := len(data) / 256
	total := 0
	for c := 0; c < nchunks; c++ {
		errtop := 256
		if c == nchunks-1 {
			errtop = 256 - eccSize
		}
		ret := correctChunk(data[c*256:], readECC[c*3:c*3+3], testECC[c*3:c*3+3], errtop)
		if ret < 0 {
			return -1
		}
		total += ret
	}
	return total
}
