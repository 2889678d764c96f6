package ecc

import (
	"bytes"
	"math/rand"
	"testing"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)*7 + seed
	}
	return b
}

func TestMakeDeterministic(t *testing.T) {
	t.Parallel()

	data := pattern(512, 3)
	ecc1 := make([]byte, 6)
	ecc2 := make([]byte, 6)
	Make(data, ecc1)
	Make(data, ecc2)
	if !bytes.Equal(ecc1, ecc2) {
		t.Fatalf("ECC not deterministic: %x vs %x", ecc1, ecc2)
	}
}

func TestCorrectClean(t *testing.T) {
	t.Parallel()

	for _, size := range []int{256, 512, 1024, 2048} {
		eccSize, err := Size(size)
		if err != nil {
			t.Fatal(err)
		}
		data := pattern(size, byte(size))
		stored := make([]byte, eccSize)
		Make(data, stored)

		computed := make([]byte, eccSize)
		Make(data, computed)
		if n := Correct(data, stored, computed); n != 0 {
			t.Errorf("size %d: clean data reported %d corrections", size, n)
		}
	}
}

func TestCorrectSingleBit(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	for _, size := range []int{256, 512} {
		eccSize, _ := Size(size)
		payload := size - eccSize
		for trial := 0; trial < 50; trial++ {
			data := pattern(size, byte(trial))
			Make(data, data[payload:]) // ECC lives in the page tail
			stored := append([]byte(nil), data[payload:]...)

			want := append([]byte(nil), data...)
			byteIdx := rng.Intn(payload)
			bit := uint(rng.Intn(8))
			data[byteIdx] ^= 1 << bit

			computed := make([]byte, eccSize)
			Make(data, computed)
			n := Correct(data, stored, computed)
			if n != 1 {
				t.Fatalf("size %d trial %d: corrected %d bits, want 1 (flip at %d/%d)", size, trial, n, byteIdx, bit)
			}
			if !bytes.Equal(data, want) {
				t.Fatalf("size %d trial %d: data not repaired", size, trial)
			}
		}
	}
}

func TestDetectDoubleBit(t *testing.T) {
	t.Parallel()

	data := pattern(256, 9)
	eccSize, _ := Size(256)
	payload := 256 - eccSize
	Make(data, data[payload:])
	stored := append([]byte(nil), data[payload:]...)

	// Two flips in the same chunk must be detected as unrecoverable.
	data[10] ^= 0x01
	data[100] ^= 0x10

	computed := make([]byte, eccSize)
	Make(data, computed)
	if n := Correct(data, stored, computed); n != -1 {
		t.Fatalf("double-bit error not detected, got %d", n)
	}
}

func TestSize(t *testing.T) {
	t.Parallel()

	for size, want := range map[int]int{256: 3, 512: 6, 1024: 12, 2048: 24} {
		got, err := Size(size)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Size(%d) = %d, want %d", size, got, want)
		}
	}
	if _, err := Size(700); err == nil {
		t.Error("Size(700) did not fail")
	}
}
