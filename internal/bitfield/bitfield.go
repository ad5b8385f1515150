package bitfield

import (
	"fmt"
	"math/bits"
	"sync"
)

// Bitfield tracks which pieces a peer (or we) have. The byte layout matches
// the wire representation: piece 0 is the high bit of byte 0.
type Bitfield struct {
	bits []byte
	len  int
	mu   sync.RWMutex
}

// New creates a new bitfield covering numPieces pieces, all unset.
func New(numPieces int) *Bitfield {
	numBytes := (numPieces + 7) / 8
	return &Bitfield{
		bits: make([]byte, numBytes),
		len:  numPieces,
	}
}

// FromBytes creates a bitfield from raw wire bytes.
func FromBytes(data []byte, numPieces int) (*Bitfield, error) {
	expectedBytes := (numPieces + 7) / 8
	if len(data) != expectedBytes {
		return nil, fmt.Errorf("invalid bitfield length: got %d bytes, expected %d", len(data), expectedBytes)
	}

	bf := &Bitfield{
		bits: make([]byte, len(data)),
		len:  numPieces,
	}
	copy(bf.bits, data)

	return bf, nil
}

// Len returns the number of pieces the bitfield covers.
func (bf *Bitfield) Len() int {
	return bf.len
}

// Set marks a piece as present.
func (bf *Bitfield) Set(index int) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if index < 0 || index >= bf.len {
		return fmt.Errorf("piece index %d out of range [0, %d)", index, bf.len)
	}

	bf.bits[index/8] |= 1 << (7 - uint(index%8))

	return nil
}

// Clear unmarks a piece.
func (bf *Bitfield) Clear(index int) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if index < 0 || index >= bf.len {
		return fmt.Errorf("piece index %d out of range [0, %d)", index, bf.len)
	}

	bf.bits[index/8] &^= 1 << (7 - uint(index%8))

	return nil
}

// Has checks if a piece is present.
func (bf *Bitfield) Has(index int) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	if index < 0 || index >= bf.len {
		return false
	}

	return bf.bits[index/8]&(1<<(7-uint(index%8))) != 0
}

// Bytes returns a copy of the raw wire bytes.
func (bf *Bitfield) Bytes() []byte {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	result := make([]byte, len(bf.bits))
	copy(result, bf.bits)

	return result
}

// Count returns the number of pieces marked present.
func (bf *Bitfield) Count() int {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	count := 0
	for _, b := range bf.bits {
		count += bits.OnesCount8(b)
	}

	return count
}

// IsComplete returns true if every piece is present.
func (bf *Bitfield) IsComplete() bool {
	return bf.Count() == bf.len
}
