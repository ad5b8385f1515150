// Package piece tracks the download state of torrent pieces and their
// blocks. Block payloads are never retained here; once a block is durably
// written its buffer is gone and only presence is recorded.
package piece

import (
	"fmt"
	"sync"

	"github.com/Luminarys/synapse/internal/layout"
)

// State is the lifecycle of a piece.
type State int

const (
	Missing State = iota
	InProgress
	CompleteUnverified
	Verified
	Failed
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case InProgress:
		return "in-progress"
	case CompleteUnverified:
		return "complete-unverified"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Piece tracks which blocks of one piece are durably on disk.
type Piece struct {
	Index  int
	Length int64
	Hash   [20]byte

	mu      sync.Mutex
	state   State
	present []bool
	count   int
}

// New creates a piece in the Missing state.
func New(index int, length int64, hash [20]byte) *Piece {
	numBlocks := int((length + layout.BlockSize - 1) / layout.BlockSize)

	return &Piece{
		Index:   index,
		Length:  length,
		Hash:    hash,
		state:   Missing,
		present: make([]bool, numBlocks),
	}
}

// NumBlocks returns the number of wire blocks in the piece.
func (p *Piece) NumBlocks() int {
	return len(p.present)
}

// BlockLen returns the length of the block starting at offset.
func (p *Piece) BlockLen(offset int64) int64 {
	if offset+layout.BlockSize <= p.Length {
		return layout.BlockSize
	}

	return p.Length - offset
}

// CheckBlock validates that (offset, length) names exactly one block of the
// piece: block-aligned, in range, and exactly the block's length. It reports
// whether that block is already present; writes to a present block would
// overlap bytes already on disk.
func (p *Piece) CheckBlock(offset, length int64) (present bool, err error) {
	if offset < 0 || offset%layout.BlockSize != 0 || offset >= p.Length {
		return false, fmt.Errorf("piece %d: block offset %d not aligned within length %d", p.Index, offset, p.Length)
	}

	if length != p.BlockLen(offset) {
		return false, fmt.Errorf("piece %d: block at %d must be %d bytes, got %d", p.Index, offset, p.BlockLen(offset), length)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.present[offset/layout.BlockSize], nil
}

// MarkPresent records that the block at offset is fully on disk. It must
// only be called after the backend confirmed full completion of the write.
// Returns the piece state after the transition; CompleteUnverified means
// every block is present and the piece is due for verification.
func (p *Piece) MarkPresent(offset int64) (State, error) {
	if offset < 0 || offset%layout.BlockSize != 0 || offset >= p.Length {
		return Missing, fmt.Errorf("piece %d: invalid block offset %d", p.Index, offset)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Verified {
		return p.state, fmt.Errorf("piece %d is verified and immutable", p.Index)
	}

	idx := int(offset / layout.BlockSize)
	if !p.present[idx] {
		p.present[idx] = true
		p.count++
	}

	if p.count == len(p.present) {
		p.state = CompleteUnverified
	} else {
		p.state = InProgress
	}

	return p.state, nil
}

// HasBlock reports whether the block at offset is on disk.
func (p *Piece) HasBlock(offset int64) bool {
	if offset < 0 || offset >= p.Length {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.present[offset/layout.BlockSize]
}

// State returns the current lifecycle state.
func (p *Piece) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// SetVerified transitions a fully present piece to Verified. Its bytes are
// treated as immutable from here on.
func (p *Piece) SetVerified() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count != len(p.present) {
		return fmt.Errorf("piece %d: verify with %d of %d blocks present", p.Index, p.count, len(p.present))
	}

	p.state = Verified

	return nil
}

// Fail records a digest mismatch and clears block presence so every block
// is re-downloaded. This is an ordinary, retried outcome.
func (p *Piece) Fail() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = Failed
	p.count = 0
	for i := range p.present {
		p.present[i] = false
	}
}

// Reset returns the piece to Missing with no blocks, used when a torrent's
// data is invalidated wholesale.
func (p *Piece) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = Missing
	p.count = 0
	for i := range p.present {
		p.present[i] = false
	}
}
