// Package picker decides which block to request next. Two strategies are
// supported: sequential for streaming-style consumption and rarest-first
// (the default) driven by aggregated peer availability. The picker also
// enforces the outstanding-block cap and runs the endgame, where the last
// few blocks may be requested from several peers at once.
package picker

import (
	"sync"

	"github.com/Luminarys/synapse/internal/bitfield"
	"github.com/Luminarys/synapse/internal/config"
	"github.com/Luminarys/synapse/internal/layout"
	"github.com/Luminarys/synapse/internal/logger"
)

// maxDuplicates bounds endgame fan-out for a single block.
const maxDuplicates = 3

// Request names one block to fetch from a peer.
type Request struct {
	Piece  int
	Offset int64
	Length int64
}

type blockState struct {
	received bool
	// reqs holds the peers the block is currently requested from. More
	// than one entry only happens in endgame.
	reqs []int
}

// Picker tracks request state for one torrent. All methods are safe for
// concurrent use by peer connection goroutines.
type Picker struct {
	mu sync.Mutex

	info     *layout.Info
	strategy config.Strategy

	avail       []int
	done        []bool
	blocks      [][]blockState
	outstanding []int
	// remaining counts blocks not yet received across unfinished pieces.
	remaining int

	outstandingLimit int
	endgameThreshold int
}

// New creates a picker with nothing received and no availability.
func New(info *layout.Info, cfg *config.StorageConfig) *Picker {
	n := info.NumPieces()

	blocks := make([][]blockState, n)
	remaining := 0

	for i := 0; i < n; i++ {
		blocks[i] = make([]blockState, info.NumBlocks(i))
		remaining += info.NumBlocks(i)
	}

	return &Picker{
		info:             info,
		strategy:         cfg.Strategy,
		avail:            make([]int, n),
		done:             make([]bool, n),
		blocks:           blocks,
		outstanding:      make([]int, n),
		remaining:        remaining,
		outstandingLimit: cfg.OutstandingLimit,
		endgameThreshold: cfg.EndgameThreshold,
	}
}

// AddPeer folds a newly connected peer's bitfield into availability counts.
func (pk *Picker) AddPeer(bf *bitfield.Bitfield) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	for i := range pk.avail {
		if bf.Has(i) {
			pk.avail[i]++
		}
	}
}

// RemovePeer reverses AddPeer for a disconnecting peer.
func (pk *Picker) RemovePeer(bf *bitfield.Bitfield) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	for i := range pk.avail {
		if bf.Has(i) && pk.avail[i] > 0 {
			pk.avail[i]--
		}
	}
}

// Have records a single-piece availability announcement.
func (pk *Picker) Have(piece int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if piece >= 0 && piece < len(pk.avail) {
		pk.avail[piece]++
	}
}

// Next selects a block to request from the given peer. In endgame the same
// block may be handed to up to maxDuplicates peers, never twice to one.
// Verified pieces are never selected.
func (pk *Picker) Next(peerID int, peer *bitfield.Bitfield) (Request, bool) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	endgame := pk.remaining > 0 && pk.remaining <= pk.endgameThreshold

	for _, idx := range pk.pieceOrder() {
		if pk.done[idx] || !peer.Has(idx) {
			continue
		}

		b := pk.selectBlock(idx, peerID, endgame)
		if b < 0 {
			continue
		}

		offset := int64(b) * layout.BlockSize

		st := &pk.blocks[idx][b]
		if len(st.reqs) == 0 {
			pk.outstanding[idx]++
		}

		st.reqs = append(st.reqs, peerID)

		return Request{
			Piece:  idx,
			Offset: offset,
			Length: pk.info.BlockLen(idx, offset),
		}, true
	}

	return Request{}, false
}

// selectBlock finds the lowest selectable block of a piece, or -1.
func (pk *Picker) selectBlock(piece, peerID int, endgame bool) int {
	for b := range pk.blocks[piece] {
		st := &pk.blocks[piece][b]
		if st.received {
			continue
		}

		if len(st.reqs) == 0 && pk.outstanding[piece] < pk.outstandingLimit {
			return b
		}
	}

	if !endgame {
		return -1
	}

	for b := range pk.blocks[piece] {
		st := &pk.blocks[piece][b]
		if st.received || len(st.reqs) >= maxDuplicates {
			continue
		}

		if !requestedFrom(st.reqs, peerID) {
			return b
		}
	}

	return -1
}

// MarkReceived records a block arrival and returns the peers whose
// duplicate in-flight requests for the same block should be cancelled.
func (pk *Picker) MarkReceived(piece int, offset int64, peerID int) []int {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	b, ok := pk.blockAt(piece, offset)
	if !ok || b.received {
		return nil
	}

	b.received = true
	pk.remaining--

	if len(b.reqs) > 0 {
		pk.outstanding[piece]--
	}

	var cancels []int
	for _, id := range b.reqs {
		if id != peerID {
			cancels = append(cancels, id)
		}
	}

	b.reqs = nil

	return cancels
}

// CancelRequest releases a block a peer will not deliver (choke, timeout,
// disconnect), making it selectable again. Retry policy lives upward; the
// picker only forgets the claim.
func (pk *Picker) CancelRequest(piece int, offset int64, peerID int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	b, ok := pk.blockAt(piece, offset)
	if !ok || b.received {
		return
	}

	for i, id := range b.reqs {
		if id == peerID {
			b.reqs = append(b.reqs[:i], b.reqs[i+1:]...)
			break
		}
	}

	if len(b.reqs) == 0 && pk.outstanding[piece] > 0 {
		pk.outstanding[piece]--
	}
}

// MarkVerified retires a piece; none of its blocks are selectable again.
func (pk *Picker) MarkVerified(piece int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if piece < 0 || piece >= len(pk.done) || pk.done[piece] {
		return
	}

	pk.done[piece] = true
	pk.outstanding[piece] = 0

	for b := range pk.blocks[piece] {
		st := &pk.blocks[piece][b]
		if !st.received {
			pk.remaining--
		}

		st.received = true
		st.reqs = nil
	}
}

// MarkFailed returns a piece that failed verification to the missing state
// so all of its blocks are re-requested.
func (pk *Picker) MarkFailed(piece int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if piece < 0 || piece >= len(pk.done) || pk.done[piece] {
		return
	}

	logger.Debugf("picker: piece %d failed, re-queueing %d blocks", piece, len(pk.blocks[piece]))

	for b := range pk.blocks[piece] {
		st := &pk.blocks[piece][b]
		if st.received {
			pk.remaining++
		}

		st.received = false
		st.reqs = nil
	}

	pk.outstanding[piece] = 0
}

// Remaining returns the number of blocks not yet received.
func (pk *Picker) Remaining() int {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	return pk.remaining
}

func (pk *Picker) blockAt(piece int, offset int64) (*blockState, bool) {
	if piece < 0 || piece >= len(pk.blocks) {
		return nil, false
	}

	if offset < 0 || offset%layout.BlockSize != 0 {
		return nil, false
	}

	b := int(offset / layout.BlockSize)
	if b >= len(pk.blocks[piece]) {
		return nil, false
	}

	return &pk.blocks[piece][b], true
}

func requestedFrom(reqs []int, peerID int) bool {
	for _, id := range reqs {
		if id == peerID {
			return true
		}
	}

	return false
}
