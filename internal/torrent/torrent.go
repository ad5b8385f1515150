// Package torrent couples the piece store with the selection policy for a
// single torrent and keeps the two consistent: verification outcomes flow
// from the store back into the picker, and block deliveries flow the other
// way.
package torrent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Luminarys/synapse/internal/bitfield"
	"github.com/Luminarys/synapse/internal/config"
	"github.com/Luminarys/synapse/internal/layout"
	"github.com/Luminarys/synapse/internal/logger"
	"github.com/Luminarys/synapse/internal/picker"
	"github.com/Luminarys/synapse/internal/resume"
	"github.com/Luminarys/synapse/internal/status"
	"github.com/Luminarys/synapse/internal/storage"
)

var (
	ErrAlreadyStarted = errors.New("torrent already started")
	ErrStopped        = errors.New("torrent stopped")
)

// eventBuffer sizes the store's event channel. Deliveries never block; a
// stalled pump loses events rather than stalling writes.
const eventBuffer = 64

// Torrent is the per-torrent coordinator.
type Torrent struct {
	id     uuid.UUID
	info   *layout.Info
	store  *storage.Store
	picker *picker.Picker

	status atomic.Int32

	started  atomic.Bool
	stopping atomic.Bool

	events chan storage.Event
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a torrent over the given geometry. Previously verified pieces
// restored from rdb (which may be nil) are retired from selection up front.
func New(info *layout.Info, cfg *config.StorageConfig, rdb *resume.DB) (*Torrent, error) {
	id := uuid.New()
	events := make(chan storage.Event, eventBuffer)

	st, err := storage.New(id, info, cfg, rdb, events)
	if err != nil {
		return nil, err
	}

	t := &Torrent{
		id:     id,
		info:   info,
		store:  st,
		picker: picker.New(info, cfg),
		events: events,
		stop:   make(chan struct{}),
	}

	t.syncVerified()

	if st.Complete() {
		t.status.Store(status.Completed)
	} else {
		t.status.Store(status.Pending)
	}

	return t, nil
}

// syncVerified retires every piece the store already holds verified.
func (t *Torrent) syncVerified() {
	bf := t.store.Bitfield()
	for i := 0; i < t.info.NumPieces(); i++ {
		if bf.Has(i) {
			t.picker.MarkVerified(i)
		}
	}
}

// ID returns the torrent's identity.
func (t *Torrent) ID() uuid.UUID {
	return t.id
}

// Info returns the torrent's geometry.
func (t *Torrent) Info() *layout.Info {
	return t.info
}

// Status returns the current lifecycle status.
func (t *Torrent) Status() status.Status {
	return t.status.Load()
}

// Start launches the event pump that applies verification outcomes to the
// selection state. It may be called once.
func (t *Torrent) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	t.status.CompareAndSwap(status.Pending, status.Active)

	t.wg.Add(1)
	go t.run()

	logger.Infof("torrent %s: started (%s)", t.id, status.Name(t.Status()))

	return nil
}

func (t *Torrent) run() {
	defer t.wg.Done()

	for {
		select {
		case ev := <-t.events:
			t.handle(ev)
		case <-t.stop:
			// Apply whatever is still buffered before exiting.
			for {
				select {
				case ev := <-t.events:
					t.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (t *Torrent) handle(ev storage.Event) {
	switch ev.Kind {
	case storage.EventPieceVerified:
		t.picker.MarkVerified(ev.Piece)

		if t.store.Complete() {
			t.status.CompareAndSwap(status.Active, status.Completed)
			logger.Infof("torrent %s: complete", t.id)
		}
	case storage.EventPieceFailed:
		t.picker.MarkFailed(ev.Piece)
	case storage.EventDiskFull:
		logger.Errorf("torrent %s: disk full: %v", t.id, ev.Err)
		t.status.Store(status.Failed)
	case storage.EventIOError:
		logger.Errorf("torrent %s: I/O failure on %s: %v", t.id, ev.File, ev.Err)
		t.status.Store(status.Failed)
	}
}

// Validate re-checks all on-disk data against the piece digests and brings
// the selection state in line. It returns the piece indices that must be
// re-downloaded.
func (t *Torrent) Validate(ctx context.Context) ([]int, error) {
	invalid, err := t.store.Validate(ctx)
	if err != nil {
		return nil, err
	}

	t.syncVerified()

	if t.store.Complete() {
		t.status.CompareAndSwap(status.Active, status.Completed)
		t.status.CompareAndSwap(status.Pending, status.Completed)
	}

	return invalid, nil
}

// AddPeer folds a connected peer's bitfield into availability.
func (t *Torrent) AddPeer(bf *bitfield.Bitfield) {
	t.picker.AddPeer(bf)
}

// RemovePeer reverses AddPeer on disconnect.
func (t *Torrent) RemovePeer(bf *bitfield.Bitfield) {
	t.picker.RemovePeer(bf)
}

// Have records a single-piece availability announcement.
func (t *Torrent) Have(piece int) {
	t.picker.Have(piece)
}

// NextRequest picks the next block to request from a peer, or reports that
// nothing is currently selectable for it.
func (t *Torrent) NextRequest(peerID int, peer *bitfield.Bitfield) (picker.Request, bool) {
	if t.stopping.Load() {
		return picker.Request{}, false
	}

	return t.picker.Next(peerID, peer)
}

// DeliverBlock writes a block received from a peer and settles its request
// state. It returns the peers whose duplicate endgame requests for the same
// block should be cancelled. A write failure releases the peer's claim so
// the block becomes selectable again.
func (t *Torrent) DeliverBlock(ctx context.Context, peerID int, req picker.Request, data []byte) ([]int, error) {
	if t.stopping.Load() {
		return nil, ErrStopped
	}

	if err := t.store.WriteBlock(ctx, req.Piece, req.Offset, data); err != nil {
		t.picker.CancelRequest(req.Piece, req.Offset, peerID)
		return nil, err
	}

	return t.picker.MarkReceived(req.Piece, req.Offset, peerID), nil
}

// CancelRequest releases a block a peer will not deliver.
func (t *Torrent) CancelRequest(peerID int, req picker.Request) {
	t.picker.CancelRequest(req.Piece, req.Offset, peerID)
}

// ReadBlock serves a block back to a peer.
func (t *Torrent) ReadBlock(ctx context.Context, pieceIdx int, offset, length int64) ([]byte, error) {
	return t.store.ReadBlock(ctx, pieceIdx, offset, length)
}

// Bitfield returns the live completion bitfield to advertise.
func (t *Torrent) Bitfield() *bitfield.Bitfield {
	return t.store.Bitfield()
}

// Complete reports whether every piece is verified.
func (t *Torrent) Complete() bool {
	return t.store.Complete()
}

// Progress returns a snapshot of download progress.
func (t *Torrent) Progress() Progress {
	return snapshot(t.info, t.store.Bitfield(), t.picker.Remaining())
}

// Close stops the event pump and the store. Safe to call more than once.
func (t *Torrent) Close() error {
	if !t.stopping.CompareAndSwap(false, true) {
		return nil
	}

	err := t.store.Close()

	if t.started.Load() {
		close(t.stop)
		t.wg.Wait()
	}

	if t.Status() != status.Completed {
		t.status.Store(status.Stopped)
	}

	return err
}

// Remove tears the torrent down and deletes its content and resume state.
func (t *Torrent) Remove() error {
	t.Close()
	return t.store.Remove()
}
