// Package storage owns the on-disk state of one torrent: it routes block
// writes through the layout mapper and I/O backend, verifies completed
// pieces against their digests, and exposes the completion bitfield the
// rest of the daemon advertises and schedules against.
package storage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Luminarys/synapse/internal/bitfield"
	"github.com/Luminarys/synapse/internal/config"
	"github.com/Luminarys/synapse/internal/errors"
	"github.com/Luminarys/synapse/internal/fileio"
	"github.com/Luminarys/synapse/internal/layout"
	"github.com/Luminarys/synapse/internal/logger"
	"github.com/Luminarys/synapse/internal/piece"
	"github.com/Luminarys/synapse/internal/resume"
)

// hashBufferSize is the read granularity when hashing a piece (32 KiB).
const hashBufferSize = 32 * 1024

// Store is the piece store for one torrent. Writes to the same piece are
// serialized; distinct pieces proceed fully concurrently.
type Store struct {
	id   uuid.UUID
	info *layout.Info
	cfg  *config.StorageConfig

	pieces []*piece.Piece
	// locks serialize writes and verification per piece, so a hash pass
	// never races an in-flight write to the same piece.
	locks []sync.Mutex

	mu       sync.Mutex
	backends []fileio.Backend
	closed   bool

	verified *bitfield.Bitfield
	events   chan<- Event
	rdb      *resume.DB
	limiter  *rate.Limiter

	// verifySem bounds concurrent digest checks; verifyWG tracks queued
	// ones so Close can drain them.
	verifySem *semaphore.Weighted
	verifyWG  sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates the store for a torrent. Files are opened and allocated
// eagerly or on first use per configuration. If rdb is non-nil, previously
// verified pieces are restored from it. events may be nil; deliveries never
// block.
func New(id uuid.UUID, info *layout.Info, cfg *config.StorageConfig, rdb *resume.DB, events chan<- Event) (*Store, error) {
	n := info.NumPieces()

	pieces := make([]*piece.Piece, n)
	for i := 0; i < n; i++ {
		pieces[i] = piece.New(i, info.PieceLen(i), info.Hashes[i])
	}

	workers := cfg.VerifyWorkers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		id:        id,
		info:      info,
		cfg:       cfg,
		pieces:    pieces,
		locks:     make([]sync.Mutex, n),
		backends:  make([]fileio.Backend, len(info.Files)),
		verified:  bitfield.New(n),
		events:    events,
		rdb:       rdb,
		verifySem: semaphore.NewWeighted(int64(workers)),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.WriteRateLimit > 0 {
		burst := cfg.WriteRateLimit
		if burst < layout.BlockSize {
			burst = layout.BlockSize
		}

		s.limiter = rate.NewLimiter(rate.Limit(cfg.WriteRateLimit), burst)
	}

	if cfg.EagerAllocate {
		for i := range info.Files {
			if _, err := s.backend(i); err != nil {
				s.closeBackends()
				cancel()

				return nil, err
			}
		}
	}

	if rdb != nil {
		if err := s.restore(); err != nil {
			s.closeBackends()
			cancel()

			return nil, err
		}
	}

	return s, nil
}

// ID returns the torrent's identity.
func (s *Store) ID() uuid.UUID {
	return s.id
}

// Info returns the torrent's geometry.
func (s *Store) Info() *layout.Info {
	return s.info
}

// restore marks pieces recorded as verified in the resume database.
func (s *Store) restore() error {
	bf, err := s.rdb.Load(s.id, s.info.NumPieces())
	if err != nil {
		if errors.Is(err, resume.ErrNotFound) {
			return nil
		}

		return err
	}

	restored := 0

	for i := 0; i < s.info.NumPieces(); i++ {
		if !bf.Has(i) {
			continue
		}

		pc := s.pieces[i]
		for off := int64(0); off < pc.Length; off += layout.BlockSize {
			if _, err := pc.MarkPresent(off); err != nil {
				return err
			}
		}

		if err := pc.SetVerified(); err != nil {
			return err
		}

		s.verified.Set(i)
		restored++
	}

	logger.Infof("torrent %s: restored %d verified pieces", s.id, restored)

	return nil
}

// backend returns the open handle for a file, opening it on first use.
func (s *Store) backend(idx int) (fileio.Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.ErrClosed
	}

	if b := s.backends[idx]; b != nil {
		return b, nil
	}

	path := filepath.Join(s.cfg.Directory, s.info.FilePath(idx))

	b, err := fileio.Open(s.cfg.Backend, path, s.info.Files[idx].Length, true)
	if err != nil {
		s.fault(err, path)
		return nil, err
	}

	s.backends[idx] = b

	return b, nil
}

// fault emits the event matching a classified storage error.
func (s *Store) fault(err error, file string) {
	switch {
	case errors.IsDiskFull(err):
		s.emit(Event{Kind: EventDiskFull, Err: err})
	case errors.IsIOFault(err):
		s.emit(Event{Kind: EventIOError, File: file, Err: err})
	}
}

// WriteBlock validates and durably writes one block delivered by a peer.
// The block is marked present only after every byte is confirmed written;
// a failed or faulted write leaves it absent so it will be re-requested.
// When the last block of a piece lands, verification is queued.
func (s *Store) WriteBlock(ctx context.Context, pieceIdx int, blockOffset int64, data []byte) error {
	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return errors.NewRangeError(errors.ErrInvalidRange, fmt.Sprintf("piece %d of %d", pieceIdx, len(s.pieces)))
	}

	pc := s.pieces[pieceIdx]

	present, err := pc.CheckBlock(blockOffset, int64(len(data)))
	if err != nil {
		return errors.NewRangeError(err, fmt.Sprintf("piece %d", pieceIdx))
	}

	if present {
		// Duplicate delivery, common in endgame. The first copy won.
		return nil
	}

	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, len(data)); err != nil {
			return errors.NewContextError(err, fmt.Sprintf("piece %d", pieceIdx))
		}
	}

	s.locks[pieceIdx].Lock()
	defer s.locks[pieceIdx].Unlock()

	if err := ctx.Err(); err != nil {
		return errors.NewContextError(err, fmt.Sprintf("piece %d", pieceIdx))
	}

	// Recheck under the piece lock; an endgame duplicate may have landed
	// while we waited.
	if present, _ = pc.CheckBlock(blockOffset, int64(len(data))); present {
		return nil
	}

	global := s.info.PieceOffset(pieceIdx) + blockOffset

	if err := s.writeRange(global, data); err != nil {
		return err
	}

	st, err := pc.MarkPresent(blockOffset)
	if err != nil {
		return errors.NewRangeError(err, fmt.Sprintf("piece %d", pieceIdx))
	}

	if st == piece.CompleteUnverified {
		s.queueVerify(pieceIdx)
	}

	return nil
}

// writeRange resolves spans and writes through the backends.
func (s *Store) writeRange(global int64, data []byte) error {
	spans, err := s.info.Locations(global, int64(len(data)))
	if err != nil {
		return err
	}

	written := int64(0)

	for _, sp := range spans {
		b, err := s.backend(sp.FileIndex)
		if err != nil {
			return err
		}

		if _, err := b.WriteAt(data[written:written+sp.Length], sp.Offset); err != nil {
			s.fault(err, b.Path())
			return err
		}

		written += sp.Length
	}

	return nil
}

// readRange fills buf from the global offset through the backends.
func (s *Store) readRange(global int64, buf []byte) error {
	spans, err := s.info.Locations(global, int64(len(buf)))
	if err != nil {
		return err
	}

	read := int64(0)

	for _, sp := range spans {
		b, err := s.backend(sp.FileIndex)
		if err != nil {
			return err
		}

		if _, err := b.ReadAt(buf[read:read+sp.Length], sp.Offset); err != nil {
			s.fault(err, b.Path())
			return err
		}

		read += sp.Length
	}

	return nil
}

// ReadBlock serves a block back to a peer. Unless configured otherwise,
// only Verified pieces may be read.
func (s *Store) ReadBlock(ctx context.Context, pieceIdx int, blockOffset, length int64) ([]byte, error) {
	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return nil, errors.NewRangeError(errors.ErrInvalidRange, fmt.Sprintf("piece %d of %d", pieceIdx, len(s.pieces)))
	}

	pc := s.pieces[pieceIdx]

	if blockOffset < 0 || length <= 0 || blockOffset+length > pc.Length {
		return nil, errors.NewRangeError(errors.ErrInvalidRange,
			fmt.Sprintf("piece %d: offset %d length %d against %d", pieceIdx, blockOffset, length, pc.Length))
	}

	if pc.State() != piece.Verified && !s.cfg.AllowUnverifiedRead {
		return nil, errors.ErrUnverifiedPiece
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.NewContextError(err, fmt.Sprintf("piece %d", pieceIdx))
	}

	buf := make([]byte, length)
	if err := s.readRange(s.info.PieceOffset(pieceIdx)+blockOffset, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// queueVerify schedules an asynchronous digest check for a piece.
func (s *Store) queueVerify(idx int) {
	s.verifyWG.Add(1)

	go func() {
		defer s.verifyWG.Done()

		if err := s.verifySem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.verifySem.Release(1)

		s.locks[idx].Lock()
		defer s.locks[idx].Unlock()

		s.verifyLocked(idx)
	}()
}

// Verify synchronously re-reads a piece from storage and checks its digest.
// It returns whether the piece is now Verified. A mismatch clears the piece
// back to Missing; that outcome is reported as (false, nil).
func (s *Store) Verify(ctx context.Context, pieceIdx int) (bool, error) {
	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return false, errors.NewRangeError(errors.ErrInvalidRange, fmt.Sprintf("piece %d of %d", pieceIdx, len(s.pieces)))
	}

	if err := ctx.Err(); err != nil {
		return false, errors.NewContextError(err, fmt.Sprintf("piece %d", pieceIdx))
	}

	s.locks[pieceIdx].Lock()
	defer s.locks[pieceIdx].Unlock()

	return s.verifyLocked(pieceIdx), nil
}

// verifyLocked hashes the piece's durable bytes and applies the outcome.
// Called with the piece lock held.
func (s *Store) verifyLocked(idx int) bool {
	pc := s.pieces[idx]

	if pc.State() == piece.Verified {
		return true
	}

	sum, err := s.hashPiece(idx)
	if err != nil {
		logger.Errorf("torrent %s: hashing piece %d: %v", s.id, idx, err)
		return false
	}

	if !bytes.Equal(sum, pc.Hash[:]) {
		logger.Debugf("torrent %s: piece %d failed verification", s.id, idx)
		pc.Fail()
		s.emit(Event{Kind: EventPieceFailed, Piece: idx})

		return false
	}

	if err := pc.SetVerified(); err != nil {
		return false
	}

	s.verified.Set(idx)
	s.persistCompletion()
	s.emit(Event{Kind: EventPieceVerified, Piece: idx})

	return true
}

// hashPiece streams the piece's byte range from storage into SHA-1. It
// reads what is actually durable, never transient write buffers.
func (s *Store) hashPiece(idx int) ([]byte, error) {
	h := sha1.New()
	buf := make([]byte, hashBufferSize)

	offset := s.info.PieceOffset(idx)
	remaining := s.info.PieceLen(idx)

	for remaining > 0 {
		n := int64(hashBufferSize)
		if remaining < n {
			n = remaining
		}

		if err := s.readRange(offset, buf[:n]); err != nil {
			return nil, err
		}

		h.Write(buf[:n])
		offset += n
		remaining -= n
	}

	return h.Sum(nil), nil
}

// persistCompletion saves the verified bitfield if a resume DB is attached.
func (s *Store) persistCompletion() {
	if s.rdb == nil {
		return
	}

	if err := s.rdb.Save(s.id, s.verified); err != nil {
		logger.Warnf("torrent %s: persisting completion: %v", s.id, err)
	}
}

// Validate re-checks every piece against its digest, marking matching
// pieces Verified. Used at torrent load to resume from data already on
// disk. It returns the indices that did not validate.
func (s *Store) Validate(ctx context.Context) ([]int, error) {
	var (
		invalidMu sync.Mutex
		invalid   []int
	)

	workers := s.cfg.VerifyWorkers
	if workers <= 0 {
		workers = 1
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)

	for i := 0; i < s.info.NumPieces(); i++ {
		idx := i

		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			s.locks[idx].Lock()
			defer s.locks[idx].Unlock()

			pc := s.pieces[idx]
			if pc.State() == piece.Verified {
				return nil
			}

			sum, err := s.hashPiece(idx)
			if err == nil && bytes.Equal(sum, pc.Hash[:]) {
				for off := int64(0); off < pc.Length; off += layout.BlockSize {
					pc.MarkPresent(off)
				}

				if err := pc.SetVerified(); err == nil {
					s.verified.Set(idx)
					return nil
				}
			}

			pc.Reset()

			invalidMu.Lock()
			invalid = append(invalid, idx)
			invalidMu.Unlock()

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	s.persistCompletion()
	logger.Infof("torrent %s: validated, %d invalid pieces", s.id, len(invalid))

	return invalid, nil
}

// Bitfield returns the live completion bitfield (piece → verified). It is
// safe to share; the peer subsystem advertises its bytes.
func (s *Store) Bitfield() *bitfield.Bitfield {
	return s.verified
}

// PieceState reports a piece's lifecycle state.
func (s *Store) PieceState(pieceIdx int) (piece.State, error) {
	if pieceIdx < 0 || pieceIdx >= len(s.pieces) {
		return piece.Missing, errors.NewRangeError(errors.ErrInvalidRange, fmt.Sprintf("piece %d of %d", pieceIdx, len(s.pieces)))
	}

	return s.pieces[pieceIdx].State(), nil
}

// Complete reports whether every piece is verified.
func (s *Store) Complete() bool {
	return s.verified.IsComplete()
}

// Flush forces written data to stable storage on every open file.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error

	for _, b := range s.backends {
		if b == nil {
			continue
		}

		if err := b.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (s *Store) closeBackends() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range s.backends {
		if b == nil {
			continue
		}

		if err := b.Close(); err != nil {
			logger.Warnf("torrent %s: closing %s: %v", s.id, b.Path(), err)
		}

		s.backends[i] = nil
	}
}

// Close stops verification work, waits for in-flight checks to finish, and
// closes file handles. In-flight operations complete or abort without
// corrupting other pieces; no write lands after Close returns.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.verifyWG.Wait()

	s.persistCompletion()

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error

	for i, b := range s.backends {
		if b == nil {
			continue
		}

		if err := b.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}

		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		s.backends[i] = nil
	}

	return firstErr
}

// Remove tears the torrent down: closes handles, deletes content files and
// any resume record. The store is unusable afterwards.
func (s *Store) Remove() error {
	if err := s.Close(); err != nil {
		logger.Warnf("torrent %s: close before remove: %v", s.id, err)
	}

	var firstErr error

	for i := range s.info.Files {
		path := filepath.Join(s.cfg.Directory, s.info.FilePath(i))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}

	// Drop the torrent's directory if this was a multi-file torrent and
	// it is now empty.
	if len(s.info.Files) > 1 {
		os.Remove(filepath.Join(s.cfg.Directory, s.info.Name))
	}

	if s.rdb != nil {
		if err := s.rdb.Delete(s.id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
