package storage

import "github.com/google/uuid"

// EventKind classifies status and failure notifications emitted by a Store.
type EventKind int

const (
	// EventPieceVerified reports a piece whose digest matched.
	EventPieceVerified EventKind = iota
	// EventPieceFailed reports a digest mismatch; the piece was cleared
	// and will be re-downloaded. Not an operator-facing error.
	EventPieceFailed
	// EventDiskFull reports space exhaustion; the torrent should pause
	// until space becomes available.
	EventDiskFull
	// EventIOError reports a storage fault scoped to one file.
	EventIOError
)

func (k EventKind) String() string {
	switch k {
	case EventPieceVerified:
		return "piece-verified"
	case EventPieceFailed:
		return "piece-failed"
	case EventDiskFull:
		return "disk-full"
	case EventIOError:
		return "io-error"
	default:
		return "unknown"
	}
}

// Event is a status notification for the torrent manager.
type Event struct {
	Kind    EventKind
	Torrent uuid.UUID
	// Piece is set for verification events.
	Piece int
	// File is set for I/O error events.
	File string
	Err  error
}

// emit delivers an event without ever blocking a disk path on a slow
// consumer.
func (s *Store) emit(ev Event) {
	if s.events == nil {
		return
	}

	ev.Torrent = s.id

	select {
	case s.events <- ev:
	default:
	}
}
