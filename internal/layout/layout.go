// Package layout holds the geometry of a torrent: how its flat byte space
// divides into pieces and blocks, and how it maps onto the underlying files.
// Everything here is pure arithmetic over already-parsed metadata; no I/O.
package layout

import (
	"fmt"
	"path/filepath"

	"github.com/Luminarys/synapse/internal/errors"
)

// BlockSize is the standard request granularity on the wire (16 KiB).
const BlockSize = 16384

// File describes one content file of a torrent.
type File struct {
	// Path holds the relative path elements inside the torrent directory.
	Path   []string
	Length int64
}

// Span is a contiguous byte range inside a single file. Spans returned by
// Locations concatenate in order to the requested global range.
type Span struct {
	// FileIndex points into Info.Files.
	FileIndex int
	// Offset is the position within that file.
	Offset int64
	// Length never extends past the file's end.
	Length int64
}

// Info is the storage-relevant view of parsed torrent metadata.
type Info struct {
	Name        string
	PieceLength int64
	TotalLength int64
	Hashes      [][20]byte
	Files       []File

	// starts[i] is the global byte offset where Files[i] begins.
	starts []int64
}

// NewInfo validates geometry and precomputes file start offsets. The file
// lengths must sum to the piece layout implied by the hash count.
func NewInfo(name string, pieceLength int64, hashes [][20]byte, files []File) (*Info, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("piece length %d must be positive", pieceLength)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("torrent %q has no files", name)
	}

	var total int64

	starts := make([]int64, len(files))
	for i, f := range files {
		if f.Length < 0 {
			return nil, fmt.Errorf("file %d has negative length %d", i, f.Length)
		}

		starts[i] = total
		total += f.Length
	}

	pieces := int((total + pieceLength - 1) / pieceLength)
	if pieces != len(hashes) {
		return nil, fmt.Errorf("%d piece hashes for %d pieces", len(hashes), pieces)
	}

	return &Info{
		Name:        name,
		PieceLength: pieceLength,
		TotalLength: total,
		Hashes:      hashes,
		Files:       files,
		starts:      starts,
	}, nil
}

// NumPieces returns the piece count.
func (in *Info) NumPieces() int {
	return len(in.Hashes)
}

// PieceLen returns the length of piece idx. Only the final piece may be
// shorter than Info.PieceLength.
func (in *Info) PieceLen(idx int) int64 {
	if idx != in.NumPieces()-1 {
		return in.PieceLength
	}

	last := in.TotalLength - in.PieceLength*int64(in.NumPieces()-1)

	return last
}

// PieceOffset returns the global byte offset where piece idx begins.
func (in *Info) PieceOffset(idx int) int64 {
	return int64(idx) * in.PieceLength
}

// NumBlocks returns the number of wire blocks in piece idx.
func (in *Info) NumBlocks(idx int) int {
	return int((in.PieceLen(idx) + BlockSize - 1) / BlockSize)
}

// BlockLen returns the length of the block at the given offset within piece
// idx. Every block is BlockSize except possibly the trailing one.
func (in *Info) BlockLen(idx int, begin int64) int64 {
	pl := in.PieceLen(idx)
	if begin+BlockSize <= pl {
		return BlockSize
	}

	return pl - begin
}

// FilePath returns the file's path relative to the storage root, preserving
// the torrent's directory structure for multi-file torrents.
func (in *Info) FilePath(idx int) string {
	f := in.Files[idx]
	if len(in.Files) == 1 && len(f.Path) == 0 {
		return in.Name
	}

	return filepath.Join(append([]string{in.Name}, f.Path...)...)
}

// FileStart returns the global byte offset where file idx begins.
func (in *Info) FileStart(idx int) int64 {
	return in.starts[idx]
}

// Locations maps a global byte range onto ordered per-file spans, splitting
// exactly at file boundaries.
func (in *Info) Locations(offset, length int64) ([]Span, error) {
	if offset < 0 || length < 0 || offset+length > in.TotalLength {
		return nil, errors.NewRangeError(errors.ErrInvalidRange,
			fmt.Sprintf("offset %d length %d against total %d", offset, length, in.TotalLength))
	}

	if length == 0 {
		return nil, nil
	}

	spans := make([]Span, 0, 1)
	remaining := length
	cur := offset

	// Walk files in order; emit a span for every file the range touches.
	for i, f := range in.Files {
		end := in.starts[i] + f.Length
		if cur >= end {
			continue
		}

		local := cur - in.starts[i]

		n := end - cur
		if n > remaining {
			n = remaining
		}

		spans = append(spans, Span{FileIndex: i, Offset: local, Length: n})
		cur += n
		remaining -= n

		if remaining == 0 {
			break
		}
	}

	return spans, nil
}

// PieceLocations maps an entire piece onto file spans.
func (in *Info) PieceLocations(idx int) ([]Span, error) {
	if idx < 0 || idx >= in.NumPieces() {
		return nil, errors.NewRangeError(errors.ErrInvalidRange, fmt.Sprintf("piece %d of %d", idx, in.NumPieces()))
	}

	return in.Locations(in.PieceOffset(idx), in.PieceLen(idx))
}
