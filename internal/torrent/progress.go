package torrent

import (
	"github.com/Luminarys/synapse/internal/bitfield"
	"github.com/Luminarys/synapse/internal/layout"
)

// Progress is a point-in-time view of how much of a torrent is verified on
// disk. Only verified bytes count as downloaded; unverified pieces may yet
// be thrown away.
type Progress struct {
	TotalBytes      int64
	VerifiedBytes   int64
	TotalPieces     int
	VerifiedPieces  int
	RemainingBlocks int
	Percentage      float64
}

func snapshot(info *layout.Info, bf *bitfield.Bitfield, remainingBlocks int) Progress {
	p := Progress{
		TotalBytes:      info.TotalLength,
		TotalPieces:     info.NumPieces(),
		RemainingBlocks: remainingBlocks,
	}

	for i := 0; i < info.NumPieces(); i++ {
		if bf.Has(i) {
			p.VerifiedPieces++
			p.VerifiedBytes += info.PieceLen(i)
		}
	}

	if p.TotalBytes > 0 {
		p.Percentage = float64(p.VerifiedBytes) / float64(p.TotalBytes) * 100
	}

	return p
}
