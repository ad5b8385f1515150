package picker_test

import (
	"testing"

	"github.com/Luminarys/synapse/internal/bitfield"
	"github.com/Luminarys/synapse/internal/config"
	"github.com/Luminarys/synapse/internal/layout"
	"github.com/Luminarys/synapse/internal/picker"
)

func testInfo(t *testing.T, pieces int) *layout.Info {
	t.Helper()

	// Two blocks per piece.
	pieceLen := int64(2 * layout.BlockSize)

	in, err := layout.NewInfo("t", pieceLen, make([][20]byte, pieces),
		[]layout.File{{Length: pieceLen * int64(pieces)}})
	if err != nil {
		t.Fatal(err)
	}

	return in
}

func fullBitfield(pieces int) *bitfield.Bitfield {
	bf := bitfield.New(pieces)
	for i := 0; i < pieces; i++ {
		bf.Set(i)
	}

	return bf
}

func testConfig(strategy config.Strategy) *config.StorageConfig {
	def := config.DefaultConfig().Storage
	def.Strategy = strategy

	return def
}

func TestSequentialOrder(t *testing.T) {
	const pieces = 10

	in := testInfo(t, pieces)
	pk := picker.New(in, testConfig(config.StrategySequential))
	peer := fullBitfield(pieces)

	// Consecutive picks must exhaust piece 0's blocks before touching
	// piece 1, with block offsets ascending.
	var got []picker.Request
	for {
		req, ok := pk.Next(1, peer)
		if !ok {
			break
		}
		got = append(got, req)
		pk.MarkReceived(req.Piece, req.Offset, 1)
	}

	if len(got) != pieces*2 {
		t.Fatalf("picked %d blocks, want %d", len(got), pieces*2)
	}

	for i, req := range got {
		wantPiece := i / 2
		wantOffset := int64(i%2) * layout.BlockSize
		if req.Piece != wantPiece || req.Offset != wantOffset {
			t.Fatalf("pick %d = piece %d offset %d, want piece %d offset %d",
				i, req.Piece, req.Offset, wantPiece, wantOffset)
		}
	}
}

func TestRarestFirstOrder(t *testing.T) {
	in := testInfo(t, 3)
	pk := picker.New(in, testConfig(config.StrategyRarest))
	peer := fullBitfield(3)

	// Availability {0:3, 1:1, 2:1}: piece 1 before piece 2, piece 2
	// before piece 0.
	bf0 := bitfield.New(3)
	bf0.Set(0)

	pk.AddPeer(fullBitfield(3))
	pk.AddPeer(bf0)
	pk.AddPeer(bf0)

	var pieceOrder []int
	seen := make(map[int]bool)
	for {
		req, ok := pk.Next(1, peer)
		if !ok {
			break
		}
		if !seen[req.Piece] {
			seen[req.Piece] = true
			pieceOrder = append(pieceOrder, req.Piece)
		}
		pk.MarkReceived(req.Piece, req.Offset, 1)
	}

	want := []int{1, 2, 0}
	if len(pieceOrder) != len(want) {
		t.Fatalf("piece order %v, want %v", pieceOrder, want)
	}
	for i := range want {
		if pieceOrder[i] != want[i] {
			t.Fatalf("piece order %v, want %v", pieceOrder, want)
		}
	}
}

func TestNeverPicksVerified(t *testing.T) {
	in := testInfo(t, 2)
	pk := picker.New(in, testConfig(config.StrategySequential))
	peer := fullBitfield(2)

	pk.MarkVerified(0)

	for {
		req, ok := pk.Next(1, peer)
		if !ok {
			break
		}
		if req.Piece == 0 {
			t.Fatal("picked a block of a verified piece")
		}
		pk.MarkReceived(req.Piece, req.Offset, 1)
	}
}

func TestOutstandingCap(t *testing.T) {
	in := testInfo(t, 1)
	cfg := testConfig(config.StrategySequential)
	cfg.OutstandingLimit = 1
	cfg.EndgameThreshold = 0 // no endgame in this test
	pk := picker.New(in, cfg)
	peer := fullBitfield(1)

	if _, ok := pk.Next(1, peer); !ok {
		t.Fatal("first pick should succeed")
	}

	// The piece has one outstanding block and the cap is 1.
	if req, ok := pk.Next(2, peer); ok {
		t.Fatalf("second pick should be capped, got %+v", req)
	}
}

func TestFailedPieceRequeued(t *testing.T) {
	in := testInfo(t, 1)
	pk := picker.New(in, testConfig(config.StrategySequential))
	peer := fullBitfield(1)

	for {
		req, ok := pk.Next(1, peer)
		if !ok {
			break
		}
		pk.MarkReceived(req.Piece, req.Offset, 1)
	}

	if pk.Remaining() != 0 {
		t.Fatalf("remaining = %d after receiving everything", pk.Remaining())
	}

	pk.MarkFailed(0)

	if pk.Remaining() != 2 {
		t.Fatalf("remaining = %d after failure, want 2", pk.Remaining())
	}
	if _, ok := pk.Next(1, peer); !ok {
		t.Error("failed piece's blocks should be selectable again")
	}
}

func TestEndgameDuplicatesAndCancel(t *testing.T) {
	in := testInfo(t, 1)
	cfg := testConfig(config.StrategySequential)
	cfg.EndgameThreshold = 4 // both blocks within endgame from the start
	pk := picker.New(in, cfg)
	peer := fullBitfield(1)

	// Peer 1 claims both blocks.
	r1, ok := pk.Next(1, peer)
	if !ok {
		t.Fatal("pick failed")
	}
	if _, ok := pk.Next(1, peer); !ok {
		t.Fatal("second block pick failed")
	}

	// Endgame: peer 2 may duplicate peer 1's outstanding block, but the
	// same peer never requests the same block twice.
	r2, ok := pk.Next(2, peer)
	if !ok {
		t.Fatal("endgame duplicate pick failed")
	}
	if r2.Piece != r1.Piece || r2.Offset != r1.Offset {
		// Both blocks outstanding; duplicate selection starts at the
		// lowest block.
		t.Fatalf("duplicate pick = %+v, want %+v", r2, r1)
	}
	if r3, ok := pk.Next(2, peer); !ok {
		t.Fatal("peer 2 should duplicate the second block next")
	} else if r3.Offset == r2.Offset {
		t.Fatal("peer 2 requested the same block twice")
	}

	// First arrival wins; the loser is returned for cancellation.
	cancels := pk.MarkReceived(r1.Piece, r1.Offset, 2)
	if len(cancels) != 1 || cancels[0] != 1 {
		t.Fatalf("cancels = %v, want [1]", cancels)
	}

	// A duplicate arrival changes nothing.
	if again := pk.MarkReceived(r1.Piece, r1.Offset, 1); again != nil {
		t.Fatalf("late duplicate arrival should cancel nobody, got %v", again)
	}
}

func TestCancelRequestFreesBlock(t *testing.T) {
	in := testInfo(t, 1)
	cfg := testConfig(config.StrategySequential)
	cfg.OutstandingLimit = 1
	cfg.EndgameThreshold = 0
	pk := picker.New(in, cfg)
	peer := fullBitfield(1)

	r, ok := pk.Next(1, peer)
	if !ok {
		t.Fatal("pick failed")
	}

	pk.CancelRequest(r.Piece, r.Offset, 1)

	r2, ok := pk.Next(2, peer)
	if !ok {
		t.Fatal("block should be selectable after cancellation")
	}
	if r2 != r {
		t.Fatalf("re-pick = %+v, want %+v", r2, r)
	}
}
