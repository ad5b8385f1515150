package piece_test

import (
	"testing"

	"github.com/Luminarys/synapse/internal/layout"
	"github.com/Luminarys/synapse/internal/piece"
)

func TestStateTransitions(t *testing.T) {
	p := piece.New(0, 2*layout.BlockSize, [20]byte{})

	if p.State() != piece.Missing {
		t.Fatalf("new piece state = %v, want Missing", p.State())
	}
	if p.NumBlocks() != 2 {
		t.Fatalf("NumBlocks = %d, want 2", p.NumBlocks())
	}

	st, err := p.MarkPresent(0)
	if err != nil {
		t.Fatal(err)
	}
	if st != piece.InProgress {
		t.Errorf("after first block state = %v, want InProgress", st)
	}

	st, err = p.MarkPresent(layout.BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	if st != piece.CompleteUnverified {
		t.Errorf("after last block state = %v, want CompleteUnverified", st)
	}

	if err := p.SetVerified(); err != nil {
		t.Fatal(err)
	}
	if p.State() != piece.Verified {
		t.Errorf("state = %v, want Verified", p.State())
	}

	// Verified pieces are immutable.
	if _, err := p.MarkPresent(0); err == nil {
		t.Error("MarkPresent on a verified piece should fail")
	}
}

func TestFailClearsBlocks(t *testing.T) {
	p := piece.New(3, 2*layout.BlockSize, [20]byte{})

	p.MarkPresent(0)
	p.MarkPresent(layout.BlockSize)
	p.Fail()

	if p.State() != piece.Failed {
		t.Errorf("state = %v, want Failed", p.State())
	}
	if p.HasBlock(0) || p.HasBlock(layout.BlockSize) {
		t.Error("failed piece should have no blocks present")
	}

	// The piece is retried like a missing one.
	st, err := p.MarkPresent(0)
	if err != nil {
		t.Fatal(err)
	}
	if st != piece.InProgress {
		t.Errorf("state after retry write = %v, want InProgress", st)
	}
}

func TestCheckBlock(t *testing.T) {
	// Short final piece: 8000 bytes, one block.
	p := piece.New(2, 8000, [20]byte{})

	if p.NumBlocks() != 1 {
		t.Fatalf("NumBlocks = %d, want 1", p.NumBlocks())
	}

	if _, err := p.CheckBlock(0, 8000); err != nil {
		t.Errorf("valid block rejected: %v", err)
	}
	if _, err := p.CheckBlock(0, layout.BlockSize); err == nil {
		t.Error("overlong block length should be rejected")
	}
	if _, err := p.CheckBlock(100, 100); err == nil {
		t.Error("unaligned offset should be rejected")
	}
	if _, err := p.CheckBlock(8000, 1); err == nil {
		t.Error("offset at piece end should be rejected")
	}

	p.MarkPresent(0)

	present, err := p.CheckBlock(0, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Error("CheckBlock should report an already written block as present")
	}
}

func TestSetVerifiedIncomplete(t *testing.T) {
	p := piece.New(0, 2*layout.BlockSize, [20]byte{})
	p.MarkPresent(0)

	if err := p.SetVerified(); err == nil {
		t.Error("SetVerified with missing blocks should fail")
	}
}

func TestMarkPresentIdempotent(t *testing.T) {
	p := piece.New(0, 2*layout.BlockSize, [20]byte{})

	p.MarkPresent(0)
	st, err := p.MarkPresent(0)
	if err != nil {
		t.Fatal(err)
	}
	if st != piece.InProgress {
		t.Errorf("duplicate mark changed state to %v", st)
	}
}
