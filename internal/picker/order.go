package picker

import (
	"sort"

	"github.com/Luminarys/synapse/internal/config"
)

// pieceOrder returns piece indices in selection order for the configured
// strategy. Called with pk.mu held.
func (pk *Picker) pieceOrder() []int {
	order := make([]int, len(pk.done))
	for i := range order {
		order[i] = i
	}

	if pk.strategy == config.StrategySequential {
		// Lowest global piece-then-block index first.
		return order
	}

	// Rarest first: lowest availability count wins, ties broken by
	// ascending piece index for determinism.
	sort.SliceStable(order, func(a, b int) bool {
		if pk.avail[order[a]] != pk.avail[order[b]] {
			return pk.avail[order[a]] < pk.avail[order[b]]
		}

		return order[a] < order[b]
	})

	return order
}
