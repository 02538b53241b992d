package store

import (
	"cmp"
	"slices"

	"github.com/loangraph/loansync/internal/domain/loan"
)

// Derive folds an overlay onto a snapshot. Records for ids already in the
// snapshot are replaced in place; unknown ids are appended in ascending
// (block, id) order, so the result depends only on the inputs and never on
// the order updates arrived in.
func Derive(snapshot []loan.Record, pending []loan.PendingUpdate) []loan.Record {
	out := make([]loan.Record, len(snapshot), len(snapshot)+len(pending))
	copy(out, snapshot)
	if len(pending) == 0 {
		return out
	}

	index := make(map[uint64]int, len(out))
	for i, r := range out {
		index[r.ID] = i
	}

	latest := latestPerID(pending)
	appended := make([]loan.PendingUpdate, 0, len(latest))
	for _, p := range latest {
		if i, ok := index[p.Loan.ID]; ok {
			out[i] = p.Loan
			continue
		}
		appended = append(appended, p)
	}
	slices.SortFunc(appended, func(a, b loan.PendingUpdate) int {
		if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.Loan.ID, b.Loan.ID)
	})
	for _, p := range appended {
		out = append(out, p.Loan)
	}
	return out
}

// latestPerID keeps the highest-block update per loan id. The store already
// guarantees this for its overlay; Derive re-checks so it is total over any input.
func latestPerID(pending []loan.PendingUpdate) []loan.PendingUpdate {
	best := make(map[uint64]int, len(pending))
	out := make([]loan.PendingUpdate, 0, len(pending))
	for _, p := range pending {
		if i, ok := best[p.Loan.ID]; ok {
			if p.BlockNumber > out[i].BlockNumber {
				out[i] = p
			}
			continue
		}
		best[p.Loan.ID] = len(out)
		out = append(out, p)
	}
	return out
}

// mergePending inserts u into an overlay sorted descending by block number.
// Returns false when an update for the same id at an equal or higher block is
// already held.
func mergePending(overlay []loan.PendingUpdate, u loan.PendingUpdate) ([]loan.PendingUpdate, bool) {
	for i, p := range overlay {
		if p.Loan.ID != u.Loan.ID {
			continue
		}
		if u.BlockNumber <= p.BlockNumber {
			return overlay, false
		}
		overlay = slices.Delete(overlay, i, i+1)
		break
	}
	pos, _ := slices.BinarySearchFunc(overlay, u, comparePendingDesc)
	return slices.Insert(overlay, pos, u), true
}

// prunePending drops updates already covered by a snapshot at block.
func prunePending(overlay []loan.PendingUpdate, block uint64) []loan.PendingUpdate {
	return slices.DeleteFunc(overlay, func(p loan.PendingUpdate) bool {
		return p.BlockNumber <= block
	})
}

func comparePendingDesc(a, b loan.PendingUpdate) int {
	if c := cmp.Compare(b.BlockNumber, a.BlockNumber); c != 0 {
		return c
	}
	return cmp.Compare(a.Loan.ID, b.Loan.ID)
}
