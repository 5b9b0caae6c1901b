package mpi

import (
	"fmt"
	"sort"

	"github.com/smhr/gandalf/internal/tree"
)

// WorkSample is one cell's contribution to the load-balance search: its
// centre-of-mass coordinate along the split axis and its accumulated
// interaction work.
type WorkSample struct {
	Pos  float64
	Work float64
}

// CollectWorkSamples extracts (position, work) pairs along axis k from
// the leaves of a pruned tree. Cells with no recorded work fall back to
// particle count so a fresh run can still balance.
func CollectWorkSamples(pt *tree.Tree, k int) []WorkSample {
	var out []WorkSample
	for c := 0; c < pt.Ncell; c++ {
		cell := &pt.Cells[c]
		if cell.C1 >= 0 || cell.N == 0 {
			continue
		}
		w := cell.Worktot
		if w <= 0 {
			w = float64(cell.N)
		}
		out = append(out, WorkSample{Pos: cell.R[k], Work: w})
	}
	return out
}

// FindDivision bisects for the coordinate that splits the total work
// in half along one axis. The left-side work is re-summed from scratch
// each iteration, so the search genuinely converges instead of
// comparing stale accumulators. Converges to |workfrac - 0.5| <= tol or
// to the bisection resolution limit.
func FindDivision(samples []WorkSample, lo, hi, tol float64) (float64, error) {
	if len(samples) == 0 {
		return 0, fmt.Errorf("mpi: no work samples to balance")
	}
	if hi <= lo {
		return 0, fmt.Errorf("mpi: empty balance interval [%g,%g]", lo, hi)
	}
	total := 0.0
	for _, s := range samples {
		total += s.Work
	}
	if total <= 0 {
		return 0, fmt.Errorf("mpi: no work recorded")
	}

	// Sorting lets each iteration sum the left side with a binary cut.
	sorted := append([]WorkSample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Pos < sorted[j].Pos })
	prefix := make([]float64, len(sorted)+1)
	for i, s := range sorted {
		prefix[i+1] = prefix[i] + s.Work
	}

	div := 0.5 * (lo + hi)
	for it := 0; it < 64; it++ {
		div = 0.5 * (lo + hi)
		cut := sort.Search(len(sorted), func(i int) bool { return sorted[i].Pos >= div })
		frac := prefix[cut] / total
		switch {
		case frac < 0.5-tol:
			lo = div
		case frac > 0.5+tol:
			hi = div
		default:
			return div, nil
		}
	}
	// Discrete work lumps may make the tolerance unreachable; the
	// bisection limit is then the best attainable split.
	return div, nil
}
