package tree

import (
	"fmt"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

// ErrNeighbourOverflow marks a walk that produced more candidates than
// the supplied buffer holds. Internal force passes grow their scratch
// and redo the cell; the public gather API treats it as fatal.
var ErrNeighbourOverflow = fmt.Errorf("tree: neighbour buffer overflow")

// GatherNeighbours finds all live particles within rsearch of the point
// rp, walking the tree with skip pointers and pruning subtrees whose
// bounding box lies further than rsearch. Results are appended to
// neiblist[:0]'s backing array up to maxResults; exceeding maxResults is
// an error, not a truncation.
func (t *Tree) GatherNeighbours(parts []particle.Particle, rp geometry.Vec, rsearch float64, maxResults int, neiblist []int) (int, error) {
	rsearchsqd := rsearch * rsearch
	n := 0
	c := 0
	for c < t.Ncell {
		cell := &t.Cells[c]
		if cell.N == 0 || cell.BB.GapSqd(t.Ndim, rp) > rsearchsqd {
			c = cell.CNext
			continue
		}
		if cell.C1 >= 0 {
			c = cell.C1
			continue
		}
		var overflow bool
		t.ForEachParticle(c, func(i int) bool {
			p := &parts[i]
			if p.Dead {
				return true
			}
			if p.R.Sub(rp).NormSqd(t.Ndim) <= rsearchsqd {
				if n >= maxResults {
					overflow = true
					return false
				}
				neiblist[n] = i
				n++
			}
			return true
		})
		if overflow {
			return n, fmt.Errorf("%w: more than %d within r=%g of point", ErrNeighbourOverflow, maxResults, rsearch)
		}
		c = cell.CNext
	}
	return n, nil
}

// CellNeighbourList collects candidate interaction partners for every
// active particle in the given leaf cell: any particle whose own kernel
// reaches the cell (scatter) or which lies inside the cell's gather
// range. Exact per-particle filtering is left to the force loops, so
// the list may over-count but never misses a true neighbour.
//
// hmax must bound the smoothing lengths of the cell's active particles.
// Returns ErrNeighbourOverflow when buf is too small; callers with
// growable scratch re-run after enlarging.
func (t *Tree) CellNeighbourList(parts []particle.Particle, cell *Cell, hmax float64, buf []int) (int, error) {
	gather := t.KernRange * hmax
	var gmin, gmax geometry.Vec
	for k := 0; k < t.Ndim; k++ {
		gmin[k] = cell.BB.Min[k] - gather
		gmax[k] = cell.BB.Max[k] + gather
	}

	n := 0
	c := 0
	for c < t.Ncell {
		cc := &t.Cells[c]
		if cc.N == 0 {
			c = cc.CNext
			continue
		}
		// Scatter margins: grow the candidate cell by its own hmax.
		sc := t.KernRange * cc.Hmax
		var smin, smax geometry.Vec
		for k := 0; k < t.Ndim; k++ {
			smin[k] = cc.BB.Min[k] - sc
			smax[k] = cc.BB.Max[k] + sc
		}
		if !geometry.Overlap(t.Ndim, gmin, gmax, smin, smax) &&
			!geometry.Overlap(t.Ndim, cell.BB.Min, cell.BB.Max, smin, smax) {
			c = cc.CNext
			continue
		}
		if cc.C1 >= 0 {
			c = cc.C1
			continue
		}
		var overflow bool
		t.ForEachParticle(c, func(i int) bool {
			if parts[i].Dead {
				return true
			}
			if n >= len(buf) {
				overflow = true
				return false
			}
			buf[n] = i
			n++
			return true
		})
		if overflow {
			return n, ErrNeighbourOverflow
		}
		c = cc.CNext
	}
	return n, nil
}
