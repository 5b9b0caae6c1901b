package tree

import (
	"fmt"

	"github.com/smhr/gandalf/internal/geometry"
)

// BuildPruned produces a shallow copy of the tree truncated at the
// given level: every cell at level <= plevel survives with its stocked
// aggregates intact, cells at exactly plevel become the leaves, and the
// child and skip links are rewired for the smaller array. The pruned
// tree carries no particle data, only cell summaries, which is what the
// distributed layer ships between ranks.
func (t *Tree) BuildPruned(plevel int) (*Tree, error) {
	if plevel < 0 {
		return nil, fmt.Errorf("tree: pruning level %d out of range", plevel)
	}
	if plevel > t.Ltot {
		plevel = t.Ltot
	}

	p := &Tree{
		Ndim:           t.Ndim,
		NLeafMax:       t.NLeafMax,
		MACType:        t.MACType,
		InvThetaMaxSqd: t.InvThetaMaxSqd,
		MACError:       t.MACError,
		KernRange:      t.KernRange,
		Ltot:           plevel,
		Gtot:           1 << uint(plevel),
		Ntot:           t.Ntot,
	}
	p.Ncell = 2*p.Gtot - 1
	p.Cells = make([]Cell, p.Ncell)

	// Source cells with level <= plevel appear in the same preorder as
	// the pruned tree's own layout, so a single parallel walk copies
	// them across.
	pc := 0
	for c := 0; c < t.Ncell; c++ {
		src := &t.Cells[c]
		if src.Level > plevel {
			continue
		}
		if pc >= p.Ncell {
			return nil, fmt.Errorf("tree: pruned cell count overflow at source cell %d", c)
		}
		dst := &p.Cells[pc]
		*dst = *src
		dst.IFirst, dst.ILast = -1, -1
		dst.CNext = pc + p.subtreeSize(src.Level)
		if src.Level == plevel {
			dst.C1, dst.C2 = -1, -1
		} else {
			dst.C1 = pc + 1
			dst.C2 = pc + 1 + p.subtreeSize(src.Level+1)
		}
		pc++
	}
	if pc != p.Ncell {
		return nil, fmt.Errorf("tree: pruned tree has %d cells, expected %d", pc, p.Ncell)
	}
	return p, nil
}

// RelinkPruned recomputes a pruned tree's structural links from its
// preorder layout, trusting only the cell count and levels. Decoded
// trees go through here so a malformed peer cannot plant bogus links.
func (t *Tree) RelinkPruned() error {
	gtot := (t.Ncell + 1) / 2
	if gtot < 1 || 2*gtot-1 != t.Ncell || gtot&(gtot-1) != 0 {
		return fmt.Errorf("tree: %d cells is not a complete pruned tree", t.Ncell)
	}
	ltot := 0
	for g := gtot; g > 1; g >>= 1 {
		ltot++
	}
	t.Ltot, t.Gtot = ltot, gtot

	var walk func(c, level int) (int, error)
	walk = func(c, level int) (int, error) {
		cell := &t.Cells[c]
		if cell.Level != level {
			return 0, fmt.Errorf("tree: pruned cell %d claims level %d, preorder position implies %d", c, cell.Level, level)
		}
		cell.CNext = c + t.subtreeSize(level)
		cell.IFirst, cell.ILast = -1, -1
		if level == ltot {
			cell.C1, cell.C2 = -1, -1
			return c + 1, nil
		}
		cell.C1 = c + 1
		mid, err := walk(cell.C1, level+1)
		if err != nil {
			return 0, err
		}
		cell.C2 = mid
		return walk(cell.C2, level+1)
	}
	_, err := walk(0, 0)
	return err
}

// DistantGravityInteractionList walks a peer's pruned tree on behalf of
// one local active cell. Cells passing the MAC and clear of smoothing
// overlap are appended to out. If the walk reaches a pruned leaf it
// cannot accept, the summary is too coarse to evaluate remotely: the
// active cell must be exported to that peer, reported by ok=false.
func (t *Tree) DistantGravityInteractionList(cell *Cell, macfactor float64, out []int) (n int, ok bool, err error) {
	gather := t.KernRange * cell.Hmax
	var gmin, gmax geometry.Vec
	for k := 0; k < t.Ndim; k++ {
		gmin[k] = cell.BB.Min[k] - gather
		gmax[k] = cell.BB.Max[k] + gather
	}

	c := 0
	for c < t.Ncell {
		cc := &t.Cells[c]
		if cc.N == 0 || cc.M == 0 {
			c = cc.CNext
			continue
		}

		sc := t.KernRange * cc.Hmax
		var smin, smax geometry.Vec
		for k := 0; k < t.Ndim; k++ {
			smin[k] = cc.BB.Min[k] - sc
			smax[k] = cc.BB.Max[k] + sc
		}
		hydro := geometry.Overlap(t.Ndim, gmin, gmax, smin, smax)

		dr := cc.R.Sub(cell.R)
		drsqd := dr.NormSqd(t.Ndim)

		switch {
		case !hydro && t.macAccept(cc, drsqd, macfactor):
			if n >= len(out) {
				return n, false, ErrNeighbourOverflow
			}
			out[n] = c
			n++
			c = cc.CNext
		case cc.C1 >= 0:
			c = cc.C1
		default:
			// A pruned leaf we cannot accept: no finer summary exists.
			return n, false, nil
		}
	}
	return n, true, nil
}

// HydroCellOverlap reports whether the given local cell's smoothing
// volume can overlap any particle summarised by this pruned tree. Used
// to build per-peer hydro export lists.
func (t *Tree) HydroCellOverlap(cell *Cell) bool {
	gather := t.KernRange * cell.Hmax
	var gmin, gmax geometry.Vec
	for k := 0; k < t.Ndim; k++ {
		gmin[k] = cell.BB.Min[k] - gather
		gmax[k] = cell.BB.Max[k] + gather
	}

	c := 0
	for c < t.Ncell {
		cc := &t.Cells[c]
		if cc.N == 0 {
			c = cc.CNext
			continue
		}
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
		if cc.C1 < 0 {
			return true
		}
		c = cc.C1
	}
	return false
}
