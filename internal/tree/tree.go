// Package tree implements the spatial-partitioning core: a balanced KD
// tree over particle indices, incremental stocking and extrapolation of
// cell aggregates, gather-neighbour search, boundary ghost generation,
// multipole gravity walks and pruned summary trees for the distributed
// layer.
//
// Structure follows the classic skip-pointer layout: cells live in a
// flat array in preorder, every cell records its first child and a
// "next" pointer to the first cell outside its own subtree, so a walk
// can reject a whole subtree in O(1).
package tree

import (
	"fmt"
	"math"
	"sort"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

// MACKind selects the multipole acceptance criterion.
type MACKind int

const (
	// MACGeometric accepts a cell when its angular size seen from the
	// evaluation point is below theta.
	MACGeometric MACKind = iota
	// MACEigen accepts a cell when an error estimate built from active
	// particles' potentials falls under the configured tolerance.
	MACEigen
)

// ParseMAC maps a configuration string to a MACKind.
func ParseMAC(s string) (MACKind, bool) {
	switch s {
	case "geometric", "":
		return MACGeometric, true
	case "eigenmac":
		return MACEigen, true
	}
	return MACGeometric, false
}

// Multipole selects the expansion order for far-field gravity.
type Multipole int

const (
	Monopole Multipole = iota
	Quadrupole
	FastMonopole
)

// ParseMultipole maps a configuration string to a Multipole order.
func ParseMultipole(s string) (Multipole, bool) {
	switch s {
	case "monopole", "":
		return Monopole, true
	case "quadrupole":
		return Quadrupole, true
	case "fast_monopole":
		return FastMonopole, true
	}
	return Monopole, false
}

// Cell is one node of the tree. Particles are referenced through the
// IFirst/ILast index pair threaded by the tree's next-particle list;
// cells never store particle data themselves.
type Cell struct {
	Level  int
	C1, C2 int // child ids, -1 for leaves
	CNext  int // first cell outside this cell's subtree

	IFirst, ILast int // particle index range, -1 when empty
	N             int // particles in subtree
	Nactive       int // active particles in subtree

	BB   geometry.Box // bounding box of subtree particle positions
	R    geometry.Vec // centre of mass
	V    geometry.Vec // mass-weighted mean velocity
	VMin geometry.Vec // per-axis velocity minima over the subtree
	VMax geometry.Vec // per-axis velocity maxima over the subtree
	M    float64      // total enclosed mass
	Hmax float64      // upper bound on subtree smoothing lengths

	RMax     float64 // distance from R to the furthest box corner
	CDistSqd float64 // geometric MAC opening distance squared
	MAC      float64 // error-MAC opening factor

	// Traceless quadrupole moment about R: xx, xy, yy, xz, yz
	// (zz follows from the trace).
	Q [5]float64

	Worktot float64 // interaction work estimate, drives load balancing
}

// QuadScalar evaluates dr·Q·dr for the traceless quadrupole tensor.
func (c *Cell) QuadScalar(dr geometry.Vec) float64 {
	qzz := -(c.Q[0] + c.Q[2])
	return c.Q[0]*dr[0]*dr[0] + c.Q[2]*dr[1]*dr[1] + qzz*dr[2]*dr[2] +
		2.0*(c.Q[1]*dr[0]*dr[1]+c.Q[3]*dr[0]*dr[2]+c.Q[4]*dr[1]*dr[2])
}

// Tree is a balanced KD tree over a contiguous particle index range.
// The structure is immutable between rebuilds; stocking and
// extrapolation update cell aggregates in place.
type Tree struct {
	Ndim     int
	NLeafMax int

	// MAC configuration shared by all gravity walks.
	MACType        MACKind
	InvThetaMaxSqd float64
	MACError       float64
	KernRange      float64

	Ltot  int // leaf level (depth)
	Gtot  int // number of leaves
	Ncell int

	IFirst, ILast int // particle range covered by the root
	Ntot          int

	Cells []Cell
	INext []int // next-particle linked list over the particle array

	// ids holds particle indices in tree order during division.
	ids []int
}

// Options carries the tuning scalars a tree needs beyond its structure.
type Options struct {
	NLeafMax  int
	ThetaMax  float64
	MACType   MACKind
	MACError  float64
	KernRange float64
}

// New prepares an empty tree for the given dimensionality.
func New(ndim int, opt Options) *Tree {
	if opt.NLeafMax < 1 {
		opt.NLeafMax = 8
	}
	if opt.ThetaMax <= 0 {
		opt.ThetaMax = 0.5
	}
	return &Tree{
		Ndim:           ndim,
		NLeafMax:       opt.NLeafMax,
		MACType:        opt.MACType,
		InvThetaMaxSqd: 1.0 / (opt.ThetaMax * opt.ThetaMax),
		MACError:       opt.MACError,
		KernRange:      opt.KernRange,
	}
}

// computeTreeSize picks the leaf level so no leaf exceeds NLeafMax at
// perfectly even division.
func (t *Tree) computeTreeSize(n int) {
	t.Ltot = 0
	t.Gtot = 1
	for n > t.NLeafMax*t.Gtot {
		t.Gtot *= 2
		t.Ltot++
	}
	t.Ncell = 2*t.Gtot - 1
}

// subtreeSize is the number of cells in a subtree rooted at a cell of
// the given level.
func (t *Tree) subtreeSize(level int) int {
	return 2*(1<<uint(t.Ltot-level)) - 1
}

// createTreeStructure lays out the complete binary tree in preorder and
// wires the child and skip links.
func (t *Tree) createTreeStructure(nmax int) error {
	if t.Ncell > len(t.Cells) {
		if cap(t.Cells) >= t.Ncell {
			t.Cells = t.Cells[:t.Ncell]
		} else {
			t.Cells = make([]Cell, t.Ncell)
		}
	} else {
		t.Cells = t.Cells[:t.Ncell]
	}
	if nmax > len(t.INext) {
		t.INext = make([]int, nmax)
		t.ids = make([]int, nmax)
	}

	var build func(c, level int)
	build = func(c, level int) {
		cell := &t.Cells[c]
		cell.Level = level
		cell.Worktot = 0
		cell.CNext = c + t.subtreeSize(level)
		if level == t.Ltot {
			cell.C1, cell.C2 = -1, -1
			return
		}
		cell.C1 = c + 1
		cell.C2 = c + 1 + t.subtreeSize(level+1)
		build(cell.C1, level+1)
		build(cell.C2, level+1)
	}
	build(0, 0)
	return nil
}

// Build partitions the particle index range [ifirst,ilast] into the
// tree. Structure is rebuilt from scratch; aggregates are stocked at the
// end so walks see exact bounds. nmax fixes the particle capacity for
// the lifetime of this structure.
func (t *Tree) Build(parts []particle.Particle, ifirst, ilast, nmax int) error {
	n := 0
	if ilast >= ifirst {
		n = ilast - ifirst + 1
	}
	if n > nmax {
		return fmt.Errorf("tree: %d particles exceed fixed capacity %d", n, nmax)
	}
	t.IFirst, t.ILast = ifirst, ilast
	t.Ntot = n

	t.computeTreeSize(n)
	if err := t.createTreeStructure(nmax); err != nil {
		return err
	}

	ids := t.ids[:n]
	for j := 0; j < n; j++ {
		ids[j] = ifirst + j
	}

	if n > 0 {
		t.divide(parts, 0, ids)
		// Thread the next-particle list in tree order.
		for j := 0; j < n-1; j++ {
			t.INext[ids[j]] = ids[j+1]
		}
		t.INext[ids[n-1]] = -1
	} else {
		t.Cells[0].IFirst, t.Cells[0].ILast = -1, -1
	}

	t.Stock(parts)
	return nil
}

// divide recursively splits the id slice between the two children of
// cell c along the widest axis, around the median, so sibling leaf
// populations stay balanced.
func (t *Tree) divide(parts []particle.Particle, c int, ids []int) {
	cell := &t.Cells[c]
	if len(ids) == 0 {
		cell.IFirst, cell.ILast = -1, -1
		if cell.C1 >= 0 {
			t.divide(parts, cell.C1, ids)
			t.divide(parts, cell.C2, ids)
		}
		return
	}
	cell.IFirst = ids[0]
	cell.ILast = ids[len(ids)-1]
	if cell.C1 < 0 {
		return
	}

	k := t.widestAxis(parts, ids)
	m := len(ids) / 2
	selectNth(ids, m, func(a, b int) bool { return parts[a].R[k] < parts[b].R[k] })

	t.divide(parts, cell.C1, ids[:m])
	t.divide(parts, cell.C2, ids[m:])
}

func (t *Tree) widestAxis(parts []particle.Particle, ids []int) int {
	var lo, hi geometry.Vec
	for k := 0; k < t.Ndim; k++ {
		lo[k] = math.Inf(1)
		hi[k] = math.Inf(-1)
	}
	for _, i := range ids {
		for k := 0; k < t.Ndim; k++ {
			if parts[i].R[k] < lo[k] {
				lo[k] = parts[i].R[k]
			}
			if parts[i].R[k] > hi[k] {
				hi[k] = parts[i].R[k]
			}
		}
	}
	axis := 0
	widest := hi[0] - lo[0]
	for k := 1; k < t.Ndim; k++ {
		if w := hi[k] - lo[k]; w > widest {
			widest = w
			axis = k
		}
	}
	return axis
}

// selectNth partially sorts ids so ids[n] holds the nth element by less;
// everything before it compares below, everything after above.
func selectNth(ids []int, n int, less func(a, b int) bool) {
	lo, hi := 0, len(ids)-1
	for lo < hi {
		p := partition(ids, lo, hi, less)
		switch {
		case n == p:
			return
		case n < p:
			hi = p - 1
		default:
			lo = p + 1
		}
	}
}

func partition(ids []int, lo, hi int, less func(a, b int) bool) int {
	mid := lo + (hi-lo)/2
	// Median-of-three pivot keeps sorted inputs from degrading.
	if less(ids[mid], ids[lo]) {
		ids[mid], ids[lo] = ids[lo], ids[mid]
	}
	if less(ids[hi], ids[lo]) {
		ids[hi], ids[lo] = ids[lo], ids[hi]
	}
	if less(ids[hi], ids[mid]) {
		ids[hi], ids[mid] = ids[mid], ids[hi]
	}
	pivot := ids[mid]
	ids[mid], ids[hi] = ids[hi], ids[mid]
	j := lo
	for i := lo; i < hi; i++ {
		if less(ids[i], pivot) {
			ids[i], ids[j] = ids[j], ids[i]
			j++
		}
	}
	ids[j], ids[hi] = ids[hi], ids[j]
	return j
}

// AddWork accumulates an interaction-cost estimate on cell c. Work
// totals feed the distributed load balancer; stocking aggregates them
// up the tree.
func (t *Tree) AddWork(c int, w float64) { t.Cells[c].Worktot += w }

// Leaf reports whether cell c enumerates particles directly.
func (t *Tree) Leaf(c int) bool { return t.Cells[c].C1 < 0 }

// ForEachParticle walks the next-particle list of cell c.
func (t *Tree) ForEachParticle(c int, fn func(i int) bool) {
	cell := &t.Cells[c]
	if cell.IFirst < 0 {
		return
	}
	for i := cell.IFirst; i != -1; i = t.INext[i] {
		if !fn(i) {
			return
		}
		if i == cell.ILast {
			return
		}
	}
}

// ActiveCellList returns the ids of all leaf cells holding at least one
// active particle, the unit of work for the parallel force passes.
func (t *Tree) ActiveCellList() []int {
	var out []int
	for c := 0; c < t.Ncell; c++ {
		if t.Leaf(c) && t.Cells[c].Nactive > 0 {
			out = append(out, c)
		}
	}
	return out
}

// ActiveParticleList fills buf with the active particle indices of cell
// c and returns the count.
func (t *Tree) ActiveParticleList(c int, parts []particle.Particle, buf []int) int {
	n := 0
	t.ForEachParticle(c, func(i int) bool {
		if parts[i].Active && !parts[i].Dead {
			buf[n] = i
			n++
		}
		return n < len(buf)
	})
	return n
}

// SortedParticleIDs returns the particle ids of cell c in index order,
// used by tests and the export packer.
func (t *Tree) SortedParticleIDs(c int) []int {
	var out []int
	t.ForEachParticle(c, func(i int) bool {
		out = append(out, i)
		return true
	})
	sort.Ints(out)
	return out
}
