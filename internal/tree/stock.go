package tree

import (
	"math"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

// Stock recomputes every cell aggregate bottom-up from current particle
// data without touching the structure. Cheap relative to Build, so it
// runs on its own cadence between rebuilds.
func (t *Tree) Stock(parts []particle.Particle) {
	if t.Ncell > 0 {
		t.stockCell(parts, 0)
	}
}

func (t *Tree) stockCell(parts []particle.Particle, c int) {
	cell := &t.Cells[c]
	if cell.C1 >= 0 {
		t.stockCell(parts, cell.C1)
		t.stockCell(parts, cell.C2)
		t.combineChildren(c)
	} else {
		t.stockLeaf(parts, c)
	}
	t.finishCell(cell)
}

func (t *Tree) stockLeaf(parts []particle.Particle, c int) {
	cell := &t.Cells[c]
	cell.N, cell.Nactive = 0, 0
	cell.M, cell.Hmax = 0, 0
	cell.R, cell.V = geometry.Vec{}, geometry.Vec{}
	cell.Q = [5]float64{}
	for k := 0; k < t.Ndim; k++ {
		cell.BB.Min[k] = math.Inf(1)
		cell.BB.Max[k] = math.Inf(-1)
		cell.VMin[k] = math.Inf(1)
		cell.VMax[k] = math.Inf(-1)
	}

	t.ForEachParticle(c, func(i int) bool {
		p := &parts[i]
		if p.Dead {
			return true
		}
		cell.N++
		if p.Active {
			cell.Nactive++
		}
		cell.M += p.M
		cell.R = cell.R.Add(p.R.Scale(p.M))
		cell.V = cell.V.Add(p.V.Scale(p.M))
		if p.H > cell.Hmax {
			cell.Hmax = p.H
		}
		for k := 0; k < t.Ndim; k++ {
			if p.R[k] < cell.BB.Min[k] {
				cell.BB.Min[k] = p.R[k]
			}
			if p.R[k] > cell.BB.Max[k] {
				cell.BB.Max[k] = p.R[k]
			}
			if p.V[k] < cell.VMin[k] {
				cell.VMin[k] = p.V[k]
			}
			if p.V[k] > cell.VMax[k] {
				cell.VMax[k] = p.V[k]
			}
		}
		return true
	})

	if cell.M > 0 {
		inv := 1.0 / cell.M
		cell.R = cell.R.Scale(inv)
		cell.V = cell.V.Scale(inv)
	}

	// Quadrupole about the leaf centre of mass.
	t.ForEachParticle(c, func(i int) bool {
		p := &parts[i]
		if p.Dead {
			return true
		}
		dr := p.R.Sub(cell.R)
		addQuad(&cell.Q, p.M, dr, dr.NormSqd(t.Ndim))
		return true
	})
}

// combineChildren folds both children into cell c, shifting child
// quadrupoles to the parent centre of mass by the parallel-axis rule.
func (t *Tree) combineChildren(c int) {
	cell := &t.Cells[c]
	l, r := &t.Cells[cell.C1], &t.Cells[cell.C2]

	cell.N = l.N + r.N
	cell.Nactive = l.Nactive + r.Nactive
	cell.M = l.M + r.M
	cell.Worktot = l.Worktot + r.Worktot
	cell.Hmax = math.Max(l.Hmax, r.Hmax)
	for k := 0; k < t.Ndim; k++ {
		cell.BB.Min[k] = math.Min(l.BB.Min[k], r.BB.Min[k])
		cell.BB.Max[k] = math.Max(l.BB.Max[k], r.BB.Max[k])
		cell.VMin[k] = math.Min(l.VMin[k], r.VMin[k])
		cell.VMax[k] = math.Max(l.VMax[k], r.VMax[k])
	}

	cell.R, cell.V = geometry.Vec{}, geometry.Vec{}
	cell.Q = [5]float64{}
	if cell.M > 0 {
		inv := 1.0 / cell.M
		cell.R = l.R.Scale(l.M).Add(r.R.Scale(r.M)).Scale(inv)
		cell.V = l.V.Scale(l.M).Add(r.V.Scale(r.M)).Scale(inv)
	}
	for _, ch := range []*Cell{l, r} {
		if ch.M == 0 {
			continue
		}
		for q := range cell.Q {
			cell.Q[q] += ch.Q[q]
		}
		dr := ch.R.Sub(cell.R)
		addQuad(&cell.Q, ch.M, dr, dr.NormSqd(t.Ndim))
	}
}

func addQuad(q *[5]float64, m float64, dr geometry.Vec, drsqd float64) {
	q[0] += m * (3.0*dr[0]*dr[0] - drsqd)
	q[1] += m * 3.0 * dr[0] * dr[1]
	q[2] += m * (3.0*dr[1]*dr[1] - drsqd)
	q[3] += m * 3.0 * dr[0] * dr[2]
	q[4] += m * 3.0 * dr[1] * dr[2]
}

// finishCell derives the opening radii once aggregates are settled.
func (t *Tree) finishCell(cell *Cell) {
	if cell.N == 0 {
		cell.RMax, cell.CDistSqd, cell.MAC = 0, 0, 0
		return
	}
	rmaxsqd := 0.0
	for k := 0; k < t.Ndim; k++ {
		d := math.Max(cell.R[k]-cell.BB.Min[k], cell.BB.Max[k]-cell.R[k])
		rmaxsqd += d * d
	}
	cell.RMax = math.Sqrt(rmaxsqd)
	cell.CDistSqd = math.Max(rmaxsqd, cell.Hmax*cell.Hmax*t.KernRange*t.KernRange) * t.InvThetaMaxSqd
	if t.MACError > 0 {
		cell.MAC = math.Pow(rmaxsqd*rmaxsqd*cell.M/t.MACError, 1.0/3.0)
	} else {
		cell.MAC = math.Inf(1)
	}
}

// Extrapolate drifts cell centres by the stored bulk velocity and
// inflates bounding boxes by the stocked per-axis velocity extrema, so
// the bounds stay sound even when particles stream against the mean.
// Bounds only ever grow, never shrink, between stocks.
func (t *Tree) Extrapolate(dt float64) {
	for c := 0; c < t.Ncell; c++ {
		cell := &t.Cells[c]
		if cell.N == 0 {
			continue
		}
		cell.R = cell.R.Add(cell.V.Scale(dt))
		for k := 0; k < t.Ndim; k++ {
			cell.BB.Min[k] += math.Min(0, cell.VMin[k]*dt)
			cell.BB.Max[k] += math.Max(0, cell.VMax[k]*dt)
		}
	}
}

// UpdateActiveCounters refreshes per-cell active counts without a full
// restock, for steps where only the integrator rungs changed.
func (t *Tree) UpdateActiveCounters(parts []particle.Particle) {
	var walk func(c int) int
	walk = func(c int) int {
		cell := &t.Cells[c]
		if cell.C1 >= 0 {
			cell.Nactive = walk(cell.C1) + walk(cell.C2)
			return cell.Nactive
		}
		n := 0
		t.ForEachParticle(c, func(i int) bool {
			if parts[i].Active && !parts[i].Dead {
				n++
			}
			return true
		})
		cell.Nactive = n
		return n
	}
	if t.Ncell > 0 {
		walk(0)
	}
}

// UpdateHmax refreshes the per-cell smoothing-length bounds after the h
// iteration has converged, leaving all other aggregates untouched.
func (t *Tree) UpdateHmax(parts []particle.Particle) {
	var walk func(c int) float64
	walk = func(c int) float64 {
		cell := &t.Cells[c]
		if cell.C1 >= 0 {
			cell.Hmax = math.Max(walk(cell.C1), walk(cell.C2))
		} else {
			h := 0.0
			t.ForEachParticle(c, func(i int) bool {
				if !parts[i].Dead && parts[i].H > h {
					h = parts[i].H
				}
				return true
			})
			cell.Hmax = h
		}
		t.finishCell(cell)
		return cell.Hmax
	}
	if t.Ncell > 0 {
		walk(0)
	}
}
