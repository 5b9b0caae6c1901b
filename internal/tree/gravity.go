package tree

import (
	"math"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

// GravityLists holds the three partitions a gravity walk produces for
// one active cell: smoothed neighbours (SPH-range, kernel-softened),
// direct-sum particles (close but unsmoothed), and accepted multipole
// cells.
type GravityLists struct {
	Neib     []int
	Direct   []int
	GravCell []int
}

// macAccept reports whether cell cc may be replaced by its multipole
// expansion as seen from an active cell whose centre sits drsqd away.
// The geometric test always applies; the error MAC additionally scales
// the opening radius with the potential-derived macfactor, so a zero
// error tolerance degenerates to direct summation.
func (t *Tree) macAccept(cc *Cell, drsqd, macfactor float64) bool {
	if drsqd <= cc.CDistSqd {
		return false
	}
	if t.MACType == MACEigen && drsqd <= cc.MAC*macfactor {
		return false
	}
	return true
}

// GravityInteractionList walks the whole tree for one active leaf cell
// and partitions everything into lists. Buffers come from the caller's
// scratch; ErrNeighbourOverflow reports which one ran out via the
// returned counts (the overflowing list is the one at capacity).
func (t *Tree) GravityInteractionList(parts []particle.Particle, cell *Cell, macfactor float64, out *GravityLists) (nneib, ndirect, ngrav int, err error) {
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
			if ngrav >= len(out.GravCell) {
				return nneib, ndirect, ngrav, ErrNeighbourOverflow
			}
			out.GravCell[ngrav] = c
			ngrav++
			c = cc.CNext

		case cc.C1 >= 0:
			c = cc.C1

		default:
			var overflow bool
			t.ForEachParticle(c, func(i int) bool {
				if parts[i].Dead {
					return true
				}
				if hydro {
					if nneib >= len(out.Neib) {
						overflow = true
						return false
					}
					out.Neib[nneib] = i
					nneib++
				} else {
					if ndirect >= len(out.Direct) {
						overflow = true
						return false
					}
					out.Direct[ndirect] = i
					ndirect++
				}
				return true
			})
			if overflow {
				return nneib, ndirect, ngrav, ErrNeighbourOverflow
			}
			c = cc.CNext
		}
	}
	return nneib, ndirect, ngrav, nil
}

// MACFactor computes the per-cell opening scale for the error MAC from
// the active particles' current potentials. Geometric MAC ignores it.
func (t *Tree) MACFactor(parts []particle.Particle, c int) float64 {
	if t.MACType != MACEigen {
		return 0
	}
	f := 0.0
	t.ForEachParticle(c, func(i int) bool {
		p := &parts[i]
		if p.Active && !p.Dead && p.GPot > 0 {
			if v := math.Pow(p.GPot, -2.0/3.0); v > f {
				f = v
			}
		}
		return true
	})
	return f
}

// CellMonopoleForces accumulates monopole gravity from the accepted
// cells onto one evaluation point.
func (t *Tree) CellMonopoleForces(rp geometry.Vec, cells []int, agrav *geometry.Vec, gpot *float64) {
	for _, c := range cells {
		cc := &t.Cells[c]
		dr := cc.R.Sub(rp)
		drsqd := dr.NormSqd(t.Ndim) + tinyDistSqd
		invdrmag := 1.0 / math.Sqrt(drsqd)
		minv3 := cc.M * invdrmag * invdrmag * invdrmag
		*agrav = agrav.Add(dr.Scale(minv3))
		*gpot += cc.M * invdrmag
	}
}

// CellQuadrupoleForces accumulates monopole plus traceless quadrupole
// contributions from the accepted cells onto one evaluation point.
func (t *Tree) CellQuadrupoleForces(rp geometry.Vec, cells []int, agrav *geometry.Vec, gpot *float64) {
	for _, c := range cells {
		cc := &t.Cells[c]
		dr := cc.R.Sub(rp)
		drsqd := dr.NormSqd(t.Ndim) + tinyDistSqd
		invdrsqd := 1.0 / drsqd
		invdrmag := math.Sqrt(invdrsqd)
		invdr5 := invdrsqd * invdrsqd * invdrmag

		qs := cc.QuadScalar(dr)
		qfac := qs * invdr5 * invdrsqd

		minv3 := cc.M * invdrsqd * invdrmag
		for k := 0; k < t.Ndim; k++ {
			qk := 0.0
			switch k {
			case 0:
				qk = cc.Q[0]*dr[0] + cc.Q[1]*dr[1] + cc.Q[3]*dr[2]
			case 1:
				qk = cc.Q[1]*dr[0] + cc.Q[2]*dr[1] + cc.Q[4]*dr[2]
			case 2:
				qzz := -(cc.Q[0] + cc.Q[2])
				qk = cc.Q[3]*dr[0] + cc.Q[4]*dr[1] + qzz*dr[2]
			}
			agrav[k] += minv3*dr[k] + qk*invdr5 - 2.5*qfac*dr[k]
		}
		*gpot += cc.M*invdrmag + 0.5*qs*invdr5
	}
}

// FastMonopoleForces expands the far field to first order about the
// active cell's centre of mass, evaluating the accepted cells once per
// cell rather than once per particle, then applies the Taylor expansion
// to each active particle.
func (t *Tree) FastMonopoleForces(cells []int, cell *Cell, parts []particle.Particle, active []int) {
	var ac geometry.Vec
	var dphi [6]float64 // symmetric gradient tensor: xx xy yy xz yz zz
	potc := 0.0

	for _, c := range cells {
		cc := &t.Cells[c]
		dr := cc.R.Sub(cell.R)
		drsqd := dr.NormSqd(t.Ndim) + tinyDistSqd
		invdrsqd := 1.0 / drsqd
		invdrmag := math.Sqrt(invdrsqd)
		invdr3 := invdrsqd * invdrmag

		ac = ac.Add(dr.Scale(cc.M * invdr3))
		potc += cc.M * invdrmag

		f5 := cc.M * 3.0 * invdr3 * invdrsqd
		dphi[0] += f5*dr[0]*dr[0] - cc.M*invdr3
		dphi[1] += f5 * dr[0] * dr[1]
		dphi[2] += f5*dr[1]*dr[1] - cc.M*invdr3
		dphi[3] += f5 * dr[0] * dr[2]
		dphi[4] += f5 * dr[1] * dr[2]
		dphi[5] += f5*dr[2]*dr[2] - cc.M*invdr3
	}

	for _, i := range active {
		p := &parts[i]
		dr := p.R.Sub(cell.R)
		p.AGrav[0] += ac[0] + dphi[0]*dr[0] + dphi[1]*dr[1] + dphi[3]*dr[2]
		p.AGrav[1] += ac[1] + dphi[1]*dr[0] + dphi[2]*dr[1] + dphi[4]*dr[2]
		p.AGrav[2] += ac[2] + dphi[3]*dr[0] + dphi[4]*dr[1] + dphi[5]*dr[2]
		// GPot holds the positive-magnitude potential, whose gradient
		// at the cell centre is exactly ac.
		p.GPot += potc + ac.Dot(dr, t.Ndim)
	}
}

// tinyDistSqd regularises self and near-coincident separations in the
// far-field kernels, which are never evaluated inside smoothing range.
const tinyDistSqd = 1e-30
