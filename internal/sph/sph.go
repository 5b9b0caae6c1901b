// Package sph evaluates smoothed-particle hydrodynamics properties and
// forces over neighbour candidate lists produced by the tree walks. The
// evaluator never searches for neighbours itself: callers hand it a
// superset of candidates and it applies the exact kernel-range filter.
package sph

import (
	"fmt"
	"math"

	"github.com/smhr/gandalf/internal/eos"
	"github.com/smhr/gandalf/internal/kernel"
	"github.com/smhr/gandalf/internal/particle"
)

// ErrHRange reports that the smoothing-length iteration needs
// neighbours beyond the radius the candidate list covers. The caller
// re-gathers with a wider search and retries.
var ErrHRange = fmt.Errorf("sph: smoothing length exceeds candidate search radius")

// Evaluator bundles the kernel, equation of state and artificial
// viscosity parameters for one hydro scheme.
type Evaluator struct {
	Ndim int
	Kern kernel.Kernel
	EOS  eos.EOS

	HFac      float64 // h = HFac * (m/rho)^(1/ndim)
	HConverge float64 // relative tolerance on the h fixed point

	AlphaVisc float64
	BetaVisc  float64

	maxHIter int
}

// New builds an evaluator with the standard iteration cap.
func New(ndim int, k kernel.Kernel, e eos.EOS, hfac, hconverge, alpha, beta float64) *Evaluator {
	return &Evaluator{
		Ndim: ndim, Kern: k, EOS: e,
		HFac: hfac, HConverge: hconverge,
		AlphaVisc: alpha, BetaVisc: beta,
		maxHIter: 50,
	}
}

// density sums kernel-weighted masses over the candidates at smoothing
// length h.
func (e *Evaluator) density(parts []particle.Particle, i int, cand []int, h float64) float64 {
	p := &parts[i]
	invh := 1.0 / h
	hfactor := math.Pow(invh, float64(e.Ndim))
	rng := e.Kern.Range()

	rho := 0.0
	for _, j := range cand {
		q := &parts[j]
		if q.Dead {
			continue
		}
		s := q.R.Sub(p.R).Norm(e.Ndim) * invh
		if s < rng {
			rho += q.M * e.Kern.W0(s) * hfactor
		}
	}
	return rho
}

// ComputeH iterates the coupled density/smoothing-length fixed point
// for particle i. cand must contain every particle within
// Kern.Range()*hbound of i (including i itself); if the converged h
// would need a wider radius, ErrHRange is returned so the caller can
// re-gather. Failure to converge within the iteration cap is fatal.
func (e *Evaluator) ComputeH(parts []particle.Particle, i int, cand []int, hbound float64) error {
	p := &parts[i]
	h := p.H
	if h <= 0 {
		h = hbound / e.Kern.Range()
	}

	for it := 0; it < e.maxHIter; it++ {
		if h > hbound {
			return ErrHRange
		}
		rho := e.density(parts, i, cand, h)
		if rho <= 0 {
			h *= 2.0
			continue
		}
		hnew := e.HFac * math.Pow(p.M/rho, 1.0/float64(e.Ndim))
		if math.Abs(hnew-h) <= e.HConverge*h {
			if hnew > hbound {
				return ErrHRange
			}
			p.H = hnew
			p.InvH = 1.0 / hnew
			p.Rho = e.density(parts, i, cand, hnew)
			p.Press = e.EOS.Pressure(p.Rho, p.U)
			p.Sound = e.EOS.SoundSpeed(p.Rho, p.U)
			return nil
		}
		// Damped fixed-point step; plain iteration can oscillate when
		// the neighbour count is small.
		h = 0.5 * (h + hnew)
	}
	return fmt.Errorf("sph: smoothing length iteration for particle %d did not converge", i)
}

// HydroForces accumulates the pressure and artificial-viscosity
// acceleration, compressive heating and velocity divergence for active
// particle i from the candidate list, and records the maximum timestep
// rung among true neighbours. Accumulators on i must be zeroed by the
// caller before the pass.
func (e *Evaluator) HydroForces(parts []particle.Particle, i int, cand []int) {
	p := &parts[i]
	rng := e.Kern.Range()
	invhi := p.InvH
	hfaci := math.Pow(invhi, float64(e.Ndim)+1)
	pfaci := p.Press / (p.Rho * p.Rho)

	divv := 0.0
	for _, j := range cand {
		if j == i {
			continue
		}
		q := &parts[j]
		if q.Dead {
			continue
		}
		dr := q.R.Sub(p.R)
		drmag := dr.Norm(e.Ndim)
		if drmag <= 0 {
			continue
		}
		si := drmag * invhi
		sj := drmag * q.InvH
		if si >= rng && sj >= rng {
			continue
		}

		// Symmetrised kernel gradient dW/dr.
		hfacj := math.Pow(q.InvH, float64(e.Ndim)+1)
		dwdr := 0.5 * (e.Kern.W1(si)*hfaci + e.Kern.W1(sj)*hfacj)

		dv := q.V.Sub(p.V)
		dvdr := dv.Dot(dr, e.Ndim) / drmag

		pfac := pfaci + q.Press/(q.Rho*q.Rho)

		// Monaghan (1997) signal-velocity viscosity, approaching pairs
		// only.
		visc := 0.0
		if dvdr < 0 {
			vsig := p.Sound + q.Sound - e.BetaVisc*dvdr
			rhomean := 0.5 * (p.Rho + q.Rho)
			visc = -e.AlphaVisc * vsig * dvdr / (2.0 * rhomean)
		}

		unit := dr.Scale(1.0 / drmag)
		p.A = p.A.Add(unit.Scale(q.M * (pfac + visc) * dwdr))
		p.DUdt += q.M * (pfaci + 0.5*visc) * dvdr * dwdr
		divv -= q.M * dvdr * dwdr

		if q.Level > p.LevelNeib {
			p.LevelNeib = q.Level
		}
	}
	if p.Rho > 0 {
		p.DivV = divv / p.Rho
	}
}

// SmoothedGravity adds kernel-softened pairwise gravity from the list
// onto particle i. Both particles' softenings enter symmetrically so
// momentum is conserved pair-wise.
func (e *Evaluator) SmoothedGravity(parts []particle.Particle, i int, list []int) {
	p := &parts[i]
	for _, j := range list {
		if j == i {
			continue
		}
		q := &parts[j]
		if q.Dead {
			continue
		}
		dr := q.R.Sub(p.R)
		drmag := dr.Norm(e.Ndim)
		if drmag <= 0 {
			continue
		}
		invhi, invhj := p.InvH, q.InvH
		gfac := 0.5 * (invhi*invhi*e.Kern.WGrav(drmag*invhi) +
			invhj*invhj*e.Kern.WGrav(drmag*invhj))
		p.AGrav = p.AGrav.Add(dr.Scale(q.M * gfac / drmag))
		p.GPot += 0.5 * q.M * (invhi*e.Kern.WPot(drmag*invhi) +
			invhj*e.Kern.WPot(drmag*invhj))
	}
}

// DirectGravity adds plain Newtonian pairwise gravity, used for
// particles outside every smoothing kernel but too close for a
// multipole cell.
func (e *Evaluator) DirectGravity(parts []particle.Particle, i int, list []int) {
	p := &parts[i]
	for _, j := range list {
		if j == i {
			continue
		}
		q := &parts[j]
		if q.Dead {
			continue
		}
		dr := q.R.Sub(p.R)
		drsqd := dr.NormSqd(e.Ndim)
		if drsqd <= 0 {
			continue
		}
		invdr := 1.0 / math.Sqrt(drsqd)
		p.AGrav = p.AGrav.Add(dr.Scale(q.M * invdr * invdr * invdr))
		p.GPot += q.M * invdr
	}
}
