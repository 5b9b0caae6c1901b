// Package integrator advances particle state with a kick-drift-kick
// leapfrog on hierarchical power-of-two timestep rungs. The simulation
// steps at the finest rung; particles on coarser rungs are drifted with
// their start-of-step state and receive their kick only when their own
// step completes.
package integrator

import (
	"math"

	"github.com/smhr/gandalf/internal/particle"
)

// LeapfrogKDK implements the predict/correct/end-step cycle.
type LeapfrogKDK struct {
	Ndim      int
	EnergyEqn bool // integrate specific internal energy alongside

	AccelMult   float64 // timestep safety factor on sqrt(h/|a|)
	CourantMult float64 // safety factor on h/(cs + h|div v|)
	EnergyMult  float64 // safety factor on u/|du/dt|
}

// New returns a leapfrog with the given timestep multipliers.
func New(ndim int, energyEqn bool, accelMult, courantMult, energyMult float64) *LeapfrogKDK {
	return &LeapfrogKDK{
		Ndim:        ndim,
		EnergyEqn:   energyEqn,
		AccelMult:   accelMult,
		CourantMult: courantMult,
		EnergyMult:  energyMult,
	}
}

// Timestep computes the stability-limited step for one particle from
// the acceleration, Courant and (optionally) energy conditions.
func (l *LeapfrogKDK) Timestep(p *particle.Particle) float64 {
	dt := math.Inf(1)

	atot := p.A.Add(p.AGrav).Norm(l.Ndim)
	if atot > 0 && p.H > 0 {
		dt = l.AccelMult * math.Sqrt(p.H/atot)
	}
	if p.H > 0 && p.Sound > 0 {
		denom := p.Sound + p.H*math.Abs(p.DivV)
		if c := l.CourantMult * p.H / denom; c < dt {
			dt = c
		}
	}
	if l.EnergyEqn && p.DUdt != 0 && p.U > 0 {
		if c := l.EnergyMult * p.U / math.Abs(p.DUdt); c < dt {
			dt = c
		}
	}
	return dt
}

// AssignLevels maps per-particle stable timesteps onto rungs below
// dtmax, capped at levelmax, and enforces that no particle sits more
// than one rung above its finest-rung neighbour. Returns the deepest
// rung in use.
func (l *LeapfrogKDK) AssignLevels(store *particle.Store, dtmax float64, levelmax int) int {
	deepest := 0
	for i := 0; i < store.Nsph; i++ {
		p := store.At(i)
		if p.Dead {
			continue
		}
		dt := l.Timestep(p)
		level := 0
		if dt < dtmax {
			level = int(math.Ceil(math.Log2(dtmax / dt)))
		}
		if level > levelmax {
			level = levelmax
		}
		// Neighbour rung constraint keeps interacting pairs within one
		// rung of each other.
		if p.LevelNeib-1 > level {
			level = p.LevelNeib - 1
		}
		if level > levelmax {
			level = levelmax
		}
		p.Level = level
		if level > deepest {
			deepest = level
		}
	}
	return deepest
}

// NStep is the number of fine steps in one full step of the given rung.
func NStep(level, deepest int) int {
	return 1 << uint(deepest-level)
}

// Advance drifts every particle to the current fine-step counter n and
// marks as active those whose own step completes at n. dtFine is the
// duration of one fine step; deepest is the rung the counter ticks at.
func (l *LeapfrogKDK) Advance(store *particle.Store, n, deepest int, dtFine float64) {
	for i := 0; i < store.Nsph; i++ {
		p := store.At(i)
		if p.Dead {
			continue
		}
		dn := n - p.NLast
		telap := float64(dn) * dtFine

		p.R = p.R0.Add(p.V0.Scale(telap)).Add(p.A0.Scale(0.5 * telap * telap))
		p.V = p.V0.Add(p.A0.Scale(telap))
		if l.EnergyEqn {
			p.U = p.U0 + p.DUdt0*telap
		}

		p.Active = dn >= NStep(p.Level, deepest)
	}
}

// Correct applies the corrector kick to every active particle once new
// forces are in place.
func (l *LeapfrogKDK) Correct(store *particle.Store, n, deepest int, dtFine float64) {
	for i := 0; i < store.Nsph; i++ {
		p := store.At(i)
		if p.Dead || !p.Active {
			continue
		}
		dt := float64(n-p.NLast) * dtFine
		acc := p.A.Add(p.AGrav)
		acc0 := p.A0
		p.V = p.V0.Add(acc0.Add(acc).Scale(0.5 * dt))
		if l.EnergyEqn {
			p.U = p.U0 + 0.5*(p.DUdt0+p.DUdt)*dt
		}
	}
}

// EndStep commits the corrected state of every active particle as the
// new start-of-step snapshot.
func (l *LeapfrogKDK) EndStep(store *particle.Store, n int) {
	for i := 0; i < store.Nsph; i++ {
		p := store.At(i)
		if p.Dead || !p.Active {
			continue
		}
		p.R0 = p.R
		p.V0 = p.V
		p.A0 = p.A.Add(p.AGrav)
		p.U0 = p.U
		p.DUdt0 = p.DUdt
		p.NLast = n
	}
}
