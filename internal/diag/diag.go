// Package diag computes conserved-quantity diagnostics over the
// particle store, used for run monitoring and regression checks.
package diag

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

// Diagnostics is one snapshot of the global conserved quantities.
type Diagnostics struct {
	Time   float64
	Nsph   int
	Mtot   float64
	Ekin   float64
	Etherm float64
	Egrav  float64
	Etot   float64
	Mom    geometry.Vec
	AngMom geometry.Vec
	Force  geometry.Vec // net force, should stay near zero
}

// Compute sums the diagnostics over all live real particles. Gravity
// potential energy uses the particle GPot accumulators, so forces must
// be current.
func Compute(store *particle.Store, ndim int, selfGravity bool, time float64) Diagnostics {
	d := Diagnostics{Time: time}

	n := store.Nsph
	ekin := make([]float64, 0, n)
	etherm := make([]float64, 0, n)
	egrav := make([]float64, 0, n)

	for i := 0; i < n; i++ {
		p := store.At(i)
		if p.Dead {
			continue
		}
		d.Nsph++
		d.Mtot += p.M
		ekin = append(ekin, 0.5*p.M*p.V.NormSqd(ndim))
		etherm = append(etherm, p.M*p.U)
		if selfGravity {
			egrav = append(egrav, -0.5*p.M*p.GPot)
		}

		d.Mom = d.Mom.Add(p.V.Scale(p.M))
		d.Force = d.Force.Add(p.A.Add(p.AGrav).Scale(p.M))
		d.AngMom[0] += p.M * (p.R[1]*p.V[2] - p.R[2]*p.V[1])
		d.AngMom[1] += p.M * (p.R[2]*p.V[0] - p.R[0]*p.V[2])
		d.AngMom[2] += p.M * (p.R[0]*p.V[1] - p.R[1]*p.V[0])
	}

	d.Ekin = floats.Sum(ekin)
	d.Etherm = floats.Sum(etherm)
	d.Egrav = floats.Sum(egrav)
	d.Etot = d.Ekin + d.Etherm + d.Egrav
	return d
}

// Combine merges per-rank diagnostics into the global snapshot. Every
// field is additive except the timestamp, which must agree.
func Combine(parts ...Diagnostics) Diagnostics {
	var d Diagnostics
	for _, p := range parts {
		d.Time = p.Time
		d.Nsph += p.Nsph
		d.Mtot += p.Mtot
		d.Ekin += p.Ekin
		d.Etherm += p.Etherm
		d.Egrav += p.Egrav
		d.Mom = d.Mom.Add(p.Mom)
		d.AngMom = d.AngMom.Add(p.AngMom)
		d.Force = d.Force.Add(p.Force)
	}
	d.Etot = d.Ekin + d.Etherm + d.Egrav
	return d
}

// RelativeEnergyError measures drift against a reference snapshot.
func RelativeEnergyError(ref, cur Diagnostics) float64 {
	scale := math.Abs(ref.Etot)
	if scale == 0 {
		scale = 1
	}
	return math.Abs(cur.Etot-ref.Etot) / scale
}

// String renders the one-line progress report printed each snapshot.
func (d Diagnostics) String() string {
	return fmt.Sprintf("t=%.5g N=%d E=%.8g (kin %.4g therm %.4g grav %.4g) |p|=%.3g",
		d.Time, d.Nsph, d.Etot, d.Ekin, d.Etherm, d.Egrav, d.Mom.Norm(3))
}
