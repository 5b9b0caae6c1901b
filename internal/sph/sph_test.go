package sph

import (
	"errors"
	"math"
	"testing"

	"github.com/smhr/gandalf/internal/eos"
	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/kernel"
	"github.com/smhr/gandalf/internal/particle"
)

func latticeParticles(n int, spacing, h float64) []particle.Particle {
	parts := make([]particle.Particle, 0, n*n*n)
	for ix := 0; ix < n; ix++ {
		for iy := 0; iy < n; iy++ {
			for iz := 0; iz < n; iz++ {
				p := particle.Particle{
					M: 1.0,
					H: h,
					U: 1.0,
				}
				p.InvH = 1.0 / h
				p.R = geometry.Vec{
					spacing * float64(ix),
					spacing * float64(iy),
					spacing * float64(iz),
				}
				parts = append(parts, p)
			}
		}
	}
	return parts
}

func allIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

func testEvaluator(ndim int) *Evaluator {
	k := kernel.NewM4(ndim)
	e, _ := eos.New("energy_eqn", 1.0, 1.0, 5.0/3.0)
	return New(ndim, k, e, 1.2, 1e-6, 1.0, 2.0)
}

func TestLatticeDensity(t *testing.T) {
	spacing := 0.1
	parts := latticeParticles(11, spacing, 1.2*spacing)
	ev := testEvaluator(3)

	// Centre particle of the lattice; expected density is m / a^3.
	centre := (len(parts) - 1) / 2
	rho := ev.density(parts, centre, allIDs(len(parts)), parts[centre].H)
	want := 1.0 / (spacing * spacing * spacing)
	if math.Abs(rho-want)/want > 0.02 {
		t.Errorf("lattice density = %g, want %g within 2%%", rho, want)
	}
}

func TestComputeHFixedPoint(t *testing.T) {
	spacing := 0.1
	parts := latticeParticles(11, spacing, 0.15)
	ev := testEvaluator(3)

	centre := (len(parts) - 1) / 2
	if err := ev.ComputeH(parts, centre, allIDs(len(parts)), 1.0); err != nil {
		t.Fatalf("ComputeH: %v", err)
	}
	p := &parts[centre]
	want := ev.HFac * math.Pow(p.M/p.Rho, 1.0/3.0)
	if math.Abs(p.H-want)/want > 1e-4 {
		t.Errorf("h = %g, want fixed point %g", p.H, want)
	}
	if p.Press <= 0 || p.Sound <= 0 {
		t.Errorf("thermodynamics not set: press=%g sound=%g", p.Press, p.Sound)
	}
}

func TestComputeHRangeError(t *testing.T) {
	// Two distant particles: h must grow far beyond the given bound.
	parts := make([]particle.Particle, 2)
	parts[0].M, parts[1].M = 1, 1
	parts[0].H, parts[1].H = 0.1, 0.1
	parts[1].R = geometry.Vec{5, 0, 0}
	ev := testEvaluator(3)

	err := ev.ComputeH(parts, 0, []int{0, 1}, 0.2)
	if !errors.Is(err, ErrHRange) {
		t.Fatalf("expected ErrHRange, got %v", err)
	}
}

// preparePair sets up two equal particles with consistent density and
// thermodynamics for force tests.
func preparePair(sep float64, vx0, vx1 float64) []particle.Particle {
	parts := make([]particle.Particle, 2)
	for i := range parts {
		p := &parts[i]
		p.M = 1.0
		p.H = 1.0
		p.InvH = 1.0
		p.Rho = 1.0
		p.U = 1.0
		p.Press = (5.0/3.0 - 1.0) * p.Rho * p.U
		p.Sound = math.Sqrt(5.0 / 3.0 * (5.0/3.0 - 1.0) * p.U)
	}
	parts[1].R = geometry.Vec{sep, 0, 0}
	parts[0].V = geometry.Vec{vx0, 0, 0}
	parts[1].V = geometry.Vec{vx1, 0, 0}
	return parts
}

func TestHydroForcePairMomentum(t *testing.T) {
	parts := preparePair(0.9, 0, 0)
	ev := testEvaluator(3)

	ev.HydroForces(parts, 0, []int{0, 1})
	ev.HydroForces(parts, 1, []int{0, 1})

	// Equal masses: accelerations must be equal and opposite.
	for k := 0; k < 3; k++ {
		if math.Abs(parts[0].A[k]+parts[1].A[k]) > 1e-14 {
			t.Errorf("momentum not conserved on axis %d: %g vs %g", k, parts[0].A[k], parts[1].A[k])
		}
	}
	// Pressure between two particles is repulsive.
	if parts[0].A[0] >= 0 || parts[1].A[0] <= 0 {
		t.Errorf("pressure force not repulsive: a0=%g a1=%g", parts[0].A[0], parts[1].A[0])
	}
}

func TestViscousHeatingOnApproach(t *testing.T) {
	ev := testEvaluator(3)

	closing := preparePair(0.9, 0.5, -0.5)
	ev.HydroForces(closing, 0, []int{0, 1})
	if closing[0].DUdt <= 0 {
		t.Errorf("approaching pair should heat: dudt = %g", closing[0].DUdt)
	}
	if closing[0].DivV >= 0 {
		t.Errorf("approaching pair should compress: div_v = %g", closing[0].DivV)
	}

	// A receding pair sees no artificial viscosity; compare against a
	// static pair, which has identical pressure terms.
	receding := preparePair(0.9, -0.5, 0.5)
	static := preparePair(0.9, 0, 0)
	ev.HydroForces(receding, 0, []int{0, 1})
	ev.HydroForces(static, 0, []int{0, 1})
	if math.Abs(receding[0].A[0]-static[0].A[0]) > 1e-14 {
		t.Errorf("receding pair picked up viscous force: %g vs %g", receding[0].A[0], static[0].A[0])
	}
	if receding[0].DivV <= 0 {
		t.Errorf("receding pair should expand: div_v = %g", receding[0].DivV)
	}
}

func TestHydroForcesRecordNeighbourRung(t *testing.T) {
	parts := preparePair(0.9, 0, 0)
	parts[1].Level = 4
	ev := testEvaluator(3)
	ev.HydroForces(parts, 0, []int{0, 1})
	if parts[0].LevelNeib != 4 {
		t.Errorf("levelneib = %d, want 4", parts[0].LevelNeib)
	}
}

func TestSmoothedGravityMatchesNewtonOutsideKernel(t *testing.T) {
	ev := testEvaluator(3)
	for _, sep := range []float64{2.0, 2.5, 10.0} {
		parts := preparePair(sep, 0, 0)
		ev.SmoothedGravity(parts, 0, []int{1})
		want := 1.0 / (sep * sep)
		if math.Abs(parts[0].AGrav[0]-want) > 1e-12*want {
			t.Errorf("sep %g: softened force %g, want Newtonian %g", sep, parts[0].AGrav[0], want)
		}
		if math.Abs(parts[0].GPot-1.0/sep) > 1e-12 {
			t.Errorf("sep %g: potential %g, want %g", sep, parts[0].GPot, 1.0/sep)
		}
	}
}

func TestSmoothedGravityFiniteAndAttractiveInsideKernel(t *testing.T) {
	ev := testEvaluator(3)
	prev := math.Inf(1)
	for _, sep := range []float64{1.5, 1.0, 0.5, 0.1, 0.01} {
		parts := preparePair(sep, 0, 0)
		ev.SmoothedGravity(parts, 0, []int{1})
		a := parts[0].AGrav[0]
		if a <= 0 {
			t.Errorf("sep %g: force %g not attractive", sep, a)
		}
		if math.IsInf(a, 0) || math.IsNaN(a) {
			t.Errorf("sep %g: force not finite", sep)
		}
		// Softened force must vanish as separation closes, unlike 1/r^2.
		if sep < 1.0 && a > prev {
			t.Errorf("sep %g: force %g grew inside softening (prev %g)", sep, a, prev)
		}
		prev = a
	}
}

func TestDirectGravityPair(t *testing.T) {
	ev := testEvaluator(3)
	parts := preparePair(3.0, 0, 0)
	ev.DirectGravity(parts, 0, []int{1})
	ev.DirectGravity(parts, 1, []int{0})
	want := 1.0 / 9.0
	if math.Abs(parts[0].AGrav[0]-want) > 1e-15 {
		t.Errorf("direct force %g, want %g", parts[0].AGrav[0], want)
	}
	if math.Abs(parts[0].AGrav[0]+parts[1].AGrav[0]) > 1e-15 {
		t.Errorf("direct pair forces not symmetric")
	}
}
