package diag

import (
	"math"
	"testing"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

func TestComputeTwoBody(t *testing.T) {
	s := particle.NewStore(3, 8)
	if err := s.SetReal(2); err != nil {
		t.Fatal(err)
	}
	a, b := s.At(0), s.At(1)
	a.M, b.M = 2, 1
	a.V = geometry.Vec{1, 0, 0}
	b.V = geometry.Vec{-2, 0, 0}
	a.U, b.U = 0.5, 1.0
	b.R = geometry.Vec{1, 0, 0}
	// Mutual potential: each particle's gpot holds the other's m/r.
	a.GPot, b.GPot = 1.0, 2.0

	d := Compute(s, 3, true, 0.25)

	if d.Nsph != 2 || d.Mtot != 3 {
		t.Fatalf("n=%d mtot=%g", d.Nsph, d.Mtot)
	}
	if want := 0.5*2*1 + 0.5*1*4; math.Abs(d.Ekin-want) > 1e-14 {
		t.Errorf("ekin = %g, want %g", d.Ekin, want)
	}
	if want := 2*0.5 + 1*1.0; math.Abs(d.Etherm-want) > 1e-14 {
		t.Errorf("etherm = %g, want %g", d.Etherm, want)
	}
	// egrav = -0.5 * (m_a gpot_a + m_b gpot_b) = -0.5*(2+2) = -2.
	if math.Abs(d.Egrav+2) > 1e-14 {
		t.Errorf("egrav = %g, want -2", d.Egrav)
	}
	if math.Abs(d.Mom[0]-0) > 1e-14 {
		t.Errorf("momentum %g, want 0", d.Mom[0])
	}
	// r x v for b: (1,0,0) x (-2,0,0) = 0; a at origin contributes 0.
	if d.AngMom.Norm(3) > 1e-14 {
		t.Errorf("angmom %v, want zero", d.AngMom)
	}
}

func TestDeadParticlesExcluded(t *testing.T) {
	s := particle.NewStore(3, 8)
	if err := s.SetReal(2); err != nil {
		t.Fatal(err)
	}
	s.At(0).M = 1
	s.At(1).M = 1
	s.At(1).Dead = true

	d := Compute(s, 3, false, 0)
	if d.Nsph != 1 || d.Mtot != 1 {
		t.Errorf("dead particle counted: n=%d mtot=%g", d.Nsph, d.Mtot)
	}
}

func TestRelativeEnergyError(t *testing.T) {
	ref := Diagnostics{Etot: -4.0}
	cur := Diagnostics{Etot: -4.004}
	if got := RelativeEnergyError(ref, cur); math.Abs(got-0.001) > 1e-12 {
		t.Errorf("relative error %g, want 0.001", got)
	}
}
