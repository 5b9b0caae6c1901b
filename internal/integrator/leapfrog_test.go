package integrator

import (
	"math"
	"testing"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

func singleParticleStore(t *testing.T) *particle.Store {
	t.Helper()
	s := particle.NewStore(3, 8)
	if err := s.SetReal(1); err != nil {
		t.Fatal(err)
	}
	p := s.At(0)
	p.M = 1
	p.H = 1
	p.Active = true
	return s
}

func TestConstantAccelerationIsExact(t *testing.T) {
	s := singleParticleStore(t)
	p := s.At(0)
	p.V = geometry.Vec{1, 0, 0}
	g := geometry.Vec{0, -10, 0}
	p.AGrav = g
	p.R0, p.V0, p.A0 = p.R, p.V, g

	lf := New(3, false, 0.3, 0.15, 0.3)
	dt := 0.1
	n := 0
	for step := 0; step < 100; step++ {
		n++
		lf.Advance(s, n, 0, dt)
		// Force recomputation: gravity is constant.
		p.AGrav = g
		lf.Correct(s, n, 0, dt)
		lf.EndStep(s, n)
	}

	tt := float64(n) * dt
	wantX := tt
	wantY := 0.5 * g[1] * tt * tt
	if math.Abs(p.R[0]-wantX) > 1e-10 || math.Abs(p.R[1]-wantY) > 1e-8 {
		t.Errorf("position (%g,%g), want (%g,%g)", p.R[0], p.R[1], wantX, wantY)
	}
	if math.Abs(p.V[1]-g[1]*tt) > 1e-10 {
		t.Errorf("velocity %g, want %g", p.V[1], g[1]*tt)
	}
}

func TestHarmonicOscillatorEnergy(t *testing.T) {
	s := singleParticleStore(t)
	p := s.At(0)
	p.R = geometry.Vec{1, 0, 0}
	p.AGrav = geometry.Vec{-1, 0, 0}
	p.R0, p.V0, p.A0 = p.R, p.V, p.AGrav

	lf := New(3, false, 0.3, 0.15, 0.3)
	dt := 0.01
	e0 := 0.5*p.V.NormSqd(3) + 0.5*p.R.NormSqd(3)

	n := 0
	for step := 0; step < 10000; step++ {
		n++
		lf.Advance(s, n, 0, dt)
		p.AGrav = p.R.Scale(-1)
		lf.Correct(s, n, 0, dt)
		lf.EndStep(s, n)
	}
	e1 := 0.5*p.V.NormSqd(3) + 0.5*p.R.NormSqd(3)
	if math.Abs(e1-e0)/e0 > 1e-3 {
		t.Errorf("energy drifted from %g to %g over 100 periods worth of steps", e0, e1)
	}
}

func TestTimestepConditions(t *testing.T) {
	lf := New(3, true, 0.4, 0.2, 0.5)

	var p particle.Particle
	p.H = 0.1
	p.A = geometry.Vec{10, 0, 0}
	dt := lf.Timestep(&p)
	want := 0.4 * math.Sqrt(0.1/10)
	if math.Abs(dt-want) > 1e-14 {
		t.Errorf("accel timestep %g, want %g", dt, want)
	}

	p.Sound = 100 // courant now dominates
	dt = lf.Timestep(&p)
	want = 0.2 * 0.1 / 100
	if math.Abs(dt-want) > 1e-14 {
		t.Errorf("courant timestep %g, want %g", dt, want)
	}

	p.U, p.DUdt = 1e-4, 1.0 // energy condition dominates
	dt = lf.Timestep(&p)
	want = 0.5 * 1e-4
	if math.Abs(dt-want) > 1e-14 {
		t.Errorf("energy timestep %g, want %g", dt, want)
	}
}

func TestAssignLevels(t *testing.T) {
	s := particle.NewStore(3, 16)
	if err := s.SetReal(3); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		p := s.At(i)
		p.M, p.H = 1, 1
	}
	// Particle 0: slow. Particle 1: needs ~1/8 of dtmax. Particle 2:
	// constrained only by its neighbour's rung.
	s.At(0).A = geometry.Vec{0.001, 0, 0}
	s.At(1).A = geometry.Vec{600, 0, 0}
	s.At(2).A = geometry.Vec{0.001, 0, 0}
	s.At(2).LevelNeib = 5

	lf := New(3, false, 1.0, 0.2, 0.3)
	dtmax := 1.0
	deepest := lf.AssignLevels(s, dtmax, 9)

	if s.At(0).Level != 0 {
		t.Errorf("slow particle level %d, want 0", s.At(0).Level)
	}
	if s.At(1).Level < 4 || s.At(1).Level > 5 {
		t.Errorf("fast particle level %d, want 4-5", s.At(1).Level)
	}
	if s.At(2).Level != 4 {
		t.Errorf("neighbour-bound particle level %d, want 4", s.At(2).Level)
	}
	if deepest < 4 {
		t.Errorf("deepest rung %d, want >= 4", deepest)
	}
}

func TestRungActivation(t *testing.T) {
	s := particle.NewStore(3, 16)
	if err := s.SetReal(2); err != nil {
		t.Fatal(err)
	}
	coarse, fine := s.At(0), s.At(1)
	coarse.M, fine.M = 1, 1
	coarse.Level, fine.Level = 0, 2
	deepest := 2

	lf := New(3, false, 0.3, 0.15, 0.3)
	dt := 0.125
	activations := [2]int{}
	for n := 1; n <= 8; n++ {
		lf.Advance(s, n, deepest, dt)
		for i := 0; i < 2; i++ {
			if s.At(i).Active {
				activations[i]++
			}
		}
		lf.Correct(s, n, deepest, dt)
		lf.EndStep(s, n)
	}
	// In 8 fine steps the rung-2 particle completes 8 steps; the rung-0
	// particle completes 2 (every 4 fine steps).
	if activations[1] != 8 {
		t.Errorf("fine particle active %d times, want 8", activations[1])
	}
	if activations[0] != 2 {
		t.Errorf("coarse particle active %d times, want 2", activations[0])
	}
}

func TestEnergyIntegration(t *testing.T) {
	s := singleParticleStore(t)
	p := s.At(0)
	p.U, p.U0 = 1.0, 1.0
	p.DUdt, p.DUdt0 = 0.5, 0.5

	lf := New(3, true, 0.3, 0.15, 0.3)
	lf.Advance(s, 1, 0, 0.1)
	if math.Abs(p.U-1.05) > 1e-14 {
		t.Errorf("predicted u = %g, want 1.05", p.U)
	}
	p.DUdt = 0.7
	lf.Correct(s, 1, 0, 0.1)
	if math.Abs(p.U-(1.0+0.5*(0.5+0.7)*0.1)) > 1e-14 {
		t.Errorf("corrected u = %g", p.U)
	}
}
