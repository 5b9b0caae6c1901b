package sim

import (
	"context"
	"math"
	"testing"

	"github.com/smhr/gandalf/internal/config"
	"github.com/smhr/gandalf/internal/geometry"
)

// boxConfig is a small periodic lattice: a uniform isothermal medium
// that should sit still.
func boxConfig() *config.Config {
	c := config.Presets["box"]()
	c.IC.Nhydro = 125
	c.Time.NstepsMax = 3
	c.Time.TEnd = 100
	return c
}

func TestStaticLatticeStaysStatic(t *testing.T) {
	s, err := New(boxConfig())
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Steps != 3 {
		t.Errorf("expected 3 full steps, got %d", res.Steps)
	}

	st := s.Store()
	for i := 0; i < st.Nsph; i++ {
		p := st.At(i)
		if v := p.V.Norm(3); v > 1e-8 {
			t.Fatalf("particle %d drifts at |v|=%g in a uniform medium", i, v)
		}
		if math.Abs(p.Rho-1.0) > 0.05 {
			t.Errorf("particle %d density %g, expected near unity", i, p.Rho)
		}
	}
	last := res.History[len(res.History)-1]
	if last.Mom.Norm(3) > 1e-8 {
		t.Errorf("net momentum %g, expected zero", last.Mom.Norm(3))
	}
}

func TestShocktubeDevelopsContrast(t *testing.T) {
	c := config.Presets["sod"]()
	c.IC.Nhydro = 180
	c.Time.NstepsMax = 2
	s, err := New(c)
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(res.History) < 2 {
		t.Fatalf("expected diagnostics per full step, got %d entries", len(res.History))
	}

	st := s.Store()
	var rhoLeft, rhoRight float64
	var nLeft, nRight int
	for i := 0; i < st.Nsph; i++ {
		p := st.At(i)
		if math.IsNaN(p.R[0]) || math.IsNaN(p.V[0]) || math.IsNaN(p.Rho) {
			t.Fatalf("particle %d has NaN state", i)
		}
		switch {
		case p.R[0] < 0.25:
			rhoLeft += p.Rho
			nLeft++
		case p.R[0] > 0.75:
			rhoRight += p.Rho
			nRight++
		}
	}
	rhoLeft /= float64(nLeft)
	rhoRight /= float64(nRight)
	if rhoLeft < 4*rhoRight {
		t.Errorf("density contrast %g:%g, expected the left side much denser", rhoLeft, rhoRight)
	}
}

// gravityConfig is a pure N-body sphere with the opening angle shrunk
// until every interaction is evaluated pairwise.
func gravityConfig(ranks int) *config.Config {
	c := config.DefaultConfig()
	c.IC.Name = "random_sphere"
	c.IC.Nhydro = 64
	c.IC.Seed = 11
	c.IC.HInit = 0.005
	c.SPH.HydroForces = false
	c.SPH.GasEOS = "isothermal"
	c.Gravity.SelfGravity = true
	c.Gravity.MAC = "geometric"
	c.Gravity.Theta = 1e-3
	c.Gravity.Multipole = "monopole"
	c.MPI.Ranks = ranks
	return c
}

func TestClusterForcesMatchSingleRank(t *testing.T) {
	ctx := context.Background()

	single, err := New(gravityConfig(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := single.initialStep(ctx); err != nil {
		t.Fatal(err)
	}

	cluster, err := NewCluster(gravityConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := cluster.forceStep(ctx); err != nil {
		t.Fatal(err)
	}

	ref := make(map[int]geometry.Vec)
	for i := 0; i < single.Store().Nsph; i++ {
		p := single.Store().At(i)
		ref[p.IOrig] = p.AGrav
	}

	seen := 0
	for _, s := range cluster.Ranks() {
		for i := 0; i < s.Store().Nsph; i++ {
			p := s.Store().At(i)
			want, ok := ref[p.IOrig]
			if !ok {
				t.Fatalf("particle %d not in single-rank run", p.IOrig)
			}
			rel := p.AGrav.Sub(want).Norm(3) / want.Norm(3)
			if rel > 1e-10 {
				t.Fatalf("particle %d: distributed force differs by %g", p.IOrig, rel)
			}
			seen++
		}
	}
	if seen != single.Store().Nsph {
		t.Errorf("cluster holds %d particles, single rank %d", seen, single.Store().Nsph)
	}
}

func TestClusterRunConservesParticles(t *testing.T) {
	c := gravityConfig(2)
	c.Time.NstepsMax = 2
	c.Time.TEnd = 100
	cluster, err := NewCluster(c)
	if err != nil {
		t.Fatal(err)
	}
	res, err := cluster.Run(context.Background())
	if err != nil {
		t.Fatalf("cluster run failed: %v", err)
	}
	if res.Steps != 2 {
		t.Errorf("expected 2 steps, got %d", res.Steps)
	}
	last := res.History[len(res.History)-1]
	if last.Nsph != c.IC.Nhydro {
		t.Errorf("diagnostics count %d particles, expected %d", last.Nsph, c.IC.Nhydro)
	}
}

func TestRebalanceKeepsEveryParticle(t *testing.T) {
	cluster, err := NewCluster(gravityConfig(2))
	if err != nil {
		t.Fatal(err)
	}
	if err := cluster.forceStep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := cluster.Rebalance(); err != nil {
		t.Fatalf("rebalance failed: %v", err)
	}

	seen := make(map[int]bool)
	total := 0
	for _, s := range cluster.Ranks() {
		for i := 0; i < s.Store().Nsph; i++ {
			id := s.Store().At(i).IOrig
			if seen[id] {
				t.Fatalf("particle %d owned by two ranks", id)
			}
			seen[id] = true
			total++
		}
	}
	if total != 64 {
		t.Errorf("expected 64 particles after rebalance, got %d", total)
	}
}

func TestEnsembleRunsEverySeed(t *testing.T) {
	c := boxConfig()
	c.IC.Nhydro = 64
	c.Time.NstepsMax = 1
	e := NewEnsemble(c, 2, 100)
	results, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("ensemble failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, r := range results {
		if r == nil || len(r.History) == 0 {
			t.Errorf("run %d produced no diagnostics", i)
		}
	}
}

func TestRunHonoursContextCancel(t *testing.T) {
	c := boxConfig()
	c.Time.NstepsMax = 1000000
	s, err := New(c)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Run(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
