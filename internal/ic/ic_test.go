package ic

import (
	"math"
	"testing"

	"github.com/smhr/gandalf/internal/geometry"
)

func unitBox(ndim int) geometry.DomainBox {
	var open [3]geometry.BoundaryKind
	return geometry.NewDomainBox(ndim, geometry.Vec{}, geometry.Vec{1, 1, 1}, open, open)
}

func TestRandomCubeInsideBox(t *testing.T) {
	s, err := Generate(Params{Name: "random_cube", Ndim: 3, N: 500, Seed: 1, Box: unitBox(3), Mtot: 2.0, HInit: 0.05}, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if s.Nsph != 500 {
		t.Fatalf("nsph = %d, want 500", s.Nsph)
	}
	mtot := 0.0
	for i := 0; i < s.Nsph; i++ {
		p := s.At(i)
		mtot += p.M
		for k := 0; k < 3; k++ {
			if p.R[k] < 0 || p.R[k] > 1 {
				t.Fatalf("particle %d outside box on axis %d: %g", i, k, p.R[k])
			}
		}
		if p.IOrig != i {
			t.Fatalf("particle %d has iorig %d", i, p.IOrig)
		}
	}
	if math.Abs(mtot-2.0) > 1e-12 {
		t.Errorf("total mass %g, want 2", mtot)
	}
}

func TestRandomSphereInsideBall(t *testing.T) {
	s, err := Generate(Params{Name: "random_sphere", Ndim: 3, N: 300, Seed: 2, Box: unitBox(3), Mtot: 1, HInit: 0.05}, 600)
	if err != nil {
		t.Fatal(err)
	}
	centre := geometry.Vec{0.5, 0.5, 0.5}
	for i := 0; i < s.Nsph; i++ {
		if d := s.At(i).R.Sub(centre).Norm(3); d > 0.5+1e-12 {
			t.Fatalf("particle %d at radius %g outside ball", i, d)
		}
	}
}

func TestLatticeSpacing(t *testing.T) {
	s, err := Generate(Params{Name: "lattice", Ndim: 3, N: 1000, Seed: 0, Box: unitBox(3), Mtot: 1, HInit: 0.05}, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if s.Nsph != 1000 {
		t.Fatalf("nsph = %d, want 1000 (10^3)", s.Nsph)
	}
	// Cell-centred: first site at half spacing, none on the boundary.
	for i := 0; i < s.Nsph; i++ {
		for k := 0; k < 3; k++ {
			x := s.At(i).R[k]
			if x < 0.05-1e-12 || x > 0.95+1e-12 {
				t.Fatalf("lattice site %g off grid on axis %d", x, k)
			}
		}
	}
}

func TestShocktubeStates(t *testing.T) {
	p := Params{
		Name: "shocktube", Ndim: 1, N: 400, Box: unitBox(1), Mtot: 1, HInit: 0.01,
		RhoL: 1.0, RhoR: 0.125, UL: 2.5, UR: 2.0, VxL: 0, VxR: 0,
	}
	s, err := Generate(p, 1600)
	if err != nil {
		t.Fatal(err)
	}
	mid := 0.5
	var nl, nr int
	for i := 0; i < s.Nsph; i++ {
		q := s.At(i)
		if q.R[0] < mid {
			nl++
			if q.U != 2.5 {
				t.Fatalf("left particle with u=%g", q.U)
			}
		} else {
			nr++
			if q.U != 2.0 {
				t.Fatalf("right particle with u=%g", q.U)
			}
		}
	}
	// Equal-mass particles: the 8:1 density contrast shows up as an
	// 8:1 particle count ratio.
	ratio := float64(nl) / float64(nr)
	if math.Abs(ratio-8.0) > 0.5 {
		t.Errorf("particle count ratio %g, want ~8", ratio)
	}
}

func TestUnknownICIsError(t *testing.T) {
	if _, err := Generate(Params{Name: "bogus", Ndim: 3, N: 10, Box: unitBox(3)}, 100); err == nil {
		t.Error("expected error for unknown ic name")
	}
}
