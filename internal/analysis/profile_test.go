package analysis

import (
	"math"
	"testing"

	"github.com/smhr/gandalf/internal/storage"
)

// shellSnapshot places equal-mass particles on concentric 3-d shells.
func shellSnapshot(radii []float64, perShell int) *storage.Snapshot {
	snap := &storage.Snapshot{Ndim: 3}
	id := 0
	for _, r := range radii {
		for j := 0; j < perShell; j++ {
			phi := 2 * math.Pi * float64(j) / float64(perShell)
			// Mirror pairs keep the centre of mass at the origin.
			for _, s := range []float64{1, -1} {
				snap.IOrig = append(snap.IOrig, id)
				snap.R = append(snap.R, [3]float64{s * r * math.Cos(phi), s * r * math.Sin(phi), 0})
				snap.V = append(snap.V, [3]float64{})
				snap.M = append(snap.M, 1)
				snap.H = append(snap.H, 0.1)
				snap.Rho = append(snap.Rho, 1)
				snap.U = append(snap.U, 1)
				id++
			}
		}
	}
	return snap
}

func TestCentreOfMassOfMirroredShells(t *testing.T) {
	snap := shellSnapshot([]float64{0.5, 1.0}, 8)
	com := CentreOfMass(snap)
	for k := 0; k < 3; k++ {
		if math.Abs(com[k]) > 1e-12 {
			t.Fatalf("com[%d] = %g, want 0", k, com[k])
		}
	}
}

func TestLagrangianRadiiSplitShells(t *testing.T) {
	// Half the mass sits at r=0.5, half at r=1.0.
	snap := shellSnapshot([]float64{0.5, 1.0}, 8)
	rl, err := LagrangianRadii(snap, []float64{0.25, 0.5, 1.0})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(rl[0]-0.5) > 1e-12 || math.Abs(rl[1]-0.5) > 1e-12 {
		t.Errorf("quarter/half-mass radii = %g, %g, want 0.5", rl[0], rl[1])
	}
	if math.Abs(rl[2]-1.0) > 1e-12 {
		t.Errorf("full-mass radius = %g, want 1.0", rl[2])
	}
}

func TestLagrangianRadiiRejectsBadFraction(t *testing.T) {
	snap := shellSnapshot([]float64{1.0}, 4)
	if _, err := LagrangianRadii(snap, []float64{0}); err == nil {
		t.Fatal("fraction 0 accepted")
	}
	if _, err := LagrangianRadii(snap, []float64{1.5}); err == nil {
		t.Fatal("fraction 1.5 accepted")
	}
}

func TestRadialProfileMassIsConserved(t *testing.T) {
	snap := shellSnapshot([]float64{0.3, 0.6, 0.9}, 6)
	nbins := 5
	bins, err := RadialProfile(snap, nbins)
	if err != nil {
		t.Fatal(err)
	}
	if len(bins) != nbins {
		t.Fatalf("got %d bins, want %d", len(bins), nbins)
	}

	// Re-multiplying each bin density by its shell volume must recover
	// the total mass.
	total := 0.0
	prev := 0.0
	count := 0
	for _, b := range bins {
		total += b.Rho * shellVolume(snap.Ndim, prev, b.R)
		count += b.N
		prev = b.R
	}
	want := float64(len(snap.M))
	if math.Abs(total-want) > 1e-9*want {
		t.Errorf("recovered mass %g, want %g", total, want)
	}
	if count != len(snap.M) {
		t.Errorf("binned %d particles, want %d", count, len(snap.M))
	}
}

func TestVelocityDispersionOfCounterStreams(t *testing.T) {
	snap := shellSnapshot([]float64{1.0}, 4)
	for i := range snap.V {
		if i%2 == 0 {
			snap.V[i][0] = 2
		} else {
			snap.V[i][0] = -2
		}
	}
	if got := VelocityDispersion(snap); math.Abs(got-2) > 1e-12 {
		t.Errorf("dispersion = %g, want 2", got)
	}
}
