package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/smhr/gandalf/internal/storage"
)

// ProfileBin is one radial shell of a density profile.
type ProfileBin struct {
	R   float64 // outer radius of the shell
	Rho float64 // shell mass over shell volume
	N   int     // particles in the shell
}

// CentreOfMass returns the mass-weighted mean position.
func CentreOfMass(snap *storage.Snapshot) [3]float64 {
	var com [3]float64
	mtot := 0.0
	for i := range snap.M {
		for k := 0; k < snap.Ndim; k++ {
			com[k] += snap.M[i] * snap.R[i][k]
		}
		mtot += snap.M[i]
	}
	if mtot > 0 {
		for k := 0; k < snap.Ndim; k++ {
			com[k] /= mtot
		}
	}
	return com
}

func radii(snap *storage.Snapshot) []float64 {
	com := CentreOfMass(snap)
	rs := make([]float64, len(snap.R))
	for i := range snap.R {
		drsqd := 0.0
		for k := 0; k < snap.Ndim; k++ {
			dr := snap.R[i][k] - com[k]
			drsqd += dr * dr
		}
		rs[i] = math.Sqrt(drsqd)
	}
	return rs
}

// shellVolume is the volume between radii a < b for the snapshot's
// dimensionality: an interval pair in 1-d, an annulus in 2-d, a
// spherical shell in 3-d.
func shellVolume(ndim int, a, b float64) float64 {
	switch ndim {
	case 1:
		return 2 * (b - a)
	case 2:
		return math.Pi * (b*b - a*a)
	default:
		return 4 * math.Pi / 3 * (b*b*b - a*a*a)
	}
}

// RadialProfile bins particles into nbins equal-width shells about the
// centre of mass and returns the shell-averaged density of each.
func RadialProfile(snap *storage.Snapshot, nbins int) ([]ProfileBin, error) {
	if nbins < 1 {
		return nil, fmt.Errorf("analysis: need at least one bin, got %d", nbins)
	}
	if len(snap.M) == 0 {
		return nil, fmt.Errorf("analysis: empty snapshot")
	}

	rs := radii(snap)
	rmax := 0.0
	for _, r := range rs {
		if r > rmax {
			rmax = r
		}
	}
	if rmax == 0 {
		return nil, fmt.Errorf("analysis: all particles coincide with the centre of mass")
	}

	bins := make([]ProfileBin, nbins)
	dr := rmax / float64(nbins)
	for i := range bins {
		bins[i].R = float64(i+1) * dr
	}
	for i, r := range rs {
		b := int(r / dr)
		if b >= nbins {
			b = nbins - 1
		}
		bins[b].Rho += snap.M[i]
		bins[b].N++
	}
	for i := range bins {
		bins[i].Rho /= shellVolume(snap.Ndim, float64(i)*dr, bins[i].R)
	}
	return bins, nil
}

// LagrangianRadii returns, for each requested mass fraction in (0,1],
// the radius about the centre of mass enclosing that fraction of the
// total mass.
func LagrangianRadii(snap *storage.Snapshot, fractions []float64) ([]float64, error) {
	if len(snap.M) == 0 {
		return nil, fmt.Errorf("analysis: empty snapshot")
	}
	for _, f := range fractions {
		if f <= 0 || f > 1 {
			return nil, fmt.Errorf("analysis: mass fraction %g outside (0,1]", f)
		}
	}

	rs := radii(snap)
	order := make([]int, len(rs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return rs[order[a]] < rs[order[b]] })

	mtot := 0.0
	for _, m := range snap.M {
		mtot += m
	}

	out := make([]float64, len(fractions))
	for j, f := range fractions {
		target := f * mtot
		enclosed := 0.0
		out[j] = rs[order[len(order)-1]]
		for _, i := range order {
			enclosed += snap.M[i]
			if enclosed >= target {
				out[j] = rs[i]
				break
			}
		}
	}
	return out, nil
}

// VelocityDispersion returns the mass-weighted rms velocity about the
// mass-weighted mean velocity.
func VelocityDispersion(snap *storage.Snapshot) float64 {
	var vbar [3]float64
	mtot := 0.0
	for i := range snap.M {
		for k := 0; k < snap.Ndim; k++ {
			vbar[k] += snap.M[i] * snap.V[i][k]
		}
		mtot += snap.M[i]
	}
	if mtot == 0 {
		return 0
	}
	for k := 0; k < snap.Ndim; k++ {
		vbar[k] /= mtot
	}

	sum := 0.0
	for i := range snap.M {
		for k := 0; k < snap.Ndim; k++ {
			dv := snap.V[i][k] - vbar[k]
			sum += snap.M[i] * dv * dv
		}
	}
	return math.Sqrt(sum / mtot)
}
