// Package ic generates initial particle distributions.
package ic

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

// Params describes one initial condition setup.
type Params struct {
	Name  string
	Ndim  int
	N     int
	Seed  int64
	Box   geometry.DomainBox
	Mtot  float64
	U0    float64 // initial specific internal energy
	HInit float64 // starting smoothing-length guess, refined later

	// Shocktube state, left and right of the midplane.
	RhoL, RhoR float64
	VxL, VxR   float64
	UL, UR     float64
}

// Generate builds a particle store for the named setup.
func Generate(p Params, nsphmax int) (*particle.Store, error) {
	switch p.Name {
	case "random_cube", "":
		return randomCube(p, nsphmax)
	case "random_sphere":
		return randomSphere(p, nsphmax)
	case "lattice":
		return lattice(p, nsphmax)
	case "shocktube":
		return shocktube(p, nsphmax)
	}
	return nil, fmt.Errorf("ic: unknown initial conditions %q", p.Name)
}

func newStore(p Params, n, nsphmax int) (*particle.Store, error) {
	s := particle.NewStore(p.Ndim, nsphmax)
	if err := s.SetReal(n); err != nil {
		return nil, err
	}
	m := p.Mtot / float64(n)
	for i := 0; i < n; i++ {
		q := s.At(i)
		q.M = m
		q.H = p.HInit
		if q.H > 0 {
			q.InvH = 1 / q.H
		}
		q.U = p.U0
		q.Active = true
		q.IOrig = i
	}
	return s, nil
}

func randomCube(p Params, nsphmax int) (*particle.Store, error) {
	s, err := newStore(p, p.N, nsphmax)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(p.Seed))
	for i := 0; i < p.N; i++ {
		q := s.At(i)
		for k := 0; k < p.Ndim; k++ {
			q.R[k] = p.Box.Min[k] + rng.Float64()*p.Box.Size[k]
		}
	}
	return s, nil
}

func randomSphere(p Params, nsphmax int) (*particle.Store, error) {
	s, err := newStore(p, p.N, nsphmax)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(p.Seed))
	var centre geometry.Vec
	radius := math.Inf(1)
	for k := 0; k < p.Ndim; k++ {
		centre[k] = 0.5 * (p.Box.Min[k] + p.Box.Max[k])
		if r := 0.5 * p.Box.Size[k]; r < radius {
			radius = r
		}
	}
	for i := 0; i < p.N; i++ {
		q := s.At(i)
		// Rejection sample the unit ball.
		for {
			var v geometry.Vec
			rsqd := 0.0
			for k := 0; k < p.Ndim; k++ {
				v[k] = 2*rng.Float64() - 1
				rsqd += v[k] * v[k]
			}
			if rsqd <= 1 {
				q.R = centre.Add(v.Scale(radius))
				break
			}
		}
	}
	return s, nil
}

func lattice(p Params, nsphmax int) (*particle.Store, error) {
	side := int(math.Round(math.Pow(float64(p.N), 1/float64(p.Ndim))))
	if side < 1 {
		side = 1
	}
	n := 1
	for k := 0; k < p.Ndim; k++ {
		n *= side
	}
	s, err := newStore(p, n, nsphmax)
	if err != nil {
		return nil, err
	}
	idx := make([]int, 3)
	for i := 0; i < n; i++ {
		q := s.At(i)
		rem := i
		for k := 0; k < p.Ndim; k++ {
			idx[k] = rem % side
			rem /= side
		}
		for k := 0; k < p.Ndim; k++ {
			// Cell-centred so periodic wrapping never doubles a plane.
			q.R[k] = p.Box.Min[k] + (float64(idx[k])+0.5)*p.Box.Size[k]/float64(side)
		}
	}
	return s, nil
}

// shocktube lays two uniform 1-d lattices of different density either
// side of the box midpoint, with the mass ratio carried by particle
// spacing rather than particle mass.
func shocktube(p Params, nsphmax int) (*particle.Store, error) {
	if p.Ndim != 1 {
		return nil, fmt.Errorf("ic: shocktube requires ndim=1, got %d", p.Ndim)
	}
	if p.RhoL <= 0 || p.RhoR <= 0 {
		return nil, fmt.Errorf("ic: shocktube needs positive densities, got %g and %g", p.RhoL, p.RhoR)
	}
	mid := 0.5 * (p.Box.Min[0] + p.Box.Max[0])
	sizeL := mid - p.Box.Min[0]
	sizeR := p.Box.Max[0] - mid

	massL := p.RhoL * sizeL
	massR := p.RhoR * sizeR
	nL := int(math.Round(float64(p.N) * massL / (massL + massR)))
	nR := p.N - nL
	if nL < 1 || nR < 1 {
		return nil, fmt.Errorf("ic: shocktube side with no particles (nl=%d nr=%d)", nL, nR)
	}

	s, err := newStore(p, p.N, nsphmax)
	if err != nil {
		return nil, err
	}
	m := (massL + massR) / float64(p.N)
	for i := 0; i < nL; i++ {
		q := s.At(i)
		q.M = m
		q.R[0] = p.Box.Min[0] + (float64(i)+0.5)*sizeL/float64(nL)
		q.V[0] = p.VxL
		q.U = p.UL
	}
	for i := 0; i < nR; i++ {
		q := s.At(nL + i)
		q.M = m
		q.R[0] = mid + (float64(i)+0.5)*sizeR/float64(nR)
		q.V[0] = p.VxR
		q.U = p.UR
	}
	return s, nil
}
