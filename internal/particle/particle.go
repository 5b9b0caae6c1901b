// Package particle owns the particle array shared by every subsystem.
// The tree and force evaluators index into this store; apart from
// transient export copies, particle memory is never duplicated.
package particle

import (
	"fmt"

	"github.com/smhr/gandalf/internal/geometry"
)

// Particle is one SPH/N-body particle record.
type Particle struct {
	R     geometry.Vec // position
	V     geometry.Vec // velocity
	A     geometry.Vec // hydro acceleration (total after summation)
	AGrav geometry.Vec // gravitational acceleration

	// Start-of-step state for the predictor/corrector integrator.
	R0 geometry.Vec
	V0 geometry.Vec
	A0 geometry.Vec

	M     float64 // mass
	H     float64 // smoothing length
	InvH  float64
	Rho   float64 // density
	U     float64 // specific internal energy
	U0    float64
	DUdt  float64 // du/dt accumulator
	DUdt0 float64 // du/dt at the start of the current step
	DivV  float64 // velocity divergence

	Press float64
	Sound float64

	GPot float64 // gravitational potential (positive magnitude)
	GPE  float64 // gravitational potential energy contribution

	Active    bool
	Dead      bool
	Level     int // timestep rung
	LevelNeib int // max rung among interaction partners
	NLast     int // step counter at the last force update
	IOrig     int // stable origin identifier
}

// GhostTransform records how a ghost image is derived from its original,
// so the image can be refreshed without re-walking the tree.
type GhostTransform struct {
	Orig   int          // index of the source particle
	Offset geometry.Vec // positional shift (periodic images)
	Mirror [3]bool      // per-axis velocity/position reflection
	Plane  geometry.Vec // reflection plane coordinate per mirrored axis
}

// Store is the particle array with its population bookkeeping. Indices
// [0,Nsph) are real particles, [Nsph,Nsph+Nghost) boundary ghosts, and
// [Nsph+Nghost,Ntot) particles imported from remote ranks.
type Store struct {
	Ndim    int
	Nsph    int
	Nghost  int
	NPerGh  int // periodic/mirror ghosts created this step
	NImport int
	Ntot    int
	Nsphmax int

	Data   []Particle
	ghosts []GhostTransform
}

// NewStore allocates a store with fixed capacity nsphmax. Capacity is not
// grown mid-step; exceeding it is a fatal sizing error.
func NewStore(ndim, nsphmax int) *Store {
	return &Store{
		Ndim:    ndim,
		Nsphmax: nsphmax,
		Data:    make([]Particle, nsphmax),
	}
}

// SetReal declares the first n slots as live particles and assigns origin
// ids to any that lack them.
func (s *Store) SetReal(n int) error {
	if n > s.Nsphmax {
		return fmt.Errorf("particle store: %d particles exceed capacity %d", n, s.Nsphmax)
	}
	s.Nsph = n
	s.Ntot = n
	for i := 0; i < n; i++ {
		s.Data[i].IOrig = i
	}
	return nil
}

func (s *Store) At(i int) *Particle { return &s.Data[i] }

// ActiveCount returns the number of live active particles.
func (s *Store) ActiveCount() int {
	n := 0
	for i := 0; i < s.Nsph; i++ {
		if s.Data[i].Active && !s.Data[i].Dead {
			n++
		}
	}
	return n
}

// DeleteDead compacts the live range, dropping particles flagged dead.
// Origin ids are reassigned afterwards so they stay dense.
func (s *Store) DeleteDead() {
	j := 0
	for i := 0; i < s.Nsph; i++ {
		if s.Data[i].Dead {
			continue
		}
		if i != j {
			s.Data[j] = s.Data[i]
		}
		j++
	}
	s.Nsph = j
	s.Nghost = 0
	s.NPerGh = 0
	s.NImport = 0
	s.Ntot = j
	s.ghosts = s.ghosts[:0]
	for i := 0; i < j; i++ {
		s.Data[i].IOrig = i
	}
}

// ResetGhosts clears all ghost bookkeeping ahead of a fresh boundary search.
func (s *Store) ResetGhosts() {
	s.Nghost = 0
	s.NPerGh = 0
	s.Ntot = s.Nsph
	s.ghosts = s.ghosts[:0]
}

// appendGhost clones particle i, applies the transform and appends the
// image after the current total. Fails when spare capacity is exhausted.
func (s *Store) appendGhost(t GhostTransform) error {
	if s.Ntot >= s.Nsphmax {
		return fmt.Errorf("particle store: ghost capacity exhausted (Nsphmax=%d, Nsph=%d, Nghost=%d)",
			s.Nsphmax, s.Nsph, s.Nghost)
	}
	ghost := s.Data[t.Orig]
	// Ghost of a ghost: chase back to the real original so the transform
	// chain stays one level deep for reconciliation.
	src := t.Orig
	if src >= s.Nsph {
		prior := s.ghosts[src-s.Nsph]
		t.Orig = prior.Orig
		t.Offset = t.Offset.Add(prior.Offset)
		for k := 0; k < 3; k++ {
			t.Mirror[k] = t.Mirror[k] != prior.Mirror[k]
			if prior.Mirror[k] {
				t.Plane[k] = prior.Plane[k]
			}
		}
	}
	applyTransform(&ghost, t)
	ghost.Active = false
	s.Data[s.Ntot] = ghost
	s.ghosts = append(s.ghosts, t)
	s.Nghost++
	s.Ntot++
	return nil
}

func applyTransform(p *Particle, t GhostTransform) {
	p.R = p.R.Add(t.Offset)
	for k := 0; k < 3; k++ {
		if t.Mirror[k] {
			p.R[k] = 2.0*t.Plane[k] - p.R[k]
			p.V[k] = -p.V[k]
		}
	}
}

// CheckBoundaryGhost tests particle i against both faces of axis k and
// creates periodic or mirror images as required. The test box is grown by
// the ghost range and by the velocity drift over the ghost lifetime.
func (s *Store) CheckBoundaryGhost(i, k int, tghost, grange float64, box geometry.DomainBox) error {
	p := &s.Data[i]
	reach := grange * p.H

	vdrift := p.V[k] * tghost
	lo := p.R[k]
	hi := p.R[k]
	if vdrift < 0 {
		lo += vdrift
	} else {
		hi += vdrift
	}

	if lo < box.Min[k]+reach {
		switch box.LHS[k] {
		case geometry.BoundaryPeriodic:
			var off geometry.Vec
			off[k] = box.Size[k]
			if err := s.appendGhost(GhostTransform{Orig: i, Offset: off}); err != nil {
				return err
			}
		case geometry.BoundaryMirror:
			t := GhostTransform{Orig: i}
			t.Mirror[k] = true
			t.Plane[k] = box.Min[k]
			if err := s.appendGhost(t); err != nil {
				return err
			}
		}
	}
	if hi > box.Max[k]-reach {
		switch box.RHS[k] {
		case geometry.BoundaryPeriodic:
			var off geometry.Vec
			off[k] = -box.Size[k]
			if err := s.appendGhost(GhostTransform{Orig: i, Offset: off}); err != nil {
				return err
			}
		case geometry.BoundaryMirror:
			t := GhostTransform{Orig: i}
			t.Mirror[k] = true
			t.Plane[k] = box.Max[k]
			if err := s.appendGhost(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// CopyDataToGhosts refreshes every ghost image from its original,
// re-applying the stored transform. Called after particle properties
// change between boundary searches.
func (s *Store) CopyDataToGhosts() {
	for g, t := range s.ghosts {
		i := s.Nsph + g
		ghost := s.Data[t.Orig]
		applyTransform(&ghost, t)
		ghost.Active = false
		s.Data[i] = ghost
	}
}

// GhostOrigin returns the real-particle index a ghost was derived from.
func (s *Store) GhostOrigin(i int) int {
	return s.ghosts[i-s.Nsph].Orig
}

// BeginImport reserves n slots after the ghosts for particles arriving
// from a remote rank and returns the first index.
func (s *Store) BeginImport(n int) (int, error) {
	if s.Ntot+n > s.Nsphmax {
		return 0, fmt.Errorf("particle store: import of %d particles exceeds capacity (Ntot=%d, Nsphmax=%d)",
			n, s.Ntot, s.Nsphmax)
	}
	first := s.Ntot
	s.NImport += n
	s.Ntot += n
	return first, nil
}

// EndImport discards all imported particles, restoring the local view.
func (s *Store) EndImport() {
	s.Ntot -= s.NImport
	s.NImport = 0
}
