package sim

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/sph"
	"github.com/smhr/gandalf/internal/tree"
)

// forcePass recomputes smoothing lengths and then forces for every
// active cell. The two halves run as separate parallel passes: the
// property pass writes h, density and thermodynamics of active
// particles while reading only neighbour positions and masses, and the
// force pass reads those settled properties, so neither races.
func (s *Simulation) forcePass(ctx context.Context) error {
	cells := s.tree.ActiveCellList()
	if len(cells) == 0 {
		return nil
	}
	if s.hydro {
		if err := s.parallelCells(ctx, cells, s.propertiesCell); err != nil {
			return err
		}
		s.tree.UpdateHmax(s.store.Data)
		s.store.CopyDataToGhosts()
		if s.store.Nghost > 0 {
			s.ghostTree.Stock(s.store.Data)
		}
	}
	return s.parallelCells(ctx, cells, s.forceCell)
}

// parallelCells fans the cell list out over the worker pool through an
// atomic cursor, so one dense cell cannot stall the rest of the pass.
func (s *Simulation) parallelCells(ctx context.Context, cells []int, fn func(sc *tree.Scratch, c int) error) error {
	var cursor int64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < s.pool.Size(); w++ {
		sc := s.pool.Worker(w)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				idx := int(atomic.AddInt64(&cursor, 1)) - 1
				if idx >= len(cells) {
					return nil
				}
				if err := fn(sc, cells[idx]); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// candidateList gathers hydro neighbour candidates for a cell from the
// particle tree and, when present, the ghost tree. The scratch buffer
// grows on overflow and the gather is redone.
func (s *Simulation) candidateList(sc *tree.Scratch, cell *tree.Cell, hmax float64) ([]int, error) {
	parts := s.store.Data
	for {
		n, err := s.tree.CellNeighbourList(parts, cell, hmax, sc.Cand)
		if errors.Is(err, tree.ErrNeighbourOverflow) {
			sc.GrowNeib()
			continue
		}
		if err != nil {
			return nil, err
		}
		if s.store.Nghost > 0 {
			ng, err := s.ghostTree.CellNeighbourList(parts, cell, hmax, sc.Cand[n:])
			if errors.Is(err, tree.ErrNeighbourOverflow) {
				sc.GrowNeib()
				continue
			}
			if err != nil {
				return nil, err
			}
			n += ng
		}
		return sc.Cand[:n], nil
	}
}

// propertiesCell iterates the smoothing length of every active particle
// in cell c. A particle whose h outgrows the gathered radius triggers a
// re-gather of the whole cell with a wider search box.
func (s *Simulation) propertiesCell(sc *tree.Scratch, c int) error {
	parts := s.store.Data
	cell := &s.tree.Cells[c]
	nactive := s.tree.ActiveParticleList(c, parts, sc.ActivePart)
	if nactive == 0 {
		return nil
	}
	active := sc.ActivePart[:nactive]

	hmax := cell.Hmax
	for {
		cand, err := s.candidateList(sc, cell, hmax)
		if err != nil {
			return err
		}
		regather := false
		for _, i := range active {
			err := s.ev.ComputeH(parts, i, cand, hmax)
			if errors.Is(err, sph.ErrHRange) {
				hmax *= 1.5
				regather = true
				break
			}
			if err != nil {
				return err
			}
		}
		if !regather {
			return nil
		}
	}
}

// forceCell accumulates hydro and gravitational forces for the active
// particles of cell c. All writes land on the cell's own active
// particles, so concurrent cells never conflict.
func (s *Simulation) forceCell(sc *tree.Scratch, c int) error {
	parts := s.store.Data
	tr := s.tree
	cell := &tr.Cells[c]
	nactive := tr.ActiveParticleList(c, parts, sc.ActivePart)
	if nactive == 0 {
		return nil
	}
	active := sc.ActivePart[:nactive]

	// The error MAC scales with the potential from the previous step,
	// so read it before the accumulators are cleared.
	macfactor := 0.0
	if s.selfGravity && tr.MACType == tree.MACEigen {
		macfactor = tr.MACFactor(parts, c)
	}

	for _, i := range active {
		p := &parts[i]
		p.A = geometry.Vec{}
		p.AGrav = geometry.Vec{}
		p.GPot = 0
		p.DUdt = 0
		p.DivV = 0
		p.LevelNeib = 0
	}

	work := 0

	if s.hydro {
		cand, err := s.candidateList(sc, cell, cell.Hmax)
		if err != nil {
			return err
		}
		for _, i := range active {
			s.ev.HydroForces(parts, i, cand)
		}
		work += len(cand)
	}

	if s.selfGravity {
		var nneib, ndirect, ngrav int
		for {
			var err error
			nneib, ndirect, ngrav, err = tr.GravityInteractionList(parts, cell, macfactor, &sc.Lists)
			if errors.Is(err, tree.ErrNeighbourOverflow) {
				sc.GrowNeib()
				sc.GrowGravCell()
				continue
			}
			if err != nil {
				return err
			}
			break
		}
		neib := sc.Lists.Neib[:nneib]
		direct := sc.Lists.Direct[:ndirect]
		gravcell := sc.Lists.GravCell[:ngrav]

		for _, i := range active {
			p := &parts[i]
			s.ev.SmoothedGravity(parts, i, neib)
			s.ev.DirectGravity(parts, i, direct)
			switch s.multipole {
			case tree.Monopole:
				tr.CellMonopoleForces(p.R, gravcell, &p.AGrav, &p.GPot)
			case tree.Quadrupole:
				tr.CellQuadrupoleForces(p.R, gravcell, &p.AGrav, &p.GPot)
			}
		}
		if s.multipole == tree.FastMonopole {
			tr.FastMonopoleForces(gravcell, cell, parts, active)
		}
		work += nneib + ndirect + ngrav
	}

	tr.AddWork(c, float64(nactive*work))
	return nil
}
