package tree

import (
	"math"

	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/particle"
)

// SearchBoundaryGhosts creates periodic and mirror ghost images for all
// particles near a non-open domain face. Axes are handled in order;
// ghosts minted by an earlier axis are not in the tree yet, so each
// later axis scans them directly. Corner images fall out of that
// composition. tghost widens the test by the distance a particle can
// drift before the next ghost regeneration.
func (t *Tree) SearchBoundaryGhosts(store *particle.Store, box geometry.DomainBox, tghost, grange float64) error {
	store.ResetGhosts()
	if box.AllOpen() {
		return nil
	}
	scatter := grange * t.KernRange

	for k := 0; k < t.Ndim; k++ {
		if box.LHS[k] == geometry.BoundaryOpen && box.RHS[k] == geometry.BoundaryOpen {
			continue
		}
		ghostStart := store.Nsph
		ghostEnd := store.Nsph + store.Nghost

		// Tree walk over the real particles.
		c := 0
		for c < t.Ncell {
			cell := &t.Cells[c]
			if cell.N == 0 || !t.cellNearFace(cell, box, k, tghost, scatter) {
				c = cell.CNext
				continue
			}
			if cell.C1 >= 0 {
				c = cell.C1
				continue
			}
			var werr error
			t.ForEachParticle(c, func(i int) bool {
				if store.Data[i].Dead {
					return true
				}
				if err := store.CheckBoundaryGhost(i, k, tghost, scatter, box); err != nil {
					werr = err
					return false
				}
				return true
			})
			if werr != nil {
				return werr
			}
			c = cell.CNext
		}

		// Ghosts created by earlier axes are outside the tree; scan
		// them directly so corner images get built.
		for i := ghostStart; i < ghostEnd; i++ {
			if err := store.CheckBoundaryGhost(i, k, tghost, scatter, box); err != nil {
				return err
			}
		}
	}

	store.NPerGh = store.Nghost
	store.Ntot = store.Nsph + store.Nghost
	return nil
}

// cellNearFace reports whether any particle of the cell could need a
// ghost image across either face of axis k, given its drift allowance.
func (t *Tree) cellNearFace(cell *Cell, box geometry.DomainBox, k int, tghost, scatter float64) bool {
	reach := scatter * cell.Hmax
	lo := cell.BB.Min[k] + math.Min(0, cell.VMin[k]*tghost)
	hi := cell.BB.Max[k] + math.Max(0, cell.VMax[k]*tghost)
	if box.LHS[k] != geometry.BoundaryOpen && lo < box.Min[k]+reach {
		return true
	}
	if box.RHS[k] != geometry.BoundaryOpen && hi > box.Max[k]-reach {
		return true
	}
	return false
}
