package mpi

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/smhr/gandalf/internal/particle"
	"github.com/smhr/gandalf/internal/tree"
)

// Comm runs the distributed protocol for one rank.
type Comm struct {
	T    Transport
	Ndim int
}

// EncodePrunedTree serialises a pruned tree, links included, so the
// receiver can walk it with skip pointers.
func EncodePrunedTree(pt *tree.Tree, ndim int) ([]byte, error) {
	cells := make([]CellRecord, pt.Ncell)
	for c := 0; c < pt.Ncell; c++ {
		cells[c] = cellToRecord(&pt.Cells[c])
	}
	return encode(kindPruned, ndim, len(cells), 0, cells, nil)
}

// DecodePrunedTree rebuilds a walkable tree from the wire form. MAC and
// kernel parameters are taken from the local tree: every rank runs the
// same configuration.
func DecodePrunedTree(data []byte, like *tree.Tree) (*tree.Tree, error) {
	r := bytes.NewReader(data)
	hdr, ndim, err := decodeHeader(r, kindPruned)
	if err != nil {
		return nil, err
	}
	if ndim != like.Ndim {
		return nil, fmt.Errorf("mpi: pruned tree has ndim=%d, local ndim=%d", ndim, like.Ndim)
	}
	recs := make([]CellRecord, hdr.Ncell)
	if err := binary.Read(r, binary.LittleEndian, recs); err != nil {
		return nil, fmt.Errorf("mpi: truncated pruned tree: %w", err)
	}

	pt := &tree.Tree{
		Ndim:           like.Ndim,
		NLeafMax:       like.NLeafMax,
		MACType:        like.MACType,
		InvThetaMaxSqd: like.InvThetaMaxSqd,
		MACError:       like.MACError,
		KernRange:      like.KernRange,
		Ncell:          int(hdr.Ncell),
		Cells:          make([]tree.Cell, hdr.Ncell),
	}
	for c := range recs {
		pt.Cells[c] = recordToCell(&recs[c])
	}
	// Structural links are recomputed from the preorder layout rather
	// than trusted from the wire.
	if err := pt.RelinkPruned(); err != nil {
		return nil, err
	}
	return pt, nil
}

// ExchangePrunedTrees builds the local pruned tree and swaps it with
// every peer. The result maps rank to its pruned tree (nil at the local
// index).
func (c *Comm) ExchangePrunedTrees(ctx context.Context, local *tree.Tree, plevel int) ([]*tree.Tree, error) {
	pt, err := local.BuildPruned(plevel)
	if err != nil {
		return nil, err
	}
	payload, err := EncodePrunedTree(pt, c.Ndim)
	if err != nil {
		return nil, err
	}

	size := c.T.Size()
	out := make([]*tree.Tree, size)
	for peer := 0; peer < size; peer++ {
		if peer == c.T.Rank() {
			continue
		}
		if err := c.T.Send(ctx, peer, TagPrunedTree, payload); err != nil {
			return nil, err
		}
	}
	for peer := 0; peer < size; peer++ {
		if peer == c.T.Rank() {
			continue
		}
		data, err := c.T.Recv(ctx, peer, TagPrunedTree)
		if err != nil {
			return nil, err
		}
		if out[peer], err = DecodePrunedTree(data, local); err != nil {
			return nil, fmt.Errorf("mpi: pruned tree from rank %d: %w", peer, err)
		}
	}
	return out, nil
}

// ExportCells selects the local active leaf cells that the peer's
// pruned tree cannot evaluate remotely: cells whose smoothing volume
// overlaps the peer, and, with self-gravity, cells for which the peer's
// summary is too coarse for the MAC.
func ExportCells(local *tree.Tree, parts []particle.Particle, peer *tree.Tree, selfGravity bool) ([]int, error) {
	var cells []int
	scratch := make([]int, peer.Ncell)
	for _, cid := range local.ActiveCellList() {
		cell := &local.Cells[cid]
		export := peer.HydroCellOverlap(cell)
		if !export && selfGravity {
			mf := local.MACFactor(parts, cid)
			_, ok, err := peer.DistantGravityInteractionList(cell, mf, scratch)
			if err != nil {
				return nil, err
			}
			export = !ok
		}
		if export {
			cells = append(cells, cid)
		}
	}
	return cells, nil
}

// PackExport serialises the given cells and their active particles for
// one peer. The returned id list records, in packed order, which local
// particle each record came from; reconciliation of the peer's answer
// walks the same order.
func PackExport(tr *tree.Tree, st *particle.Store, cells []int, ndim int) ([]byte, []int, error) {
	var cellRecs []CellRecord
	var partRecs []PartRecord
	var ids []int

	for _, cid := range cells {
		cell := &tr.Cells[cid]
		rec := cellToRecord(cell)
		first := len(partRecs)
		tr.ForEachParticle(cid, func(i int) bool {
			p := st.At(i)
			if p.Dead || !p.Active {
				return true
			}
			partRecs = append(partRecs, partToRecord(p))
			ids = append(ids, i)
			return true
		})
		last := len(partRecs) - 1
		if last < first {
			continue // no active particles survived the filter
		}
		rec.IFirst, rec.ILast = int32(first), int32(last)
		rec.N = int32(last - first + 1)
		rec.C1, rec.C2, rec.CNext = -1, -1, -1
		cellRecs = append(cellRecs, rec)
	}

	payload, err := encode(kindExport, ndim, len(cellRecs), len(partRecs), cellRecs, partRecs)
	if err != nil {
		return nil, nil, err
	}
	return payload, ids, nil
}

// UnpackExport appends the message's particles to the store's import
// region and returns the imported cells with their index ranges rebased
// onto the store, plus the first imported index.
func UnpackExport(st *particle.Store, data []byte, ndim int) ([]tree.Cell, int, error) {
	r := bytes.NewReader(data)
	hdr, msgNdim, err := decodeHeader(r, kindExport)
	if err != nil {
		return nil, 0, err
	}
	if msgNdim != ndim {
		return nil, 0, fmt.Errorf("mpi: export has ndim=%d, local ndim=%d", msgNdim, ndim)
	}
	cellRecs := make([]CellRecord, hdr.Ncell)
	if hdr.Ncell > 0 {
		if err := binary.Read(r, binary.LittleEndian, cellRecs); err != nil {
			return nil, 0, fmt.Errorf("mpi: truncated export cells: %w", err)
		}
	}
	partRecs := make([]PartRecord, hdr.Npart)
	if hdr.Npart > 0 {
		if err := binary.Read(r, binary.LittleEndian, partRecs); err != nil {
			return nil, 0, fmt.Errorf("mpi: truncated export particles: %w", err)
		}
	}

	base, err := st.BeginImport(len(partRecs))
	if err != nil {
		return nil, 0, err
	}
	for i := range partRecs {
		p := recordToPart(&partRecs[i])
		p.Active = true
		// Remote accumulators start from zero; the owner folds them in.
		p.GPot = 0
		st.Data[base+i] = p
	}

	cells := make([]tree.Cell, 0, len(cellRecs))
	for i := range cellRecs {
		cell := recordToCell(&cellRecs[i])
		cell.IFirst += base
		cell.ILast += base
		cells = append(cells, cell)
	}
	return cells, base, nil
}

// PackReturn serialises the accumulators of n imported particles
// starting at base, in import order.
func PackReturn(st *particle.Store, base, n, ndim int) ([]byte, error) {
	recs := make([]ReturnRecord, n)
	for i := 0; i < n; i++ {
		p := st.At(base + i)
		recs[i] = ReturnRecord{
			A: p.A, AGrav: p.AGrav,
			GPot: p.GPot, GPE: p.GPE,
			DUdt: p.DUdt, DivV: p.DivV,
			LevelNeib: int32(p.LevelNeib),
			IOrig:     int32(p.IOrig),
		}
	}
	return encode(kindReturn, ndim, 0, n, nil, recs)
}

// UnpackReturn folds a peer's accumulators into the particles exported
// to it. Records arrive in the order PackExport emitted them; every
// record's origin id must match its local particle or the exchange is
// corrupt and the run aborts.
func UnpackReturn(st *particle.Store, data []byte, exported []int, ndim int) error {
	r := bytes.NewReader(data)
	hdr, msgNdim, err := decodeHeader(r, kindReturn)
	if err != nil {
		return err
	}
	if msgNdim != ndim {
		return fmt.Errorf("mpi: return has ndim=%d, local ndim=%d", msgNdim, ndim)
	}
	if int(hdr.Npart) != len(exported) {
		return fmt.Errorf("mpi: return carries %d records for %d exported particles", hdr.Npart, len(exported))
	}
	recs := make([]ReturnRecord, hdr.Npart)
	if hdr.Npart > 0 {
		if err := binary.Read(r, binary.LittleEndian, recs); err != nil {
			return fmt.Errorf("mpi: truncated return: %w", err)
		}
	}

	for idx := range recs {
		rec := &recs[idx]
		p := st.At(exported[idx])
		if p.IOrig != int(rec.IOrig) {
			return fmt.Errorf("mpi: return record %d has origin id %d, local particle has %d",
				idx, rec.IOrig, p.IOrig)
		}
		p.A = p.A.Add(rec.A)
		p.AGrav = p.AGrav.Add(rec.AGrav)
		p.GPot += rec.GPot
		p.GPE += rec.GPE
		p.DUdt += rec.DUdt
		p.DivV += rec.DivV
		if int(rec.LevelNeib) > p.LevelNeib {
			p.LevelNeib = int(rec.LevelNeib)
		}
	}
	return nil
}
