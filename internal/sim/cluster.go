package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/smhr/gandalf/internal/config"
	"github.com/smhr/gandalf/internal/diag"
	"github.com/smhr/gandalf/internal/ic"
	"github.com/smhr/gandalf/internal/mpi"
	"github.com/smhr/gandalf/internal/particle"
	"github.com/smhr/gandalf/internal/tree"
)

// Cluster runs one simulation per rank inside a single process,
// connected by the loopback transport. Ranks own an x-interval of the
// domain; each step they exchange pruned trees, export the active
// cells a peer cannot evaluate from summaries alone, and reconcile the
// returned force accumulators. Cluster steps share one global
// timestep agreed by a min-exchange.
type Cluster struct {
	cfg   *config.Config
	sims  []*Simulation
	comms []*mpi.Comm

	divisions []float64 // rank boundaries along x
	dt        float64

	Time      float64
	Nsteps    int
	observers []Observer
}

// NewCluster decomposes the initial conditions over cfg.MPI.Ranks
// ranks by recursive work bisection along x and wires the ranks with a
// loopback transport. The rank count must be a power of two so the
// bisection comes out even.
func NewCluster(cfg *config.Config) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nranks := cfg.MPI.Ranks
	if nranks < 2 || nranks&(nranks-1) != 0 {
		return nil, fmt.Errorf("sim: cluster needs a power-of-two rank count, got %d", nranks)
	}

	box, err := cfg.DomainBox()
	if err != nil {
		return nil, err
	}
	nsphmax := 8 * cfg.IC.Nhydro
	global, err := ic.Generate(icParams(cfg, box), nsphmax)
	if err != nil {
		return nil, err
	}

	samples := make([]mpi.WorkSample, global.Nsph)
	for i := 0; i < global.Nsph; i++ {
		samples[i] = mpi.WorkSample{Pos: global.At(i).R[0], Work: 1}
	}
	divisions, err := bisectDomain(samples, box.Min[0], box.Max[0], nranks, cfg.MPI.LoadBalanceTol)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		cfg:       cfg,
		sims:      make([]*Simulation, nranks),
		comms:     make([]*mpi.Comm, nranks),
		divisions: divisions,
		dt:        cfg.Time.DtMax,
	}
	transports := mpi.NewLoopbackCluster(nranks)
	for r := 0; r < nranks; r++ {
		store := particle.NewStore(cfg.IC.Ndim, nsphmax)
		if err := store.SetReal(0); err != nil {
			return nil, err
		}
		c.sims[r], err = NewWithStore(cfg, store)
		if err != nil {
			return nil, err
		}
		c.comms[r] = &mpi.Comm{T: transports[r], Ndim: cfg.IC.Ndim}
	}
	if err := c.scatter(global); err != nil {
		return nil, err
	}
	return c, nil
}

// bisectDomain recursively halves the work along x until the interval
// list matches the rank count, returning the nranks-1 inner boundaries.
func bisectDomain(samples []mpi.WorkSample, lo, hi float64, nranks int, tol float64) ([]float64, error) {
	if nranks == 1 {
		return nil, nil
	}
	div, err := mpi.FindDivision(samples, lo, hi, tol)
	if err != nil {
		return nil, err
	}
	var left, right []mpi.WorkSample
	for _, s := range samples {
		if s.Pos < div {
			left = append(left, s)
		} else {
			right = append(right, s)
		}
	}
	ldiv, err := bisectDomain(left, lo, div, nranks/2, tol)
	if err != nil {
		return nil, err
	}
	rdiv, err := bisectDomain(right, div, hi, nranks/2, tol)
	if err != nil {
		return nil, err
	}
	out := append(ldiv, div)
	return append(out, rdiv...), nil
}

// rankFor maps an x coordinate onto the owning rank.
func (c *Cluster) rankFor(x float64) int {
	return sort.SearchFloat64s(c.divisions, x)
}

// scatter distributes a global particle set over the ranks according
// to the current division boundaries. Origin ids keep the global index
// so exported work can be reconciled.
func (c *Cluster) scatter(global *particle.Store) error {
	counts := make([]int, len(c.sims))
	for i := 0; i < global.Nsph; i++ {
		counts[c.rankFor(global.At(i).R[0])]++
	}
	for r, s := range c.sims {
		if err := s.store.SetReal(counts[r]); err != nil {
			return err
		}
	}
	next := make([]int, len(c.sims))
	for i := 0; i < global.Nsph; i++ {
		r := c.rankFor(global.At(i).R[0])
		p := c.sims[r].store.At(next[r])
		*p = *global.At(i)
		p.IOrig = global.At(i).IOrig
		next[r]++
	}
	return nil
}

func (c *Cluster) AddObserver(o Observer) { c.observers = append(c.observers, o) }

// Ranks exposes the per-rank simulations for output and tests.
func (c *Cluster) Ranks() []*Simulation { return c.sims }

// eachRank runs fn concurrently for every rank. The distributed
// protocol interleaves blocking sends and receives, so ranks must
// progress in parallel.
func (c *Cluster) eachRank(ctx context.Context, fn func(ctx context.Context, r int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for r := range c.sims {
		r := r
		g.Go(func() error { return fn(ctx, r) })
	}
	return g.Wait()
}

// forceStep computes forces for every rank's active particles,
// including the remote contributions obtained through the export and
// return exchange.
func (c *Cluster) forceStep(ctx context.Context) error {
	plevel := c.cfg.MPI.PruningLevel
	return c.eachRank(ctx, func(ctx context.Context, r int) error {
		s := c.sims[r]
		st := s.store
		for i := 0; i < st.Nsph; i++ {
			st.Data[i].Active = true
		}
		if err := s.rebuildTrees(0); err != nil {
			return fmt.Errorf("rank %d: %w", r, err)
		}
		s.tree.UpdateActiveCounters(st.Data)

		if s.hydro {
			cells := s.tree.ActiveCellList()
			if err := s.parallelCells(ctx, cells, s.propertiesCell); err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			s.tree.UpdateHmax(st.Data)
			st.CopyDataToGhosts()
			if st.Nghost > 0 {
				s.ghostTree.Stock(st.Data)
			}
			s.tree.Stock(st.Data) // refresh cell summaries before they are shipped
		}

		pruned, err := c.comms[r].ExchangePrunedTrees(ctx, s.tree, plevel)
		if err != nil {
			return fmt.Errorf("rank %d: %w", r, err)
		}

		// Local contributions, which also zero the accumulators.
		if err := s.parallelCells(ctx, s.tree.ActiveCellList(), s.forceCell); err != nil {
			return fmt.Errorf("rank %d: %w", r, err)
		}

		// Distant peers contribute either through their pruned-tree
		// multipoles, applied here, or by evaluating our exported
		// cells themselves.
		exported := make([][]int, len(c.sims))
		for peer, pt := range pruned {
			if pt == nil {
				continue
			}
			cells, err := c.peerContributions(s, pt)
			if err != nil {
				return fmt.Errorf("rank %d vs %d: %w", r, peer, err)
			}
			payload, ids, err := mpi.PackExport(s.tree, st, cells, s.ndim)
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			exported[peer] = ids
			if err := c.comms[r].T.Send(ctx, peer, mpi.TagExport, payload); err != nil {
				return err
			}
		}

		// Evaluate the cells every peer exported to us and send the
		// accumulators back.
		for peer := range c.sims {
			if peer == r {
				continue
			}
			data, err := c.comms[r].T.Recv(ctx, peer, mpi.TagExport)
			if err != nil {
				return err
			}
			cells, base, err := mpi.UnpackExport(st, data, s.ndim)
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			if err := c.evaluateImports(ctx, s, cells); err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			ret, err := mpi.PackReturn(st, base, st.NImport, s.ndim)
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			st.EndImport()
			if err := c.comms[r].T.Send(ctx, peer, mpi.TagReturn, ret); err != nil {
				return err
			}
		}

		// Fold the peers' answers into our exported particles.
		for peer := range c.sims {
			if peer == r {
				continue
			}
			data, err := c.comms[r].T.Recv(ctx, peer, mpi.TagReturn)
			if err != nil {
				return err
			}
			if err := mpi.UnpackReturn(st, data, exported[peer], s.ndim); err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
		}
		return nil
	})
}

// peerContributions walks every local active cell against one peer's
// pruned tree. Cells the summaries can serve receive the multipole
// contribution directly; the rest are returned for export.
func (c *Cluster) peerContributions(s *Simulation, pt *tree.Tree) ([]int, error) {
	parts := s.store.Data
	var export []int
	gravcell := make([]int, pt.Ncell)
	active := make([]int, s.cfg.Tree.NLeafMax)

	for _, cid := range s.tree.ActiveCellList() {
		cell := &s.tree.Cells[cid]
		if pt.HydroCellOverlap(cell) {
			export = append(export, cid)
			continue
		}
		if !s.selfGravity {
			continue
		}
		mf := 0.0
		if s.tree.MACType == tree.MACEigen {
			mf = s.tree.MACFactor(parts, cid)
		}
		n, ok, err := pt.DistantGravityInteractionList(cell, mf, gravcell)
		if err != nil {
			return nil, err
		}
		if !ok {
			export = append(export, cid)
			continue
		}
		na := s.tree.ActiveParticleList(cid, parts, active)
		for _, i := range active[:na] {
			p := &parts[i]
			switch s.multipole {
			case tree.Quadrupole:
				pt.CellQuadrupoleForces(p.R, gravcell[:n], &p.AGrav, &p.GPot)
			default:
				pt.CellMonopoleForces(p.R, gravcell[:n], &p.AGrav, &p.GPot)
			}
		}
	}
	return export, nil
}

// evaluateImports runs the force pipeline for cells another rank
// exported to us. Imported particles arrive with their thermodynamic
// state settled, so only the force half runs.
func (c *Cluster) evaluateImports(ctx context.Context, s *Simulation, cells []tree.Cell) error {
	parts := s.store.Data
	sc := s.pool.Worker(0)

	for k := range cells {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		cell := &cells[k]
		sc.EnsureActive(cell.ILast - cell.IFirst + 1)
		active := sc.ActivePart[:0]
		for i := cell.IFirst; i <= cell.ILast; i++ {
			active = append(active, i)
		}

		if s.hydro {
			cand, err := s.candidateList(sc, cell, cell.Hmax)
			if err != nil {
				return err
			}
			for _, i := range active {
				s.ev.HydroForces(parts, i, cand)
			}
		}
		if !s.selfGravity {
			continue
		}

		mf := 0.0
		if s.tree.MACType == tree.MACEigen {
			mf = importedMACFactor(parts, active)
		}
		var nneib, ndirect, ngrav int
		for {
			var err error
			nneib, ndirect, ngrav, err = s.tree.GravityInteractionList(parts, cell, mf, &sc.Lists)
			if err == tree.ErrNeighbourOverflow {
				sc.GrowNeib()
				sc.GrowGravCell()
				continue
			}
			if err != nil {
				return err
			}
			break
		}
		for _, i := range active {
			p := &parts[i]
			s.ev.SmoothedGravity(parts, i, sc.Lists.Neib[:nneib])
			s.ev.DirectGravity(parts, i, sc.Lists.Direct[:ndirect])
			switch s.multipole {
			case tree.Quadrupole:
				s.tree.CellQuadrupoleForces(p.R, sc.Lists.GravCell[:ngrav], &p.AGrav, &p.GPot)
			default:
				s.tree.CellMonopoleForces(p.R, sc.Lists.GravCell[:ngrav], &p.AGrav, &p.GPot)
			}
		}
	}
	return nil
}

func importedMACFactor(parts []particle.Particle, active []int) float64 {
	mf := 0.0
	for _, i := range active {
		if g := parts[i].GPot; g > 0 {
			if f := math.Pow(g, -2.0/3.0); f > mf {
				mf = f
			}
		}
	}
	return mf
}

// agreeTimestep exchanges each rank's local stability limit and takes
// the global minimum.
func (c *Cluster) agreeTimestep(ctx context.Context) error {
	mins := make([]float64, len(c.sims))
	err := c.eachRank(ctx, func(ctx context.Context, r int) error {
		local := c.sims[r].globalTimestep()
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(local))
		for peer := range c.sims {
			if peer == r {
				continue
			}
			if err := c.comms[r].T.Send(ctx, peer, mpi.TagTimestep, buf); err != nil {
				return err
			}
		}
		for peer := range c.sims {
			if peer == r {
				continue
			}
			data, err := c.comms[r].T.Recv(ctx, peer, mpi.TagTimestep)
			if err != nil {
				return err
			}
			if len(data) != 8 {
				return fmt.Errorf("sim: malformed timestep message from rank %d", peer)
			}
			remote := math.Float64frombits(binary.LittleEndian.Uint64(data))
			if remote < local {
				local = remote
			}
		}
		mins[r] = local
		return nil
	})
	if err != nil {
		return err
	}
	c.dt = mins[0]
	return nil
}

// Step advances every rank by one shared timestep.
func (c *Cluster) Step(ctx context.Context) error {
	for _, s := range c.sims {
		st := s.store
		s.integ.Advance(st, 1, 0, c.dt)
	}
	if err := c.forceStep(ctx); err != nil {
		return err
	}
	for _, s := range c.sims {
		st := s.store
		s.integ.Correct(st, 1, 0, c.dt)
		s.integ.EndStep(st, 1)
		for i := 0; i < st.Nsph; i++ {
			st.Data[i].NLast = 0
		}
	}
	c.Time += c.dt
	c.Nsteps++
	return c.agreeTimestep(ctx)
}

// Rebalance re-derives the division boundaries from the accumulated
// tree work and redistributes particles that crossed them.
func (c *Cluster) Rebalance() error {
	var samples []mpi.WorkSample
	total := 0
	for _, s := range c.sims {
		pt, err := s.tree.BuildPruned(c.cfg.MPI.PruningLevel)
		if err != nil {
			return err
		}
		samples = append(samples, mpi.CollectWorkSamples(pt, 0)...)
		total += s.store.Nsph
	}
	box, err := c.cfg.DomainBox()
	if err != nil {
		return err
	}
	divisions, err := bisectDomain(samples, box.Min[0], box.Max[0], len(c.sims), c.cfg.MPI.LoadBalanceTol)
	if err != nil {
		return err
	}
	c.divisions = divisions

	// Re-scatter through a combined store; particle counts are small
	// enough per rank that the copy is not worth optimising.
	combined, err := c.Gather()
	if err != nil {
		return err
	}
	return c.scatter(combined)
}

// Gather copies every rank's real particles into a single store, in
// rank order. The result is a snapshot; mutating it does not touch the
// per-rank stores.
func (c *Cluster) Gather() (*particle.Store, error) {
	combined := particle.NewStore(c.cfg.IC.Ndim, 8*c.cfg.IC.Nhydro)
	n := 0
	for _, s := range c.sims {
		n += s.store.Nsph
	}
	if err := combined.SetReal(n); err != nil {
		return nil, err
	}
	n = 0
	for _, s := range c.sims {
		for i := 0; i < s.store.Nsph; i++ {
			combined.Data[n] = *s.store.At(i)
			n++
		}
	}
	return combined, nil
}

// Run executes the shared-timestep main loop across all ranks.
func (c *Cluster) Run(ctx context.Context) (*Result, error) {
	// Initial forces and timestep agreement.
	if err := c.forceStep(ctx); err != nil {
		return nil, err
	}
	for _, s := range c.sims {
		s.integ.EndStep(s.store, 0)
	}
	if err := c.agreeTimestep(ctx); err != nil {
		return nil, err
	}

	res := &Result{}
	record := func() {
		per := make([]diag.Diagnostics, len(c.sims))
		for r, s := range c.sims {
			per[r] = diag.Compute(s.store, s.ndim, s.selfGravity, c.Time)
		}
		d := diag.Combine(per...)
		res.History = append(res.History, d)
		for _, o := range c.observers {
			o.OnStep(d, c.Nsteps)
		}
	}
	record()

	for c.Time < c.cfg.Time.TEnd && c.Nsteps < c.cfg.Time.NstepsMax {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		if err := c.Step(ctx); err != nil {
			return res, err
		}
		record()
	}

	res.Steps = c.Nsteps
	res.Time = c.Time
	if len(res.History) > 1 {
		res.EnergyError = diag.RelativeEnergyError(res.History[0], res.History[len(res.History)-1])
	}
	return res, nil
}
