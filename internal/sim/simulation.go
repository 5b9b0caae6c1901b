// Package sim drives the simulation: it owns the particle store, the
// tree, the force evaluators and the integrator, and sequences them
// through the build/stock/extrapolate cadence of the main loop.
package sim

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/smhr/gandalf/internal/config"
	"github.com/smhr/gandalf/internal/diag"
	"github.com/smhr/gandalf/internal/eos"
	"github.com/smhr/gandalf/internal/geometry"
	"github.com/smhr/gandalf/internal/ic"
	"github.com/smhr/gandalf/internal/integrator"
	"github.com/smhr/gandalf/internal/kernel"
	"github.com/smhr/gandalf/internal/particle"
	"github.com/smhr/gandalf/internal/sph"
	"github.com/smhr/gandalf/internal/tree"
)

// Observer receives diagnostics after every full step.
type Observer interface {
	OnStep(d diag.Diagnostics, step int)
}

// Result summarises a finished run.
type Result struct {
	Steps       int
	Time        float64
	History     []diag.Diagnostics
	EnergyError float64
}

// Simulation is one rank's worth of state: particles, trees and the
// evaluators that act on them.
type Simulation struct {
	cfg  *config.Config
	ndim int
	box  geometry.DomainBox

	store     *particle.Store
	tree      *tree.Tree
	ghostTree *tree.Tree
	ev        *sph.Evaluator
	integ     *integrator.LeapfrogKDK
	pool      *tree.Pool

	hydro       bool
	selfGravity bool
	multipole   tree.Multipole

	// Fine-step state between resyncs.
	n       int
	deepest int
	dtFine  float64

	stepsSinceBuild int
	stepsSinceStock int

	Time      float64
	Nsteps    int
	observers []Observer
}

// New builds a simulation from a validated configuration, generating
// the initial conditions it names.
func New(cfg *config.Config) (*Simulation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	box, err := cfg.DomainBox()
	if err != nil {
		return nil, err
	}
	nsphmax := 8 * cfg.IC.Nhydro
	store, err := ic.Generate(icParams(cfg, box), nsphmax)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, store)
}

// NewWithStore wires a simulation around an existing particle store,
// used by the cluster driver after domain decomposition.
func NewWithStore(cfg *config.Config, store *particle.Store) (*Simulation, error) {
	box, err := cfg.DomainBox()
	if err != nil {
		return nil, err
	}
	kern, ok := kernel.New(cfg.SPH.Kernel, cfg.IC.Ndim)
	if !ok {
		return nil, fmt.Errorf("sim: unknown kernel %q", cfg.SPH.Kernel)
	}
	state, ok := eos.New(cfg.SPH.GasEOS, cfg.SPH.Temp0, cfg.SPH.MuBar, cfg.SPH.GammaEOS)
	if !ok {
		return nil, fmt.Errorf("sim: unknown equation of state %q", cfg.SPH.GasEOS)
	}
	mac, ok := tree.ParseMAC(cfg.Gravity.MAC)
	if !ok {
		return nil, fmt.Errorf("sim: unknown opening criterion %q", cfg.Gravity.MAC)
	}
	multipole, ok := tree.ParseMultipole(cfg.Gravity.Multipole)
	if !ok {
		return nil, fmt.Errorf("sim: unknown multipole expansion %q", cfg.Gravity.Multipole)
	}

	opt := tree.Options{
		NLeafMax:  cfg.Tree.NLeafMax,
		ThetaMax:  cfg.Gravity.Theta,
		MACType:   mac,
		MACError:  cfg.Gravity.MACError,
		KernRange: kern.Range(),
	}
	energyEqn := cfg.SPH.GasEOS == "energy_eqn"

	nworkers := runtime.GOMAXPROCS(0)
	s := &Simulation{
		cfg:         cfg,
		ndim:        cfg.IC.Ndim,
		box:         box,
		store:       store,
		tree:        tree.New(cfg.IC.Ndim, opt),
		ghostTree:   tree.New(cfg.IC.Ndim, opt),
		ev:          sph.New(cfg.IC.Ndim, kern, state, cfg.SPH.HFac, cfg.SPH.HConverge, cfg.SPH.AlphaVisc, cfg.SPH.BetaVisc),
		integ:       integrator.New(cfg.IC.Ndim, energyEqn, cfg.Time.AccelMult, cfg.Time.CourantMult, cfg.Time.EnergyMult),
		pool:        tree.NewPool(nworkers, cfg.Tree.NLeafMax, 16*cfg.Tree.NLeafMax, store.Nsphmax),
		hydro:       cfg.SPH.HydroForces,
		selfGravity: cfg.Gravity.SelfGravity,
		multipole:   multipole,
	}
	return s, nil
}

func icParams(cfg *config.Config, box geometry.DomainBox) ic.Params {
	return ic.Params{
		Name:  cfg.IC.Name,
		Ndim:  cfg.IC.Ndim,
		N:     cfg.IC.Nhydro,
		Seed:  cfg.IC.Seed,
		Box:   box,
		Mtot:  cfg.IC.Mtot,
		U0:    cfg.IC.UL,
		HInit: cfg.IC.HInit,
		RhoL:  cfg.IC.RhoL,
		RhoR:  cfg.IC.RhoR,
		VxL:   cfg.IC.VxL,
		VxR:   cfg.IC.VxR,
		UL:    cfg.IC.UL,
		UR:    cfg.IC.UR,
	}
}

func (s *Simulation) AddObserver(o Observer) { s.observers = append(s.observers, o) }

// Store exposes the particle array for output and tests.
func (s *Simulation) Store() *particle.Store { return s.store }

// rebuildTrees rebuilds the particle tree, regenerates boundary ghosts
// and builds the ghost tree over the images.
func (s *Simulation) rebuildTrees(tghost float64) error {
	st := s.store
	if err := s.tree.Build(st.Data, 0, st.Nsph-1, st.Nsphmax); err != nil {
		return err
	}
	if err := s.tree.SearchBoundaryGhosts(st, s.box, tghost, s.cfg.Tree.GhostRange); err != nil {
		return err
	}
	if st.Nghost > 0 {
		if err := s.ghostTree.Build(st.Data, st.Nsph, st.Ntot-1, st.Nsphmax); err != nil {
			return err
		}
	}
	s.stepsSinceBuild = 0
	s.stepsSinceStock = 0
	return nil
}

// prepareTrees applies the per-step tree cadence: full rebuild every
// ntreebuildstep fine steps, restock every ntreestockstep, cell
// extrapolation otherwise.
func (s *Simulation) prepareTrees() error {
	tghost := float64(s.cfg.Tree.NTreeBuildStep) * s.dtFine
	switch {
	case s.stepsSinceBuild >= s.cfg.Tree.NTreeBuildStep:
		return s.rebuildTrees(tghost)
	case s.stepsSinceStock >= s.cfg.Tree.NTreeStockStep:
		s.store.CopyDataToGhosts()
		s.tree.Stock(s.store.Data)
		if s.store.Nghost > 0 {
			s.ghostTree.Stock(s.store.Data)
		}
		s.stepsSinceStock = 0
	default:
		s.store.CopyDataToGhosts()
		s.tree.Extrapolate(s.dtFine)
		if s.store.Nghost > 0 {
			s.ghostTree.Extrapolate(s.dtFine)
		}
	}
	s.stepsSinceBuild++
	s.stepsSinceStock++
	return nil
}

// initialStep computes forces for the whole population at t=0 and
// commits the start-of-step snapshots.
func (s *Simulation) initialStep(ctx context.Context) error {
	st := s.store
	for i := 0; i < st.Nsph; i++ {
		st.Data[i].Active = true
	}
	if err := s.rebuildTrees(0); err != nil {
		return err
	}
	s.tree.UpdateActiveCounters(st.Data)

	// The first ghost search ran with the h guesses from the initial
	// conditions. Settle the smoothing lengths once, then regenerate
	// the ghosts so boundary neighbourhoods are complete before forces.
	if s.hydro {
		if err := s.parallelCells(ctx, s.tree.ActiveCellList(), s.propertiesCell); err != nil {
			return err
		}
		s.tree.UpdateHmax(st.Data)
		if err := s.rebuildTrees(0); err != nil {
			return err
		}
		s.tree.UpdateActiveCounters(st.Data)
	}
	if err := s.forcePass(ctx); err != nil {
		return err
	}
	s.integ.EndStep(st, 0)
	s.resync()
	return nil
}

// resync reassigns timestep rungs. Every particle has just completed
// its step, so the fine counter and the per-particle step origins both
// restart at zero.
func (s *Simulation) resync() {
	st := s.store
	s.deepest = s.integ.AssignLevels(st, s.cfg.Time.DtMax, s.cfg.Time.LevelMax)
	s.dtFine = s.cfg.Time.DtMax / float64(int(1)<<uint(s.deepest))
	s.n = 0
	for i := 0; i < st.Nsph; i++ {
		st.Data[i].NLast = 0
	}
}

// step advances the simulation by one fine step.
func (s *Simulation) step(ctx context.Context) error {
	st := s.store
	s.n++
	s.integ.Advance(st, s.n, s.deepest, s.dtFine)

	if err := s.prepareTrees(); err != nil {
		return err
	}
	s.tree.UpdateActiveCounters(st.Data)

	if err := s.forcePass(ctx); err != nil {
		return err
	}

	s.integ.Correct(st, s.n, s.deepest, s.dtFine)
	s.integ.EndStep(st, s.n)
	s.Time += s.dtFine

	if s.n >= int(1)<<uint(s.deepest) {
		s.Nsteps++
		s.resync()
	}
	return nil
}

// Run executes the main loop until tend, the step limit or the context
// deadline, whichever comes first. Diagnostics are recorded once per
// full step.
func (s *Simulation) Run(ctx context.Context) (*Result, error) {
	if err := s.initialStep(ctx); err != nil {
		return nil, err
	}

	res := &Result{}
	first := diag.Compute(s.store, s.ndim, s.selfGravity, s.Time)
	res.History = append(res.History, first)
	s.notify(first)

	lastFull := s.Nsteps
	for s.Time < s.cfg.Time.TEnd && s.Nsteps < s.cfg.Time.NstepsMax {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		if err := s.step(ctx); err != nil {
			return res, err
		}
		if s.Nsteps > lastFull {
			lastFull = s.Nsteps
			d := diag.Compute(s.store, s.ndim, s.selfGravity, s.Time)
			res.History = append(res.History, d)
			s.notify(d)
		}
	}

	res.Steps = s.Nsteps
	res.Time = s.Time
	if len(res.History) > 1 {
		res.EnergyError = diag.RelativeEnergyError(res.History[0], res.History[len(res.History)-1])
	}
	return res, nil
}

func (s *Simulation) notify(d diag.Diagnostics) {
	for _, o := range s.observers {
		o.OnStep(d, s.Nsteps)
	}
}

// globalTimestep is the stability limit over all live particles,
// capped at dt_max. The cluster driver uses it in place of rungs.
func (s *Simulation) globalTimestep() float64 {
	dt := s.cfg.Time.DtMax
	for i := 0; i < s.store.Nsph; i++ {
		p := s.store.At(i)
		if p.Dead {
			continue
		}
		if c := s.integ.Timestep(p); c < dt {
			dt = c
		}
	}
	if math.IsInf(dt, 1) {
		dt = s.cfg.Time.DtMax
	}
	return dt
}
