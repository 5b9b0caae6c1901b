package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/smhr/gandalf/internal/analysis"
	"github.com/smhr/gandalf/internal/config"
	"github.com/smhr/gandalf/internal/diag"
	"github.com/smhr/gandalf/internal/export"
	"github.com/smhr/gandalf/internal/sim"
	"github.com/smhr/gandalf/internal/storage"
	"github.com/smhr/gandalf/internal/tui"
)

var (
	dataDir     string
	configFile  string
	runID       string
	seed        int64
	tend        float64
	nsteps      int
	nhydro      int
	ranks       int
	plotField   string
	benchRuns   int
	profileBins int
	renderOut   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gandalf",
		Short: "smoothed-particle hydrodynamics and N-body simulation code",
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".gandalf", "data directory")

	runCmd := &cobra.Command{
		Use:   "run [preset]",
		Short: "run a simulation",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSimulation,
	}
	addConfigFlags(runCmd)

	liveCmd := &cobra.Command{
		Use:   "live [preset]",
		Short: "run a simulation with a live terminal view",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLive,
	}
	addConfigFlags(liveCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list stored runs",
		RunE:  listRuns,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [run_id]",
		Short: "plot a diagnostic series from a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  plotRun,
	}
	plotCmd.Flags().StringVar(&plotField, "field", "etot", "diagnostic column (time, nsph, ekin, etherm, egrav, etot, momx, momy, momz)")

	exportCmd := &cobra.Command{
		Use:   "export [run_id]",
		Short: "export run metadata as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  exportRun,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze [run_id]",
		Short: "radial structure of a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  analyzeRun,
	}
	analyzeCmd.Flags().IntVar(&profileBins, "bins", 16, "number of radial shells")

	renderCmd := &cobra.Command{
		Use:   "render [run_id]",
		Short: "render a stored snapshot to SVG",
		Args:  cobra.ExactArgs(1),
		RunE:  renderRun,
	}
	renderCmd.Flags().StringVar(&renderOut, "out", "", "output path (default [run_id].svg)")

	benchCmd := &cobra.Command{
		Use:   "bench [preset]",
		Short: "run an ensemble over consecutive seeds",
		Args:  cobra.MaximumNArgs(1),
		RunE:  benchPreset,
	}
	addConfigFlags(benchCmd)
	benchCmd.Flags().IntVar(&benchRuns, "runs", 4, "number of ensemble members")

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := make([]string, 0, len(config.Presets))
			for name := range config.Presets {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, liveCmd, listCmd, plotCmd, exportCmd, analyzeCmd, renderCmd, benchCmd, presetsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&configFile, "config", "", "parameter file path (yaml)")
	cmd.Flags().StringVar(&runID, "run-id", "run", "run identifier used for the stored output")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for the initial conditions")
	cmd.Flags().Float64Var(&tend, "tend", 1.0, "simulation end time")
	cmd.Flags().IntVar(&nsteps, "nsteps", 0, "maximum number of full steps (0 keeps the configured limit)")
	cmd.Flags().IntVar(&nhydro, "nhydro", 0, "number of hydro particles (0 keeps the configured count)")
	cmd.Flags().IntVar(&ranks, "ranks", 0, "number of domain-decomposition ranks (0 keeps the configured count)")
}

// loadConfig resolves the effective configuration: preset, then
// parameter file, then explicit flags on top.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, string, error) {
	cfg := config.DefaultConfig()
	preset := ""
	if len(args) > 0 {
		mk, ok := config.Presets[args[0]]
		if !ok {
			names := make([]string, 0, len(config.Presets))
			for name := range config.Presets {
				names = append(names, name)
			}
			sort.Strings(names)
			return nil, "", fmt.Errorf("unknown preset: %s (available: %v)", args[0], names)
		}
		cfg = mk()
		preset = args[0]
	}

	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("seed") {
		cfg.IC.Seed = seed
	}
	if cmd.Flags().Changed("tend") {
		cfg.Time.TEnd = tend
	}
	if cmd.Flags().Changed("nsteps") {
		cfg.Time.NstepsMax = nsteps
	}
	if cmd.Flags().Changed("nhydro") {
		cfg.IC.Nhydro = nhydro
	}
	if cmd.Flags().Changed("ranks") {
		cfg.MPI.Ranks = ranks
	}
	return cfg, preset, nil
}

// stepPrinter reports diagnostics for every completed full step.
type stepPrinter struct{}

func (stepPrinter) OnStep(d diag.Diagnostics, step int) {
	fmt.Printf("step %5d  %s\n", step, d)
}

func runSimulation(cmd *cobra.Command, args []string) error {
	cfg, preset, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	st := storage.New(dataDir)
	if err := st.Init(); err != nil {
		return err
	}

	ctx := context.Background()
	start := time.Now()

	if cfg.MPI.Ranks > 1 {
		cl, err := sim.NewCluster(cfg)
		if err != nil {
			return err
		}
		cl.AddObserver(stepPrinter{})
		res, err := cl.Run(ctx)
		if err != nil {
			return err
		}
		gathered, err := cl.Gather()
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		id, err := st.Save(runID, preset, cfg.IC.Seed, cfg.IC.Ndim, res.Steps, res.EnergyError, res.History, gathered)
		if err != nil {
			return err
		}
		fmt.Printf("done: %d steps on %d ranks in %v, dE/E = %.3g\n", res.Steps, cfg.MPI.Ranks, elapsed.Round(time.Millisecond), res.EnergyError)
		fmt.Printf("saved run %s\n", id)
		return nil
	}

	s, err := sim.New(cfg)
	if err != nil {
		return err
	}
	s.AddObserver(stepPrinter{})
	res, err := s.Run(ctx)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	id, err := st.Save(runID, preset, cfg.IC.Seed, cfg.IC.Ndim, res.Steps, res.EnergyError, res.History, s.Store())
	if err != nil {
		return err
	}
	fmt.Printf("done: %d steps in %v, dE/E = %.3g\n", res.Steps, elapsed.Round(time.Millisecond), res.EnergyError)
	fmt.Printf("saved run %s\n", id)
	return nil
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, preset, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if cfg.MPI.Ranks > 1 {
		return fmt.Errorf("live view runs single-rank; drop --ranks or set ranks: 1")
	}

	s, err := sim.New(cfg)
	if err != nil {
		return err
	}

	title := "gandalf"
	if preset != "" {
		title = "gandalf " + preset
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	live := tui.NewLive(title, cancel)
	s.AddObserver(tui.NewMonitor(live, s.Store(), cfg.IC.Ndim))

	go func() {
		_, err := s.Run(ctx)
		live.Send(tui.DoneMsg{Err: err})
	}()

	return live.Run()
}

func listRuns(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	runs, err := st.List()
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	fmt.Printf("%-28s %-10s %6s %8s %8s %12s\n", "ID", "PRESET", "NDIM", "NSPH", "STEPS", "dE/E")
	for _, r := range runs {
		preset := r.Preset
		if preset == "" {
			preset = "-"
		}
		fmt.Printf("%-28s %-10s %6d %8d %8d %12.3g\n", r.ID, preset, r.Ndim, r.Nsph, r.Steps, r.EnergyError)
	}
	return nil
}

func plotRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	series, err := st.LoadDiagnostics(args[0])
	if err != nil {
		return err
	}
	data, ok := series[plotField]
	if !ok {
		cols := make([]string, 0, len(series))
		for name := range series {
			cols = append(cols, name)
		}
		sort.Strings(cols)
		return fmt.Errorf("unknown field %q (available: %v)", plotField, cols)
	}
	if len(data) < 2 {
		return fmt.Errorf("run %s has too few samples to plot", args[0])
	}

	graph := asciigraph.Plot(data,
		asciigraph.Height(10),
		asciigraph.Width(80),
		asciigraph.Caption(fmt.Sprintf("%s vs step", plotField)),
	)
	fmt.Println(graph)
	fmt.Printf("\n%s: first %.8g, last %.8g\n", plotField, data[0], data[len(data)-1])
	return nil
}

func analyzeRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	snap, err := st.LoadSnapshot(args[0])
	if err != nil {
		return err
	}

	bins, err := analysis.RadialProfile(snap, profileBins)
	if err != nil {
		return err
	}
	data := make([]float64, len(bins))
	for i, b := range bins {
		data[i] = b.Rho
	}
	fmt.Println(asciigraph.Plot(data,
		asciigraph.Height(10),
		asciigraph.Width(80),
		asciigraph.Caption("density vs radius"),
	))

	fractions := []float64{0.1, 0.25, 0.5, 0.75, 0.9}
	rl, err := analysis.LagrangianRadii(snap, fractions)
	if err != nil {
		return err
	}
	fmt.Println()
	for i, f := range fractions {
		fmt.Printf("r(%2.0f%%) = %.5g\n", 100*f, rl[i])
	}
	fmt.Printf("velocity dispersion = %.5g\n", analysis.VelocityDispersion(snap))
	return nil
}

func renderRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	snap, err := st.LoadSnapshot(args[0])
	if err != nil {
		return err
	}
	out := renderOut
	if out == "" {
		out = args[0] + ".svg"
	}
	svg := export.SnapshotSVG(snap, 800, 600)
	if err := os.WriteFile(out, []byte(svg), 0644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d particles)\n", out, len(snap.R))
	return nil
}

func exportRun(cmd *cobra.Command, args []string) error {
	st := storage.New(dataDir)
	meta, err := st.Load(args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func benchPreset(cmd *cobra.Command, args []string) error {
	cfg, preset, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	if preset == "" {
		preset = "default"
	}

	start := time.Now()
	ens := sim.NewEnsemble(cfg, benchRuns, cfg.IC.Seed)
	results, err := ens.Run(context.Background())
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	var meanErr float64
	for i, r := range results {
		fmt.Printf("seed %d: %d steps to t=%.5g, dE/E = %.3g\n", cfg.IC.Seed+int64(i), r.Steps, r.Time, r.EnergyError)
		meanErr += r.EnergyError / float64(len(results))
	}
	fmt.Printf("\n%s: %d runs in %v, mean dE/E = %.3g\n", preset, len(results), elapsed.Round(time.Millisecond), meanErr)
	return nil
}
