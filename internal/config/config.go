// Package config loads, validates and persists simulation parameters.
// Unknown keys in a parameter file are reported on the log and ignored;
// invalid values fail validation and abort the run.
package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/smhr/gandalf/internal/geometry"
)

const (
	DefaultNLeafMax    = 8
	DefaultTheta       = 0.5
	DefaultHFac        = 1.2
	DefaultHConverge   = 0.01
	DefaultGhostRange  = 1.1
	DefaultAccelMult   = 0.3
	DefaultCourantMult = 0.15
	DefaultEnergyMult  = 0.3
)

type Config struct {
	IC       ICConfig       `yaml:"ic"`
	SPH      SPHConfig      `yaml:"sph"`
	Gravity  GravityConfig  `yaml:"gravity"`
	Tree     TreeConfig     `yaml:"tree"`
	Time     TimeConfig     `yaml:"time"`
	Boundary BoundaryConfig `yaml:"boundary"`
	MPI      MPIConfig      `yaml:"mpi"`
	Output   OutputConfig   `yaml:"output"`
}

type ICConfig struct {
	Name   string     `yaml:"name"`
	Ndim   int        `yaml:"ndim"`
	Nhydro int        `yaml:"nhydro"`
	Seed   int64      `yaml:"seed"`
	BoxMin [3]float64 `yaml:"boxmin"`
	BoxMax [3]float64 `yaml:"boxmax"`
	Mtot   float64    `yaml:"mtot"`
	HInit  float64    `yaml:"h_init"`

	// Shocktube left/right states.
	RhoL float64 `yaml:"rho_l"`
	RhoR float64 `yaml:"rho_r"`
	VxL  float64 `yaml:"vx_l"`
	VxR  float64 `yaml:"vx_r"`
	UL   float64 `yaml:"u_l"`
	UR   float64 `yaml:"u_r"`
}

type SPHConfig struct {
	Kernel      string  `yaml:"kernel"`
	HFac        float64 `yaml:"h_fac"`
	HConverge   float64 `yaml:"h_converge"`
	AlphaVisc   float64 `yaml:"alpha_visc"`
	BetaVisc    float64 `yaml:"beta_visc"`
	GasEOS      string  `yaml:"gas_eos"`
	Temp0       float64 `yaml:"temp0"`
	MuBar       float64 `yaml:"mu_bar"`
	GammaEOS    float64 `yaml:"gamma_eos"`
	HydroForces bool    `yaml:"hydro_forces"`
}

type GravityConfig struct {
	SelfGravity bool    `yaml:"self_gravity"`
	Multipole   string  `yaml:"multipole"`
	MAC         string  `yaml:"mac"`
	Theta       float64 `yaml:"theta"`
	MACError    float64 `yaml:"mac_error"`
}

type TreeConfig struct {
	NLeafMax       int     `yaml:"nleafmax"`
	NTreeBuildStep int     `yaml:"ntreebuildstep"`
	NTreeStockStep int     `yaml:"ntreestockstep"`
	GhostRange     float64 `yaml:"ghost_range"`
}

type TimeConfig struct {
	TEnd      float64 `yaml:"tend"`
	DtMax     float64 `yaml:"dt_max"`
	DtSnap    float64 `yaml:"dt_snap"`
	NstepsMax int     `yaml:"nstepsmax"`
	LevelMax  int     `yaml:"level_max"`

	AccelMult   float64 `yaml:"accel_mult"`
	CourantMult float64 `yaml:"courant_mult"`
	EnergyMult  float64 `yaml:"energy_mult"`
}

type BoundaryConfig struct {
	LeftX  string `yaml:"boundary_lhs_x"`
	RightX string `yaml:"boundary_rhs_x"`
	LeftY  string `yaml:"boundary_lhs_y"`
	RightY string `yaml:"boundary_rhs_y"`
	LeftZ  string `yaml:"boundary_lhs_z"`
	RightZ string `yaml:"boundary_rhs_z"`
}

type MPIConfig struct {
	Ranks          int     `yaml:"ranks"`
	PruningLevel   int     `yaml:"pruning_level"`
	LoadBalanceTol float64 `yaml:"loadbalance_tol"`
}

type OutputConfig struct {
	Dir     string `yaml:"dir"`
	RunID   string `yaml:"run_id"`
	Verbose bool   `yaml:"verbose"`
}

func DefaultConfig() *Config {
	return &Config{
		IC: ICConfig{
			Name: "random_cube", Ndim: 3, Nhydro: 1000, Mtot: 1.0,
			BoxMax: [3]float64{1, 1, 1}, HInit: 0.1,
		},
		SPH: SPHConfig{
			Kernel: "m4", HFac: DefaultHFac, HConverge: DefaultHConverge,
			AlphaVisc: 1.0, BetaVisc: 2.0,
			GasEOS: "energy_eqn", Temp0: 1.0, MuBar: 1.0, GammaEOS: 5.0 / 3.0,
			HydroForces: true,
		},
		Gravity: GravityConfig{
			Multipole: "monopole", MAC: "geometric",
			Theta: DefaultTheta, MACError: 1e-4,
		},
		Tree: TreeConfig{
			NLeafMax: DefaultNLeafMax, NTreeBuildStep: 8, NTreeStockStep: 1,
			GhostRange: DefaultGhostRange,
		},
		Time: TimeConfig{
			TEnd: 1.0, DtMax: 0.1, DtSnap: 0.1, NstepsMax: 100000, LevelMax: 9,
			AccelMult: DefaultAccelMult, CourantMult: DefaultCourantMult,
			EnergyMult: DefaultEnergyMult,
		},
		Boundary: BoundaryConfig{
			LeftX: "open", RightX: "open",
			LeftY: "open", RightY: "open",
			LeftZ: "open", RightZ: "open",
		},
		MPI: MPIConfig{
			Ranks: 1, PruningLevel: 3, LoadBalanceTol: 0.02,
		},
		Output: OutputConfig{Dir: "runs", RunID: "run"},
	}
}

// Load reads a YAML parameter file over the defaults. Unknown keys are
// logged and ignored.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	for _, key := range UnknownKeys(data, reflect.TypeOf(*cfg)) {
		log.Printf("config: ignoring unknown parameter %q", key)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// UnknownKeys walks the YAML document against the struct's yaml tags
// and returns dotted paths for every key that has no field to land in.
func UnknownKeys(data []byte, typ reflect.Type) []string {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil || len(root.Content) == 0 {
		return nil
	}
	var out []string
	collectUnknown(root.Content[0], typ, "", &out)
	return out
}

func collectUnknown(node *yaml.Node, typ reflect.Type, prefix string, out *[]string) {
	if node.Kind != yaml.MappingNode || typ.Kind() != reflect.Struct {
		return
	}
	tags := make(map[string]reflect.Type, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("yaml")
		if c := strings.IndexByte(tag, ','); c >= 0 {
			tag = tag[:c]
		}
		if tag != "" && tag != "-" {
			tags[tag] = typ.Field(i).Type
		}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		ft, ok := tags[key]
		if !ok {
			*out = append(*out, path)
			continue
		}
		if ft.Kind() == reflect.Struct {
			collectUnknown(node.Content[i+1], ft, path, out)
		}
	}
}

// Validate rejects parameter combinations the solver cannot honour.
func (c *Config) Validate() error {
	if c.IC.Ndim < 1 || c.IC.Ndim > 3 {
		return fmt.Errorf("config: ndim must be 1, 2 or 3, got %d", c.IC.Ndim)
	}
	if c.IC.Nhydro < 1 {
		return fmt.Errorf("config: nhydro must be positive, got %d", c.IC.Nhydro)
	}
	for k := 0; k < c.IC.Ndim; k++ {
		if c.IC.BoxMax[k] <= c.IC.BoxMin[k] {
			return fmt.Errorf("config: boxmax[%d] <= boxmin[%d]", k, k)
		}
	}
	if c.Tree.NLeafMax < 1 {
		return fmt.Errorf("config: nleafmax must be positive, got %d", c.Tree.NLeafMax)
	}
	if c.Tree.NTreeBuildStep < 1 || c.Tree.NTreeStockStep < 1 {
		return fmt.Errorf("config: tree cadence steps must be positive")
	}
	if c.Tree.GhostRange < 1.0 {
		return fmt.Errorf("config: ghost_range must be >= 1, got %g", c.Tree.GhostRange)
	}
	if c.SPH.HFac <= 0 || c.SPH.HConverge <= 0 {
		return fmt.Errorf("config: h_fac and h_converge must be positive")
	}
	switch c.SPH.Kernel {
	case "m4", "":
	default:
		return fmt.Errorf("config: unknown kernel %q", c.SPH.Kernel)
	}
	switch c.SPH.GasEOS {
	case "isothermal", "energy_eqn", "":
	default:
		return fmt.Errorf("config: unknown gas_eos %q", c.SPH.GasEOS)
	}
	switch c.Gravity.MAC {
	case "geometric", "eigenmac", "":
	default:
		return fmt.Errorf("config: unknown mac %q", c.Gravity.MAC)
	}
	if c.Gravity.MAC == "eigenmac" && c.Gravity.MACError <= 0 {
		return fmt.Errorf("config: eigenmac requires positive mac_error, got %g", c.Gravity.MACError)
	}
	switch c.Gravity.Multipole {
	case "monopole", "quadrupole", "fast_monopole", "":
	default:
		return fmt.Errorf("config: unknown multipole %q", c.Gravity.Multipole)
	}
	if c.Gravity.Theta <= 0 {
		return fmt.Errorf("config: theta must be positive, got %g", c.Gravity.Theta)
	}
	if c.Time.TEnd <= 0 || c.Time.DtMax <= 0 {
		return fmt.Errorf("config: tend and dt_max must be positive")
	}
	if c.Time.LevelMax < 0 || c.Time.LevelMax > 20 {
		return fmt.Errorf("config: level_max out of range: %d", c.Time.LevelMax)
	}
	if c.MPI.Ranks < 1 {
		return fmt.Errorf("config: ranks must be >= 1, got %d", c.MPI.Ranks)
	}
	if c.MPI.PruningLevel < 0 {
		return fmt.Errorf("config: pruning_level must be >= 0, got %d", c.MPI.PruningLevel)
	}
	if _, err := c.DomainBox(); err != nil {
		return err
	}
	return nil
}

// DomainBox builds the geometry box from the boundary strings.
func (c *Config) DomainBox() (geometry.DomainBox, error) {
	names := [3][2]string{
		{c.Boundary.LeftX, c.Boundary.RightX},
		{c.Boundary.LeftY, c.Boundary.RightY},
		{c.Boundary.LeftZ, c.Boundary.RightZ},
	}
	var lhs, rhs [3]geometry.BoundaryKind
	for k := 0; k < 3; k++ {
		var ok bool
		if lhs[k], ok = geometry.ParseBoundary(names[k][0]); !ok {
			return geometry.DomainBox{}, fmt.Errorf("config: unknown boundary %q", names[k][0])
		}
		if rhs[k], ok = geometry.ParseBoundary(names[k][1]); !ok {
			return geometry.DomainBox{}, fmt.Errorf("config: unknown boundary %q", names[k][1])
		}
		// Periodic boundaries only make sense in matched pairs.
		if (lhs[k] == geometry.BoundaryPeriodic) != (rhs[k] == geometry.BoundaryPeriodic) {
			return geometry.DomainBox{}, fmt.Errorf("config: periodic boundary on axis %d must be paired", k)
		}
	}
	return geometry.NewDomainBox(c.IC.Ndim,
		geometry.Vec(c.IC.BoxMin), geometry.Vec(c.IC.BoxMax), lhs, rhs), nil
}
