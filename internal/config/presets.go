package config

// Presets are ready-made parameter sets for the standard test problems.
// Each starts from the defaults and overrides what the problem needs.
var Presets = map[string]func() *Config{
	"sod": func() *Config {
		c := DefaultConfig()
		c.IC = ICConfig{
			Name: "shocktube", Ndim: 1, Nhydro: 800, Mtot: 1,
			BoxMin: [3]float64{0, 0, 0}, BoxMax: [3]float64{1, 0, 0}, HInit: 0.01,
			RhoL: 1.0, RhoR: 0.125, UL: 2.5, UR: 2.0,
		}
		c.SPH.GasEOS = "energy_eqn"
		c.SPH.GammaEOS = 1.4
		c.Gravity.SelfGravity = false
		c.Boundary.LeftX, c.Boundary.RightX = "mirror", "mirror"
		c.Time.TEnd = 0.25
		c.Time.DtMax = 0.01
		return c
	},
	"box": func() *Config {
		c := DefaultConfig()
		c.IC.Name = "lattice"
		c.IC.Nhydro = 1000
		c.Boundary = BoundaryConfig{
			LeftX: "periodic", RightX: "periodic",
			LeftY: "periodic", RightY: "periodic",
			LeftZ: "periodic", RightZ: "periodic",
		}
		c.SPH.GasEOS = "isothermal"
		return c
	},
	"collapse": func() *Config {
		c := DefaultConfig()
		c.IC.Name = "random_sphere"
		c.IC.Nhydro = 2000
		c.Gravity.SelfGravity = true
		c.Gravity.Multipole = "quadrupole"
		c.SPH.GasEOS = "isothermal"
		c.SPH.Temp0 = 0.01
		c.Time.TEnd = 2.0
		return c
	},
	"nbody": func() *Config {
		c := DefaultConfig()
		c.IC.Name = "random_sphere"
		c.IC.Nhydro = 5000
		c.Gravity.SelfGravity = true
		c.Gravity.MAC = "eigenmac"
		c.Gravity.MACError = 1e-4
		c.SPH.HydroForces = false
		c.Time.TEnd = 5.0
		return c
	},
	"cluster2": func() *Config {
		c := DefaultConfig()
		c.IC.Name = "random_sphere"
		c.IC.Nhydro = 2000
		c.Gravity.SelfGravity = true
		c.MPI.Ranks = 2
		c.MPI.PruningLevel = 3
		return c
	},
}
