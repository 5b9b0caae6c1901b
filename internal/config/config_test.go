package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smhr/gandalf/internal/geometry"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestPresetsValidate(t *testing.T) {
	for name, mk := range Presets {
		assert.NoError(t, mk().Validate(), "preset %s", name)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yaml")
	doc := `
ic:
  name: lattice
  nhydro: 64
sph:
  h_fac: 1.3
gravity:
  self_gravity: true
  mac: eigenmac
  mac_error: 1.0e-5
boundary:
  boundary_lhs_x: periodic
  boundary_rhs_x: periodic
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lattice", cfg.IC.Name)
	assert.Equal(t, 64, cfg.IC.Nhydro)
	assert.Equal(t, 1.3, cfg.SPH.HFac)
	assert.True(t, cfg.Gravity.SelfGravity)
	assert.Equal(t, 1e-5, cfg.Gravity.MACError)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultNLeafMax, cfg.Tree.NLeafMax)
	assert.Equal(t, "energy_eqn", cfg.SPH.GasEOS)
}

func TestUnknownKeysReported(t *testing.T) {
	doc := []byte(`
ic:
  name: lattice
  htole: 3
typo_section:
  foo: 1
tree:
  nleafmax: 16
  branch_factor: 2
`)
	keys := UnknownKeys(doc, reflect.TypeOf(Config{}))
	assert.ElementsMatch(t, []string{"ic.htole", "typo_section", "tree.branch_factor"}, keys)
}

func TestValidationFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad ndim", func(c *Config) { c.IC.Ndim = 4 }},
		{"no particles", func(c *Config) { c.IC.Nhydro = 0 }},
		{"inverted box", func(c *Config) { c.IC.BoxMax[0] = c.IC.BoxMin[0] - 1 }},
		{"bad kernel", func(c *Config) { c.SPH.Kernel = "m12" }},
		{"bad eos", func(c *Config) { c.SPH.GasEOS = "plasma" }},
		{"bad mac", func(c *Config) { c.Gravity.MAC = "sometimes" }},
		{"eigenmac without tolerance", func(c *Config) { c.Gravity.MAC = "eigenmac"; c.Gravity.MACError = 0 }},
		{"bad multipole", func(c *Config) { c.Gravity.Multipole = "octupole" }},
		{"ghost range below one", func(c *Config) { c.Tree.GhostRange = 0.5 }},
		{"zero ranks", func(c *Config) { c.MPI.Ranks = 0 }},
		{"unpaired periodic", func(c *Config) { c.Boundary.LeftX = "periodic" }},
		{"unknown boundary", func(c *Config) { c.Boundary.LeftY = "absorbing" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDomainBox(t *testing.T) {
	c := DefaultConfig()
	c.Boundary.LeftX, c.Boundary.RightX = "periodic", "periodic"
	c.Boundary.LeftY, c.Boundary.RightY = "mirror", "open"

	box, err := c.DomainBox()
	require.NoError(t, err)
	assert.True(t, box.Periodic(0))
	assert.Equal(t, geometry.BoundaryMirror, box.LHS[1])
	assert.Equal(t, geometry.BoundaryOpen, box.RHS[1])
	assert.Equal(t, 1.0, box.Size[0])
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")
	c := Presets["sod"]()
	require.NoError(t, Save(path, c))

	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.IC, back.IC)
	assert.Equal(t, c.SPH, back.SPH)
	assert.Equal(t, c.Boundary, back.Boundary)
}
