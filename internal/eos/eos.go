// Package eos contains the equations of state consumed by the SPH force
// evaluation.
package eos

import "math"

// EOS maps a particle's density and internal energy to pressure and
// sound speed.
type EOS interface {
	Pressure(rho, u float64) float64
	SoundSpeed(rho, u float64) float64
	// Energy returns the specific internal energy consistent with the
	// equation of state at the given density and temperature scale.
	Energy(rho float64) float64
}

// Isothermal keeps a fixed temperature; pressure is linear in density.
type Isothermal struct {
	Temp0 float64
	MuBar float64
	Gamma float64
}

func NewIsothermal(temp0, muBar, gamma float64) *Isothermal {
	return &Isothermal{Temp0: temp0, MuBar: muBar, Gamma: gamma}
}

func (e *Isothermal) Pressure(rho, u float64) float64 {
	return e.Temp0 / e.MuBar * rho
}

func (e *Isothermal) SoundSpeed(rho, u float64) float64 {
	return math.Sqrt(e.Temp0 / e.MuBar)
}

func (e *Isothermal) Energy(rho float64) float64 {
	return e.Temp0 / (e.Gamma - 1.0) / e.MuBar
}

// Adiabatic evolves internal energy through the energy equation.
type Adiabatic struct {
	Temp0 float64
	MuBar float64
	Gamma float64
}

func NewAdiabatic(temp0, muBar, gamma float64) *Adiabatic {
	return &Adiabatic{Temp0: temp0, MuBar: muBar, Gamma: gamma}
}

func (e *Adiabatic) Pressure(rho, u float64) float64 {
	return (e.Gamma - 1.0) * rho * u
}

func (e *Adiabatic) SoundSpeed(rho, u float64) float64 {
	return math.Sqrt(e.Gamma * (e.Gamma - 1.0) * u)
}

func (e *Adiabatic) Energy(rho float64) float64 {
	return e.Temp0 / (e.Gamma - 1.0) / e.MuBar
}

// New builds an equation of state by configuration name.
func New(name string, temp0, muBar, gamma float64) (EOS, bool) {
	switch name {
	case "isothermal", "":
		return NewIsothermal(temp0, muBar, gamma), true
	case "energy_eqn":
		return NewAdiabatic(temp0, muBar, gamma), true
	}
	return nil, false
}
