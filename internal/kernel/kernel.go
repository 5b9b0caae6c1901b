// Package kernel implements the smoothing kernels used for SPH
// interpolation and kernel-softened gravity.
package kernel

import "math"

// Kernel is the interface consumed by the neighbour search, hydro force
// and gravity evaluators. All functions take s = r/h.
type Kernel interface {
	// Range is the kernel support radius in units of h.
	Range() float64
	// W0 is the kernel value w(s) (density interpolation).
	W0(s float64) float64
	// W1 is the kernel gradient dw/ds.
	W1(s float64) float64
	// WGrav is the dimensionless kernel-softened gravitational force
	// factor: a = (m/h^2) * wgrav(s), reducing to 1/s^2 beyond support.
	WGrav(s float64) float64
	// WPot is the dimensionless softened potential factor:
	// phi = (m/h) * wpot(s), reducing to 1/s beyond support.
	WPot(s float64) float64
}

// M4 is the cubic-spline (M4) kernel with compact support 2h.
type M4 struct {
	ndim    int
	norm    float64
	invNorm float64
}

// NewM4 returns the M4 kernel normalised for ndim spatial dimensions.
func NewM4(ndim int) *M4 {
	var norm float64
	switch ndim {
	case 1:
		norm = 2.0 / 3.0
	case 2:
		norm = 10.0 / (7.0 * math.Pi)
	default:
		norm = 1.0 / math.Pi
	}
	return &M4{ndim: ndim, norm: norm, invNorm: 1.0 / norm}
}

func (k *M4) Range() float64 { return 2.0 }

func (k *M4) W0(s float64) float64 {
	switch {
	case s < 1.0:
		return k.norm * (1.0 - 1.5*s*s + 0.75*s*s*s)
	case s < 2.0:
		d := 2.0 - s
		return k.norm * 0.25 * d * d * d
	}
	return 0.0
}

func (k *M4) W1(s float64) float64 {
	switch {
	case s < 1.0:
		return k.norm * (-3.0*s + 2.25*s*s)
	case s < 2.0:
		d := 2.0 - s
		return -k.norm * 0.75 * d * d
	}
	return 0.0
}

// WGrav and WPot are the Hernquist & Katz (1989) spline-softened gravity
// factors for the M4 kernel.

func (k *M4) WGrav(s float64) float64 {
	switch {
	case s < 1.0:
		return 4.0/3.0*s - 1.2*s*s*s + 0.5*s*s*s*s
	case s < 2.0:
		return 8.0/3.0*s - 3.0*s*s + 1.2*s*s*s -
			s*s*s*s/6.0 - 1.0/(15.0*s*s)
	}
	return 1.0 / (s * s)
}

func (k *M4) WPot(s float64) float64 {
	switch {
	case s < 1.0:
		return 1.4 - 2.0/3.0*s*s + 0.3*s*s*s*s - 0.1*s*s*s*s*s
	case s < 2.0:
		return 1.6 - 1.0/(15.0*s) - 4.0/3.0*s*s + s*s*s -
			0.3*s*s*s*s + s*s*s*s*s/30.0
	}
	return 1.0 / s
}

// New builds a kernel by configuration name.
func New(name string, ndim int) (Kernel, bool) {
	switch name {
	case "m4", "":
		return NewM4(ndim), true
	}
	return nil, false
}
