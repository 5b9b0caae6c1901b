// Package geometry provides the spatial primitives shared by the tree,
// ghost and domain-decomposition code: fixed-capacity vectors, bounding
// boxes and the simulation domain with its per-axis boundary kinds.
package geometry

import "math"

// Vec is a spatial vector. Storage is always three components; only the
// first Ndim of them are meaningful for a given simulation.
type Vec [3]float64

func (a Vec) Add(b Vec) Vec { return Vec{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec) Sub(b Vec) Vec { return Vec{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func (a Vec) Scale(s float64) Vec { return Vec{a[0] * s, a[1] * s, a[2] * s} }

// Dot computes the inner product over the first ndim components.
func (a Vec) Dot(b Vec, ndim int) float64 {
	s := 0.0
	for k := 0; k < ndim; k++ {
		s += a[k] * b[k]
	}
	return s
}

func (a Vec) NormSqd(ndim int) float64 { return a.Dot(a, ndim) }

func (a Vec) Norm(ndim int) float64 { return math.Sqrt(a.NormSqd(ndim)) }

// Box is an axis-aligned bounding box.
type Box struct {
	Min Vec
	Max Vec
}

// Overlap reports whether two boxes intersect in all of the first ndim axes.
func Overlap(ndim int, amin, amax, bmin, bmax Vec) bool {
	for k := 0; k < ndim; k++ {
		if amin[k] > bmax[k] || amax[k] < bmin[k] {
			return false
		}
	}
	return true
}

// GapSqd returns the squared distance from point p to the box, zero if the
// point lies inside.
func (b Box) GapSqd(ndim int, p Vec) float64 {
	s := 0.0
	for k := 0; k < ndim; k++ {
		if d := b.Min[k] - p[k]; d > 0 {
			s += d * d
		} else if d := p[k] - b.Max[k]; d > 0 {
			s += d * d
		}
	}
	return s
}

// Contains reports whether p lies inside the box on the first ndim axes.
func (b Box) Contains(ndim int, p Vec) bool {
	for k := 0; k < ndim; k++ {
		if p[k] < b.Min[k] || p[k] > b.Max[k] {
			return false
		}
	}
	return true
}

// BoundaryKind selects the behaviour of one face of the simulation domain.
type BoundaryKind int

const (
	BoundaryOpen BoundaryKind = iota
	BoundaryPeriodic
	BoundaryMirror
)

func (b BoundaryKind) String() string {
	switch b {
	case BoundaryOpen:
		return "open"
	case BoundaryPeriodic:
		return "periodic"
	case BoundaryMirror:
		return "mirror"
	}
	return "unknown"
}

// ParseBoundary maps a configuration string to a BoundaryKind.
func ParseBoundary(s string) (BoundaryKind, bool) {
	switch s {
	case "open", "":
		return BoundaryOpen, true
	case "periodic":
		return BoundaryPeriodic, true
	case "mirror":
		return BoundaryMirror, true
	}
	return BoundaryOpen, false
}

// DomainBox is the simulation domain with per-axis, per-side boundary kinds.
type DomainBox struct {
	Ndim     int
	Min, Max Vec
	Size     Vec
	Half     Vec
	LHS, RHS [3]BoundaryKind
}

// NewDomainBox derives the cached size/half-size fields.
func NewDomainBox(ndim int, min, max Vec, lhs, rhs [3]BoundaryKind) DomainBox {
	d := DomainBox{Ndim: ndim, Min: min, Max: max, LHS: lhs, RHS: rhs}
	for k := 0; k < 3; k++ {
		d.Size[k] = max[k] - min[k]
		d.Half[k] = 0.5 * d.Size[k]
	}
	return d
}

// AllOpen reports whether every enabled axis has open boundaries on both
// sides, in which case no ghost particles are ever required.
func (d DomainBox) AllOpen() bool {
	for k := 0; k < d.Ndim; k++ {
		if d.LHS[k] != BoundaryOpen || d.RHS[k] != BoundaryOpen {
			return false
		}
	}
	return true
}

// Axis k is periodic only if both of its faces are.
func (d DomainBox) Periodic(k int) bool {
	return d.LHS[k] == BoundaryPeriodic && d.RHS[k] == BoundaryPeriodic
}

// WrapPosition folds p back into the domain along periodic axes.
func (d DomainBox) WrapPosition(p Vec) Vec {
	for k := 0; k < d.Ndim; k++ {
		if !d.Periodic(k) {
			continue
		}
		for p[k] < d.Min[k] {
			p[k] += d.Size[k]
		}
		for p[k] >= d.Max[k] {
			p[k] -= d.Size[k]
		}
	}
	return p
}
