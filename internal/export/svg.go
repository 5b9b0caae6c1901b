// Package export renders stored snapshots to standalone files.
package export

import (
	"fmt"
	"math"
	"strings"

	"github.com/smhr/gandalf/internal/storage"
)

// SnapshotSVG renders a particle snapshot as an SVG scatter plot.
// 2-d and 3-d snapshots are projected onto the x-y plane; 1-d
// snapshots are drawn in the x-vx phase plane. Dot area tracks the
// smoothing length, dot brightness the density.
func SnapshotSVG(snap *storage.Snapshot, width, height int) string {
	if snap == nil || len(snap.R) == 0 {
		return ""
	}

	xs := make([]float64, len(snap.R))
	ys := make([]float64, len(snap.R))
	for i := range snap.R {
		xs[i] = snap.R[i][0]
		if snap.Ndim == 1 {
			ys[i] = snap.V[i][0]
		} else {
			ys[i] = snap.R[i][1]
		}
	}

	minX, maxX := bounds(xs)
	minY, maxY := bounds(ys)
	rangeX := maxX - minX
	rangeY := maxY - minY
	if rangeX == 0 {
		rangeX = 1
	}
	if rangeY == 0 {
		rangeY = 1
	}
	minX -= rangeX * 0.05
	minY -= rangeY * 0.05
	rangeX *= 1.1
	rangeY *= 1.1

	hmax := 0.0
	rhomax := 0.0
	for i := range snap.H {
		hmax = math.Max(hmax, snap.H[i])
		rhomax = math.Max(rhomax, snap.Rho[i])
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">
<rect width="100%%" height="100%%" fill="#0a0a0a"/>
<g fill="#00ff00">
`, width, height, width, height))

	for i := range xs {
		cx := (xs[i] - minX) / rangeX * float64(width)
		cy := float64(height) - (ys[i]-minY)/rangeY*float64(height)

		r := 1.5
		if hmax > 0 {
			r = 1.0 + 2.5*snap.H[i]/hmax
		}
		opacity := 1.0
		if rhomax > 0 {
			opacity = 0.25 + 0.75*snap.Rho[i]/rhomax
		}
		sb.WriteString(fmt.Sprintf(`<circle cx="%.1f" cy="%.1f" r="%.1f" fill-opacity="%.2f"/>
`, cx, cy, r, opacity))
	}

	sb.WriteString("</g>\n</svg>")
	return sb.String()
}

func bounds(vs []float64) (lo, hi float64) {
	lo, hi = vs[0], vs[0]
	for _, v := range vs {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
