// Package analysis post-processes stored particle snapshots.
//
// The tools here characterise the mass distribution of a finished run:
//
//   - [RadialProfile]: shell-averaged density about the centre of mass
//   - [LagrangianRadii]: radii enclosing given mass fractions
//   - [VelocityDispersion]: rms velocity about the mass-weighted mean
//
// All of them operate on [storage.Snapshot] values, so a run can be
// analysed long after the simulation process has exited.
package analysis
