//go:build qconvdebug

package geometry

// Built with -tags qconvdebug, Shape.Index panics on out-of-range coordinates.
const boundsChecks = true
