//go:build !qconvdebug

package geometry

const boundsChecks = false
