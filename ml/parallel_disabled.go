//go:build noparallel

package ml

var parallelSupported = false
