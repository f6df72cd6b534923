//go:build !noparallel

package ml

// parallelSupported reports whether trees may be trained on several
// goroutines. Builds tagged noparallel train on one worker only.
var parallelSupported = true
