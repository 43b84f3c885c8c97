//go:build !linux

package sigsafe

// Platforms without pthread_sigmask support in x/sys (or where the
// system delivers profiling interrupts differently, like Windows APCs)
// fall back to plain mutual exclusion.

type sigmask = struct{}

func blockSignals() sigmask { return sigmask{} }

func restoreSignals(_ sigmask) {}
