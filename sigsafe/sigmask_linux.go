//go:build linux

package sigsafe

import "golang.org/x/sys/unix"

type sigmask = unix.Sigset_t

func blockSignals() sigmask {
	var all, old unix.Sigset_t
	for i := range all.Val {
		all.Val[i] = ^uint64(0)
	}
	// Best effort: a failure leaves delivery enabled, which only costs
	// the self-deadlock protection, not correctness of the lock itself.
	_ = unix.PthreadSigmask(unix.SIG_SETMASK, &all, &old)
	return old
}

func restoreSignals(old sigmask) {
	_ = unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)
}
