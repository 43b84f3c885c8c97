// Package sigsafe provides a mutex that may be shared between regular
// threads and a profiling signal handler.
//
// A signal arriving while the interrupted thread holds an ordinary mutex
// self-deadlocks if the handler tries to take the same mutex. Lock
// therefore blocks signal delivery on the calling thread for the whole
// critical section. Work done under the lock must be bounded: no I/O, no
// blocking on other locks, no unbounded allocation.
package sigsafe

import (
	"runtime"
	"sync"
)

// Lock is the registry-wide leaf lock. It protects the address indexes,
// the pending code bindings and the debug-info query path.
type Lock struct {
	mu sync.Mutex
}

// Token carries the signal mask saved by Acquire. It must be passed back
// to Release on the same goroutine.
type Token struct {
	oldmask sigmask
}

// Acquire blocks signals on the current thread, pins the goroutine to it
// and takes the lock.
func (l *Lock) Acquire() Token {
	runtime.LockOSThread()
	old := blockSignals()
	l.mu.Lock()
	return Token{oldmask: old}
}

// Release unlocks and restores the signal mask saved by the matching
// Acquire.
func (l *Lock) Release(t Token) {
	l.mu.Unlock()
	restoreSignals(t.oldmask)
	runtime.UnlockOSThread()
}

// With runs f under the lock.
func (l *Lock) With(f func()) {
	t := l.Acquire()
	defer l.Release(t)
	f()
}
