package sigsafe

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockMutualExclusion(t *testing.T) {
	var l Lock
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tok := l.Acquire()
				counter++
				l.Release(tok)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, counter)
}

func TestWith(t *testing.T) {
	var l Lock
	ran := false
	l.With(func() { ran = true })
	assert.True(t, ran)

	// Reacquirable afterwards.
	tok := l.Acquire()
	l.Release(tok)
}

func TestMaskRestored(t *testing.T) {
	var l Lock
	// Nested acquire/release cycles must leave the thread usable; a
	// leaked mask would wedge the goroutine's timer signals and hang
	// the channel send below.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.With(func() {})
		}
		close(done)
	}()
	<-done
}
