package unwind

import (
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSystemUnwinder struct {
	mu           sync.Mutex
	registered   map[uint64]bool
	deregistered []uint64
	failRegister bool
}

func (f *fakeSystemUnwinder) Register(addr uint64, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRegister {
		return assert.AnError
	}
	if f.registered == nil {
		f.registered = make(map[uint64]bool)
	}
	f.registered[addr] = true
	return nil
}

func (f *fakeSystemUnwinder) Deregister(addr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, addr)
	f.deregistered = append(f.deregistered, addr)
	return nil
}

func ehFrameAt(base uint64, start, size uint64) []byte {
	b := newEHBuilder(base, peUData8)
	b.addFDE(start, size)
	b.terminate()
	return b.buf
}

func TestRegistrarRegisterAndFind(t *testing.T) {
	sys := &fakeSystemUnwinder{}
	g := NewRegistrar(log.NewNopLogger(), nil, sys)

	require.NoError(t, g.RegisterRange(ehFrameAt(0x100000, 0x1000, 0x100), 0x100000))
	require.NoError(t, g.RegisterRange(ehFrameAt(0x200000, 0x5000, 0x100), 0x200000))

	fde, ok := g.FindFDE(0x1080)
	require.True(t, ok)
	assert.Equal(t, uint64(0x100000), fde&^0xfffff)

	_, ok = g.FindFDE(0x5080)
	assert.True(t, ok)
	_, ok = g.FindFDE(0x4000)
	assert.False(t, ok)

	assert.True(t, sys.registered[0x100000])
	assert.True(t, sys.registered[0x200000])
}

func TestRegistrarDeregisterKeepsTables(t *testing.T) {
	sys := &fakeSystemUnwinder{}
	g := NewRegistrar(log.NewNopLogger(), nil, sys)
	require.NoError(t, g.RegisterRange(ehFrameAt(0x100000, 0x1000, 0x100), 0x100000))

	require.NoError(t, g.DeregisterRange(0x100000))
	assert.Equal(t, []uint64{0x100000}, sys.deregistered)
	assert.False(t, sys.registered[0x100000])

	// The side table survives deregistration; old samples still
	// resolve.
	_, ok := g.FindFDE(0x1080)
	assert.True(t, ok)
}

func TestRegistrarBadEHFrame(t *testing.T) {
	g := NewRegistrar(log.NewNopLogger(), nil, nil)
	err := g.RegisterRange([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 0)
	assert.Error(t, err)
	_, ok := g.FindFDE(0x1000)
	assert.False(t, ok)
}

func TestRegistrarSystemFailureKeepsTable(t *testing.T) {
	sys := &fakeSystemUnwinder{failRegister: true}
	g := NewRegistrar(log.NewNopLogger(), nil, sys)
	require.NoError(t, g.RegisterRange(ehFrameAt(0x100000, 0x1000, 0x100), 0x100000))
	_, ok := g.FindFDE(0x1080)
	assert.True(t, ok)
}
