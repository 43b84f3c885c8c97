package registry

import (
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jitsym/jitsym/internal/testelf"
)

func newTestRegistry() *Registry {
	return New(log.NewNopLogger(), nil)
}

func singleSectionObject() []byte {
	return testelf.Build(
		[]testelf.Section{
			{Name: ".text", Addr: 0x0, Data: make([]byte, 0x200), Exec: true},
		},
		[]testelf.Symbol{
			{Name: "jit_sum_123", Addr: 0x0, Size: 0x80, Section: ".text"},
			{Name: "jit_mul_124", Addr: 0x80, Size: 0x80, Section: ".text"},
		},
	)
}

func loadAt(base uint64) func(string) (uint64, bool) {
	return func(name string) (uint64, bool) {
		if name == ".text" {
			return base, true
		}
		return 0, false
	}
}

func TestRegisterAndFindSection(t *testing.T) {
	r := newTestRegistry()
	r.RegisterObject(singleSectionObject(), loadAt(0x7f0000001000))

	ref, ok := r.FindSection(0x7f0000001010)
	require.True(t, ok)
	assert.Equal(t, uint64(0x7f0000001000), ref.Entry.LoadAddr)
	assert.Equal(t, uint64(0x200), ref.Entry.Size)
	assert.Equal(t, int64(0)-int64(0x7f0000001000), ref.Entry.Slide)
	require.NotNil(t, ref.File)
	require.Len(t, ref.Symbols, 2)

	// Last byte in range, first byte out.
	_, ok = r.FindSection(0x7f00000011ff)
	assert.True(t, ok)
	_, ok = r.FindSection(0x7f0000001200)
	assert.False(t, ok)
	_, ok = r.FindSection(0x7f0000000fff)
	assert.False(t, ok)
}

func TestFindSectionEmpty(t *testing.T) {
	r := newTestRegistry()
	_, ok := r.FindSection(0x1000)
	assert.False(t, ok)
	assert.Zero(t, r.UnwindLookup(0x1000))
	assert.Nil(t, r.LookupCodeInstance(0x1000))
}

func TestRegisterIgnoresNonCode(t *testing.T) {
	r := newTestRegistry()
	data := testelf.Build(
		[]testelf.Section{{Name: ".rodata", Addr: 0, Data: make([]byte, 64)}},
		nil,
	)
	r.RegisterObject(data, loadAt(0x5000))
	_, ok := r.FindSection(0x5000)
	assert.False(t, ok)
}

func TestRegisterRejectsGarbage(t *testing.T) {
	r := newTestRegistry()
	r.RegisterObject([]byte("not an object"), loadAt(0x5000))
	_, ok := r.FindSection(0x5000)
	assert.False(t, ok)
}

func TestMultipleObjectsPredecessorSearch(t *testing.T) {
	r := newTestRegistry()
	// Registered out of address order on purpose.
	r.RegisterObject(singleSectionObject(), loadAt(0x30000))
	r.RegisterObject(singleSectionObject(), loadAt(0x10000))
	r.RegisterObject(singleSectionObject(), loadAt(0x20000))

	for _, base := range []uint64{0x10000, 0x20000, 0x30000} {
		ref, ok := r.FindSection(base + 0x100)
		require.True(t, ok, "base %#x", base)
		assert.Equal(t, base, ref.Entry.LoadAddr)
	}
	// Gap between ranges.
	_, ok := r.FindSection(0x10200)
	assert.False(t, ok)

	// Distinct objects back each registration.
	a, _ := r.FindSection(0x10000)
	b, _ := r.FindSection(0x20000)
	assert.NotSame(t, a.Entry.Object, b.Entry.Object)
}

func TestPendingCodeInstanceConsumed(t *testing.T) {
	r := newTestRegistry()
	instSum := "instance-sum"
	instMul := "instance-mul"
	r.AddCodeInFlight("jit_sum_123", instSum)
	r.AddCodeInFlight("jit_mul_124", instMul)
	r.AddCodeInFlight("jit_unused_999", "never-emitted")

	r.RegisterObject(singleSectionObject(), loadAt(0x10000))

	assert.Equal(t, instSum, r.LookupCodeInstance(0x10000))
	assert.Equal(t, instSum, r.LookupCodeInstance(0x1007f))
	assert.Equal(t, instMul, r.LookupCodeInstance(0x10080))
	assert.Nil(t, r.LookupCodeInstance(0x10100)) // past both functions
	assert.Nil(t, r.LookupCodeInstance(0x0ffff))

	// Bindings are consumed, not reused by later objects.
	r.RegisterObject(singleSectionObject(), loadAt(0x20000))
	assert.Nil(t, r.LookupCodeInstance(0x20000))
}

func TestUnwindLookup(t *testing.T) {
	r := newTestRegistry()
	r.RegisterObject(singleSectionObject(), loadAt(0x40000))
	assert.Equal(t, uint64(0x40000), r.UnwindLookup(0x40000))
	assert.Equal(t, uint64(0x40000), r.UnwindLookup(0x401ff))
	assert.Zero(t, r.UnwindLookup(0x40200))
}

func TestImageInfo(t *testing.T) {
	r := newTestRegistry()
	info := ImageInfo{
		FuncPointers: []uint64{0x100, 0x200},
		Instances:    []any{"a", "b"},
		Clones:       []CloneEntry{{Addr: 0x300, Index: 1}},
	}
	r.RegisterImage(0x1000, info)

	got, ok := r.ImageInfoAt(0x1000)
	require.True(t, ok)
	assert.Equal(t, "a", got.InstanceForEntry(0x100))
	assert.Equal(t, "b", got.InstanceForEntry(0x200))
	// Clone entry resolves to its primary's instance.
	assert.Equal(t, "b", got.InstanceForEntry(0x300))
	assert.Nil(t, got.InstanceForEntry(0x400))
	assert.Nil(t, got.InstanceForEntry(0))

	_, ok = r.ImageInfoAt(0x2000)
	assert.False(t, ok)
}

func TestConcurrentRegisterAndLookup(t *testing.T) {
	r := newTestRegistry()
	data := singleSectionObject()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				base := uint64(0x100000 * (i*50 + j + 1))
				r.RegisterObject(data, loadAt(base))
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 2000; j++ {
				addr := uint64(0x100000 * (j%200 + 1))
				if ref, ok := r.FindSection(addr); ok {
					assert.Equal(t, addr, ref.Entry.LoadAddr)
				}
				r.UnwindLookup(addr)
			}
		}()
	}
	wg.Wait()

	// Every registration must be resolvable afterwards.
	for k := 1; k <= 200; k++ {
		ref, ok := r.FindSection(uint64(0x100000 * k))
		require.True(t, ok, "object %d", k)
		assert.Equal(t, uint64(0x100000*k), ref.Entry.LoadAddr)
	}
}
