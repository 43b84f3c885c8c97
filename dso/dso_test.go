package dso

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/jitsym/jitsym/internal/testelf"
	"github.com/jitsym/jitsym/objfile"
)

const libBase = 0x7f0000000000

func buildLib(syms []testelf.Symbol, extra ...testelf.Section) []byte {
	sections := append([]testelf.Section{
		{Name: ".text", Addr: 0x1000, Data: make([]byte, 0x1000), Exec: true},
	}, extra...)
	return testelf.Build(sections, syms)
}

func writeLib(t *testing.T, root, path string, data []byte) {
	t.Helper()
	full := filepath.Join(root, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func newTestResolver(t *testing.T, root string, end uint64) *Resolver {
	t.Helper()
	return NewResolver(log.NewNopLogger(), nil, &StaticResolver{
		Modules: []StaticModule{{
			Module: Module{Path: "/lib/libfoo.so", Base: libBase},
			End:    end,
		}},
	}, root)
}

func TestLookupSymbol(t *testing.T) {
	root := t.TempDir()
	writeLib(t, root, "/lib/libfoo.so", buildLib([]testelf.Symbol{
		{Name: "_Z3fooi", Addr: 0x1000, Size: 0x100, Section: ".text"},
		{Name: "plain_c", Addr: 0x1100, Size: 0x100, Section: ".text"},
	}))
	r := newTestResolver(t, root, libBase+0x10000)

	frames, mod, ok := r.Lookup(libBase+0x1040, true)
	require.True(t, ok)
	assert.Equal(t, "/lib/libfoo.so", mod.Path)
	require.Len(t, frames, 1)
	assert.Equal(t, "foo", frames[0].Func)
	assert.True(t, frames[0].FromNative)

	frames, _, ok = r.Lookup(libBase+0x1100, true)
	require.True(t, ok)
	assert.Equal(t, "plain_c", frames[0].Func)

	// Covered by the module but between symbols.
	frames, _, ok = r.Lookup(libBase+0x1500, true)
	require.True(t, ok)
	assert.Empty(t, frames[0].Func)
}

func TestLookupMiss(t *testing.T) {
	r := newTestResolver(t, t.TempDir(), libBase+0x10000)
	_, _, ok := r.Lookup(0xdead, true)
	assert.False(t, ok)
}

func TestLookupUnreadableModuleCachedOnce(t *testing.T) {
	root := t.TempDir() // no file written
	r := newTestResolver(t, root, libBase+0x10000)

	// The module is known even though its file cannot be read, so the
	// result degrades to a bare native frame rather than a miss.
	frames, mod, ok := r.Lookup(libBase+0x1000, true)
	require.True(t, ok)
	assert.Equal(t, "/lib/libfoo.so", mod.Path)
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].Func)
	assert.True(t, frames[0].FromNative)

	// Second lookup hits the cached nil entry; no second load attempt.
	frames, _, ok = r.Lookup(libBase+0x1000, true)
	require.True(t, ok)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].FromNative)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.LoadErrors))
}

func TestModuleSymbolHint(t *testing.T) {
	hinted := func(root string) *Resolver {
		return NewResolver(log.NewNopLogger(), nil, &StaticResolver{
			Modules: []StaticModule{{
				Module: Module{
					Path:   "/lib/libfoo.so",
					Base:   libBase,
					Symbol: ModuleSymbol{Name: "_Z4hintv", Addr: libBase + 0x1300},
				},
				End: libBase + 0x10000,
			}},
		}, root)
	}

	t.Run("symbol table wins", func(t *testing.T) {
		root := t.TempDir()
		writeLib(t, root, "/lib/libfoo.so", buildLib([]testelf.Symbol{
			{Name: "known_sym", Addr: 0x1000, Size: 0x100, Section: ".text"},
		}))
		frames, _, ok := hinted(root).Lookup(libBase+0x1040, true)
		require.True(t, ok)
		assert.Equal(t, "known_sym", frames[0].Func)
	})

	t.Run("hint is the last resort", func(t *testing.T) {
		root := t.TempDir()
		writeLib(t, root, "/lib/libfoo.so", buildLib([]testelf.Symbol{
			{Name: "known_sym", Addr: 0x1000, Size: 0x100, Section: ".text"},
		}))
		// Past the hint's address and between symbols.
		frames, _, ok := hinted(root).Lookup(libBase+0x1340, true)
		require.True(t, ok)
		assert.Equal(t, "hint", frames[0].Func)
		assert.True(t, frames[0].FromNative)
	})

	t.Run("hint below its own address is ignored", func(t *testing.T) {
		root := t.TempDir()
		writeLib(t, root, "/lib/libfoo.so", buildLib(nil))
		frames, _, ok := hinted(root).Lookup(libBase+0x1040, true)
		require.True(t, ok)
		assert.Empty(t, frames[0].Func)
	})

	t.Run("hint survives an unreadable module", func(t *testing.T) {
		frames, _, ok := hinted(t.TempDir()).Lookup(libBase+0x1340, true)
		require.True(t, ok)
		require.Len(t, frames, 1)
		assert.Equal(t, "hint", frames[0].Func)
	})
}

func TestDebugLinkCompanion(t *testing.T) {
	companion := buildLib([]testelf.Symbol{
		{Name: "real_name", Addr: 0x1000, Size: 0x100, Section: ".text"},
	})

	makeRoot := func(t *testing.T, crc uint32) string {
		root := t.TempDir()
		link := []byte("libfoo.so.debug\x00")
		for len(link)%4 != 0 {
			link = append(link, 0)
		}
		link = binary.LittleEndian.AppendUint32(link, crc)
		writeLib(t, root, "/lib/libfoo.so", buildLib([]testelf.Symbol{
			{Name: "stripped_marker", Addr: 0x1000, Size: 0x100, Section: ".text"},
		}, testelf.Section{Name: ".gnu_debuglink", Data: link}))
		writeLib(t, root, "/lib/libfoo.so.debug", companion)
		return root
	}

	t.Run("crc match", func(t *testing.T) {
		root := makeRoot(t, objfile.DebugLinkCRC(companion))
		r := newTestResolver(t, root, libBase+0x10000)
		frames, _, ok := r.Lookup(libBase+0x1040, true)
		require.True(t, ok)
		assert.Equal(t, "real_name", frames[0].Func)
	})

	t.Run("crc mismatch falls back", func(t *testing.T) {
		root := makeRoot(t, 0xbadbad)
		r := newTestResolver(t, root, libBase+0x10000)
		frames, _, ok := r.Lookup(libBase+0x1040, true)
		require.True(t, ok)
		assert.Equal(t, "stripped_marker", frames[0].Func)
	})

	t.Run("dotdebug subdirectory", func(t *testing.T) {
		root := makeRoot(t, objfile.DebugLinkCRC(companion))
		// Move the companion into /lib/.debug/.
		require.NoError(t, os.Remove(filepath.Join(root, "/lib/libfoo.so.debug")))
		writeLib(t, root, "/lib/.debug/libfoo.so.debug", companion)
		r := newTestResolver(t, root, libBase+0x10000)
		frames, _, ok := r.Lookup(libBase+0x1040, true)
		require.True(t, ok)
		assert.Equal(t, "real_name", frames[0].Func)
	})

	t.Run("global debug directory", func(t *testing.T) {
		root := makeRoot(t, objfile.DebugLinkCRC(companion))
		require.NoError(t, os.Remove(filepath.Join(root, "/lib/libfoo.so.debug")))
		writeLib(t, root, "/usr/lib/debug/lib/libfoo.so.debug", companion)
		r := newTestResolver(t, root, libBase+0x10000)
		frames, _, ok := r.Lookup(libBase+0x1040, true)
		require.True(t, ok)
		assert.Equal(t, "real_name", frames[0].Func)
	})
}

func TestBuildIDCompanion(t *testing.T) {
	id := bytes.Repeat([]byte{0xab}, 20)
	note := make([]byte, 0, 36)
	note = binary.LittleEndian.AppendUint32(note, 4)
	note = binary.LittleEndian.AppendUint32(note, 20)
	note = binary.LittleEndian.AppendUint32(note, 3)
	note = append(note, 'G', 'N', 'U', 0)
	note = append(note, id...)

	root := t.TempDir()
	writeLib(t, root, "/lib/libfoo.so", buildLib([]testelf.Symbol{
		{Name: "stripped_marker", Addr: 0x1000, Size: 0x100, Section: ".text"},
	}, testelf.Section{Name: ".note.gnu.build-id", Data: note}))
	hexID := strings.Repeat("ab", 20)
	writeLib(t, root, filepath.Join("/usr/lib/debug/.build-id", hexID[:2], hexID[2:]+".debug"),
		buildLib([]testelf.Symbol{
			{Name: "from_build_id", Addr: 0x1000, Size: 0x100, Section: ".text"},
		}))

	r := newTestResolver(t, root, libBase+0x10000)
	frames, _, ok := r.Lookup(libBase+0x1040, true)
	require.True(t, ok)
	assert.Equal(t, "from_build_id", frames[0].Func)
}

func TestMinidebug(t *testing.T) {
	inner := buildLib([]testelf.Symbol{
		{Name: "mini_symbol", Addr: 0x1000, Size: 0x100, Section: ".text"},
	})
	var packed bytes.Buffer
	w, err := xz.NewWriter(&packed)
	require.NoError(t, err)
	_, err = w.Write(inner)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	root := t.TempDir()
	// The outer binary is fully stripped; only minidebug has symbols.
	writeLib(t, root, "/lib/libfoo.so", buildLib(nil,
		testelf.Section{Name: ".gnu_debugdata", Data: packed.Bytes()}))

	r := newTestResolver(t, root, libBase+0x10000)
	frames, _, ok := r.Lookup(libBase+0x1040, true)
	require.True(t, ok)
	assert.Equal(t, "mini_symbol", frames[0].Func)
}

func TestProcResolver(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	pr, err := NewProcResolver()
	require.NoError(t, err)

	// The null page is never mapped.
	_, ok := pr.Resolve(0)
	assert.False(t, ok)

	// The test binary's own code must resolve to an executable module.
	pc := uint64(reflectPC())
	mod, ok := pr.Resolve(pc)
	if ok {
		assert.NotEmpty(t, mod.Path)
		assert.LessOrEqual(t, mod.Base, pc)
	}
}

func reflectPC() uintptr {
	pc, _, _, _ := runtime.Caller(0)
	return pc
}
