package jitsym

import (
	"flag"

	"github.com/pkg/errors"
)

// Config controls the symbolication service.
type Config struct {
	// ExpandInline emits one frame per inlined call instead of only
	// the concrete function.
	ExpandInline bool `yaml:"expand_inline"`
	// SkipNative suppresses symbolication of frames outside JIT code;
	// they are reported as bare native frames.
	SkipNative bool `yaml:"skip_native"`
	// FrameCacheSize bounds the per-address frame cache. Zero disables
	// caching.
	FrameCacheSize int `yaml:"frame_cache_size"`
	// DebugFileRoot is prepended to every binary and debug-file path
	// opened during native symbolication. Empty means the live
	// filesystem.
	DebugFileRoot string `yaml:"debug_file_root"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.RegisterFlagsWithPrefix("", f)
}

func (c *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.BoolVar(&c.ExpandInline, prefix+"symbolizer.expand-inline", true, "Emit one frame per inlined call.")
	f.BoolVar(&c.SkipNative, prefix+"symbolizer.skip-native", false, "Do not symbolicate native (non-JIT) frames.")
	f.IntVar(&c.FrameCacheSize, prefix+"symbolizer.frame-cache-size", 4096, "Addresses kept in the symbolication cache. 0 disables.")
	f.StringVar(&c.DebugFileRoot, prefix+"symbolizer.debug-file-root", "", "Root directory for native binaries and debug files.")
}

func (c *Config) Validate() error {
	if c.FrameCacheSize < 0 {
		return errors.New("frame cache size must not be negative")
	}
	return nil
}
