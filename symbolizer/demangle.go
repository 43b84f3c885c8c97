package symbolizer

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// The JIT prefixes emitted symbols with a calling-convention tag and
// suffixes them with a numeric specialization id, e.g.
// "jit_sum_1234". Both are stripped for display; names that do not
// follow the scheme belong to foreign code and pass through unchanged.
var jitPrefixes = [...]string{"jit_", "japi_", "jcc_", "jspec_", "jsys_"}

// DemangleJIT strips the calling-convention prefix and the trailing
// "_<digits>" specialization suffix from a JIT symbol name. The second
// result reports whether the name followed the JIT scheme.
func DemangleJIT(name string) (string, bool) {
	rest := ""
	for _, p := range jitPrefixes {
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			rest = name[len(p):]
			break
		}
	}
	if rest == "" {
		return name, false
	}
	i := len(rest) - 1
	for i >= 0 && rest[i] >= '0' && rest[i] <= '9' {
		i--
	}
	if i < 0 || i == len(rest)-1 || rest[i] != '_' || i == 0 {
		return name, false
	}
	return rest[:i], true
}

// DemangleForeign prettifies a foreign (Itanium C++ / Rust) mangled
// name for display. Unmangled names are returned unchanged.
func DemangleForeign(name string) string {
	return demangle.Filter(name, demangle.NoParams, demangle.NoTemplateParams)
}
