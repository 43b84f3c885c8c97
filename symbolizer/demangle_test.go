package symbolizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDemangleJIT(t *testing.T) {
	for _, tc := range []struct {
		in    string
		out   string
		isJIT bool
	}{
		{"jit_sum_123", "sum", true},
		{"japi_print_7", "print", true},
		{"jcc_callback_42", "callback", true},
		{"jspec_map_9001", "map", true},
		{"jsys_start_1", "start", true},
		{"jit_outer_inner_55", "outer_inner", true},

		// No prefix, wrong prefix, or malformed suffix pass through.
		{"memcpy", "memcpy", false},
		{"jitter_5", "jitter_5", false},
		{"jit_nosuffix", "jit_nosuffix", false},
		{"jit_trailing_", "jit_trailing_", false},
		{"jit_123", "jit_123", false},
		{"jit_", "jit_", false},
	} {
		got, isJIT := DemangleJIT(tc.in)
		assert.Equal(t, tc.out, got, tc.in)
		assert.Equal(t, tc.isJIT, isJIT, tc.in)
	}
}

func TestDemangleForeign(t *testing.T) {
	assert.Equal(t, "foo", DemangleForeign("_Z3fooi"))
	assert.Equal(t, "ns::example", DemangleForeign("_ZN2ns7exampleEv"))
	assert.Equal(t, "plain_c_name", DemangleForeign("plain_c_name"))
}
