// Tests for shell-style glob translation used by link_from_context
package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileGlob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		match   []string
		noMatch []string
	}{
		{
			pattern: "k",
			match:   []string{"k"},
			noMatch: []string{"kk", "xk", ""},
		},
		{
			pattern: "session-*",
			match:   []string{"session-", "session-user-1", "session-a/b.c"},
			noMatch: []string{"sessions-1", "xsession-1"},
		},
		{
			pattern: "order-??",
			match:   []string{"order-12", "order-ab"},
			noMatch: []string{"order-1", "order-123"},
		},
		{
			pattern: "node-[0-9]",
			match:   []string{"node-0", "node-7"},
			noMatch: []string{"node-a", "node-10"},
		},
		{
			pattern: "node-[!0-9]",
			match:   []string{"node-a"},
			noMatch: []string{"node-3"},
		},
		{
			pattern: "a.b+(c)",
			match:   []string{"a.b+(c)"},
			noMatch: []string{"axb+(c)", "a.bb(c)"},
		},
		{
			pattern: "open[bracket",
			match:   []string{"open[bracket"},
			noMatch: []string{"openbbracket"},
		},
		{
			pattern: "[]x]",
			match:   []string{"]", "x"},
			noMatch: []string{"y"},
		},
		{
			pattern: "café-*",
			match:   []string{"café-1"},
			noMatch: []string{"cafe-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			t.Parallel()
			re, err := compileGlob(tt.pattern)
			require.NoError(t, err)
			for _, s := range tt.match {
				assert.True(t, re.MatchString(s), "%q should match %q", tt.pattern, s)
			}
			for _, s := range tt.noMatch {
				assert.False(t, re.MatchString(s), "%q should not match %q", tt.pattern, s)
			}
		})
	}
}
