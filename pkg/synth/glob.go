// Shell-style glob patterns for link_from_context
// Translated to anchored regular expressions once at load time
package synth

import (
	"regexp"
	"strings"
)

// compileGlob translates a shell-style pattern into an anchored regexp.
// '*' matches any run of characters (including '/' and '.'), '?' matches one
// character, and [...] is a character class where a leading '!' negates it.
// An unterminated '[' is matched literally.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")

	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			end := classEnd(pattern, i+1)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : end]
			b.WriteString("[")
			if strings.HasPrefix(class, "!") {
				b.WriteString("^")
				class = class[1:]
			} else if strings.HasPrefix(class, "^") {
				b.WriteString(`\`)
			}
			b.WriteString(strings.ReplaceAll(class, `\`, `\\`))
			b.WriteString("]")
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
		}
	}

	b.WriteString("$")
	return regexp.Compile(b.String())
}

// classEnd returns the index of the ']' closing a class that opens just before
// start, or -1. A ']' immediately after the opening (or after '!') is literal.
func classEnd(pattern string, start int) int {
	j := start
	if j < len(pattern) && pattern[j] == '!' {
		j++
	}
	if j < len(pattern) && pattern[j] == ']' {
		j++
	}
	for ; j < len(pattern); j++ {
		if pattern[j] == ']' {
			return j
		}
	}
	return -1
}
