package surface

import (
	"fmt"
	"regexp"
	"strings"
)

// TextPattern converts a Control.Text pattern into the source and flags of
// a JavaScript RegExp, which is what a browser surface matches with.
//
// Patterns use Go regexp syntax restricted to what both engines read the
// same way. A leading flag group such as (?i) becomes RegExp flags and
// (?P<name>...) becomes (?<name>...). Go-only constructs (\A, \z, \Q...\E,
// POSIX classes, inline flags after the start, the U flag) are rejected.
// The u flag is always set so \p{...} classes and non-ASCII text behave as
// in Go.
func TextPattern(p string) (source, flags string, err error) {
	if _, err := regexp.Compile(p); err != nil {
		return "", "", err
	}

	flags = "u"
	if strings.HasPrefix(p, "(?") {
		if end := strings.IndexByte(p, ')'); end > 2 && isFlagSet(p[2:end]) {
			for _, f := range p[2:end] {
				if f == 'U' {
					return "", "", fmt.Errorf("flag U has no JavaScript equivalent")
				}
				flags += string(f)
			}
			p = p[end+1:]
		}
	}

	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '\\' && i+1 < len(p) {
			switch p[i+1] {
			case 'A', 'z', 'Q', 'E':
				return "", "", fmt.Errorf(`\%c is not supported, use ^ or $ and plain escapes`, p[i+1])
			}
			b.WriteByte(c)
			b.WriteByte(p[i+1])
			i++
			continue
		}
		if strings.HasPrefix(p[i:], "[[:") || strings.HasPrefix(p[i:], "[^[:") {
			return "", "", fmt.Errorf("POSIX character classes are not supported")
		}
		if strings.HasPrefix(p[i:], "(?P<") {
			b.WriteString("(?<")
			i += 3
			continue
		}
		if strings.HasPrefix(p[i:], "(?") && i+2 < len(p) && !strings.ContainsRune(":=!<", rune(p[i+2])) {
			return "", "", fmt.Errorf("inline flags are only supported at the start of the pattern")
		}
		b.WriteByte(c)
	}
	return b.String(), flags, nil
}

func isFlagSet(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("imsU", r) {
			return false
		}
	}
	return true
}
