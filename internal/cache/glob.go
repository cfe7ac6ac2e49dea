package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// compileGlob turns a wildcard pattern into an anchored regexp. Only `*` is
// special and matches any run of characters, including none; everything else
// is matched literally. A key containing a literal `*` cannot be addressed
// individually by a pattern, only matched by a wildcard.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, part := range strings.Split(pattern, "*") {
		if sb.Len() > 1 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("compiling glob %q: %w", pattern, err)
	}
	return re, nil
}
