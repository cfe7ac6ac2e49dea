package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileGlob(t *testing.T) {
	testCases := []struct {
		pattern string
		key     string
		match   bool
	}{
		{"course:123:*", "course:123:a1", true},
		{"course:123:*", "course:1234:a1", false},
		{"course:123:*", "course:123:", true},
		{"*", "anything", true},
		{"*", "", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"exact", "inexact", false},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abcd", false},
		{"a*b*c", "a-x-b-y-c", true},
		// regexp metacharacters in keys and patterns are literal
		{"course.123:*", "course.123:a", true},
		{"course.123:*", "courseX123:a", false},
		{"k[1]", "k[1]", true},
		{"k(1)", "k(1)", true},
		// a literal `*` in a key is only reachable through a wildcard
		{"k*", "k*", true},
	}
	for _, tc := range testCases {
		t.Run(tc.pattern+"/"+tc.key, func(t *testing.T) {
			re, err := compileGlob(tc.pattern)
			require.NoError(t, err)
			require.Equal(t, tc.match, re.MatchString(tc.key))
		})
	}
}
