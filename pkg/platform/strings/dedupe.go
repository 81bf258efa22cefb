// Package strings parses comma-separated lists from query strings and
// environment variables.
package strings

import (
	"strings"
)

// SplitList splits every value on commas, trims each part and drops empty
// and repeated parts. Order of first appearance is kept; nil is returned
// when nothing remains.
//
// Example:
//
//	SplitList("a, b", "b,,c")
//	// Returns: []string{"a", "b", "c"}
func SplitList(values ...string) []string {
	return split(values, false)
}

// SplitListLower is SplitList with each part lower-cased, for
// case-insensitive enums such as operation names.
func SplitListLower(values ...string) []string {
	return split(values, true)
}

func split(values []string, lower bool) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if lower {
				part = strings.ToLower(part)
			}
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}
