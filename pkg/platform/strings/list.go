// Package strings parses list-valued settings such as KAFKA_BROKERS.
package strings

import (
	"strings"
)

// SplitList splits v on sep, trims each entry and drops blanks and repeats.
// The first occurrence keeps its position. Nil is returned when nothing is
// left, so an unset variable and a list of separators read the same.
func SplitList(v, sep string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(v, sep) {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}
