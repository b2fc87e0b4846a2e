package utils

import (
	"strings"
)

// NormalizeAddress lower-cases hex addresses and hashes so that fingerprints and
// lookups do not depend on checksum casing.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func Dedup(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range in {
		e = NormalizeAddress(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
