// Package postcode normalizes UK postcodes into the canonical join key used
// across the reference and transaction tables.
package postcode

import "strings"

// Normalize converts a raw postcode into its canonical form: trimmed,
// uppercased, with all internal whitespace removed. "ec1a 1bb" and "EC1A1BB"
// both normalize to "EC1A1BB". Normalizing an already-normalized postcode is
// a no-op. Returns "" for a blank input.
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !strings.ContainsAny(s, " \t") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
