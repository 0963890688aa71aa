package utils

import "strings"

// MaskSecret keeps the first four characters of credentials printed to the console.
func MaskSecret(s string) string {
	const keep = 4
	if len(s) <= keep*2 {
		return strings.Repeat("*", 8)
	}
	return s[:keep] + strings.Repeat("*", 8)
}
