// Package tokens provides the coarse token accounting used when assembling
// agent context bundles. The estimate is characters divided by four, rounded
// up, which tracks close enough to real tokenizers for budgeting purposes.
package tokens

const truncationMarker = "... [truncated]"

// Estimate returns the estimated token count for s.
func Estimate(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// Truncate shortens s so its token estimate fits within maxTokens, appending
// a truncation marker. Strings already within budget are returned unchanged.
func Truncate(s string, maxTokens int) string {
	if maxTokens <= 0 {
		return truncationMarker
	}
	if Estimate(s) <= maxTokens {
		return s
	}
	keep := maxTokens * 4
	if keep > len(s) {
		keep = len(s)
	}
	return s[:keep] + truncationMarker
}
