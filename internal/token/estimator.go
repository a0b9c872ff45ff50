// Package token provides the heuristic token estimator used for context
// window accounting. The estimate is deliberately approximate: selection
// and compaction need a cheap, reproducible cost function, not tokenizer
// parity with any particular model.
package token

import "loom/pkg/loomtypes"

// CharsPerToken is the fixed approximation ratio. English prose averages
// roughly four bytes per token under common BPE tokenizers.
const CharsPerToken = 4

// Estimate returns the approximate token count for text. It is
// deterministic and monotonic in byte length: a strict superstring never
// estimates fewer tokens than its substring. Rounds up so short non-empty
// strings cost at least one token.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// EstimateTurns sums the cached per-turn estimates. Turns persisted before
// the estimator existed (estimate zero with non-empty content) are costed
// on the fly.
func EstimateTurns(turns []loomtypes.Turn) int {
	total := 0
	for _, t := range turns {
		if t.TokenEstimate > 0 {
			total += t.TokenEstimate
			continue
		}
		total += Estimate(t.Content)
	}
	return total
}
