package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"loom/pkg/loomtypes"
)

func TestEstimate_EmptyText(t *testing.T) {
	assert.Equal(t, 0, Estimate(""))
}

func TestEstimate_RoundsUp(t *testing.T) {
	// Anything non-empty costs at least one token.
	assert.Equal(t, 1, Estimate("a"))
	assert.Equal(t, 1, Estimate("abcd"))
	assert.Equal(t, 2, Estimate("abcde"))
}

func TestEstimate_Deterministic(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog"
	first := Estimate(text)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Estimate(text))
	}
}

func TestEstimate_MonotonicInLength(t *testing.T) {
	base := "hello"
	prev := Estimate(base)
	for i := 0; i < 100; i++ {
		base += "x"
		cur := Estimate(base)
		assert.GreaterOrEqual(t, cur, prev, "superstring estimated below substring at length %d", len(base))
		prev = cur
	}
}

func TestEstimate_MultibyteContent(t *testing.T) {
	// Estimation is byte-based; multibyte runes still count monotonically.
	short := Estimate("héllo")
	long := Estimate("héllo wörld")
	assert.Greater(t, long, short)
}

func TestEstimateTurns_UsesCachedEstimates(t *testing.T) {
	turns := []loomtypes.Turn{
		{Content: strings.Repeat("a", 40), TokenEstimate: 10},
		{Content: strings.Repeat("b", 40), TokenEstimate: 10},
	}
	assert.Equal(t, 20, EstimateTurns(turns))
}

func TestEstimateTurns_FallsBackWhenUncached(t *testing.T) {
	turns := []loomtypes.Turn{
		{Content: strings.Repeat("a", 40)}, // no cached estimate
		{Content: "", TokenEstimate: 0},    // genuinely empty
	}
	assert.Equal(t, 10, EstimateTurns(turns))
}
