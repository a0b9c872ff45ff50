package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"loom/pkg/loomtypes"
)

func TestRoleLabel(t *testing.T) {
	assert.Equal(t, "User", RoleLabel(loomtypes.RoleUser))
	assert.Equal(t, "Agent", RoleLabel(loomtypes.RoleAgent))
	assert.Equal(t, "Summary", RoleLabel(loomtypes.RoleSummary))
	assert.Equal(t, "Flush", RoleLabel(loomtypes.RoleFlush))
}

func TestHistoryBlock_EmptyHistory(t *testing.T) {
	assert.Empty(t, HistoryBlock(nil))
}

func TestHistoryBlock_WrapsTranscriptInMarkers(t *testing.T) {
	turns := []loomtypes.Turn{
		{Role: loomtypes.RoleUser, Content: "what is the plan?"},
		{Role: loomtypes.RoleAgent, Content: "ship it"},
	}
	block := HistoryBlock(turns)

	assert.True(t, strings.HasPrefix(block, HistoryStartMarker))
	assert.Contains(t, block, "User: what is the plan?")
	assert.Contains(t, block, "Agent: ship it")
	assert.Contains(t, block, HistoryEndMarker)
	assert.Less(t, strings.Index(block, "User:"), strings.Index(block, "Agent:"))
}

func TestCompose_FullAssembly(t *testing.T) {
	block := HistoryBlock([]loomtypes.Turn{{Role: loomtypes.RoleUser, Content: "earlier"}})
	out := Compose("be terse", block, "and now?")

	assert.True(t, strings.HasPrefix(out, "System: be terse"))
	assert.Contains(t, out, "earlier")
	assert.True(t, strings.HasSuffix(out, "User Current Request: and now?"))
}

func TestCompose_WithoutSystemPromptOrHistory(t *testing.T) {
	out := Compose("", "", "just this")
	assert.Equal(t, "User Current Request: just this", out)
}
