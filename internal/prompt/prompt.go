// Package prompt composes the text handed to the agent collaborator: the
// bracketed history block, role labels, and the final prompt assembly.
// The wire format is plain text because the agent executable takes one
// composed prompt string.
package prompt

import (
	"strings"

	"loom/pkg/loomtypes"
)

// Markers bracketing the replayed history inside a composed prompt.
const (
	HistoryStartMarker = "=== START OF CONVERSATION HISTORY ==="
	HistoryEndMarker   = "=== END OF CONVERSATION HISTORY ==="
)

// RoleLabel maps a turn role to its transcript label.
func RoleLabel(role loomtypes.Role) string {
	switch role {
	case loomtypes.RoleUser:
		return "User"
	case loomtypes.RoleAgent:
		return "Agent"
	case loomtypes.RoleSystem:
		return "System"
	case loomtypes.RoleSummary:
		return "Summary"
	case loomtypes.RoleFlush:
		return "Flush"
	default:
		return "Agent"
	}
}

// Transcript renders turns as "Label: content" blocks separated by blank
// lines. Used both for replayed context and for summarization input.
func Transcript(turns []loomtypes.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(RoleLabel(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

// HistoryBlock wraps the transcript in start/end markers so the agent can
// tell replayed history from the current request. Empty history yields an
// empty block.
func HistoryBlock(turns []loomtypes.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(HistoryStartMarker)
	b.WriteString("\n")
	b.WriteString(Transcript(turns))
	b.WriteString(HistoryEndMarker)
	b.WriteString("\n\n")
	return b.String()
}

// Compose assembles the final prompt: optional system prompt, optional
// history block, and the current user request.
func Compose(systemPrompt string, historyBlock string, userRequest string) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString("System: ")
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	if historyBlock != "" {
		b.WriteString(historyBlock)
	}
	b.WriteString("User Current Request: ")
	b.WriteString(userRequest)
	return b.String()
}
