// Package window selects the slice of a chat's history that fits the
// token budget for one agent call. Selection walks the log from the
// newest turn backwards and keeps an unbroken recent tail: conversational
// continuity beats packing efficiency, so the scan stops at the first
// turn that would overflow rather than skipping it for smaller older
// turns.
package window

import (
	"loom/internal/token"
	"loom/pkg/loomtypes"
)

// Selection is the outcome of a budget pass over a chat's history.
type Selection struct {
	// Included holds the chosen turns in original chronological order.
	Included []loomtypes.Turn

	// TotalTokens is the estimated cost of the included turns.
	TotalTokens int

	// OverBudget is set when the newest turn alone exceeds the usable
	// budget. It is still included, because the agent must see something;
	// the caller decides how to react.
	OverBudget bool

	// ExcludedCount and ExcludedTokens describe the overflow portion that
	// did not fit. The compaction pipeline triggers off these.
	ExcludedCount  int
	ExcludedTokens int
}

// Select picks a budget-respecting suffix of turns. The usable budget is
// budget minus reserveFloor (tokens left free for the agent's response).
// A summary turn at the head of the log is always eligible as the oldest
// element: it is already-compacted history and costs what it costs.
func Select(turns []loomtypes.Turn, budget int, reserveFloor int) Selection {
	if len(turns) == 0 {
		return Selection{}
	}

	usable := budget - reserveFloor
	if usable < 0 {
		usable = 0
	}

	// A head summary turn rides along regardless of scan position, as
	// long as the tail reaches back far enough to connect to it.
	var headSummary *loomtypes.Turn
	if turns[0].Role == loomtypes.RoleSummary {
		headSummary = &turns[0]
	}

	newest := len(turns) - 1
	total := 0
	cut := newest + 1 // index of the oldest included turn

	for i := newest; i >= 0; i-- {
		cost := turnCost(turns[i])
		if i == newest {
			// Never drop the newest turn.
			total += cost
			cut = i
			if cost > usable {
				break
			}
			continue
		}
		if headSummary != nil && i == 0 {
			// The head summary is handled below, outside the budget scan
			// ordering; it still has to fit.
			if total+cost <= usable {
				total += cost
				cut = i
			}
			break
		}
		if total+cost > usable {
			break
		}
		total += cost
		cut = i
	}

	sel := Selection{
		Included:    append([]loomtypes.Turn(nil), turns[cut:]...),
		TotalTokens: total,
	}

	// Prepend the head summary when the scan stopped before reaching it
	// but it still fits the remaining budget.
	if headSummary != nil && cut > 0 {
		if total+turnCost(*headSummary) <= usable {
			sel.Included = append([]loomtypes.Turn{*headSummary}, sel.Included...)
			sel.TotalTokens += turnCost(*headSummary)
		}
	}

	if cut == newest && turnCost(turns[newest]) > usable {
		sel.OverBudget = true
	}

	excluded := len(turns) - len(sel.Included)
	sel.ExcludedCount = excluded
	sel.ExcludedTokens = token.EstimateTurns(turns) - token.EstimateTurns(sel.Included)
	return sel
}

// SelectLastN implements the fixed-count override: exactly the last n
// turns, token cost ignored. Mutually exclusive with budget mode; the
// configuration decides which runs before selection begins.
func SelectLastN(turns []loomtypes.Turn, n int) Selection {
	if n <= 0 || len(turns) == 0 {
		return Selection{ExcludedCount: len(turns), ExcludedTokens: token.EstimateTurns(turns)}
	}
	if n > len(turns) {
		n = len(turns)
	}
	included := append([]loomtypes.Turn(nil), turns[len(turns)-n:]...)
	return Selection{
		Included:       included,
		TotalTokens:    token.EstimateTurns(included),
		ExcludedCount:  len(turns) - n,
		ExcludedTokens: token.EstimateTurns(turns[:len(turns)-n]),
	}
}

func turnCost(t loomtypes.Turn) int {
	if t.TokenEstimate > 0 {
		return t.TokenEstimate
	}
	return token.Estimate(t.Content)
}
