package window

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/pkg/loomtypes"
)

func turn(role loomtypes.Role, tokens int) loomtypes.Turn {
	return loomtypes.Turn{
		Role:          role,
		Content:       strings.Repeat("x", tokens*4),
		TokenEstimate: tokens,
	}
}

func TestSelect_EmptyHistory(t *testing.T) {
	sel := Select(nil, 100, 0)
	assert.Empty(t, sel.Included)
	assert.Zero(t, sel.TotalTokens)
	assert.False(t, sel.OverBudget)
}

func TestSelect_AllFit(t *testing.T) {
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleUser, 10),
		turn(loomtypes.RoleAgent, 10),
		turn(loomtypes.RoleUser, 10),
	}
	sel := Select(turns, 100, 0)
	assert.Len(t, sel.Included, 3)
	assert.Equal(t, 30, sel.TotalTokens)
	assert.Zero(t, sel.ExcludedCount)
	assert.Zero(t, sel.ExcludedTokens)
	assert.False(t, sel.OverBudget)
}

func TestSelect_BudgetDropsOldest(t *testing.T) {
	// Three turns totaling 50 tokens against budget 40: only the last two fit.
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleUser, 20),
		turn(loomtypes.RoleAgent, 15),
		turn(loomtypes.RoleUser, 15),
	}
	sel := Select(turns, 40, 0)
	require.Len(t, sel.Included, 2)
	assert.Equal(t, turns[1], sel.Included[0])
	assert.Equal(t, turns[2], sel.Included[1])
	assert.Equal(t, 30, sel.TotalTokens)
	assert.Equal(t, 1, sel.ExcludedCount)
	assert.Equal(t, 20, sel.ExcludedTokens)
	assert.False(t, sel.OverBudget)
}

func TestSelect_ReserveFloorShrinksUsableBudget(t *testing.T) {
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleUser, 20),
		turn(loomtypes.RoleAgent, 15),
		turn(loomtypes.RoleUser, 15),
	}
	// Budget 60 with floor 20 leaves 40 usable: same outcome as budget 40.
	sel := Select(turns, 60, 20)
	require.Len(t, sel.Included, 2)
	assert.Equal(t, 30, sel.TotalTokens)
}

func TestSelect_StopsAtFirstOversizedTurn(t *testing.T) {
	// The large middle turn blocks the scan even though the oldest small
	// turn would fit: no skipping over gaps in the recent tail.
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleUser, 2),
		turn(loomtypes.RoleAgent, 90),
		turn(loomtypes.RoleUser, 5),
	}
	sel := Select(turns, 20, 0)
	require.Len(t, sel.Included, 1)
	assert.Equal(t, turns[2], sel.Included[0])
	assert.Equal(t, 2, sel.ExcludedCount)
}

func TestSelect_NewestTurnAloneOverBudget(t *testing.T) {
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleUser, 5),
		turn(loomtypes.RoleUser, 200),
	}
	sel := Select(turns, 50, 0)
	require.Len(t, sel.Included, 1)
	assert.Equal(t, turns[1], sel.Included[0])
	assert.True(t, sel.OverBudget)
}

func TestSelect_HeadSummaryAlwaysEligible(t *testing.T) {
	// The scan stops at the 30-token turn, but the head summary still
	// rides along as the oldest element because it fits the remainder.
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleSummary, 5),
		turn(loomtypes.RoleUser, 30),
		turn(loomtypes.RoleAgent, 10),
		turn(loomtypes.RoleUser, 10),
	}
	sel := Select(turns, 30, 0)
	require.Len(t, sel.Included, 3)
	assert.Equal(t, loomtypes.RoleSummary, sel.Included[0].Role)
	assert.Equal(t, turns[2], sel.Included[1])
	assert.Equal(t, turns[3], sel.Included[2])
	assert.Equal(t, 25, sel.TotalTokens)
}

func TestSelect_HeadSummarySkippedWhenItCannotFit(t *testing.T) {
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleSummary, 50),
		turn(loomtypes.RoleUser, 10),
		turn(loomtypes.RoleUser, 10),
	}
	sel := Select(turns, 25, 0)
	require.Len(t, sel.Included, 2)
	assert.Equal(t, loomtypes.RoleUser, sel.Included[0].Role)
}

func TestSelect_NeverExceedsUsableBudget(t *testing.T) {
	// Property check over a spread of budgets: total never exceeds
	// budget-floor except the single-newest-turn exception.
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleSummary, 7),
		turn(loomtypes.RoleUser, 13),
		turn(loomtypes.RoleAgent, 29),
		turn(loomtypes.RoleUser, 5),
		turn(loomtypes.RoleAgent, 17),
		turn(loomtypes.RoleUser, 11),
	}
	for budget := 0; budget <= 100; budget += 5 {
		for _, floor := range []int{0, 5, 20} {
			sel := Select(turns, budget, floor)
			usable := budget - floor
			if usable < 0 {
				usable = 0
			}
			if sel.OverBudget {
				require.Len(t, sel.Included, 1)
				continue
			}
			assert.LessOrEqual(t, sel.TotalTokens, usable,
				"budget %d floor %d", budget, floor)
		}
	}
}

func TestSelect_PreservesChronologicalOrder(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	turns := make([]loomtypes.Turn, 6)
	for i := range turns {
		turns[i] = turn(loomtypes.RoleUser, 5)
		turns[i].Timestamp = base.Add(time.Duration(i) * time.Second)
	}
	sel := Select(turns, 100, 0)
	for i := 1; i < len(sel.Included); i++ {
		assert.True(t, sel.Included[i].Timestamp.After(sel.Included[i-1].Timestamp))
	}
}

func TestSelectLastN_IgnoresTokenCost(t *testing.T) {
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleUser, 1000),
		turn(loomtypes.RoleAgent, 2000),
		turn(loomtypes.RoleUser, 3000),
	}
	sel := SelectLastN(turns, 2)
	require.Len(t, sel.Included, 2)
	assert.Equal(t, turns[1], sel.Included[0])
	assert.Equal(t, turns[2], sel.Included[1])
	assert.Equal(t, 5000, sel.TotalTokens)
	assert.Equal(t, 1, sel.ExcludedCount)
}

func TestSelectLastN_CountLargerThanHistory(t *testing.T) {
	turns := []loomtypes.Turn{
		turn(loomtypes.RoleUser, 5),
		turn(loomtypes.RoleAgent, 5),
	}
	sel := SelectLastN(turns, 10)
	assert.Len(t, sel.Included, 2)
	assert.Zero(t, sel.ExcludedCount)
}

func TestSelectLastN_ZeroCount(t *testing.T) {
	turns := []loomtypes.Turn{turn(loomtypes.RoleUser, 5)}
	sel := SelectLastN(turns, 0)
	assert.Empty(t, sel.Included)
	assert.Equal(t, 1, sel.ExcludedCount)
}
