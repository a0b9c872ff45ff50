// Package session orchestrates one conversational turn end to end:
// append the inbound turn, run the flush check, compact if the history
// outgrew its budget, select the context slice, call the agent, and
// persist the response. Each stage lives in its own package; this one
// owns the ordering.
package session

import (
	"context"
	"fmt"

	"loom/internal/agent"
	"loom/internal/compact"
	"loom/internal/config"
	"loom/internal/history"
	"loom/internal/logger"
	"loom/internal/memflush"
	"loom/internal/prompt"
	"loom/internal/token"
	"loom/internal/window"
	"loom/pkg/loomtypes"
)

// Orchestrator runs the turn pipeline for all chats sharing one store.
type Orchestrator struct {
	cfg        *config.Config
	store      *history.Store
	agent      agent.Agent
	flush      *memflush.Controller
	summarizer *compact.Summarizer
}

// TurnResult reports what one pipeline run did.
type TurnResult struct {
	Response  string
	UserTurn  loomtypes.Turn
	AgentTurn loomtypes.Turn

	// ContextTokens is the estimated cost of the injected history slice.
	ContextTokens int

	// Flushed and Compacted record which pipeline stages ran.
	Flushed   bool
	Compacted bool

	// OverBudget mirrors the selector's newest-turn-alone signal.
	OverBudget bool
}

// New wires an orchestrator from explicit collaborators.
func New(cfg *config.Config, store *history.Store, ag agent.Agent, flush *memflush.Controller, summarizer *compact.Summarizer) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		agent:      ag,
		flush:      flush,
		summarizer: summarizer,
	}
}

// Build assembles the full pipeline from configuration and a single agent
// collaborator shared by the main turn, flush, and summarization stages.
func Build(cfg *config.Config, ag agent.Agent) *Orchestrator {
	store := history.NewStore(cfg.StoreDir, history.WithTestMode(cfg.TestMode))
	workspace := memflush.NewWorkspace(cfg.WorkspaceDir)
	flush := memflush.NewController(store, ag, workspace, cfg.MemoryFlush, cfg.TestMode)
	summarizer := compact.NewSummarizer(store, ag, flush, cfg.KeepTail, cfg.SummaryThresholdTokens, cfg.UsableBudget())
	return New(cfg, store, ag, flush, summarizer)
}

// Store exposes the underlying history store for read-side commands.
func (o *Orchestrator) Store() *history.Store {
	return o.store
}

// HandleTurn runs the full pipeline for one inbound user prompt. The user
// turn is persisted before anything else, so an agent failure later in
// the pipeline never loses it.
func (o *Orchestrator) HandleTurn(ctx context.Context, chat string, userPrompt string, systemPromptName string) (*TurnResult, error) {
	systemPrompt := o.cfg.SystemPrompt(systemPromptName)

	userTurn, err := o.store.Append(chat, loomtypes.RoleUser, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to record user turn: %w", err)
	}
	result := &TurnResult{UserTurn: userTurn}

	log, err := o.store.Snapshot(chat)
	if err != nil {
		return result, err
	}

	// Stage 1: memory flush once remaining headroom shrinks to the soft
	// threshold, before the budget is exhausted and compaction forced. A
	// failed flush is logged and retried on a later turn; the main turn
	// continues.
	headroom := o.contextHeadroom(log, systemPrompt)
	if o.flush != nil {
		meta, merr := o.store.ReadMeta(chat)
		if merr != nil {
			return result, merr
		}
		if o.flush.ShouldFlush(meta, headroom) {
			if ferr := o.flush.Run(ctx, chat, prompt.HistoryBlock(log.Turns)); ferr != nil {
				logger.Warn("Memory flush failed, will retry on a later turn", "chat", chat, "error", ferr)
			} else {
				result.Flushed = true
				if log, err = o.store.Snapshot(chat); err != nil {
					return result, err
				}
			}
		}
	}

	// Stage 2: summarization at the hard budget. Same stance on failure:
	// the store is untouched, the attempt repeats later, the turn goes on
	// with whatever context still fits.
	if o.summarizer != nil && o.summarizer.Needs(log) {
		newLog, cerr := o.summarizer.Compact(ctx, chat)
		if cerr != nil {
			logger.Warn("Summarization failed, continuing uncompacted", "chat", chat, "error", cerr)
		} else {
			result.Compacted = true
			log = newLog
		}
	}

	// Stage 3: select the context slice from everything before the
	// current user turn; the turn itself rides separately as the current
	// request.
	prior := excludeTurn(log.Turns, userTurn.ID)
	sel := o.selectContext(prior, userTurn, systemPrompt)
	result.ContextTokens = sel.TotalTokens
	result.OverBudget = sel.OverBudget
	if sel.OverBudget {
		logger.Warn("Newest context alone exceeds the usable budget", "chat", chat, "tokens", sel.TotalTokens)
	}

	// Stage 4: the main agent call.
	composed := prompt.Compose(systemPrompt, prompt.HistoryBlock(sel.Included), userPrompt)
	response, err := o.agent.Send(ctx, agent.Request{Prompt: composed, BudgetHint: o.cfg.TokenBudget})
	if err != nil {
		return result, fmt.Errorf("agent turn failed: %w", err)
	}
	result.Response = response

	agentTurn, err := o.store.Append(chat, loomtypes.RoleAgent, response)
	if err != nil {
		return result, fmt.Errorf("failed to record agent turn: %w", err)
	}
	result.AgentTurn = agentTurn
	return result, nil
}

// selectContext applies the configured selection mode. Fixed-count and
// token-budget modes are mutually exclusive; the configuration decides
// before selection begins.
func (o *Orchestrator) selectContext(prior []loomtypes.Turn, userTurn loomtypes.Turn, systemPrompt string) window.Selection {
	if o.cfg.HistoryLimit > 0 {
		return window.SelectLastN(prior, o.cfg.HistoryLimit)
	}
	// The reserve floor additionally covers the parts of the prompt that
	// are not selectable: the system prompt and the current request.
	floor := o.cfg.ReserveTokensFloor + userTurn.TokenEstimate + token.Estimate(systemPrompt)
	return window.Select(prior, o.cfg.TokenBudget, floor)
}

// contextHeadroom estimates how many tokens remain before the full
// history plus system prompt fills the usable budget. Negative once the
// budget is exceeded. The flush soft threshold compares against this, so
// the flush always crosses before the compaction trigger does.
func (o *Orchestrator) contextHeadroom(log *loomtypes.ChatLog, systemPrompt string) int {
	total := token.EstimateTurns(log.Turns) + token.Estimate(systemPrompt)
	return o.cfg.UsableBudget() - total
}

func excludeTurn(turns []loomtypes.Turn, id string) []loomtypes.Turn {
	out := make([]loomtypes.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID == id {
			continue
		}
		out = append(out, t)
	}
	return out
}
