// Package agent wraps the external agent executable behind a synchronous
// request/response interface. The executable is a black box: it accepts a
// composed prompt on its command line and writes its answer to stdout.
// Nothing in here knows about history or budgets beyond passing the hint
// along.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"loom/internal/logger"
)

// ErrAgentUnavailable indicates the agent executable failed, timed out, or
// could not be started. Callers treat the attempt as retryable and must
// leave their own state unchanged.
var ErrAgentUnavailable = errors.New("agent unavailable")

// DefaultTimeout bounds a single agent invocation. Summarization and flush
// requests share it.
const DefaultTimeout = 120 * time.Second

// Request is one composed prompt for the agent.
type Request struct {
	// Prompt is the full composed text: system prompt, context block, and
	// the current user request.
	Prompt string

	// BudgetHint tells the agent how many tokens the caller budgeted for
	// the exchange. Zero means no hint.
	BudgetHint int
}

// Agent is the collaborator contract: one prompt in, one response out.
type Agent interface {
	Send(ctx context.Context, req Request) (string, error)
}

// commandRunner abstracts process execution so tests can fake the
// executable.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return stdout.String(), nil
}

// Config describes how to invoke the agent executable.
type Config struct {
	// Command is the executable name or path.
	Command string

	// Args are fixed arguments placed before the prompt.
	Args []string

	// Model, when set, is passed through as "--model <name>".
	Model string

	// BudgetFlag, when set, passes the budget hint as "<flag> <tokens>".
	BudgetFlag string

	// Timeout bounds one invocation; DefaultTimeout when zero.
	Timeout time.Duration
}

// ExecClient invokes the agent executable once per request.
type ExecClient struct {
	config Config
	runner commandRunner
}

// NewExecClient creates a client for the configured executable.
func NewExecClient(config Config) (*ExecClient, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("agent command must not be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	return &ExecClient{config: config, runner: execRunner{}}, nil
}

// Send composes the argv, runs the executable, and returns its trimmed
// stdout. Terminal escape sequences are stripped so stored turns hold
// plain text regardless of how the agent decorates its output. Failures
// wrap ErrAgentUnavailable.
func (c *ExecClient) Send(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("agent prompt must not be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	args := append([]string(nil), c.config.Args...)
	if c.config.Model != "" {
		args = append(args, "--model", c.config.Model)
	}
	if c.config.BudgetFlag != "" && req.BudgetHint > 0 {
		args = append(args, c.config.BudgetFlag, strconv.Itoa(req.BudgetHint))
	}
	args = append(args, req.Prompt)

	started := time.Now()
	output, err := c.runner.Run(ctx, c.config.Command, args...)
	if err != nil {
		logger.Error("Agent invocation failed", "command", c.config.Command, "error", err)
		return "", fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	response := strings.TrimSpace(ansi.Strip(output))
	logger.Debug("Agent responded", "latency", time.Since(started), "bytes", len(response))
	return response, nil
}
