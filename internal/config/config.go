// Package config loads Loom's configuration: the token budget surface for
// the context window pipeline, memory flush settings, agent invocation
// details, and named system prompts. Sources are merged with the usual
// precedence: environment variables > local .env > config-dir .env >
// config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"loom/internal/logger"
)

// Defaults for the context window pipeline. The token ratios mirror the
// 4-chars-per-token estimator: 100k budget with a 20k response floor.
const (
	DefaultHistoryLimit        = 10
	DefaultTokenBudget         = 100_000
	DefaultReserveTokensFloor  = 20_000
	DefaultKeepTail            = 10
	DefaultSummaryThreshold    = 1_000
	DefaultFlushSoftThreshold  = 4_000
	DefaultFlushMaxForcedTries = 2
	DefaultAgentTimeoutSeconds = 120
)

// DefaultFlushSystemPrompt frames the flush side-channel turn.
const DefaultFlushSystemPrompt = "You are about to lose access to older conversation detail. " +
	"Durable notes survive in the workspace memory log."

// DefaultFlushPrompt asks the agent for durable notes ahead of compaction.
const DefaultFlushPrompt = "Older turns of this conversation are about to be condensed. " +
	"Write down any facts, decisions, or open tasks worth keeping long-term, as short markdown bullets. " +
	"If nothing is worth keeping, reply with exactly NO_REPLY."

// DefaultNoReplyToken is the sentinel response meaning the agent had
// nothing to persist.
const DefaultNoReplyToken = "NO_REPLY"

// MemoryFlushConfig controls the pre-compaction flush stage.
type MemoryFlushConfig struct {
	Enabled             bool
	SoftThresholdTokens int
	SystemPrompt        string
	Prompt              string
	NoReplyToken        string
	// MaxForcedAttempts bounds how often a failed forced flush is retried
	// before summarization proceeds anyway.
	MaxForcedAttempts int
}

// AgentConfig describes how the agent executable is invoked.
type AgentConfig struct {
	Command    string
	Args       []string
	Model      string
	BudgetFlag string
	Timeout    time.Duration
}

// Config is the loaded configuration surface consumed by the pipeline.
type Config struct {
	// StoreDir holds history, metadata, config, and prompt files.
	StoreDir string
	// WorkspaceDir holds the durable memory log files.
	WorkspaceDir string

	// HistoryLimit, when positive, switches selection to fixed-count mode:
	// exactly the last N turns, token cost ignored. Zero selects by token
	// budget. Compaction accounting always runs on token totals either way.
	HistoryLimit int

	TokenBudget        int
	ReserveTokensFloor int

	// KeepTail is the number of most recent turns preserved verbatim by a
	// summarization pass.
	KeepTail int

	// SummaryThresholdTokens is the minimum overflow (tokens beyond the
	// usable budget) before a summarization pass is worth running.
	SummaryThresholdTokens int

	MemoryFlush MemoryFlushConfig
	Agent       AgentConfig

	// SystemPrompts maps prompt names to content, loaded from prompts.yaml.
	SystemPrompts map[string]string

	TestMode bool
}

// promptsFile is the YAML schema of <store-dir>/prompts.yaml.
type promptsFile struct {
	SystemPrompts map[string]string `yaml:"system_prompts"`
}

// DefaultStoreDir returns ~/.loom, falling back to the working directory
// when the home directory cannot be resolved.
func DefaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

// Load reads configuration rooted at storeDir. A missing config file is
// not an error; defaults apply. Environment variables use the LOOM_
// prefix with dots mapped to underscores (LOOM_MEMORY_FLUSH_ENABLED).
func Load(storeDir string) (*Config, error) {
	if storeDir == "" {
		storeDir = DefaultStoreDir()
	}

	// .env files never override variables already present in the
	// environment, so precedence stays: env > local .env > config .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Debug("No local .env loaded", "error", err)
	}
	if err := godotenv.Load(filepath.Join(storeDir, ".env")); err != nil && !os.IsNotExist(err) {
		logger.Debug("No config .env loaded", "error", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(storeDir)
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		StoreDir:               storeDir,
		WorkspaceDir:           v.GetString("workspace_dir"),
		HistoryLimit:           v.GetInt("history_limit"),
		TokenBudget:            v.GetInt("token_budget"),
		ReserveTokensFloor:     v.GetInt("reserve_tokens_floor"),
		KeepTail:               v.GetInt("keep_tail"),
		SummaryThresholdTokens: v.GetInt("summary_threshold_tokens"),
		MemoryFlush: MemoryFlushConfig{
			Enabled:             v.GetBool("memory_flush.enabled"),
			SoftThresholdTokens: v.GetInt("memory_flush.soft_threshold_tokens"),
			SystemPrompt:        v.GetString("memory_flush.system_prompt"),
			Prompt:              v.GetString("memory_flush.prompt"),
			NoReplyToken:        v.GetString("memory_flush.no_reply_token"),
			MaxForcedAttempts:   v.GetInt("memory_flush.max_forced_attempts"),
		},
		Agent: AgentConfig{
			Command:    v.GetString("agent.command"),
			Args:       v.GetStringSlice("agent.args"),
			Model:      v.GetString("agent.model"),
			BudgetFlag: v.GetString("agent.budget_flag"),
			Timeout:    time.Duration(v.GetInt("agent.timeout_seconds")) * time.Second,
		},
		SystemPrompts: map[string]string{},
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(storeDir, "workspace")
	}

	if err := cfg.loadPrompts(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("history_limit", DefaultHistoryLimit)
	v.SetDefault("token_budget", DefaultTokenBudget)
	v.SetDefault("reserve_tokens_floor", DefaultReserveTokensFloor)
	v.SetDefault("keep_tail", DefaultKeepTail)
	v.SetDefault("summary_threshold_tokens", DefaultSummaryThreshold)
	v.SetDefault("memory_flush.enabled", true)
	v.SetDefault("memory_flush.soft_threshold_tokens", DefaultFlushSoftThreshold)
	v.SetDefault("memory_flush.system_prompt", DefaultFlushSystemPrompt)
	v.SetDefault("memory_flush.prompt", DefaultFlushPrompt)
	v.SetDefault("memory_flush.no_reply_token", DefaultNoReplyToken)
	v.SetDefault("memory_flush.max_forced_attempts", DefaultFlushMaxForcedTries)
	v.SetDefault("agent.command", "cursor-agent")
	v.SetDefault("agent.timeout_seconds", DefaultAgentTimeoutSeconds)
	v.SetDefault("workspace_dir", "")
}

// loadPrompts reads named system prompts from prompts.yaml. A missing
// file means no named prompts.
func (c *Config) loadPrompts() error {
	path := filepath.Join(c.StoreDir, "prompts.yaml")
	data, err := os.ReadFile(path) // #nosec G304 - path is inside the configured store dir
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read prompts file: %w", err)
	}

	var prompts promptsFile
	if err := yaml.Unmarshal(data, &prompts); err != nil {
		return fmt.Errorf("failed to parse prompts file %s: %w", path, err)
	}
	if prompts.SystemPrompts != nil {
		c.SystemPrompts = prompts.SystemPrompts
	}
	return nil
}

func (c *Config) validate() error {
	if c.TokenBudget <= 0 {
		return fmt.Errorf("token_budget must be positive, got %d", c.TokenBudget)
	}
	if c.ReserveTokensFloor < 0 {
		return fmt.Errorf("reserve_tokens_floor must not be negative, got %d", c.ReserveTokensFloor)
	}
	if c.ReserveTokensFloor >= c.TokenBudget {
		return fmt.Errorf("reserve_tokens_floor %d leaves no usable budget under token_budget %d",
			c.ReserveTokensFloor, c.TokenBudget)
	}
	if c.KeepTail < 1 {
		return fmt.Errorf("keep_tail must be at least 1, got %d", c.KeepTail)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must not be negative, got %d", c.HistoryLimit)
	}
	if c.SummaryThresholdTokens < 0 {
		return fmt.Errorf("summary_threshold_tokens must not be negative, got %d", c.SummaryThresholdTokens)
	}
	// The flush compares remaining headroom against the soft threshold; a
	// non-negative threshold keeps the flush crossing at or before the
	// usable-budget boundary, which compaction only crosses after.
	if c.MemoryFlush.SoftThresholdTokens < 0 {
		return fmt.Errorf("memory_flush.soft_threshold_tokens must not be negative, got %d", c.MemoryFlush.SoftThresholdTokens)
	}
	return nil
}

// SystemPrompt resolves a named system prompt. Unknown names warn and
// fall back to the "default" entry when present, matching the lookup the
// CLI promises.
func (c *Config) SystemPrompt(name string) string {
	if name == "" {
		name = "default"
	}
	if content, ok := c.SystemPrompts[name]; ok {
		return content
	}
	if name != "default" {
		logger.Warn("System prompt not found, using default if available", "name", name)
	}
	return c.SystemPrompts["default"]
}

// UsableBudget is the token budget minus the response reserve floor.
func (c *Config) UsableBudget() int {
	usable := c.TokenBudget - c.ReserveTokensFloor
	if usable < 0 {
		return 0
	}
	return usable
}
