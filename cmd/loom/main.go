// Package main provides the Loom CLI application entry point.
// Loom wraps a black-box LLM agent executable with durable per-chat
// history, token-budget context selection, and two-stage compaction.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loom/internal/agent"
	"loom/internal/config"
	"loom/internal/logger"
	"loom/internal/memflush"
	"loom/internal/render"
	"loom/internal/session"
	"loom/internal/testutils"
	"loom/internal/version"
)

var (
	logLevel string
	logFile  string
	testMode bool

	storeDir     string
	chatName     string
	systemPrompt string
	modelName    string
	historyLimit int
	plainOutput  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "loom [prompt...]",
	Short: "Loom - context-managed wrapper around an LLM agent executable",
	Long: `Loom wraps a black-box LLM agent executable with per-chat conversation
history, token-budget context selection, and automatic compaction so long
conversations keep fitting the agent's context window.`,
	Args: cobra.ArbitraryArgs,
	Run:  runAsk, // Default behavior is to send one prompt
}

// askCmd is the explicit version of the default behavior
var askCmd = &cobra.Command{
	Use:   "ask <prompt...>",
	Short: "Send one prompt to the agent with managed context",
	Args:  cobra.MinimumNArgs(1),
	Run:   runAsk,
}

// historyCmd renders the stored conversation for a chat
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the stored conversation for a chat",
	Run:   runHistory,
}

// clearCmd wipes a chat's history and compaction metadata
var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete a chat's history and compaction metadata",
	Run:   runClear,
}

// rememberCmd appends a note to the durable workspace memory
var rememberCmd = &cobra.Command{
	Use:   "remember <note...>",
	Short: "Append a note to the durable workspace memory",
	Args:  cobra.MinimumNArgs(1),
	Run:   runRemember,
}

// memoryCmd prints the durable workspace memory
var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Show the durable workspace memory",
	Run:   runMemory,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		detailed, _ := cmd.Flags().GetBool("detailed")
		if detailed {
			fmt.Println(version.GetDetailedVersion())
			return
		}
		fmt.Println(version.GetFormattedVersion())
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (debug|info|warn|error) [default: info]")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&testMode, "test-mode", false, "Run in deterministic test mode")
	rootCmd.PersistentFlags().StringVar(&storeDir, "store-dir", "", "Override the store directory [default: ~/.loom]")
	rootCmd.PersistentFlags().StringVarP(&chatName, "chat", "c", "", "Chat name [default: default]")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false, "Plain output without colors or markdown")

	rootCmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "Named system prompt from prompts.yaml")
	rootCmd.Flags().StringVar(&modelName, "model", "", "Model name passed through to the agent")
	rootCmd.Flags().IntVar(&historyLimit, "history-limit", -1, "Fixed turn count for context selection; 0 switches to token-budget mode")
	askCmd.Flags().AddFlagSet(rootCmd.Flags())

	// Bind flags to viper
	if err := viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding log-level flag: %v\n", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding log-file flag: %v\n", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("test-mode", rootCmd.PersistentFlags().Lookup("test-mode")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding test-mode flag: %v\n", err)
		os.Exit(1)
	}

	versionCmd.Flags().Bool("detailed", false, "Show detailed build information")

	// Add subcommands
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(versionCmd)

	// Configure logger before any command execution
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if err := logger.Configure(logLevel, logFile, testMode); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the file/env configuration and layers the CLI flag
// overrides on top.
func loadConfig() *config.Config {
	cfg, err := config.Load(storeDir)
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}
	cfg.TestMode = testMode
	if modelName != "" {
		cfg.Agent.Model = modelName
	}
	if historyLimit >= 0 {
		cfg.HistoryLimit = historyLimit
	}
	return cfg
}

func runAsk(cmd *cobra.Command, args []string) {
	userPrompt := strings.TrimSpace(strings.Join(args, " "))
	if userPrompt == "" {
		_ = cmd.Help()
		return
	}

	cfg := loadConfig()
	ag, err := agent.NewExecClient(agent.Config{
		Command:    cfg.Agent.Command,
		Args:       cfg.Agent.Args,
		Model:      cfg.Agent.Model,
		BudgetFlag: cfg.Agent.BudgetFlag,
		Timeout:    cfg.Agent.Timeout,
	})
	if err != nil {
		logger.Fatal("Failed to create agent client", "error", err)
	}

	orchestrator := session.Build(cfg, ag)
	result, err := orchestrator.HandleTurn(context.Background(), chatName, userPrompt, systemPrompt)
	if err != nil {
		logger.Fatal("Turn failed", "chat", chatName, "error", err)
	}

	r, err := render.New(render.WithPlain(plainOutput))
	if err != nil {
		// Fall back to raw output rather than losing the response.
		fmt.Println(result.Response)
		return
	}
	fmt.Print(r.Turn(result.AgentTurn))
}

func runHistory(_ *cobra.Command, _ []string) {
	cfg := loadConfig()
	orchestrator := session.Build(cfg, nil)

	log, err := orchestrator.Store().Snapshot(chatName)
	if err != nil {
		logger.Fatal("Failed to read history", "chat", chatName, "error", err)
	}

	r, err := render.New(render.WithPlain(plainOutput))
	if err != nil {
		logger.Fatal("Failed to create renderer", "error", err)
	}
	fmt.Print(r.History(log.Turns))
}

func runClear(_ *cobra.Command, _ []string) {
	cfg := loadConfig()
	orchestrator := session.Build(cfg, nil)

	if err := orchestrator.Store().Clear(chatName); err != nil {
		logger.Fatal("Failed to clear chat", "chat", chatName, "error", err)
	}
	fmt.Printf("Cleared chat %q\n", displayChatName())
}

func runRemember(_ *cobra.Command, args []string) {
	cfg := loadConfig()
	workspace := memflush.NewWorkspace(cfg.WorkspaceDir)

	note := strings.Join(args, " ")
	if err := workspace.AppendDurableNotes(testutils.Now(cfg.TestMode), note); err != nil {
		logger.Fatal("Failed to append durable note", "error", err)
	}
	fmt.Println("Noted.")
}

func runMemory(_ *cobra.Command, _ []string) {
	cfg := loadConfig()
	workspace := memflush.NewWorkspace(cfg.WorkspaceDir)

	notes, err := workspace.ReadDurableNotes()
	if err != nil {
		logger.Fatal("Failed to read durable notes", "error", err)
	}
	if strings.TrimSpace(notes) == "" {
		fmt.Println("No durable notes yet.")
		return
	}
	fmt.Print(notes)
}

func displayChatName() string {
	if chatName == "" {
		return "default"
	}
	return chatName
}
