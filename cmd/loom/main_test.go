package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/config"
)

// resetFlags restores the package-level flag variables mutated by a test.
func resetFlags(t *testing.T) {
	t.Helper()
	origStoreDir, origChat, origModel := storeDir, chatName, modelName
	origLimit, origTestMode := historyLimit, testMode
	t.Cleanup(func() {
		storeDir, chatName, modelName = origStoreDir, origChat, origModel
		historyLimit, testMode = origLimit, origTestMode
	})
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	resetFlags(t)
	storeDir = t.TempDir()
	modelName = "sonnet"
	historyLimit = 0
	testMode = true

	cfg := loadConfig()
	assert.Equal(t, "sonnet", cfg.Agent.Model)
	assert.Equal(t, 0, cfg.HistoryLimit, "explicit zero switches to token-budget mode")
	assert.True(t, cfg.TestMode)
}

func TestLoadConfig_UnsetFlagsKeepDefaults(t *testing.T) {
	resetFlags(t)
	storeDir = t.TempDir()
	modelName = ""
	historyLimit = -1
	testMode = false

	cfg := loadConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, config.DefaultHistoryLimit, cfg.HistoryLimit)
	assert.Empty(t, cfg.Agent.Model)
}

func TestDisplayChatName(t *testing.T) {
	resetFlags(t)

	chatName = ""
	assert.Equal(t, "default", displayChatName())

	chatName = "work"
	assert.Equal(t, "work", displayChatName())
}
