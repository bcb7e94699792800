package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killallgit/promptcanvas/pkg/registry"
	"github.com/killallgit/promptcanvas/pkg/store"
)

func TestRootCommandFlags(t *testing.T) {
	configFlag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	storeFlag := rootCmd.PersistentFlags().Lookup("store")
	require.NotNil(t, storeFlag)
	assert.Equal(t, "string", storeFlag.Value.Type())

	modeFlag := regenerateCmd.Flags().Lookup("mode")
	require.NotNil(t, modeFlag)
	assert.Equal(t, "", modeFlag.DefValue)
}

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"chat", "chats", "prompts", "refine", "regenerate", "similar", "status", "models", "init"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

// seedChat creates a chat whose registry holds one prompt without images
func seedChat(t *testing.T, dbPath string) string {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.CreateChat(ctx, "seeded")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, c.ID, store.RoleAssistant, `<!--img-prompt="a lighthouse"-->`)
	require.NoError(t, err)

	tr, err := s.OpenTranscript(ctx, c.ID, nil)
	require.NoError(t, err)
	reg, err := tr.Session().Registry()
	require.NoError(t, err)
	reg.Register("a lighthouse", 0, 0, registry.SourceFromModel)
	require.NoError(t, tr.PersistMetadata(ctx))
	return c.ID
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestPromptsCommands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PROMPTCANVAS_LOG_FILE", filepath.Join(dir, "system.log"))
	dbPath := filepath.Join(dir, "chats.db")
	chatID := seedChat(t, dbPath)

	out := run(t, "prompts", "tree", chatID, "--plain", "--store", dbPath)
	assert.Contains(t, out, "message 0")
	assert.Contains(t, out, `"a lighthouse"`)
	assert.Contains(t, out, "[from-model]")

	out = run(t, "prompts", "export", chatID, "--store", dbPath)
	assert.Contains(t, out, `"a lighthouse"`)

	out = run(t, "prompts", "check", chatID, "--store", dbPath)
	assert.Contains(t, out, "1 prompts, tree is consistent")

	out = run(t, "chats", "--store", dbPath)
	assert.Contains(t, out, chatID)
	assert.Contains(t, out, "seeded")

	out = run(t, "prompts", "prune", chatID, "--store", dbPath)
	assert.Contains(t, out, "removed 1 prompt(s)")

	out = run(t, "prompts", "tree", chatID, "--plain", "--store", dbPath)
	assert.Contains(t, out, "No prompts recorded")

	out = run(t, "chats", "show", chatID, "--store", dbPath)
	assert.Contains(t, out, "seeded")
	assert.Contains(t, out, "[0] assistant")
	assert.Contains(t, out, `<!--img-prompt="a lighthouse"-->`)

	out = run(t, "chats", "delete", chatID, "--store", dbPath)
	assert.Contains(t, out, "deleted chat "+chatID)

	out = run(t, "chats", "--store", dbPath)
	assert.Contains(t, out, "No chats found")
}
