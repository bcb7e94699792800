package refine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killallgit/promptcanvas/pkg/registry"
	"github.com/killallgit/promptcanvas/pkg/testutil"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   string
	}{
		{"plain", "a black cat", "a black cat"},
		{"quoted", `"a black cat"`, "a black cat"},
		{"labelled", "Prompt: a black cat", "a black cat"},
		{"first line", "\n a black cat\nThis version adds colour.", "a black cat"},
		{"reasoning", "<think>make it darker</think>\na black cat", "a black cat"},
		{"inner quotes", `a cat holding a "hello" sign`, "a cat holding a 'hello' sign"},
		{"empty", "  \n ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.answer))
		})
	}
}

func TestRefineAddsModelRefinedChild(t *testing.T) {
	reg := registry.New()
	root := reg.Register("a cat", 1, 0, registry.SourceFromModel)
	first, err := reg.Refine(root.ID, "a grey cat", "grey", registry.SourceUserEdited)
	require.NoError(t, err)

	llm := testutil.NewFakeLLM(`"a black cat on a windowsill"`)
	r := New(llm)

	node, err := r.Refine(context.Background(), reg, first.ID, "make it black, on a windowsill")
	require.NoError(t, err)

	assert.Equal(t, "a black cat on a windowsill", node.Text)
	assert.Equal(t, registry.SourceModelRefined, node.Source)
	assert.Equal(t, "make it black, on a windowsill", node.Feedback)
	require.NotNil(t, node.ParentID)
	assert.Equal(t, first.ID, *node.ParentID)
	assert.Equal(t, 1, node.MessageID)

	prompt := llm.GetLastPrompt()
	assert.Contains(t, prompt, "- a cat")
	assert.Contains(t, prompt, "Current prompt: a grey cat")
	assert.Contains(t, prompt, "Requested change: make it black, on a windowsill")
	assert.NoError(t, reg.Validate())
}

func TestRefineErrors(t *testing.T) {
	reg := registry.New()
	root := reg.Register("a cat", 0, 0, registry.SourceFromModel)

	t.Run("unknown prompt", func(t *testing.T) {
		_, err := New(testutil.NewFakeLLM("x")).Refine(context.Background(), reg, "missing", "x")
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("empty answer", func(t *testing.T) {
		_, err := New(testutil.NewFakeLLM(`""`)).Refine(context.Background(), reg, root.ID, "x")
		assert.ErrorIs(t, err, ErrEmptyRefinement)
		assert.Equal(t, 1, reg.Len())
	})

	t.Run("model failure", func(t *testing.T) {
		llm := testutil.NewFakeLLM("x")
		llm.SetErrorOnCall(1, "offline")
		_, err := New(llm).Refine(context.Background(), reg, root.ID, "x")
		assert.ErrorContains(t, err, "offline")
	})
}

func TestSuggestLeavesRegistryAlone(t *testing.T) {
	reg := registry.New()
	root := reg.Register("a cat", 0, 0, registry.SourceFromModel)

	text, err := New(testutil.NewFakeLLM("a tabby cat")).Suggest(context.Background(), reg, root.ID, "tabby")
	require.NoError(t, err)
	assert.Equal(t, "a tabby cat", text)
	assert.Equal(t, 1, reg.Len())
}
