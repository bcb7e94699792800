package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/registry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chats", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestChatLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	chat, err := s.CreateChat(ctx, "stories")
	require.NoError(t, err)

	got, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "stories", got.Title)

	for i, content := range []string{"Tell me a story", "Once upon a time"} {
		role := RoleUser
		if i == 1 {
			role = RoleAssistant
		}
		index, err := s.AppendMessage(ctx, chat.ID, role, content)
		require.NoError(t, err)
		assert.Equal(t, i, index)
	}

	messages, err := s.Messages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleAssistant, messages[1].Role)
	assert.Equal(t, "Once upon a time", messages[1].Content)

	chats, err := s.ListChats(ctx)
	require.NoError(t, err)
	assert.Len(t, chats, 1)

	require.NoError(t, s.DeleteChat(ctx, chat.ID))
	_, err = s.GetChat(ctx, chat.ID)
	assert.ErrorIs(t, err, ErrChatNotFound)
	messages, err = s.Messages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestUnknownChat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tests := []struct {
		name string
		call func() error
	}{
		{"get", func() error { _, err := s.GetChat(ctx, "nope"); return err }},
		{"delete", func() error { return s.DeleteChat(ctx, "nope") }},
		{"save metadata", func() error { return s.SaveMetadata(ctx, "nope", nil) }},
		{"open transcript", func() error { _, err := s.OpenTranscript(ctx, "nope", nil); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrChatNotFound)
		})
	}

	_, err := s.AppendMessage(ctx, "nope", RoleUser, "hi")
	assert.Error(t, err)
}

func TestTranscriptPersistsOnlyOnPersistChat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat, err := s.CreateChat(ctx, "")
	require.NoError(t, err)

	tr, err := s.OpenTranscript(ctx, chat.ID, nil)
	require.NoError(t, err)
	index, err := tr.Append(ctx, RoleAssistant, "")
	require.NoError(t, err)

	require.NoError(t, tr.AppendText(index, "Once "))
	require.NoError(t, tr.AppendText(index, "upon a time"))
	text, err := tr.ReadMessageText(ctx, index)
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time", text)

	stored, err := s.Messages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "", stored[0].Content)

	require.NoError(t, tr.PersistChat(ctx))
	stored, err = s.Messages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Once upon a time", stored[0].Content)

	count, err := tr.MessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTranscriptOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat, err := s.CreateChat(ctx, "")
	require.NoError(t, err)
	tr, err := s.OpenTranscript(ctx, chat.ID, nil)
	require.NoError(t, err)

	_, err = tr.ReadMessageText(ctx, 0)
	assert.ErrorIs(t, err, host.ErrMessageNotFound)
	assert.ErrorIs(t, tr.WriteMessageText(ctx, -1, "x"), host.ErrMessageNotFound)
	assert.ErrorIs(t, tr.AppendText(3, "x"), host.ErrMessageNotFound)
}

func TestTranscriptHooks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat, err := s.CreateChat(ctx, "")
	require.NoError(t, err)
	tr, err := s.OpenTranscript(ctx, chat.ID, nil)
	require.NoError(t, err)

	var events []string
	tr.OnEvent(func(event string, index int) {
		events = append(events, event)
	})
	tr.NotifyEdited(0)
	tr.Rerender(0)
	tr.NotifyUpdated(0)
	assert.Equal(t, []string{EventEdited, EventRerender, EventUpdated}, events)
}

func TestRegistrySurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chats.db")

	s, err := Open(path)
	require.NoError(t, err)
	chat, err := s.CreateChat(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.SaveMetadata(ctx, chat.ID, map[string]json.RawMessage{"theme": json.RawMessage(`"dark"`)}))

	sess := host.NewSession("", nil)
	tr, err := s.OpenTranscript(ctx, chat.ID, sess)
	require.NoError(t, err)
	assert.Same(t, sess, tr.Session())
	assert.Equal(t, chat.ID, sess.ChatID())

	reg, err := sess.Registry()
	require.NoError(t, err)
	node := reg.Register("a cat", 0, 0, registry.SourceFromModel)
	reg.LinkImage(node.ID, "/images/a-cat.png")
	require.NoError(t, tr.PersistMetadata(ctx))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadSession(ctx, chat.ID)
	require.NoError(t, err)
	meta, err := loaded.Metadata()
	require.NoError(t, err)
	assert.JSONEq(t, `"dark"`, string(meta["theme"]))

	restored, err := loaded.Registry()
	require.NoError(t, err)
	owner, ok := restored.FindByImage("/images/a-cat.png")
	require.True(t, ok)
	assert.Equal(t, node.ID, owner.ID)
}

func TestPersistMetadataRejectsSwitchedSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	chat, err := s.CreateChat(ctx, "")
	require.NoError(t, err)
	tr, err := s.OpenTranscript(ctx, chat.ID, nil)
	require.NoError(t, err)

	tr.Session().Refresh("other", nil)
	assert.Error(t, tr.PersistMetadata(ctx))
}
