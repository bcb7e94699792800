package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/logger"
)

// Event names passed to an EventHandler
const (
	EventEdited   = "edited"
	EventRerender = "rerender"
	EventUpdated  = "updated"
)

// EventHandler observes message changes announced through the hooks
type EventHandler func(event string, index int)

// Transcript is the live view of one chat. Message text is held in memory
// while a reply streams in and written back on PersistChat. It implements
// host.Transcript and host.Hooks.
type Transcript struct {
	store   *Store
	chatID  string
	session *host.Session

	mu       sync.RWMutex
	messages []Message
	dirty    map[int]bool
	onEvent  EventHandler

	log *logger.Logger
}

// OpenTranscript loads chatID's messages. session receives the chat's
// metadata and is what PersistMetadata saves; it is refreshed in place so
// holders of the pointer follow the switch.
func (s *Store) OpenTranscript(ctx context.Context, chatID string, session *host.Session) (*Transcript, error) {
	metadata, err := s.LoadMetadata(ctx, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if session == nil {
		session = host.NewSession(chatID, metadata)
	} else {
		session.Refresh(chatID, metadata)
	}

	return &Transcript{
		store:    s,
		chatID:   chatID,
		session:  session,
		messages: messages,
		dirty:    make(map[int]bool),
		log:      logger.WithComponent("transcript"),
	}, nil
}

// ChatID returns the chat this transcript shows
func (t *Transcript) ChatID() string { return t.chatID }

// Session returns the session bound to this chat
func (t *Transcript) Session() *host.Session { return t.session }

// OnEvent registers a handler for edit and render notifications
func (t *Transcript) OnEvent(h EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvent = h
}

// Messages returns a copy of the chat's messages
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.messages...)
}

// ReadMessageText implements host.Transcript
func (t *Transcript) ReadMessageText(ctx context.Context, index int) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.messages) {
		return "", fmt.Errorf("chat %s index %d: %w", t.chatID, index, host.ErrMessageNotFound)
	}
	return t.messages[index].Content, nil
}

// WriteMessageText implements host.Transcript. The change is kept in memory
// until PersistChat.
func (t *Transcript) WriteMessageText(ctx context.Context, index int, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.messages) {
		return fmt.Errorf("chat %s index %d: %w", t.chatID, index, host.ErrMessageNotFound)
	}
	t.messages[index].Content = text
	t.dirty[index] = true
	return nil
}

// MessageCount implements host.Transcript
func (t *Transcript) MessageCount(ctx context.Context) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages), nil
}

// Append stores a new message right away and returns its index
func (t *Transcript) Append(ctx context.Context, role, content string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	index, err := t.store.AppendMessage(ctx, t.chatID, role, content)
	if err != nil {
		return 0, err
	}
	if index != len(t.messages) {
		t.log.Warn("Transcript out of sync with store", "chat", t.chatID, "stored_index", index, "cached", len(t.messages))
	}
	t.messages = append(t.messages, Message{ChatID: t.chatID, Index: index, Role: role, Content: content})
	return index, nil
}

// AppendText extends message index with a streamed chunk
func (t *Transcript) AppendText(index int, chunk string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.messages) {
		return fmt.Errorf("chat %s index %d: %w", t.chatID, index, host.ErrMessageNotFound)
	}
	t.messages[index].Content += chunk
	t.dirty[index] = true
	return nil
}

func (t *Transcript) emit(event string, index int) {
	t.mu.RLock()
	h := t.onEvent
	t.mu.RUnlock()
	if h != nil {
		h(event, index)
	}
}

// NotifyEdited implements host.Hooks
func (t *Transcript) NotifyEdited(index int) { t.emit(EventEdited, index) }

// Rerender implements host.Hooks
func (t *Transcript) Rerender(index int) { t.emit(EventRerender, index) }

// NotifyUpdated implements host.Hooks
func (t *Transcript) NotifyUpdated(index int) { t.emit(EventUpdated, index) }

// PersistMetadata implements host.Hooks by saving the session's metadata,
// registry included
func (t *Transcript) PersistMetadata(ctx context.Context) error {
	if id := t.session.ChatID(); id != t.chatID {
		return fmt.Errorf("session moved to chat %s, transcript shows %s", id, t.chatID)
	}
	metadata, err := t.session.Metadata()
	if err != nil {
		return err
	}
	return t.store.SaveMetadata(ctx, t.chatID, metadata)
}

// PersistChat implements host.Hooks by writing every changed message
func (t *Transcript) PersistChat(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.dirty) == 0 {
		return nil
	}
	changed := make([]Message, 0, len(t.dirty))
	for i := range t.messages {
		if t.dirty[i] {
			changed = append(changed, t.messages[i])
		}
	}
	if err := t.store.SaveMessages(ctx, t.chatID, changed); err != nil {
		return err
	}
	t.dirty = make(map[int]bool)
	t.log.Debug("Chat persisted", "chat", t.chatID, "messages", len(changed))
	return nil
}
