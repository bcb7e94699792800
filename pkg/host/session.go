package host

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/killallgit/promptcanvas/pkg/logger"
	"github.com/killallgit/promptcanvas/pkg/registry"
)

// RegistryKey is where the prompt registry lives in chat metadata
const RegistryKey = "promptcanvas.registry"

// Session is the per-chat context handed to every persistence-touching
// operation. Switching chats refreshes its fields in place, so references
// held elsewhere keep pointing at the live session.
type Session struct {
	mu       sync.Mutex
	chatID   string
	metadata map[string]json.RawMessage
	registry *registry.Registry

	log *logger.Logger
}

// NewSession creates a session for chatID over its stored metadata
func NewSession(chatID string, metadata map[string]json.RawMessage) *Session {
	s := &Session{log: logger.WithComponent("session")}
	s.Refresh(chatID, metadata)
	return s
}

// Refresh points the session at another chat. The registry is reloaded
// lazily from the new metadata.
func (s *Session) Refresh(chatID string, metadata map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]json.RawMessage, len(metadata))
	for k, v := range metadata {
		copied[k] = v
	}

	s.chatID = chatID
	s.metadata = copied
	s.registry = nil
	s.log.Debug("Session refreshed", "chat", chatID, "keys", len(copied))
}

// ChatID returns the current chat id
func (s *Session) ChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatID
}

// Registry returns the chat's prompt registry, loading it from metadata on
// first use. A chat without one gets an empty registry; a stored registry
// that cannot be decoded is an error rather than being replaced.
func (s *Session) Registry() (*registry.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry != nil {
		return s.registry, nil
	}

	reg := registry.New()
	if raw, ok := s.metadata[RegistryKey]; ok && len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, reg); err != nil {
			return nil, fmt.Errorf("chat %s: %w", s.chatID, err)
		}
	}
	s.registry = reg
	return reg, nil
}

// Metadata returns the chat metadata with the registry encoded under
// RegistryKey, ready to persist
func (s *Session) Metadata() (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]json.RawMessage, len(s.metadata)+1)
	for k, v := range s.metadata {
		out[k] = v
	}

	if s.registry != nil {
		raw, err := json.Marshal(s.registry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode prompt registry: %w", err)
		}
		out[RegistryKey] = raw
	}
	return out, nil
}
