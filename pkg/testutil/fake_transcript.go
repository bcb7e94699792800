package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/killallgit/promptcanvas/pkg/host"
)

// FakeTranscript is an in-memory chat implementing host.Transcript and
// host.Hooks. It records reads, writes, and hook calls in order.
type FakeTranscript struct {
	mu       sync.Mutex
	messages []string
	reads    int
	writes   int
	events   []string

	persistErr   error
	persistDelay time.Duration
}

// NewFakeTranscript creates a transcript holding messages
func NewFakeTranscript(messages ...string) *FakeTranscript {
	return &FakeTranscript{messages: append([]string(nil), messages...)}
}

// ReadMessageText implements host.Transcript
func (f *FakeTranscript) ReadMessageText(ctx context.Context, index int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if index < 0 || index >= len(f.messages) {
		return "", fmt.Errorf("message %d: %w", index, host.ErrMessageNotFound)
	}
	f.reads++
	return f.messages[index], nil
}

// WriteMessageText implements host.Transcript
func (f *FakeTranscript) WriteMessageText(ctx context.Context, index int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if index < 0 || index >= len(f.messages) {
		return fmt.Errorf("message %d: %w", index, host.ErrMessageNotFound)
	}
	f.writes++
	f.messages[index] = text
	f.events = append(f.events, fmt.Sprintf("write:%d", index))
	return nil
}

// MessageCount implements host.Transcript
func (f *FakeTranscript) MessageCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages), nil
}

// SetText replaces a message's text, as a streaming model would
func (f *FakeTranscript) SetText(index int, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.messages) <= index {
		f.messages = append(f.messages, "")
	}
	f.messages[index] = text
}

// AppendText extends a message's text
func (f *FakeTranscript) AppendText(index int, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.messages) <= index {
		f.messages = append(f.messages, "")
	}
	f.messages[index] += text
}

// Text returns a message's current text
func (f *FakeTranscript) Text(index int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.messages) {
		return ""
	}
	return f.messages[index]
}

// Reads returns how many successful reads happened
func (f *FakeTranscript) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Writes returns how many writes happened
func (f *FakeTranscript) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Events returns writes and hook calls in the order they happened
func (f *FakeTranscript) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// ResetCounters clears read and write counts and the event log
func (f *FakeTranscript) ResetCounters() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads, f.writes = 0, 0
	f.events = nil
}

// SetPersistError makes both persist hooks fail with err
func (f *FakeTranscript) SetPersistError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistErr = err
}

// SetPersistDelay makes PersistChat take d, like a slow store
func (f *FakeTranscript) SetPersistDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistDelay = d
}

func (f *FakeTranscript) record(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

// NotifyEdited implements host.Hooks
func (f *FakeTranscript) NotifyEdited(index int) { f.record(fmt.Sprintf("edited:%d", index)) }

// Rerender implements host.Hooks
func (f *FakeTranscript) Rerender(index int) { f.record(fmt.Sprintf("rerender:%d", index)) }

// NotifyUpdated implements host.Hooks
func (f *FakeTranscript) NotifyUpdated(index int) { f.record(fmt.Sprintf("updated:%d", index)) }

// PersistMetadata implements host.Hooks
func (f *FakeTranscript) PersistMetadata(ctx context.Context) error {
	f.record("persist-metadata")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persistErr
}

// PersistChat implements host.Hooks
func (f *FakeTranscript) PersistChat(ctx context.Context) error {
	f.record("persist-chat")
	f.mu.Lock()
	delay, err := f.persistDelay, f.persistErr
	f.mu.Unlock()

	time.Sleep(delay)
	return err
}

// FakeNotifier collects notifications
type FakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

// Notify implements host.Notifier
func (n *FakeNotifier) Notify(level host.Level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, string(level)+": "+message)
}

// Messages returns notifications as "level: message"
func (n *FakeNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}
