package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeGenerator implements host.Generator for testing. By default every
// prompt yields "/images/<slug>.png".
type FakeGenerator struct {
	mu        sync.Mutex
	results   map[string]string
	failures  map[string]error
	delay     time.Duration
	gate      chan struct{}
	calls     []string
	active    int
	maxActive int
}

// NewFakeGenerator creates a generator with default results
func NewFakeGenerator() *FakeGenerator {
	return &FakeGenerator{
		results:  make(map[string]string),
		failures: make(map[string]error),
	}
}

// Generate implements host.Generator
func (g *FakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, prompt)
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	delay, gate := g.delay, g.gate
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err, ok := g.failures[prompt]; ok {
		return "", err
	}
	if url, ok := g.results[prompt]; ok {
		return url, nil
	}
	return "/images/" + Slug(prompt) + ".png", nil
}

// SetResult fixes the reference returned for prompt. An empty url simulates
// a generator that produced nothing.
func (g *FakeGenerator) SetResult(prompt, url string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[prompt] = url
}

// SetFailure makes prompt fail with err
func (g *FakeGenerator) SetFailure(prompt string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		err = fmt.Errorf("fake generation failure for %q", prompt)
	}
	g.failures[prompt] = err
}

// ClearFailure lets prompt succeed again
func (g *FakeGenerator) ClearFailure(prompt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.failures, prompt)
}

// SetDelay makes every call take at least d
func (g *FakeGenerator) SetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// Hold blocks every call until Release is called
func (g *FakeGenerator) Hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
}

// Release unblocks calls held by Hold
func (g *FakeGenerator) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate != nil {
		close(g.gate)
		g.gate = nil
	}
}

// Calls returns the prompts seen, in call order
func (g *FakeGenerator) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

// GetCallCount returns how many times Generate was invoked
func (g *FakeGenerator) GetCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Active returns how many calls are in flight
func (g *FakeGenerator) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// MaxActive returns the peak number of concurrent calls
func (g *FakeGenerator) MaxActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
}

// Slug lowercases a prompt and joins its words with dashes
func Slug(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), "-")
}
