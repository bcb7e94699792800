// Package monitor watches a message while it streams in and queues every
// image-prompt marker that appears in it.
//
// Each poll re-extracts markers from the full current text rather than a
// diff. Dedup is content-addressed through the queue, so text rewritten by
// unrelated edits never produces duplicate work.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/logger"
	"github.com/killallgit/promptcanvas/pkg/markers"
	"github.com/killallgit/promptcanvas/pkg/queue"
)

// DefaultPollInterval is used when no interval is configured
const DefaultPollInterval = 300 * time.Millisecond

// Monitor polls one message at a time. Start, Stop, and FinalScan may be
// called from any goroutine.
type Monitor struct {
	transcript host.Transcript
	queue      *queue.Queue
	patterns   *markers.Patterns
	interval   time.Duration
	onDetect   func(added []queue.Prompt)

	mu       sync.Mutex
	running  bool
	index    int
	lastText string
	scanned  bool
	cancel   context.CancelFunc
	done     chan struct{}

	// scanMu serializes scans from the poll loop and FinalScan
	scanMu sync.Mutex

	log *logger.Logger
}

// Option configures a Monitor
type Option func(*Monitor)

// WithPollInterval sets how often the message is re-read
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithOnDetect registers a callback run after a scan queued new prompts
func WithOnDetect(fn func(added []queue.Prompt)) Option {
	return func(m *Monitor) {
		m.onDetect = fn
	}
}

// New creates a stopped monitor
func New(transcript host.Transcript, q *queue.Queue, patterns *markers.Patterns, opts ...Option) *Monitor {
	m := &Monitor{
		transcript: transcript,
		queue:      q,
		patterns:   patterns,
		interval:   DefaultPollInterval,
		index:      -1,
		log:        logger.WithComponent("monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins monitoring message index, stopping any previous run. It scans
// once immediately; a message that does not exist is returned as an error
// and nothing is started.
func (m *Monitor) Start(ctx context.Context, index int) error {
	m.Stop()

	m.mu.Lock()
	m.index = index
	m.lastText = ""
	m.scanned = false
	m.mu.Unlock()

	if _, err := m.scan(ctx, false); err != nil && errors.Is(err, host.ErrMessageNotFound) {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.running = true
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.loop(runCtx, done)

	m.log.Debug("Monitor started", "message", index, "interval", m.interval)
	return nil
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.scan(ctx, false); err != nil && ctx.Err() == nil {
				m.log.Debug("Poll failed", "error", err)
			}
		}
	}
}

// Stop halts polling and waits for the poll goroutine to exit. Calling it
// on a stopped monitor does nothing.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	cancel()
	<-done
	m.log.Debug("Monitor stopped", "message", m.MessageIndex())
}

// FinalScan runs one last extraction pass over the monitored message,
// whether or not polling is active. It returns how many prompts it queued.
func (m *Monitor) FinalScan(ctx context.Context) (int, error) {
	if m.MessageIndex() < 0 {
		return 0, nil
	}
	added, err := m.scan(ctx, true)
	return len(added), err
}

// Paused runs fn with no scan in flight and none starting until fn returns.
// Callers use it to rewrite the monitored message and fix up queued offsets
// as one step.
func (m *Monitor) Paused(fn func()) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	fn()
}

// IsRunning reports whether polling is active
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// MessageIndex returns the monitored message, or -1 before the first Start
func (m *Monitor) MessageIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

func (m *Monitor) scan(ctx context.Context, force bool) ([]queue.Prompt, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	m.mu.Lock()
	index, last, scanned := m.index, m.lastText, m.scanned
	m.mu.Unlock()

	text, err := m.transcript.ReadMessageText(ctx, index)
	if err != nil {
		return nil, err
	}
	if scanned && !force && text == last {
		return nil, nil
	}

	m.mu.Lock()
	m.lastText = text
	m.scanned = true
	m.mu.Unlock()

	var added []queue.Prompt
	for _, match := range m.patterns.Extract(text) {
		if m.queue.Has(queue.ComputeID(match.Prompt, match.Start, nil)) || m.queue.HasAt(match.Prompt, match.Start) {
			continue
		}
		if p, ok := m.queue.AddPrompt(match.Prompt, match.FullMatch, match.Start, match.End, nil); ok {
			added = append(added, p)
		}
	}

	if len(added) > 0 {
		m.log.Debug("Detected prompts", "message", index, "count", len(added))
		if m.onDetect != nil {
			m.onDetect(added)
		}
	}
	return added, nil
}
