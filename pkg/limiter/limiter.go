// Package limiter bounds calls into the image generator: at most N run at
// once, and consecutive completions are spaced by a minimum interval. Both
// limits can be changed while work is in flight.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/killallgit/promptcanvas/pkg/logger"
)

const (
	MinConcurrent = 1
	MaxConcurrent = 5
	MaxInterval   = 10 * time.Second
)

// Config holds limiter settings. Out-of-range values are clamped.
type Config struct {
	MaxConcurrent int
	MinInterval   time.Duration
}

// Status is a point-in-time view of the limiter
type Status struct {
	MaxConcurrent int           `json:"max_concurrent"`
	MinInterval   time.Duration `json:"min_interval"`
	CurrentCount  int           `json:"current_count"`
	QueueLength   int           `json:"queue_length"`
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Limiter admits work under a concurrency bound and a completion spacing
type Limiter struct {
	mu             sync.Mutex
	maxConcurrent  int
	minInterval    time.Duration
	active         int
	waiters        []*waiter
	lastCompletion time.Time

	// gate serializes completion stamping so spacing holds across slots
	gate chan struct{}

	log *logger.Logger
}

// New creates a limiter
func New(config Config) *Limiter {
	return &Limiter{
		maxConcurrent: clampConcurrent(config.MaxConcurrent),
		minInterval:   clampInterval(config.MinInterval),
		gate:          make(chan struct{}, 1),
		log:           logger.WithComponent("limiter"),
	}
}

// Run executes fn once admitted. It waits out the spacing interval, takes a
// slot in arrival order, runs fn, frees the slot (even if fn panics), then
// records the completion. A context cancelled while waiting returns its error
// without running fn. Once fn has run its completion is always recorded and
// fn's own error is returned.
func (l *Limiter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.waitForInterval(ctx); err != nil {
		return err
	}
	if err := l.acquire(ctx); err != nil {
		return err
	}

	err := l.execute(ctx, fn)
	l.stampCompletion()
	return err
}

func (l *Limiter) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	defer l.release()
	return fn(ctx)
}

func (l *Limiter) waitForInterval(ctx context.Context) error {
	l.mu.Lock()
	wait := l.untilNextCompletionLocked()
	l.mu.Unlock()

	if wait > 0 {
		l.log.Debug("Waiting for spacing interval", "wait", wait)
	}
	return sleep(ctx, wait)
}

func (l *Limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.active < l.maxConcurrent && len(l.waiters) == 0 {
		l.active++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.log.Debug("Queued for slot", "queue_length", len(l.waiters), "active", l.active)
	l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if w.granted {
			// A slot arrived as we gave up; hand it to the next in line
			l.active--
			l.grantLocked()
		} else {
			l.removeWaiterLocked(w)
		}
		return ctx.Err()
	}
}

func (l *Limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active--
	l.grantLocked()
}

func (l *Limiter) grantLocked() {
	for l.active < l.maxConcurrent && len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		w.granted = true
		l.active++
		close(w.ready)
	}
}

func (l *Limiter) removeWaiterLocked(w *waiter) {
	for i, candidate := range l.waiters {
		if candidate == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// stampCompletion records a completion no sooner than minInterval after the
// previous one. It ignores the caller's context: the work already happened,
// so the stamp must land or the next admission would skip its spacing.
func (l *Limiter) stampCompletion() {
	l.gate <- struct{}{}
	defer func() { <-l.gate }()

	l.mu.Lock()
	wait := l.untilNextCompletionLocked()
	l.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}

	l.mu.Lock()
	l.lastCompletion = time.Now()
	l.mu.Unlock()
}

func (l *Limiter) untilNextCompletionLocked() time.Duration {
	if l.minInterval == 0 || l.lastCompletion.IsZero() {
		return 0
	}
	return time.Until(l.lastCompletion.Add(l.minInterval))
}

// SetMaxConcurrent changes the concurrency bound for the next admission.
// Running work is never interrupted.
func (l *Limiter) SetMaxConcurrent(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maxConcurrent = clampConcurrent(n)
	l.log.Info("Updated max concurrent generations", "requested", n, "applied", l.maxConcurrent)
	l.grantLocked()
}

// SetMinInterval changes the completion spacing
func (l *Limiter) SetMinInterval(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.minInterval = clampInterval(d)
	l.log.Info("Updated generation spacing", "requested", d, "applied", l.minInterval)
}

// UpdateConfig applies both settings at once
func (l *Limiter) UpdateConfig(config Config) {
	l.SetMaxConcurrent(config.MaxConcurrent)
	l.SetMinInterval(config.MinInterval)
}

// Status returns the current limits and load
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Status{
		MaxConcurrent: l.maxConcurrent,
		MinInterval:   l.minInterval,
		CurrentCount:  l.active,
		QueueLength:   len(l.waiters),
	}
}

func clampConcurrent(n int) int {
	if n < MinConcurrent {
		return MinConcurrent
	}
	if n > MaxConcurrent {
		return MaxConcurrent
	}
	return n
}

func clampInterval(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
