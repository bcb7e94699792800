// Package barrier provides a one-shot rendezvous over a set of named
// conditions. It settles exactly once: resolved when every condition has
// arrived, or failed when an optional timeout elapses first.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/killallgit/promptcanvas/pkg/logger"
)

var (
	// ErrNoConditions is returned when a barrier is built without conditions
	ErrNoConditions = errors.New("barrier requires at least one condition")
	// ErrTimeout matches any *TimeoutError via errors.Is
	ErrTimeout = errors.New("barrier timed out")
)

// TimeoutError names the conditions still missing when the timeout fired
type TimeoutError struct {
	Missing []string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("barrier timed out after %v waiting for: %s", e.After, strings.Join(e.Missing, ", "))
}

// Is lets errors.Is(err, ErrTimeout) match
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Barrier waits for a fixed set of named conditions
type Barrier struct {
	mu         sync.Mutex
	conditions []string
	arrived    map[string]bool
	timeout    time.Duration
	timer      *time.Timer
	done       chan struct{}
	err        error
	settled    bool

	log *logger.Logger
}

// Option configures a Barrier
type Option func(*Barrier)

// WithTimeout fails the barrier if conditions are still missing after d.
// Zero or negative disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Barrier) {
		b.timeout = d
	}
}

// New creates a barrier over the given conditions. Duplicate names collapse.
func New(conditions []string, opts ...Option) (*Barrier, error) {
	seen := make(map[string]bool, len(conditions))
	unique := make([]string, 0, len(conditions))
	for _, c := range conditions {
		if seen[c] {
			continue
		}
		seen[c] = true
		unique = append(unique, c)
	}
	if len(unique) == 0 {
		return nil, ErrNoConditions
	}

	b := &Barrier{
		conditions: unique,
		arrived:    make(map[string]bool, len(unique)),
		done:       make(chan struct{}),
		log:        logger.WithComponent("barrier"),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.timeout > 0 {
		b.timer = time.AfterFunc(b.timeout, b.expire)
	}
	return b, nil
}

// Arrive marks a condition as met. Repeated or unknown names are ignored, as
// are arrivals after the barrier settled.
func (b *Barrier) Arrive(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.settled {
		return
	}
	if !b.isCondition(name) {
		b.log.Debug("Ignoring unknown condition", "condition", name)
		return
	}
	if b.arrived[name] {
		return
	}
	b.arrived[name] = true
	b.log.Debug("Condition arrived", "condition", name, "remaining", len(b.conditions)-len(b.arrived))

	if len(b.arrived) == len(b.conditions) {
		if b.timer != nil {
			b.timer.Stop()
		}
		b.settleLocked(nil)
	}
}

func (b *Barrier) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.settled {
		return
	}
	missing := b.remainingLocked()
	b.log.Warn("Barrier timed out", "missing", missing, "timeout", b.timeout)
	b.settleLocked(&TimeoutError{Missing: missing, After: b.timeout})
}

func (b *Barrier) settleLocked(err error) {
	b.settled = true
	b.err = err
	close(b.done)
}

// Wait blocks until the barrier settles or ctx is done. It returns nil on
// resolution and the *TimeoutError on timeout.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the barrier settles either way
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Err returns the settlement error, nil while pending or after resolution
func (b *Barrier) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// IsResolved reports whether every condition arrived before any timeout
func (b *Barrier) IsResolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settled && b.err == nil
}

// RemainingConditions lists the conditions not yet arrived, in declaration order
func (b *Barrier) RemainingConditions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingLocked()
}

// RemainingCount returns how many conditions are still missing
func (b *Barrier) RemainingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conditions) - len(b.arrived)
}

func (b *Barrier) remainingLocked() []string {
	missing := []string{}
	for _, c := range b.conditions {
		if !b.arrived[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func (b *Barrier) isCondition(name string) bool {
	for _, c := range b.conditions {
		if c == name {
			return true
		}
	}
	return false
}
