// Package queue holds the prompts found during one streaming turn and tracks
// each through generation. It is a plain state container: it never calls the
// generator itself.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/killallgit/promptcanvas/pkg/logger"
)

// ErrUnknownPrompt is returned by Get for ids not in the queue
var ErrUnknownPrompt = errors.New("prompt not in queue")

// RegenMeta describes a manual regeneration request
type RegenMeta struct {
	TargetImageURL string        `json:"targetImageUrl,omitempty"`
	TargetPromptID string        `json:"targetPromptId,omitempty"`
	InsertionMode  InsertionMode `json:"insertionMode,omitempty"`
	// Discriminator keeps repeated regenerations of the same text distinct
	Discriminator string `json:"discriminator,omitempty"`
}

// Prompt is a work item awaiting or undergoing generation
type Prompt struct {
	ID                  string     `json:"id"`
	Text                string     `json:"text"`
	FullMatch           string     `json:"fullMatch"`
	StartIndex          int        `json:"startIndex"`
	EndIndex            int        `json:"endIndex"`
	State               State      `json:"state"`
	ImageURL            string     `json:"imageUrl,omitempty"`
	Error               string     `json:"error,omitempty"`
	Attempts            int        `json:"attempts"`
	DetectedAt          time.Time  `json:"detectedAt"`
	GenerationStartedAt time.Time  `json:"generationStartedAt"`
	CompletedAt         time.Time  `json:"completedAt"`
	Regen               *RegenMeta `json:"regen,omitempty"`
}

// IsRegeneration reports whether the prompt came from a manual request
func (p Prompt) IsRegeneration() bool {
	return p.Regen != nil
}

func (p *Prompt) clone() Prompt {
	c := *p
	if p.Regen != nil {
		r := *p.Regen
		c.Regen = &r
	}
	return c
}

// Update carries the side data of a state transition
type Update struct {
	ImageURL string
	Err      error
}

// Stats counts prompts per state
type Stats struct {
	Detected   int `json:"detected"`
	Queued     int `json:"queued"`
	Generating int `json:"generating"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Settled reports whether nothing is waiting on or undergoing generation
func (s Stats) Settled() bool {
	return s.Queued == 0 && s.Generating == 0
}

// Queue is an insertion-ordered set of prompts keyed by a dedup id
type Queue struct {
	mu    sync.RWMutex
	items map[string]*Prompt
	order []string

	now func() time.Time
	log *logger.Logger
}

// New creates an empty queue
func New() *Queue {
	return &Queue{
		items: make(map[string]*Prompt),
		now:   time.Now,
		log:   logger.WithComponent("queue"),
	}
}

// ComputeID derives the dedup id for a prompt detected at start. A non-nil
// regen adds its discriminator so repeated regenerations stay distinct.
func ComputeID(text string, start int, regen *RegenMeta) string {
	key := text + "|" + strconv.Itoa(start)
	if regen != nil {
		key += "|" + regen.TargetPromptID + "|" + regen.TargetImageURL + "|" + regen.Discriminator
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// AddPrompt queues a prompt for generation. It returns false when a prompt
// with the same id is already present.
func (q *Queue) AddPrompt(text, fullMatch string, start, end int, regen *RegenMeta) (Prompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := ComputeID(text, start, regen)
	if _, exists := q.items[id]; exists {
		return Prompt{}, false
	}

	p := &Prompt{
		ID:         id,
		Text:       text,
		FullMatch:  fullMatch,
		StartIndex: start,
		EndIndex:   end,
		State:      StateQueued,
		DetectedAt: q.now(),
	}
	if regen != nil {
		r := *regen
		p.Regen = &r
	}

	q.items[id] = p
	q.order = append(q.order, id)

	q.log.Debug("Queued prompt", "id", id, "start", start, "regeneration", regen != nil)
	return p.clone(), true
}

// GetNextPending returns the oldest prompt in QUEUED state
func (q *Queue) GetNextPending() (Prompt, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, id := range q.order {
		if p := q.items[id]; p.State == StateQueued {
			return p.clone(), true
		}
	}
	return Prompt{}, false
}

// ClaimNext moves the oldest QUEUED prompt to GENERATING and returns it.
// Finding and transitioning happen under one lock so two drains never claim
// the same prompt.
func (q *Queue) ClaimNext() (Prompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		if p := q.items[id]; p.State == StateQueued {
			q.transitionLocked(p, StateGenerating, Update{})
			return p.clone(), true
		}
	}
	return Prompt{}, false
}

// UpdateState transitions a prompt and records the transition's side data.
// Unknown ids are logged and ignored.
func (q *Queue) UpdateState(id string, state State, data Update) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.items[id]
	if !ok {
		q.log.Warn("Ignoring state update for unknown prompt", "id", id, "state", state)
		return false
	}
	q.transitionLocked(p, state, data)
	return true
}

func (q *Queue) transitionLocked(p *Prompt, state State, data Update) {
	from := p.State
	p.State = state

	switch state {
	case StateQueued, StateDetected:
		p.Error = ""
		p.CompletedAt = time.Time{}
	case StateGenerating:
		p.Attempts++
		p.GenerationStartedAt = q.now()
	case StateCompleted:
		p.CompletedAt = q.now()
		p.ImageURL = data.ImageURL
	case StateFailed:
		p.CompletedAt = q.now()
		if data.Err != nil {
			p.Error = data.Err.Error()
		} else {
			p.Error = "generation failed"
		}
	}

	q.log.Debug("Prompt state changed", "id", p.ID, "from", from, "to", state, "attempts", p.Attempts)
}

// AdjustPositions shifts prompts that sit after an insertion. Only prompts
// detected before insertedAt move; later detections already carry
// post-insertion offsets. Finished prompts move as well so a rescan of the
// edited text still recognises them. Returns how many prompts were shifted.
func (q *Queue) AdjustPositions(insertionPoint, insertedLength int, insertedAt time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	shifted := 0
	for _, id := range q.order {
		p := q.items[id]
		if p.StartIndex > insertionPoint && p.DetectedAt.Before(insertedAt) {
			p.StartIndex += insertedLength
			p.EndIndex += insertedLength
			shifted++
		}
	}
	return shifted
}

// GetStats counts prompts per state
func (q *Queue) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Stats
	for _, p := range q.items {
		switch p.State {
		case StateDetected:
			s.Detected++
		case StateQueued:
			s.Queued++
		case StateGenerating:
			s.Generating++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		}
	}
	s.Total = len(q.items)
	return s
}

// Get returns a copy of one prompt
func (q *Queue) Get(id string) (Prompt, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	p, ok := q.items[id]
	if !ok {
		return Prompt{}, ErrUnknownPrompt
	}
	return p.clone(), nil
}

// Has reports whether id is in the queue
func (q *Queue) Has(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.items[id]
	return ok
}

// HasAt reports whether a streaming prompt with this text currently sits at
// start. Offsets move with AdjustPositions, so this catches markers whose
// dedup id was computed before an insertion shifted them.
func (q *Queue) HasAt(text string, start int) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, p := range q.items {
		if p.Regen == nil && p.Text == text && p.StartIndex == start {
			return true
		}
	}
	return false
}

// All returns every prompt in insertion order
func (q *Queue) All() []Prompt {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Prompt, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.items[id].clone())
	}
	return out
}

// Filter returns prompts in the given state, in insertion order
func (q *Queue) Filter(state State) []Prompt {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []Prompt
	for _, id := range q.order {
		if p := q.items[id]; p.State == state {
			out = append(out, p.clone())
		}
	}
	return out
}

// Pending returns prompts still waiting for the dispatcher
func (q *Queue) Pending() []Prompt {
	return q.Filter(StateQueued)
}

// Len returns the number of prompts
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.order)
}

// Clear drops every prompt. Used when a new streaming turn begins.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = make(map[string]*Prompt)
	q.order = nil
}
