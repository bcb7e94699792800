// Package insertion splices generated images into a chat message.
//
// A commit reads the message once, anchors every image by the exact marker
// text it was generated from, applies all edits to one string and writes it
// back once. Images already present next to their anchor are left alone, so
// committing the same batch twice changes nothing.
package insertion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/logger"
	"github.com/killallgit/promptcanvas/pkg/markers"
	"github.com/killallgit/promptcanvas/pkg/queue"
	"github.com/killallgit/promptcanvas/pkg/registry"
)

// DeferredImage is a generated image waiting to be committed
type DeferredImage struct {
	QueueID    string
	Prompt     string
	FullMatch  string
	StartIndex int // where the marker was last known to start
	ImageURL   string
	Regen      *queue.RegenMeta
}

func (d DeferredImage) mode() queue.InsertionMode {
	if d.Regen == nil {
		return queue.InsertAfterMarker
	}
	return d.Regen.InsertionMode
}

// Insertion records one text change, in the coordinates of the text as it
// was after every earlier change of the same commit
type Insertion struct {
	Point  int
	Length int // net change in length, negative when text shrank
}

// CommitResult summarizes a commit
type CommitResult struct {
	Inserted       int
	Skipped        int
	AlreadyPresent int
	Insertions     []Insertion
	WrittenAt      time.Time // zero when nothing was written
}

// Engine commits deferred images into one transcript
type Engine struct {
	transcript host.Transcript
	hooks      host.Hooks
	patterns   *markers.Patterns
	template   string

	// commits are read-modify-write on the transcript
	mu sync.Mutex

	log *logger.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithImageTemplate sets the markup rendered for each image. {url} and
// {prompt} are substituted.
func WithImageTemplate(template string) Option {
	return func(e *Engine) {
		if template != "" {
			e.template = template
		}
	}
}

// DefaultImageTemplate is the markup used without WithImageTemplate
const DefaultImageTemplate = `<img src="{url}" title="{prompt}" alt="{prompt}">`

// New creates an engine
func New(transcript host.Transcript, hooks host.Hooks, patterns *markers.Patterns, opts ...Option) *Engine {
	if hooks == nil {
		hooks = host.NopHooks{}
	}
	e := &Engine{
		transcript: transcript,
		hooks:      hooks,
		patterns:   patterns,
		template:   DefaultImageTemplate,
		log:        logger.WithComponent("insertion"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// edit replaces text[start:end] with insert. Edits are planned against the
// text as read and applied together.
type edit struct {
	start, end int
	insert     string
	seq        int

	image    DeferredImage
	anchor   int    // marker start in the original text, -1 if unknown
	unlinkOf string // image reference replaced by this edit
}

// Commit splices images into message index. Images whose anchor cannot be
// found are skipped; images already next to their anchor are counted but
// not inserted again. After the single write it links each image in the
// session's registry and runs the host hooks in order, returning the first
// persistence error. A commit that writes nothing but still fixes up the
// registry only persists metadata.
func (e *Engine) Commit(ctx context.Context, sess *host.Session, index int, images []DeferredImage) (CommitResult, error) {
	return e.CommitWith(ctx, sess, index, images, nil)
}

// CommitWith is Commit with afterWrite run right after the message is
// written, before the registry and the hooks see the change. It is not
// called when nothing was written.
func (e *Engine) CommitWith(ctx context.Context, sess *host.Session, index int, images []DeferredImage, afterWrite func(CommitResult)) (CommitResult, error) {
	var result CommitResult
	if len(images) == 0 {
		return result, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	reg, err := sess.Registry()
	if err != nil {
		return result, err
	}

	text, err := e.transcript.ReadMessageText(ctx, index)
	if err != nil {
		return result, err
	}

	var (
		edits   []edit
		present []edit
		used    = make(map[int]bool)
	)
	for i, img := range images {
		ed, state := e.plan(text, img, used)
		ed.seq = i
		switch state {
		case planInsert:
			edits = append(edits, ed)
		case planPresent:
			present = append(present, ed)
			result.AlreadyPresent++
		default:
			result.Skipped++
		}
	}

	updated, applied, insertions := apply(text, edits)
	result.Inserted = len(applied)
	result.Skipped += len(edits) - len(applied)
	result.Insertions = insertions

	if result.Inserted > 0 {
		if err := e.transcript.WriteMessageText(ctx, index, updated); err != nil {
			return CommitResult{Skipped: len(images)}, fmt.Errorf("failed to write message %d: %w", index, err)
		}
		result.WrittenAt = time.Now()
		if afterWrite != nil {
			afterWrite(result)
		}
	}

	linked := e.link(reg, index, text, append(applied, present...))

	e.log.Info("Committed images",
		"message", index,
		"inserted", result.Inserted,
		"skipped", result.Skipped,
		"already_present", result.AlreadyPresent)

	if result.Inserted == 0 {
		if linked {
			if err := e.hooks.PersistMetadata(ctx); err != nil {
				return result, fmt.Errorf("failed to persist chat metadata: %w", err)
			}
		}
		return result, nil
	}

	e.hooks.NotifyEdited(index)
	e.hooks.Rerender(index)
	e.hooks.NotifyUpdated(index)
	if err := e.hooks.PersistMetadata(ctx); err != nil {
		return result, fmt.Errorf("failed to persist chat metadata: %w", err)
	}
	if err := e.hooks.PersistChat(ctx); err != nil {
		return result, fmt.Errorf("failed to persist chat: %w", err)
	}
	return result, nil
}

type planState int

const (
	planSkip planState = iota
	planInsert
	planPresent
)

func (e *Engine) plan(text string, img DeferredImage, used map[int]bool) (edit, planState) {
	ed := edit{image: img, anchor: -1}
	markup := markers.RenderImage(e.template, img.ImageURL, img.Prompt)
	want := registry.NormalizeImageURL(img.ImageURL)

	anchor := findAnchor(text, img.FullMatch, img.StartIndex, used)
	if anchor >= 0 {
		ed.anchor = anchor
	}

	switch mode := img.mode(); mode {
	case queue.InsertReplaceImage, queue.InsertAfterImage:
		target, ok := e.findTarget(text, img, anchor)
		if !ok {
			// a replaced target is gone once its replacement is in place
			if _, has := markers.FindImage(text, sameImage(want)); has {
				return ed, planPresent
			}
			e.log.Warn("Target image not found, skipping", "prompt", img.Prompt, "target", img.Regen.TargetImageURL, "mode", mode)
			return ed, planSkip
		}
		if anchor >= 0 {
			used[anchor] = true
		}
		run := imageRun(text, target)
		if containsImage(run, want) {
			return ed, planPresent
		}
		if mode == queue.InsertReplaceImage {
			ed.start = elementStart(text, target)
			ed.end = target.End
			ed.insert = strings.TrimPrefix(markup, "\n")
			ed.unlinkOf = target.Src
		} else {
			ed.start, ed.end = target.End, target.End
			ed.insert = markup
		}
		return ed, planInsert

	default:
		if anchor < 0 {
			if mode == queue.InsertAfterPrompt {
				if _, has := markers.FindImage(text, sameImage(want)); has {
					return ed, planPresent
				}
			}
			e.log.Warn("Prompt marker not found, skipping", "prompt", img.Prompt)
			return ed, planSkip
		}
		used[anchor] = true

		markerEnd := anchor + len(img.FullMatch)
		run := markers.ImagesAfter(text, markerEnd)
		if containsImage(run, want) {
			return ed, planPresent
		}
		point := markerEnd
		if mode == queue.InsertAfterPrompt && len(run) > 0 {
			point = run[len(run)-1].End
		}
		ed.start, ed.end = point, point
		ed.insert = markup
		return ed, planInsert
	}
}

// findTarget locates the image a regeneration refers to, preferring the run
// of images right after its prompt marker
func (e *Engine) findTarget(text string, img DeferredImage, anchor int) (markers.Image, bool) {
	if img.Regen == nil || img.Regen.TargetImageURL == "" {
		return markers.Image{}, false
	}
	target := registry.NormalizeImageURL(img.Regen.TargetImageURL)

	if anchor >= 0 {
		for _, candidate := range markers.ImagesAfter(text, anchor+len(img.FullMatch)) {
			if registry.NormalizeImageURL(candidate.Src) == target {
				return candidate, true
			}
		}
	}
	return markers.FindImage(text, sameImage(target))
}

// findAnchor returns where fullMatch starts in text. The recorded position
// wins when it still holds the marker; otherwise the first occurrence not
// already claimed by this commit is used.
func findAnchor(text, fullMatch string, recorded int, used map[int]bool) int {
	if fullMatch == "" {
		return -1
	}
	if recorded >= 0 && recorded+len(fullMatch) <= len(text) && text[recorded:recorded+len(fullMatch)] == fullMatch && !used[recorded] {
		return recorded
	}

	first := -1
	for from := 0; from <= len(text); {
		i := strings.Index(text[from:], fullMatch)
		if i < 0 {
			break
		}
		pos := from + i
		if first < 0 {
			first = pos
		}
		if !used[pos] {
			return pos
		}
		from = pos + 1
	}
	// every occurrence is claimed; the idempotency check decides
	return first
}

// imageRun returns the whitespace-separated run of images containing target
func imageRun(text string, target markers.Image) []markers.Image {
	run := []markers.Image{target}
	return append(run, markers.ImagesAfter(text, target.End)...)
}

func containsImage(images []markers.Image, normalized string) bool {
	for _, img := range images {
		if registry.NormalizeImageURL(img.Src) == normalized {
			return true
		}
	}
	return false
}

func sameImage(normalized string) func(string) bool {
	return func(src string) bool {
		return registry.NormalizeImageURL(src) == normalized
	}
}

// elementStart skips whitespace ImageAt includes before an element
func elementStart(text string, img markers.Image) int {
	segment := text[img.Start:img.End]
	return img.Start + len(segment) - len(strings.TrimLeft(segment, " \t\r\n"))
}

// apply performs edits in text order. An edit overlapping text already
// replaced by an earlier one is dropped. Edits at the same point keep their
// submission order.
func apply(text string, edits []edit) (string, []edit, []Insertion) {
	sorted := append([]edit(nil), edits...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].start != sorted[j].start {
			return sorted[i].start < sorted[j].start
		}
		return sorted[i].seq < sorted[j].seq
	})

	var (
		b          strings.Builder
		applied    []edit
		insertions []Insertion
		cursor     int
		shift      int
	)
	for _, ed := range sorted {
		if ed.start < cursor {
			continue
		}
		b.WriteString(text[cursor:ed.start])
		b.WriteString(ed.insert)
		cursor = ed.end

		delta := len(ed.insert) - (ed.end - ed.start)
		insertions = append(insertions, Insertion{Point: ed.start + shift, Length: delta})
		shift += delta
		applied = append(applied, ed)
	}
	b.WriteString(text[cursor:])
	return b.String(), applied, insertions
}

// link records each committed image against the prompt that produced it.
// Plain detections register their marker as a root prompt keyed by its
// position among the message's markers.
// link records each committed image in the registry and reports whether the
// registry changed
func (e *Engine) link(reg *registry.Registry, index int, original string, edits []edit) bool {
	if len(edits) == 0 {
		return false
	}

	positions := make(map[int]int)
	if e.patterns != nil {
		for i, m := range e.patterns.Extract(original) {
			positions[m.Start] = i
		}
	}

	changed := false
	for _, ed := range edits {
		img := ed.image
		promptID := ""
		if img.Regen != nil {
			promptID = img.Regen.TargetPromptID
			if promptID == "" && img.Regen.TargetImageURL != "" {
				if owner, ok := reg.FindByImage(img.Regen.TargetImageURL); ok {
					promptID = owner.ID
				}
			}
		}
		if promptID == "" {
			promptIndex, ok := positions[ed.anchor]
			if ed.anchor < 0 || !ok {
				e.log.Warn("Cannot place prompt in message, image left unlinked", "prompt", img.Prompt, "image", img.ImageURL)
				continue
			}
			before := reg.Len()
			promptID = reg.Register(img.Prompt, index, promptIndex, registry.SourceFromModel).ID
			changed = changed || reg.Len() > before
		}

		if ed.unlinkOf != "" && reg.UnlinkImage(ed.unlinkOf) {
			changed = true
		}
		if reg.LinkImage(promptID, img.ImageURL) {
			changed = true
		}
	}
	return changed
}
