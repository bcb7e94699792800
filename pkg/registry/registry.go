// Package registry keeps the per-chat tree of image prompts.
//
// Every prompt version is a Node addressed by a hash of its text and its
// position in the transcript. Refinements form parent/child chains, and a
// reverse index maps each generated image back to the prompt that produced it.
// All methods are safe for concurrent use; each call is atomic with respect
// to the others.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/killallgit/promptcanvas/pkg/logger"
)

var (
	// ErrNotFound is returned when a prompt id does not resolve
	ErrNotFound = errors.New("prompt not found")
	// ErrOutOfRange is returned when a message has fewer markers than a node's position
	ErrOutOfRange = errors.New("prompt index out of range")
)

// Source records how a prompt version came to exist
type Source string

const (
	SourceFromModel    Source = "from-model"
	SourceModelRefined Source = "model-refined"
	SourceUserEdited   Source = "user-edited"
)

// Node is one version of one prompt at one location in the transcript
type Node struct {
	ID              string    `json:"id"`
	MessageID       int       `json:"messageId"`
	PromptIndex     int       `json:"promptIndex"`
	Text            string    `json:"text"`
	ParentID        *string   `json:"parentId"`
	ChildIDs        []string  `json:"childIds"`
	GeneratedImages []string  `json:"generatedImages"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUsedAt      time.Time `json:"lastUsedAt"`
	Feedback        string    `json:"feedback,omitempty"`
	Source          Source    `json:"source"`
}

// IsRoot reports whether the node has no parent
func (n Node) IsRoot() bool {
	return n.ParentID == nil
}

func (n *Node) clone() Node {
	c := *n
	if n.ParentID != nil {
		p := *n.ParentID
		c.ParentID = &p
	}
	c.ChildIDs = append([]string{}, n.ChildIDs...)
	c.GeneratedImages = append([]string{}, n.GeneratedImages...)
	return c
}

// Registry owns every prompt node of one chat session
type Registry struct {
	mu              sync.RWMutex
	nodes           map[string]*Node
	imageToPromptID map[string]string
	rootIDs         []string

	now func() time.Time
	log *logger.Logger
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		nodes:           make(map[string]*Node),
		imageToPromptID: make(map[string]string),
		rootIDs:         []string{},
		now:             time.Now,
		log:             logger.WithComponent("registry"),
	}
}

// ComputeID derives the node id for a prompt text at a transcript position
func ComputeID(text string, messageID, promptIndex int) string {
	sum := sha256.Sum256([]byte(text + "|" + strconv.Itoa(messageID) + "|" + strconv.Itoa(promptIndex)))
	return hex.EncodeToString(sum[:8])
}

// NormalizeImageURL reduces absolute http(s) URLs to their path so links stay
// stable whether the host hands back absolute or relative references.
// Anything else (relative paths, data URLs) is returned trimmed.
func NormalizeImageURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return raw
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// Register records a prompt found in the transcript. Registering the same
// text at the same position again returns the existing node.
func (r *Registry) Register(text string, messageID, promptIndex int, source Source) Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ComputeID(text, messageID, promptIndex)
	now := r.now()

	if existing, ok := r.nodes[id]; ok {
		existing.LastUsedAt = now
		return existing.clone()
	}

	node := &Node{
		ID:              id,
		MessageID:       messageID,
		PromptIndex:     promptIndex,
		Text:            text,
		ChildIDs:        []string{},
		GeneratedImages: []string{},
		CreatedAt:       now,
		LastUsedAt:      now,
		Source:          source,
	}
	r.nodes[id] = node
	r.rootIDs = append(r.rootIDs, id)

	r.log.Debug("Registered prompt", "id", id, "message", messageID, "index", promptIndex, "source", source)
	return node.clone()
}

// Refine records a new version of the prompt parentID. The new version keeps
// the parent's position; when that content already exists as another node it
// is moved under parentID instead of being duplicated.
func (r *Registry) Refine(parentID, newText, feedback string, source Source) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.nodes[parentID]
	if !ok {
		return Node{}, fmt.Errorf("refine %s: %w", parentID, ErrNotFound)
	}

	childID := ComputeID(newText, parent.MessageID, parent.PromptIndex)
	now := r.now()

	if childID == parentID {
		return parent.clone(), nil
	}

	if existing, ok := r.nodes[childID]; ok {
		// Moving an ancestor below its own descendant would close a loop
		if r.isAncestorLocked(childID, parentID) {
			r.log.Warn("Refinement matches an ancestor, leaving tree unchanged", "parent", parentID, "ancestor", childID)
			existing.LastUsedAt = now
			return existing.clone(), nil
		}

		r.detachLocked(existing)
		pid := parentID
		existing.ParentID = &pid
		existing.Feedback = feedback
		existing.LastUsedAt = now
		parent.ChildIDs = append(parent.ChildIDs, childID)

		r.log.Debug("Reparented prompt", "id", childID, "parent", parentID)
		return existing.clone(), nil
	}

	pid := parentID
	child := &Node{
		ID:              childID,
		MessageID:       parent.MessageID,
		PromptIndex:     parent.PromptIndex,
		Text:            newText,
		ParentID:        &pid,
		ChildIDs:        []string{},
		GeneratedImages: []string{},
		CreatedAt:       now,
		LastUsedAt:      now,
		Feedback:        feedback,
		Source:          source,
	}
	r.nodes[childID] = child
	parent.ChildIDs = append(parent.ChildIDs, childID)

	r.log.Debug("Refined prompt", "id", childID, "parent", parentID, "source", source)
	return child.clone(), nil
}

// LinkImage associates a generated image with a prompt and reports whether
// the registry changed. Unknown prompts are logged and ignored.
func (r *Registry) LinkImage(promptID, imageURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[promptID]
	if !ok {
		r.log.Warn("Cannot link image to unknown prompt", "prompt", promptID, "image", imageURL)
		return false
	}

	ref := NormalizeImageURL(imageURL)
	if ref == "" {
		return false
	}

	changed := r.imageToPromptID[ref] != promptID || !containsString(node.GeneratedImages, ref)

	if owner, ok := r.imageToPromptID[ref]; ok && owner != promptID {
		if prev, ok := r.nodes[owner]; ok {
			prev.GeneratedImages = removeString(prev.GeneratedImages, ref)
		}
	}

	if !containsString(node.GeneratedImages, ref) {
		node.GeneratedImages = append(node.GeneratedImages, ref)
	}
	r.imageToPromptID[ref] = promptID
	node.LastUsedAt = r.now()
	return changed
}

// UnlinkImage removes an image from whichever prompt owns it and reports
// whether anything was removed
func (r *Registry) UnlinkImage(imageURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := NormalizeImageURL(imageURL)
	owner, ok := r.imageToPromptID[ref]
	if !ok {
		return false
	}
	delete(r.imageToPromptID, ref)
	if node, ok := r.nodes[owner]; ok {
		node.GeneratedImages = removeString(node.GeneratedImages, ref)
	}
	return true
}

// Delete removes a prompt. Its children become roots.
func (r *Registry) Delete(promptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[promptID]
	if !ok {
		return fmt.Errorf("delete %s: %w", promptID, ErrNotFound)
	}
	r.deleteLocked(node)
	return nil
}

func (r *Registry) deleteLocked(node *Node) {
	r.detachLocked(node)

	for _, childID := range node.ChildIDs {
		child, ok := r.nodes[childID]
		if !ok {
			continue
		}
		child.ParentID = nil
		r.rootIDs = append(r.rootIDs, childID)
	}

	for _, img := range node.GeneratedImages {
		if r.imageToPromptID[img] == node.ID {
			delete(r.imageToPromptID, img)
		}
	}

	delete(r.nodes, node.ID)
	r.log.Debug("Deleted prompt", "id", node.ID, "promoted", len(node.ChildIDs))
}

// detachLocked unhooks node from its parent's children or from the root index
func (r *Registry) detachLocked(node *Node) {
	if node.ParentID == nil {
		r.rootIDs = removeString(r.rootIDs, node.ID)
		return
	}
	if parent, ok := r.nodes[*node.ParentID]; ok {
		parent.ChildIDs = removeString(parent.ChildIDs, node.ID)
	}
	node.ParentID = nil
}

// PruneOrphans deletes every prompt that has neither images nor children and
// returns how many were removed
func (r *Registry) PruneOrphans() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var orphans []*Node
	for _, node := range r.nodes {
		if len(node.GeneratedImages) == 0 && len(node.ChildIDs) == 0 {
			orphans = append(orphans, node)
		}
	}
	for _, node := range orphans {
		r.deleteLocked(node)
	}

	if len(orphans) > 0 {
		r.log.Info("Pruned orphan prompts", "count", len(orphans))
	}
	return len(orphans)
}

// Get returns a copy of a node
func (r *Registry) Get(promptID string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[promptID]
	if !ok {
		return Node{}, fmt.Errorf("get %s: %w", promptID, ErrNotFound)
	}
	return node.clone(), nil
}

// FindByImage returns the prompt an image was generated from
func (r *Registry) FindByImage(imageURL string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.imageToPromptID[NormalizeImageURL(imageURL)]
	if !ok {
		return Node{}, false
	}
	node, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return node.clone(), true
}

// RootIDs returns the root prompt ids in registration order
func (r *Registry) RootIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string{}, r.rootIDs...)
}

// Nodes returns copies of all nodes, roots first in root order, each followed
// by its subtree
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	seen := make(map[string]bool, len(r.nodes))
	for _, id := range r.rootIDs {
		out = append(out, r.subtreeLocked(id, seen)...)
	}
	// Anything unreachable from a root still gets listed
	for id, node := range r.nodes {
		if !seen[id] {
			out = append(out, node.clone())
		}
	}
	return out
}

// Len returns the number of nodes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
