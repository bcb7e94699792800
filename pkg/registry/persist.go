package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/killallgit/promptcanvas/pkg/logger"
)

// snapshot is the persisted layout stored in the chat metadata blob
type snapshot struct {
	Nodes           map[string]*Node  `json:"nodes"`
	ImageToPromptID map[string]string `json:"imageToPromptId"`
	RootPromptIDs   []string          `json:"rootPromptIds"`
}

// MarshalJSON encodes the registry for storage in chat metadata
func (r *Registry) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return json.Marshal(snapshot{
		Nodes:           r.nodes,
		ImageToPromptID: r.imageToPromptID,
		RootPromptIDs:   r.rootIDs,
	})
}

// UnmarshalJSON replaces the registry contents with a stored snapshot
func (r *Registry) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode prompt registry: %w", err)
	}

	if snap.Nodes == nil {
		snap.Nodes = make(map[string]*Node)
	}
	if snap.ImageToPromptID == nil {
		snap.ImageToPromptID = make(map[string]string)
	}
	if snap.RootPromptIDs == nil {
		snap.RootPromptIDs = []string{}
	}
	for id, node := range snap.Nodes {
		node.ID = id
		if node.ChildIDs == nil {
			node.ChildIDs = []string{}
		}
		if node.GeneratedImages == nil {
			node.GeneratedImages = []string{}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = snap.Nodes
	r.imageToPromptID = snap.ImageToPromptID
	r.rootIDs = snap.RootPromptIDs
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = logger.WithComponent("registry")
	}
	return nil
}

// Validate checks the tree and index invariants and returns every violation
// joined into one error, or nil when the registry is consistent
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error

	roots := make(map[string]int, len(r.rootIDs))
	for _, id := range r.rootIDs {
		roots[id]++
	}
	for id, count := range roots {
		node, ok := r.nodes[id]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("root index lists unknown prompt %s", id))
		case node.ParentID != nil:
			errs = append(errs, fmt.Errorf("prompt %s has a parent but is in the root index", id))
		}
		if count > 1 {
			errs = append(errs, fmt.Errorf("prompt %s appears %d times in the root index", id, count))
		}
	}

	for id, node := range r.nodes {
		if node.ParentID == nil {
			if roots[id] == 0 {
				errs = append(errs, fmt.Errorf("root prompt %s missing from the root index", id))
			}
		} else {
			parent, ok := r.nodes[*node.ParentID]
			if !ok {
				errs = append(errs, fmt.Errorf("prompt %s has unknown parent %s", id, *node.ParentID))
			} else if !containsString(parent.ChildIDs, id) {
				errs = append(errs, fmt.Errorf("prompt %s not listed as a child of its parent %s", id, parent.ID))
			}
		}

		for _, childID := range node.ChildIDs {
			child, ok := r.nodes[childID]
			if !ok {
				errs = append(errs, fmt.Errorf("prompt %s lists unknown child %s", id, childID))
				continue
			}
			if child.ParentID == nil || *child.ParentID != id {
				errs = append(errs, fmt.Errorf("prompt %s lists child %s whose parent differs", id, childID))
			}
		}

		for _, img := range node.GeneratedImages {
			if r.imageToPromptID[img] != id {
				errs = append(errs, fmt.Errorf("image %s of prompt %s missing from the image index", img, id))
			}
		}
	}

	for img, id := range r.imageToPromptID {
		node, ok := r.nodes[id]
		if !ok || !containsString(node.GeneratedImages, img) {
			errs = append(errs, fmt.Errorf("image index entry %s points at %s which does not list it", img, id))
		}
	}

	return errors.Join(errs...)
}
