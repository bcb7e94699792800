package registry

import "fmt"

// GetRoot walks parent links up to the root of promptID's tree. A cycle or a
// dangling parent stops the walk at the last node reached.
func (r *Registry) GetRoot(promptID string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain, err := r.chainLocked(promptID)
	if err != nil {
		return Node{}, err
	}
	return chain[0], nil
}

// GetChain returns the path from the root down to promptID, inclusive
func (r *Registry) GetChain(promptID string) ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chainLocked(promptID)
}

func (r *Registry) chainLocked(promptID string) ([]Node, error) {
	node, ok := r.nodes[promptID]
	if !ok {
		return nil, fmt.Errorf("chain %s: %w", promptID, ErrNotFound)
	}

	visited := map[string]bool{}
	var reversed []Node
	for node != nil {
		if visited[node.ID] {
			r.log.Warn("Cycle detected walking to root", "start", promptID, "at", node.ID)
			break
		}
		visited[node.ID] = true
		reversed = append(reversed, node.clone())

		if node.ParentID == nil {
			break
		}
		parent, ok := r.nodes[*node.ParentID]
		if !ok {
			r.log.Warn("Missing parent walking to root", "node", node.ID, "parent", *node.ParentID)
			break
		}
		node = parent
	}

	chain := make([]Node, len(reversed))
	for i, n := range reversed {
		chain[len(reversed)-1-i] = n
	}
	return chain, nil
}

// GetChildren returns the direct children of promptID in creation order
func (r *Registry) GetChildren(promptID string) ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[promptID]
	if !ok {
		return nil, fmt.Errorf("children %s: %w", promptID, ErrNotFound)
	}

	children := make([]Node, 0, len(node.ChildIDs))
	for _, id := range node.ChildIDs {
		if child, ok := r.nodes[id]; ok {
			children = append(children, child.clone())
		}
	}
	return children, nil
}

// GetSubtree returns promptID and all of its descendants in pre-order
func (r *Registry) GetSubtree(promptID string) ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.nodes[promptID]; !ok {
		return nil, fmt.Errorf("subtree %s: %w", promptID, ErrNotFound)
	}
	return r.subtreeLocked(promptID, map[string]bool{}), nil
}

// subtreeLocked walks iteratively so a malformed tree cannot blow the stack
func (r *Registry) subtreeLocked(promptID string, visited map[string]bool) []Node {
	var out []Node
	stack := []string{promptID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[id] {
			r.log.Warn("Cycle detected walking subtree", "start", promptID, "at", id)
			break
		}
		node, ok := r.nodes[id]
		if !ok {
			continue
		}
		visited[id] = true
		out = append(out, node.clone())

		for i := len(node.ChildIDs) - 1; i >= 0; i-- {
			stack = append(stack, node.ChildIDs[i])
		}
	}
	return out
}

// isAncestorLocked reports whether candidate sits on the path from promptID
// to its root
func (r *Registry) isAncestorLocked(candidate, promptID string) bool {
	visited := map[string]bool{}
	node := r.nodes[promptID]
	for node != nil && node.ParentID != nil && !visited[node.ID] {
		visited[node.ID] = true
		if *node.ParentID == candidate {
			return true
		}
		node = r.nodes[*node.ParentID]
	}
	return false
}
